package plugins

import (
	"encoding/json"
	"fmt"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Handshake guards against executing something that is not a plugin.
// Plugin processes see HANZO_MCP_PLUGIN=1 in their environment.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "HANZO_MCP_PLUGIN",
	MagicCookieValue: "1",
}

// DispenseName is the key the tool service is registered under.
const DispenseName = "tool"

// ToolService is the interface a plugin executable implements. One
// service may serve several tools.
type ToolService interface {
	// Descriptors lists the tools the plugin serves.
	Descriptors() ([]tool.Descriptor, error)

	// Call runs one tool with schema-validated arguments.
	Call(name string, args map[string]interface{}) ([]protocol.Chunk, error)
}

// Serve hands a tool service to go-plugin. Plugin main functions call
// this; it blocks for the life of the process.
func Serve(impl ToolService) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			DispenseName: &ToolPlugin{Impl: impl},
		},
	})
}

// ToolPlugin is the go-plugin glue for the net/rpc transport. The host
// leaves Impl nil; plugin binaries set it before serving.
type ToolPlugin struct {
	Impl ToolService
}

func (p *ToolPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

// Wire frames. Descriptors and chunks cross as JSON payloads: gob would
// need every concrete type inside the schema maps registered on both
// sides.
type DescriptorsReply struct {
	Payload []byte // JSON []tool.Descriptor
}

type CallRequest struct {
	Name string
	Args []byte // JSON object
}

type CallReply struct {
	Payload []byte // JSON []protocol.Chunk
}

// rpcServer runs inside the plugin process.
type rpcServer struct {
	impl ToolService
}

func (s *rpcServer) Descriptors(_ interface{}, reply *DescriptorsReply) error {
	descs, err := s.impl.Descriptors()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(descs)
	if err != nil {
		return fmt.Errorf("failed to encode descriptors: %w", err)
	}
	reply.Payload = payload
	return nil
}

func (s *rpcServer) Call(req CallRequest, reply *CallReply) error {
	var args map[string]interface{}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fmt.Errorf("failed to decode arguments: %w", err)
		}
	}

	chunks, err := s.impl.Call(req.Name, args)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	reply.Payload = payload
	return nil
}

// rpcClient runs in the host and satisfies ToolService over the wire.
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Descriptors() ([]tool.Descriptor, error) {
	var reply DescriptorsReply
	if err := c.client.Call("Plugin.Descriptors", new(interface{}), &reply); err != nil {
		return nil, err
	}
	var descs []tool.Descriptor
	if err := json.Unmarshal(reply.Payload, &descs); err != nil {
		return nil, fmt.Errorf("failed to decode descriptors: %w", err)
	}
	return descs, nil
}

func (c *rpcClient) Call(name string, args map[string]interface{}) ([]protocol.Chunk, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}

	var reply CallReply
	if err := c.client.Call("Plugin.Call", CallRequest{Name: name, Args: encoded}, &reply); err != nil {
		return nil, err
	}
	var chunks []protocol.Chunk
	if err := json.Unmarshal(reply.Payload, &chunks); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return chunks, nil
}

var (
	_ goplugin.Plugin = (*ToolPlugin)(nil)
	_ ToolService     = (*rpcClient)(nil)
)
