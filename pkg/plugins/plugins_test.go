package plugins

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanzoai/mcp/pkg/config"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

const validManifest = `plugin:
  name: echo
  version: 1.0.0
  description: Echoes text back.
  type: tool
  protocol: netrpc
  tools:
    - echo
`

// writePlugin drops an executable and its manifest into dir.
func writePlugin(t *testing.T, dir, name string, mode os.FileMode, manifest string) string {
	t.Helper()
	execPath := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\n"), mode))
	require.NoError(t, os.WriteFile(execPath+manifestSuffix, []byte(manifest), 0o644))
	return execPath
}

func discoverIn(t *testing.T, cfg config.PluginsConfig) []DiscoveredPlugin {
	t.Helper()
	found, err := NewDiscovery(cfg).Discover()
	require.NoError(t, err)
	return found
}

func TestDiscover_FindsValidManifest(t *testing.T) {
	dir := t.TempDir()
	execPath := writePlugin(t, dir, "echo-tool", 0o755, validManifest)

	found := discoverIn(t, config.PluginsConfig{Enabled: true, Paths: []string{dir}})
	require.Len(t, found, 1)

	p := found[0]
	assert.Equal(t, execPath, p.Path)
	assert.Equal(t, execPath+manifestSuffix, p.ManifestPath)
	assert.Equal(t, "echo", p.Manifest.Name)
	assert.Equal(t, "1.0.0", p.Manifest.Version)
	assert.Equal(t, []string{"echo"}, p.Manifest.Tools)
}

func TestDiscover_SkipsInvalidManifests(t *testing.T) {
	dir := t.TempDir()

	writePlugin(t, dir, "good", 0o755, validManifest)
	writePlugin(t, dir, "bad-protocol", 0o755, "plugin:\n  name: a\n  version: 1.0.0\n  type: tool\n  protocol: grpc\n")
	writePlugin(t, dir, "bad-type", 0o755, "plugin:\n  name: b\n  version: 1.0.0\n  type: llm_provider\n  protocol: netrpc\n")
	writePlugin(t, dir, "unnamed", 0o755, "plugin:\n  version: 1.0.0\n  type: tool\n  protocol: netrpc\n")
	writePlugin(t, dir, "garbled", 0o755, ":::: not yaml")
	writePlugin(t, dir, "not-exec", 0o644, validManifest)

	// Manifest with no executable next to it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghost"+manifestSuffix), []byte(validManifest), 0o644))

	found := discoverIn(t, config.PluginsConfig{Enabled: true, Paths: []string{dir}})
	require.Len(t, found, 1)
	assert.Equal(t, filepath.Join(dir, "good"), found[0].Path)
}

func TestDiscover_DisabledReturnsNothing(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "echo-tool", 0o755, validManifest)

	found := discoverIn(t, config.PluginsConfig{Enabled: false, Paths: []string{dir}})
	assert.Empty(t, found)
}

func TestDiscover_IgnoresMissingDirs(t *testing.T) {
	found := discoverIn(t, config.PluginsConfig{
		Enabled: true,
		Paths:   []string{filepath.Join(t.TempDir(), "does-not-exist")},
	})
	assert.Empty(t, found)
}

func TestDiscover_SubdirectoryScan(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "vendor", "tools")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writePlugin(t, nested, "echo-tool", 0o755, validManifest)

	found := discoverIn(t, config.PluginsConfig{Enabled: true, Paths: []string{dir}, ScanSubdirectories: true})
	require.Len(t, found, 1)

	found = discoverIn(t, config.PluginsConfig{Enabled: true, Paths: []string{dir}})
	assert.Empty(t, found)
}

func TestDiscover_DeduplicatesPaths(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "echo-tool", 0o755, validManifest)

	found := discoverIn(t, config.PluginsConfig{Enabled: true, Paths: []string{dir, dir}})
	assert.Len(t, found, 1)
}

// stubService is an in-process ToolService.
type stubService struct {
	descs []tool.Descriptor
	call  func(name string, args map[string]interface{}) ([]protocol.Chunk, error)
}

func (s *stubService) Descriptors() ([]tool.Descriptor, error) {
	return s.descs, nil
}

func (s *stubService) Call(name string, args map[string]interface{}) ([]protocol.Chunk, error) {
	return s.call(name, args)
}

// wireClient runs the rpc server and client over an in-memory pipe, the
// same frames go-plugin carries between processes.
func wireClient(t *testing.T, impl ToolService) ToolService {
	t.Helper()

	hostConn, pluginConn := net.Pipe()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Plugin", &rpcServer{impl: impl}))
	go server.ServeConn(pluginConn)

	client := rpc.NewClient(hostConn)
	t.Cleanup(func() { client.Close() })
	return &rpcClient{client: client}
}

func TestWire_DescriptorsRoundTrip(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"text"},
	}
	svc := wireClient(t, &stubService{
		descs: []tool.Descriptor{{
			Name:        "echo",
			Description: "Echoes text back.",
			InputSchema: schema,
			Category:    tool.CategoryPlugin,
		}},
	})

	descs, err := svc.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "echo", descs[0].Name)
	assert.Equal(t, tool.CategoryPlugin, descs[0].Category)
	assert.Equal(t, schema, descs[0].InputSchema)
}

func TestWire_CallRoundTrip(t *testing.T) {
	jsonChunk, err := protocol.JSONChunk(map[string]interface{}{"count": 3})
	require.NoError(t, err)

	var gotName string
	var gotArgs map[string]interface{}
	svc := wireClient(t, &stubService{
		call: func(name string, args map[string]interface{}) ([]protocol.Chunk, error) {
			gotName = name
			gotArgs = args
			return []protocol.Chunk{protocol.TextChunk("hi"), jsonChunk}, nil
		},
	})

	chunks, err := svc.Call("echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)

	assert.Equal(t, "echo", gotName)
	assert.Equal(t, map[string]interface{}{"text": "hi"}, gotArgs)

	require.Len(t, chunks, 2)
	assert.Equal(t, protocol.ChunkText, chunks[0].Type)
	assert.Equal(t, "hi", chunks[0].Text)
	assert.Equal(t, protocol.ChunkJSON, chunks[1].Type)
	assert.JSONEq(t, `{"count":3}`, string(chunks[1].JSON))
}

func TestWire_ErrorsCrossTheWire(t *testing.T) {
	svc := wireClient(t, &stubService{
		call: func(string, map[string]interface{}) ([]protocol.Chunk, error) {
			return nil, fmt.Errorf("backend exploded")
		},
	})

	_, err := svc.Call("echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestWire_NilArgs(t *testing.T) {
	svc := wireClient(t, &stubService{
		call: func(_ string, args map[string]interface{}) ([]protocol.Chunk, error) {
			assert.Empty(t, args)
			return []protocol.Chunk{protocol.TextChunk("ok")}, nil
		},
	})

	chunks, err := svc.Call("echo", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "ok", chunks[0].Text)
}

func TestPluginTool_Call(t *testing.T) {
	pkg := &Package{
		name: "demo",
		svc: &stubService{
			call: func(name string, args map[string]interface{}) ([]protocol.Chunk, error) {
				assert.Equal(t, "echo", name)
				return []protocol.Chunk{protocol.TextChunk("pong")}, nil
			},
		},
	}
	h := &pluginTool{pkg: pkg, desc: tool.Descriptor{Name: "echo", Category: tool.CategoryPlugin}}

	res, err := h.Call(context.Background(), &tool.Invocation{ID: "inv-1", Tool: "echo"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "pong", res.Content[0].Text)
}

func TestPluginTool_WrapsServiceErrors(t *testing.T) {
	pkg := &Package{
		name: "demo",
		svc: &stubService{
			call: func(string, map[string]interface{}) ([]protocol.Chunk, error) {
				return nil, fmt.Errorf("rpc: connection is shut down")
			},
		},
	}
	h := &pluginTool{pkg: pkg, desc: tool.Descriptor{Name: "echo"}}

	_, err := h.Call(context.Background(), &tool.Invocation{ID: "inv-1", Tool: "echo"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindExecutionFailed))
	assert.ErrorContains(t, err, "plugin demo")
}

func TestPluginTool_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	pkg := &Package{
		name: "demo",
		svc: &stubService{
			call: func(string, map[string]interface{}) ([]protocol.Chunk, error) {
				<-release
				return nil, nil
			},
		},
	}
	h := &pluginTool{pkg: pkg, desc: tool.Descriptor{Name: "echo"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Call(ctx, &tool.Invocation{ID: "inv-1", Tool: "echo"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	close(release)
}
