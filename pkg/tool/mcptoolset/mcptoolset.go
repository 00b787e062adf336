// Package mcptoolset proxies tools from downstream MCP servers.
//
// Each configured server becomes a Toolset. Its remote tools are listed
// once at connect time and registered under "<server>_<tool>" names in
// the proxy category; calls forward the arguments unchanged and adapt
// the downstream content back into chunks.
//
// Transport support:
//   - stdio: subprocess speaking MCP over stdin/stdout (mcp-go client)
//   - http: streamable HTTP endpoint, JSON-RPC POST with retry/backoff;
//     responses may arrive as plain JSON or SSE-framed
package mcptoolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hanzoai/mcp/pkg/config"
	"github.com/hanzoai/mcp/pkg/httpclient"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

const (
	// sseResponseTimeout bounds how long a single SSE-framed response may
	// take to arrive. Long-running downstream tools fit inside 5 minutes.
	sseResponseTimeout = 5 * time.Minute

	httpTimeout    = 30 * time.Second
	httpMaxRetries = 3
	httpBaseDelay  = 2 * time.Second
)

// Toolset is the proxy for one downstream MCP server. The connection is
// lazy: nothing is dialed until Tools is first called.
type Toolset struct {
	cfg config.MCPServerConfig

	mu        sync.Mutex
	stdio     *client.Client     // stdio transport
	web       *httpclient.Client // http transport
	tools     []tool.Handler
	connected bool

	// sessionID tracks the mcp-session-id header issued by streamable
	// HTTP servers. Written on every response that carries one.
	sessionMu sync.RWMutex
	sessionID string

	nextID atomic.Int64
}

// New validates the server config and returns an unconnected toolset.
func New(cfg config.MCPServerConfig) (*Toolset, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp server config needs a name")
	}
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("mcp server %s: stdio transport requires a command", cfg.Name)
		}
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp server %s: http transport requires a url", cfg.Name)
		}
	default:
		return nil, fmt.Errorf("mcp server %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}
	return &Toolset{cfg: cfg}, nil
}

// Name returns the configured server name, used as the tool name prefix.
func (t *Toolset) Name() string {
	return t.cfg.Name
}

// Tools returns one handler per downstream tool, connecting on first call.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", t.cfg.Name, err)
		}
	}
	return t.tools, nil
}

func (t *Toolset) connect(ctx context.Context) error {
	if t.cfg.Transport == "stdio" {
		return t.connectStdio(ctx)
	}
	return t.connectHTTP(ctx)
}

// connectStdio spawns the server subprocess and completes the MCP
// handshake over its stdin/stdout.
func (t *Toolset) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(
		t.cfg.Command,
		envSlice(t.cfg.Env),
		t.cfg.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to spawn: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    protocol.ServerName,
		Version: protocol.ServerVersion,
	}
	initReq.Params.ProtocolVersion = protocol.ProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize failed: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("tools/list failed: %w", err)
	}

	var tools []tool.Handler
	for _, remote := range listResp.Tools {
		tools = append(tools, t.wrap(remote.Name, remote.Description, schemaMap(remote.InputSchema), true))
	}

	t.stdio = mcpClient
	t.tools = tools
	t.connected = true

	slog.Info("Connected to MCP server",
		"name", t.cfg.Name,
		"transport", "stdio",
		"command", t.cfg.Command,
		"tools", len(tools),
	)
	return nil
}

// connectHTTP initializes against a streamable HTTP endpoint and lists
// its tools. Throttling and transient server errors are retried by the
// shared HTTP client.
func (t *Toolset) connectHTTP(ctx context.Context) error {
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: httpTimeout}),
		httpclient.WithMaxRetries(httpMaxRetries),
		httpclient.WithBaseDelay(httpBaseDelay),
	}
	if t.cfg.TLS.InsecureSkipVerify || t.cfg.TLS.CACert != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: t.cfg.TLS.InsecureSkipVerify,
			CACertificate:      t.cfg.TLS.CACert,
		}))
	}
	t.web = httpclient.New(opts...)

	initResp, err := t.rpc(ctx, protocol.MethodInitialize, map[string]interface{}{
		"protocolVersion": protocol.ProtocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    protocol.ServerName,
			"version": protocol.ServerVersion,
		},
		"capabilities": map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize rejected: %s", initResp.Error.Message)
	}

	listResp, err := t.rpc(ctx, protocol.MethodToolsList, nil)
	if err != nil {
		return fmt.Errorf("tools/list failed: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("tools/list rejected: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected tools/list result shape")
	}
	toolsList, ok := resultMap["tools"].([]interface{})
	if !ok {
		return fmt.Errorf("tools/list result has no tools array")
	}

	var tools []tool.Handler
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]interface{})
		tools = append(tools, t.wrap(name, desc, schema, false))
	}

	t.tools = tools
	t.connected = true

	slog.Info("Connected to MCP server",
		"name", t.cfg.Name,
		"transport", "http",
		"url", t.cfg.URL,
		"tools", len(tools),
	)
	return nil
}

// wrap builds the handler for one remote tool. Downstream servers that
// omit an input schema get a permissive object schema so validation
// passes everything through.
func (t *Toolset) wrap(remote, description string, schema map[string]interface{}, stdio bool) tool.Handler {
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	return &proxyTool{
		set:    t,
		remote: remote,
		stdio:  stdio,
		desc: tool.Descriptor{
			Name:        t.cfg.Name + "_" + remote,
			Description: description,
			InputSchema: schema,
			Category:    tool.CategoryProxy,
		},
	}
}

// Close shuts down the downstream connection. For stdio this terminates
// the subprocess; HTTP needs no explicit teardown.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.stdio != nil {
		err = t.stdio.Close()
		t.stdio = nil
	}
	t.web = nil
	t.tools = nil
	t.connected = false
	return err
}

// JSON-RPC frames for the HTTP transport.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc POSTs one JSON-RPC request and decodes the response, which the
// server may frame as plain JSON or as an SSE event stream.
func (t *Toolset) rpc(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	req := rpcRequest{
		JSONRPC: protocol.Version,
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := t.web.Do(httpReq)
	if err != nil {
		if httpResp != nil {
			httpResp.Body.Close()
		}
		slog.Debug("MCP HTTP request failed",
			"server", t.cfg.Name,
			"method", method,
			"error", err.Error())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(responseBody)))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response from an SSE
// stream. Data lines accumulate until a blank line ends the event.
func (t *Toolset) readSSEResponse(httpResp *http.Response) (*rpcResponse, error) {
	type result struct {
		response *rpcResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP SSE read error", "server", t.cfg.Name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))

			// Empty line ends the event.
			if lineStr == "" {
				if currentData.Len() > 0 {
					var resp rpcResponse
					if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
						resultChan <- result{response: &resp}
						return
					}
					currentData.Reset()
				}
				continue
			}

			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		// The stream may end without a trailing blank line.
		if currentData.Len() > 0 {
			var resp rpcResponse
			if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
				resultChan <- result{response: &resp}
				return
			}
		}

		resultChan <- result{err: fmt.Errorf("SSE stream ended without a complete message")}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-time.After(sseResponseTimeout):
		return nil, fmt.Errorf("timed out reading SSE response after %v", sseResponseTimeout)
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// schemaMap flattens an mcp-go schema into a plain map via a JSON
// round trip.
func schemaMap(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// proxyTool forwards calls for one remote tool.
type proxyTool struct {
	set    *Toolset
	remote string
	desc   tool.Descriptor
	stdio  bool
}

func (p *proxyTool) Descriptor() tool.Descriptor {
	return p.desc
}

func (p *proxyTool) Call(ctx context.Context, inv *tool.Invocation) (*tool.Result, error) {
	if p.stdio {
		return p.callStdio(ctx, inv)
	}
	return p.callHTTP(ctx, inv)
}

func (p *proxyTool) callStdio(ctx context.Context, inv *tool.Invocation) (*tool.Result, error) {
	p.set.mu.Lock()
	mcpClient := p.set.stdio
	p.set.mu.Unlock()

	if mcpClient == nil {
		return nil, protocol.Failf(protocol.KindExecutionFailed, "mcp server %s is not connected", p.set.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = p.remote
	req.Params.Arguments = inv.Args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.Failf(protocol.KindExecutionFailed, "mcp server %s: %v", p.set.cfg.Name, err)
	}
	if resp.IsError {
		return nil, protocol.Failf(protocol.KindExecutionFailed, "mcp server %s: %s", p.set.cfg.Name, stdioErrorText(resp.Content))
	}

	var chunks []protocol.Chunk
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			chunks = append(chunks, protocol.TextChunk(text.Text))
			continue
		}
		// Non-text content passes through as raw JSON.
		if ch, err := protocol.JSONChunk(content); err == nil {
			chunks = append(chunks, ch)
		}
	}
	return &tool.Result{Content: chunks}, nil
}

func (p *proxyTool) callHTTP(ctx context.Context, inv *tool.Invocation) (*tool.Result, error) {
	resp, err := p.set.rpc(ctx, protocol.MethodToolsCall, map[string]interface{}{
		"name":      p.remote,
		"arguments": inv.Args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.Failf(protocol.KindExecutionFailed, "mcp server %s: %v", p.set.cfg.Name, err)
	}
	if resp.Error != nil {
		return nil, protocol.Failf(protocol.KindExecutionFailed, "mcp server %s: %s", p.set.cfg.Name, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		return nil, protocol.Failf(protocol.KindExecutionFailed, "mcp server %s returned an unexpected result shape", p.set.cfg.Name)
	}

	contentList, _ := resultMap["content"].([]interface{})
	if isError, _ := resultMap["isError"].(bool); isError {
		return nil, protocol.Failf(protocol.KindExecutionFailed, "mcp server %s: %s", p.set.cfg.Name, httpErrorText(contentList))
	}

	var chunks []protocol.Chunk
	for _, raw := range contentList {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if item["type"] == "text" {
			if text, ok := item["text"].(string); ok {
				chunks = append(chunks, protocol.TextChunk(text))
				continue
			}
		}
		if ch, err := protocol.JSONChunk(item); err == nil {
			chunks = append(chunks, ch)
		}
	}
	return &tool.Result{Content: chunks}, nil
}

// stdioErrorText pulls the first text content out of an error result.
func stdioErrorText(content []mcp.Content) string {
	for _, c := range content {
		if text, ok := c.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return "unknown error"
}

func httpErrorText(content []interface{}) string {
	for _, raw := range content {
		if item, ok := raw.(map[string]interface{}); ok {
			if text, ok := item["text"].(string); ok {
				return text
			}
		}
	}
	return "unknown error"
}

var _ tool.Handler = (*proxyTool)(nil)
