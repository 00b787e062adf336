// Package protocol defines the wire surface of the Hanzo MCP server:
// JSON-RPC 2.0 envelopes, the method set, result shapes, and the failure
// taxonomy surfaced to clients.
//
// The protocol is the Model Context Protocol variant spoken by Hanzo
// clients: newline-delimited JSON-RPC over stdio, or SSE-framed responses
// over HTTP.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// PROTOCOL VERSION AND METHODS
// ============================================================================

const (
	// Version is the JSON-RPC version every message carries.
	Version = "2.0"

	// ProtocolVersion is the MCP revision advertised during initialize.
	ProtocolVersion = "2024-11-05"

	// ServerName and ServerVersion identify this server in the initialize
	// handshake and when connecting to downstream MCP servers.
	ServerName    = "hanzo-mcp"
	ServerVersion = "0.9.0"
)

// Methods the server accepts.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
	MethodCancel     = "$/cancel"
	MethodPing       = "ping"
	MethodShutdown   = "shutdown"
)

// ============================================================================
// JSON-RPC ENVELOPE
// ============================================================================

// Request is an incoming JSON-RPC 2.0 request or notification.
// Notifications carry a nil ID and receive no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is an outgoing JSON-RPC 2.0 response. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// Notification is a server-initiated message with no id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Transport-level JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewResponse builds a success response for the given request id.
func NewResponse(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id interface{}, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// ============================================================================
// METHOD PARAMS AND RESULTS
// ============================================================================

// InitializeParams is what the client advertises during the handshake.
type InitializeParams struct {
	ClientInfo   *PeerInfo              `json:"client_info,omitempty"`
	Capabilities map[string]interface{} `json:"capabilities,omitempty"`
}

// PeerInfo names one end of the connection.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server half of the handshake.
type InitializeResult struct {
	ProtocolVersion string                     `json:"protocol_version"`
	ServerInfo      PeerInfo                   `json:"server_info"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
}

// ToolInfo is the wire form of one registered tool.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Category    string                 `json:"category,omitempty"`
}

// ToolsListResult is the registry snapshot returned by tools/list.
type ToolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallParams are the parameters of tools/call.
type CallParams struct {
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments"`
	Cursor     string                 `json:"cursor,omitempty"`
	DeadlineMS int64                  `json:"deadline_ms,omitempty"`
}

// CallResult is the terminal result of tools/call.
type CallResult struct {
	Content    []Chunk `json:"content"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// CancelParams carries the id of the request to cancel.
type CancelParams struct {
	ID interface{} `json:"id"`
}

// ============================================================================
// RESULT CONTENT CHUNKS
// ============================================================================

// Chunk types carried in a CallResult content list.
const (
	ChunkText     = "text"
	ChunkJSON     = "json"
	ChunkResource = "resource"
)

// Chunk is one typed element of a result content list.
type Chunk struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"`
	URI      string          `json:"uri,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
}

// TextChunk builds a text chunk.
func TextChunk(text string) Chunk {
	return Chunk{Type: ChunkText, Text: text}
}

// JSONChunk builds a structured chunk from an already-marshalable value.
func JSONChunk(v interface{}) (Chunk, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Chunk{}, fmt.Errorf("failed to marshal json chunk: %w", err)
	}
	return Chunk{Type: ChunkJSON, JSON: raw}, nil
}

// ResourceChunk builds an embedded resource reference.
func ResourceChunk(uri, mimeType string) Chunk {
	return Chunk{Type: ChunkResource, URI: uri, MimeType: mimeType}
}
