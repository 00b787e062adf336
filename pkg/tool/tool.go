// Package tool defines the contract between the dispatcher and tool
// implementations: descriptors, the handler interface, and the invocation
// state a handler receives.
//
// Tools are constructed once at startup with the server capabilities they
// need (permission gate, budgeter, cursor store, supervisor) and registered
// into the sealed registry. Per call, the dispatcher hands the handler an
// Invocation carrying the validated arguments and any redeemed continuation
// cursor; the handler returns a Result or a protocol failure.
//
// Most tools are built with the typed constructor:
//
//	type ReadFileArgs struct {
//	    Path   string `json:"path" jsonschema:"required,description=Absolute file path"`
//	    Offset int    `json:"offset,omitempty" jsonschema:"description=First line to return (1-indexed),minimum=1"`
//	}
//
//	h, err := tool.New(
//	    tool.Config{Name: "read_file", Description: "...", Category: tool.CategoryRead},
//	    func(ctx context.Context, inv *tool.Invocation, args ReadFileArgs) (*tool.Result, error) {
//	        ...
//	    },
//	)
//
// The argument schema is generated from the Args struct tags and published
// through the descriptor; the dispatcher validates every call against it
// before the handler runs.
package tool

import (
	"context"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/protocol"
)

// Tool categories. Disable flags and listings select on these.
const (
	CategoryRead     = "read"
	CategoryWrite    = "write"
	CategorySearch   = "search"
	CategoryShell    = "shell"
	CategoryProcess  = "process"
	CategoryDAG      = "dag"
	CategoryMemory   = "memory"
	CategoryDocument = "document"
	CategoryProxy    = "proxy"
	CategoryPlugin   = "plugin"
)

// Descriptor describes one registered tool. Immutable after registration.
type Descriptor struct {
	// Name is unique across the registry.
	Name string

	// Description is surfaced verbatim in tools/list.
	Description string

	// InputSchema is the JSON Schema object calls are validated against.
	InputSchema map[string]interface{}

	// Category tags the tool for disable flags and client grouping.
	Category string
}

// Info converts the descriptor to its wire form.
func (d Descriptor) Info() protocol.ToolInfo {
	return protocol.ToolInfo{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
		Category:    d.Category,
	}
}

// Invocation is the per-call state the dispatcher hands a handler.
type Invocation struct {
	// ID correlates log entries, traces, and cancel handles.
	ID string

	// Tool is the resolved tool name.
	Tool string

	// Args are the schema-validated call arguments.
	Args map[string]interface{}

	// ArgsDigest binds continuation cursors to the tool name, arguments,
	// and tokenizer encoding. Handlers mint cursors with it as the
	// checksum; the dispatcher recomputes it before redeeming.
	ArgsDigest string

	// Cursor is the redeemed continuation state, nil on a first call.
	Cursor *cursor.State
}

// Result is a handler's terminal output.
type Result struct {
	Content []protocol.Chunk

	// NextCursor continues a paginated or streamed result. Empty means
	// the result is complete.
	NextCursor string
}

// TextResult wraps text in a single-chunk result.
func TextResult(text string) *Result {
	return &Result{Content: []protocol.Chunk{protocol.TextChunk(text)}}
}

// JSONResult wraps a marshalable value in a single structured chunk.
func JSONResult(v interface{}) (*Result, error) {
	chunk, err := protocol.JSONChunk(v)
	if err != nil {
		return nil, err
	}
	return &Result{Content: []protocol.Chunk{chunk}}, nil
}

// Handler executes one tool invocation. Implementations return protocol
// failures for client-visible errors; anything else reaches the client as
// Internal.
type Handler interface {
	// Descriptor returns the immutable tool description.
	Descriptor() Descriptor

	// Call runs the tool. ctx carries the invocation deadline and is
	// cancelled on client cancel or shutdown.
	Call(ctx context.Context, inv *Invocation) (*Result, error)
}
