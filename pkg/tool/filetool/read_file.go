package filetool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

// ReadFileArgs defines the parameters for reading a file.
type ReadFileArgs struct {
	Path   string `json:"path" jsonschema:"required,description=Path of the file to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=First line to include (1-indexed; 0 means the first line),minimum=0"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return (0 means all),minimum=0"`
}

// NewReadFile creates the read_file tool.
func NewReadFile(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "read_file",
			Description: "Read a file as line-numbered text. Output beyond the response budget is truncated and continues behind a cursor.",
			Category:    tool.CategoryRead,
		},
		func(ctx context.Context, inv *tool.Invocation, args ReadFileArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				return tool.ContinueBlob(d.Budgeter, d.Cursors, inv)
			}

			canon, err := d.Gate.AuthorizeRead(args.Path)
			if err != nil {
				return nil, err
			}

			data, err := os.ReadFile(canon)
			if err != nil {
				return nil, pathFailure(canon, err)
			}
			if looksBinary(data) {
				return nil, protocol.Failf(protocol.KindInvalidArguments,
					"%s is a binary file; read_file handles text only", canon)
			}

			text, err := renderNumbered(string(data), args.Offset, args.Limit)
			if err != nil {
				return nil, err
			}
			return tool.BlobResult(d.Budgeter, d.Cursors, inv, text), nil
		},
		func(args ReadFileArgs) error {
			if strings.TrimSpace(args.Path) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "path must not be empty")
			}
			if args.Offset < 0 || args.Limit < 0 {
				return protocol.Failf(protocol.KindInvalidArguments, "offset and limit must not be negative")
			}
			return nil
		},
	)
}

// renderNumbered formats content as "N: line" rows, one per line, applying
// the 1-indexed offset and the line limit. Numbers are absolute file line
// numbers so windowed reads stay addressable.
func renderNumbered(content string, offset, limit int) (string, error) {
	lines := strings.Split(content, "\n")
	// A trailing newline yields one empty trailing element, not a line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	start := 1
	if offset > 0 {
		start = offset
	}
	if start > len(lines) && len(lines) > 0 {
		return "", protocol.Failf(protocol.KindInvalidArguments,
			"offset %d exceeds file length (%d lines)", start, len(lines))
	}

	end := len(lines)
	if limit > 0 && start-1+limit < end {
		end = start - 1 + limit
	}

	var b strings.Builder
	for i := start - 1; i < end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i+1, lines[i])
	}
	return b.String(), nil
}
