// Package filetool implements the built-in filesystem tools: read_file,
// write_file, edit_file, and directory_tree.
//
// Every path goes through the permission gate before any I/O; every result
// is fitted under the response budget, continuing behind a cursor when it
// does not fit whole.
package filetool

import (
	"errors"
	"io/fs"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Deps are the server capabilities shared by the file tools.
type Deps struct {
	Gate     *permission.Gate
	Budgeter *tokens.Budgeter
	Cursors  *cursor.Store
}

// Tools constructs the file toolset.
func Tools(d Deps) ([]tool.Handler, error) {
	readFile, err := NewReadFile(d)
	if err != nil {
		return nil, err
	}
	writeFile, err := NewWriteFile(d)
	if err != nil {
		return nil, err
	}
	editFile, err := NewEditFile(d)
	if err != nil {
		return nil, err
	}
	tree, err := NewDirectoryTree(d)
	if err != nil {
		return nil, err
	}
	return []tool.Handler{readFile, writeFile, editFile, tree}, nil
}

// pathFailure maps filesystem errors on an authorized path to protocol
// failures.
func pathFailure(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return protocol.Failf(protocol.KindNotFound, "%s does not exist", path)
	case errors.Is(err, fs.ErrPermission):
		return protocol.Failf(protocol.KindPermissionDenied, "%s: permission denied by the host", path)
	default:
		return protocol.Failf(protocol.KindExecutionFailed, "%s: %v", path, err)
	}
}

// binarySniffLen bounds how many leading bytes are inspected for NUL.
const binarySniffLen = 8000

// looksBinary reports whether data starts like a binary file.
func looksBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
