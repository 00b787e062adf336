package filetool

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

// WriteFileArgs defines the parameters for writing a file.
type WriteFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the file to create or overwrite"`
	Content string `json:"content" jsonschema:"required,description=Full content to write"`
}

// NewWriteFile creates the write_file tool. Missing parent directories are
// created under the authorized path.
func NewWriteFile(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content, creating parent directories as needed.",
			Category:    tool.CategoryWrite,
		},
		func(ctx context.Context, inv *tool.Invocation, args WriteFileArgs) (*tool.Result, error) {
			canon, err := d.Gate.AuthorizeWrite(args.Path)
			if err != nil {
				return nil, err
			}

			if err := os.MkdirAll(filepath.Dir(canon), 0o755); err != nil {
				return nil, pathFailure(canon, err)
			}
			if err := os.WriteFile(canon, []byte(args.Content), 0o644); err != nil {
				return nil, pathFailure(canon, err)
			}

			return tool.JSONResult(map[string]interface{}{
				"path":          canon,
				"bytes_written": len(args.Content),
			})
		},
		func(args WriteFileArgs) error {
			if strings.TrimSpace(args.Path) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "path must not be empty")
			}
			return nil
		},
	)
}
