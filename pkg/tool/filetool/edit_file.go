package filetool

import (
	"context"
	"os"
	"strings"

	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

// EditFileArgs defines the parameters for a targeted text replacement.
type EditFileArgs struct {
	Path       string `json:"path" jsonschema:"required,description=Path of the file to edit"`
	OldText    string `json:"old_text" jsonschema:"required,description=Exact text to replace"`
	NewText    string `json:"new_text" jsonschema:"description=Replacement text (empty deletes old_text)"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match"`
}

// NewEditFile creates the edit_file tool.
//
// Without replace_all the match must be unique: zero occurrences fail with
// "not found", more than one with "ambiguous". The file's mode is preserved.
func NewEditFile(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "edit_file",
			Description: "Replace an exact text span in a file. The span must match exactly once unless replace_all is set.",
			Category:    tool.CategoryWrite,
		},
		func(ctx context.Context, inv *tool.Invocation, args EditFileArgs) (*tool.Result, error) {
			canon, err := d.Gate.AuthorizeWrite(args.Path)
			if err != nil {
				return nil, err
			}

			info, err := os.Stat(canon)
			if err != nil {
				return nil, pathFailure(canon, err)
			}
			data, err := os.ReadFile(canon)
			if err != nil {
				return nil, pathFailure(canon, err)
			}

			content := string(data)
			count := strings.Count(content, args.OldText)
			switch {
			case count == 0:
				return nil, protocol.Failf(protocol.KindInvalidArguments,
					"old_text not found in %s", canon)
			case count > 1 && !args.ReplaceAll:
				return nil, protocol.Failf(protocol.KindInvalidArguments,
					"old_text is ambiguous in %s: %d occurrences (set replace_all to replace every one)", canon, count)
			}

			replaced := count
			if args.ReplaceAll {
				content = strings.ReplaceAll(content, args.OldText, args.NewText)
			} else {
				content = strings.Replace(content, args.OldText, args.NewText, 1)
				replaced = 1
			}

			if err := os.WriteFile(canon, []byte(content), info.Mode().Perm()); err != nil {
				return nil, pathFailure(canon, err)
			}

			return tool.JSONResult(map[string]interface{}{
				"path":         canon,
				"replacements": replaced,
			})
		},
		func(args EditFileArgs) error {
			if strings.TrimSpace(args.Path) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "path must not be empty")
			}
			if args.OldText == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "old_text must not be empty")
			}
			if args.OldText == args.NewText {
				return protocol.Failf(protocol.KindInvalidArguments, "old_text and new_text are identical")
			}
			return nil
		},
	)
}
