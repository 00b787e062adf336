package filetool

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

// DirectoryTreeArgs defines the parameters for listing a directory tree.
type DirectoryTreeArgs struct {
	Path          string `json:"path" jsonschema:"required,description=Root directory to list"`
	Depth         int    `json:"depth,omitempty" jsonschema:"description=Maximum depth to descend (0 means unlimited),minimum=0"`
	IncludeHidden bool   `json:"include_hidden,omitempty" jsonschema:"description=Include dot-prefixed entries"`
}

// TreeEntry is one listed filesystem node, relative to the requested root.
type TreeEntry struct {
	Path  string `json:"path"`
	Type  string `json:"type"`
	Size  int64  `json:"size"`
	Mode  string `json:"mode"`
	MTime string `json:"mtime"`
	Error string `json:"error,omitempty"`
}

// treePayload carries the unserved remainder of a tree listing behind a
// paginated_list cursor. The listing is a snapshot: later filesystem
// changes do not affect continuation pages.
type treePayload struct {
	remaining []TreeEntry
	total     int
}

// NewDirectoryTree creates the directory_tree tool.
func NewDirectoryTree(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "directory_tree",
			Description: "List a directory tree depth-first with per-entry type, size, mode, and mtime. Large listings paginate behind a cursor.",
			Category:    tool.CategoryRead,
		},
		func(ctx context.Context, inv *tool.Invocation, args DirectoryTreeArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				p, ok := inv.Cursor.Payload.(treePayload)
				if !ok {
					return nil, protocol.Failf(protocol.KindInvalidArguments,
						"cursor does not continue a directory_tree result")
				}
				return treePage(d, inv, p.remaining, p.total, inv.Cursor.Offset)
			}

			canon, err := d.Gate.AuthorizeRead(args.Path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(canon)
			if err != nil {
				return nil, pathFailure(canon, err)
			}
			if !info.IsDir() {
				return nil, protocol.Failf(protocol.KindInvalidArguments, "%s is not a directory", canon)
			}

			entries, err := collectTree(canon, args.Depth, args.IncludeHidden)
			if err != nil {
				return nil, pathFailure(canon, err)
			}
			return treePage(d, inv, entries, len(entries), 0)
		},
		func(args DirectoryTreeArgs) error {
			if strings.TrimSpace(args.Path) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "path must not be empty")
			}
			if args.Depth < 0 {
				return protocol.Failf(protocol.KindInvalidArguments, "depth must not be negative")
			}
			return nil
		},
	)
}

// collectTree walks root depth-first in directory order. Unreadable
// subdirectories and unstatable entries are recorded on their own entry
// rather than failing the listing; only the root listing itself can fail.
func collectTree(root string, depth int, includeHidden bool) ([]TreeEntry, error) {
	var out []TreeEntry

	var walk func(dir, relDir string, level int) error
	walk = func(dir, relDir string, level int) error {
		children, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, ch := range children {
			if !includeHidden && strings.HasPrefix(ch.Name(), ".") {
				continue
			}
			rel := ch.Name()
			if relDir != "" {
				rel = relDir + "/" + ch.Name()
			}

			ent := TreeEntry{Path: rel, Type: entryType(ch.Type())}
			if info, err := ch.Info(); err != nil {
				ent.Error = err.Error()
			} else {
				ent.Size = info.Size()
				ent.Mode = info.Mode().String()
				ent.MTime = info.ModTime().UTC().Format(time.RFC3339)
			}
			out = append(out, ent)

			if ch.IsDir() && (depth == 0 || level < depth) {
				if err := walk(filepath.Join(dir, ch.Name()), rel, level+1); err != nil {
					out[len(out)-1].Error = err.Error()
				}
			}
		}
		return nil
	}

	if err := walk(root, "", 1); err != nil {
		return nil, err
	}
	return out, nil
}

func entryType(m fs.FileMode) string {
	switch {
	case m&fs.ModeSymlink != 0:
		return "symlink"
	case m.IsDir():
		return "dir"
	case m.IsRegular():
		return "file"
	default:
		return "other"
	}
}

// treePage serves the largest prefix of entries that fits the working
// budget and mints a continuation cursor for the rest. A page always
// advances by at least one entry.
func treePage(d Deps, inv *tool.Invocation, entries []TreeEntry, total int, served int64) (*tool.Result, error) {
	rendered := make([]string, len(entries))
	for i, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, protocol.Failf(protocol.KindInternal, "encode tree entry: %v", err)
		}
		rendered[i] = string(raw)
	}

	n, _ := d.Budgeter.ListPrefix(rendered)
	if n == 0 && len(entries) > 0 {
		n = 1
	}

	kept := entries[:n]
	if kept == nil {
		kept = []TreeEntry{}
	}
	res, err := tool.JSONResult(map[string]interface{}{
		"entries": kept,
		"offset":  served,
		"total":   total,
	})
	if err != nil {
		return nil, err
	}

	if n < len(entries) {
		res.NextCursor = d.Cursors.Mint(cursor.State{
			Kind:     cursor.KindPaginatedList,
			Offset:   served + int64(n),
			Checksum: inv.ArgsDigest,
			Payload:  treePayload{remaining: entries[n:], total: total},
		})
	}
	return res, nil
}
