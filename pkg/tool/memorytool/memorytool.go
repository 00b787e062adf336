// Package memorytool implements the persistent memory toolset: memory_save,
// memory_recall, and memory_forget. Notes live in a SQL store (sqlite by
// default, postgres or mysql via configuration) and survive server restarts.
package memorytool

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Deps carries the collaborators the memory tools need.
type Deps struct {
	Store    *Store
	Budgeter *tokens.Budgeter
	Cursors  *cursor.Store
}

// Tools builds the memory toolset.
func Tools(d Deps) ([]tool.Handler, error) {
	save, err := NewSave(d)
	if err != nil {
		return nil, err
	}
	recall, err := NewRecall(d)
	if err != nil {
		return nil, err
	}
	forget, err := NewForget(d)
	if err != nil {
		return nil, err
	}
	return []tool.Handler{save, recall, forget}, nil
}

// SaveArgs are the arguments for memory_save.
type SaveArgs struct {
	Key     string   `json:"key" jsonschema:"required,description=Stable identifier to save the note under. Saving an existing key overwrites it."`
	Content string   `json:"content" jsonschema:"required,description=Text to remember."`
	Tags    []string `json:"tags,omitempty" jsonschema:"description=Labels attached to the note for later lookup."`
}

// NewSave builds the memory_save tool.
func NewSave(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "memory_save",
			Description: "Save a note under a key so it can be recalled later, including after a restart. Saving to an existing key replaces its content and tags.",
			Category:    tool.CategoryMemory,
		},
		func(ctx context.Context, inv *tool.Invocation, args SaveArgs) (*tool.Result, error) {
			m, err := d.Store.Save(ctx, args.Key, args.Content, args.Tags)
			if err != nil {
				return nil, protocol.Failf(protocol.KindExecutionFailed, "memory store: %v", err)
			}
			return tool.JSONResult(m)
		},
		func(args SaveArgs) error {
			if strings.TrimSpace(args.Key) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "key must not be empty")
			}
			if args.Content == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "content must not be empty")
			}
			return nil
		},
	)
}

// RecallArgs are the arguments for memory_recall.
type RecallArgs struct {
	Key   string `json:"key,omitempty" jsonschema:"description=Exact key to fetch. Mutually exclusive with query."`
	Query string `json:"query,omitempty" jsonschema:"description=Substring matched against keys and content and tags. Omit both key and query to list every note."`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of notes to return. 0 means no limit.,minimum=0"`
}

// recallPayload is the in-process continuation for a paginated recall.
type recallPayload struct {
	remaining []Memory
	total     int
}

// NewRecall builds the memory_recall tool.
func NewRecall(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "memory_recall",
			Description: "Recall saved notes: fetch one by key, search by substring, or list everything most recently updated first.",
			Category:    tool.CategoryMemory,
		},
		func(ctx context.Context, inv *tool.Invocation, args RecallArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				p, ok := inv.Cursor.Payload.(recallPayload)
				if !ok {
					return nil, protocol.Failf(protocol.KindInvalidArguments, "cursor does not continue a memory_recall result")
				}
				return recallPage(d, inv, p, int(inv.Cursor.Offset))
			}

			if args.Key != "" {
				m, ok, err := d.Store.Get(ctx, args.Key)
				if err != nil {
					return nil, protocol.Failf(protocol.KindExecutionFailed, "memory store: %v", err)
				}
				if !ok {
					return nil, protocol.Failf(protocol.KindNotFound, "no memory saved under %s", args.Key)
				}
				return tool.JSONResult(m)
			}

			var (
				ms  []Memory
				err error
			)
			if args.Query != "" {
				ms, err = d.Store.Search(ctx, args.Query, args.Limit)
			} else {
				ms, err = d.Store.List(ctx, args.Limit)
			}
			if err != nil {
				return nil, protocol.Failf(protocol.KindExecutionFailed, "memory store: %v", err)
			}
			return recallPage(d, inv, recallPayload{remaining: ms, total: len(ms)}, 0)
		},
		func(args RecallArgs) error {
			if args.Key != "" && args.Query != "" {
				return protocol.Failf(protocol.KindInvalidArguments, "key and query are mutually exclusive")
			}
			if args.Limit < 0 {
				return protocol.Failf(protocol.KindInvalidArguments, "limit must not be negative")
			}
			return nil
		},
	)
}

// ForgetArgs are the arguments for memory_forget.
type ForgetArgs struct {
	Key string `json:"key" jsonschema:"required,description=Key of the note to delete."`
}

// NewForget builds the memory_forget tool.
func NewForget(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "memory_forget",
			Description: "Delete the note saved under a key.",
			Category:    tool.CategoryMemory,
		},
		func(ctx context.Context, inv *tool.Invocation, args ForgetArgs) (*tool.Result, error) {
			ok, err := d.Store.Forget(ctx, args.Key)
			if err != nil {
				return nil, protocol.Failf(protocol.KindExecutionFailed, "memory store: %v", err)
			}
			if !ok {
				return nil, protocol.Failf(protocol.KindNotFound, "no memory saved under %s", args.Key)
			}
			return tool.JSONResult(map[string]interface{}{
				"key":       args.Key,
				"forgotten": true,
			})
		},
		func(args ForgetArgs) error {
			if strings.TrimSpace(args.Key) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "key must not be empty")
			}
			return nil
		},
	)
}

// recallPage emits the next budget-sized window of notes. Every page
// restates total so later pages stand alone.
func recallPage(d Deps, inv *tool.Invocation, p recallPayload, offset int) (*tool.Result, error) {
	if p.remaining == nil {
		p.remaining = []Memory{}
	}

	rendered := make([]string, len(p.remaining))
	for i := range p.remaining {
		b, err := json.Marshal(p.remaining[i])
		if err != nil {
			return nil, protocol.Failf(protocol.KindInternal, "encode memory: %v", err)
		}
		rendered[i] = string(b)
	}

	n, _ := d.Budgeter.ListPrefix(rendered)
	if n < 1 && len(p.remaining) > 0 {
		n = 1
	}

	res, err := tool.JSONResult(map[string]interface{}{
		"memories": p.remaining[:n],
		"offset":   offset,
		"total":    p.total,
	})
	if err != nil {
		return nil, err
	}

	if n < len(p.remaining) {
		res.NextCursor = d.Cursors.Mint(cursor.State{
			Kind:     cursor.KindPaginatedList,
			Offset:   int64(offset + n),
			Checksum: inv.ArgsDigest,
			Payload:  recallPayload{remaining: p.remaining[n:], total: p.total},
		})
	}
	return res, nil
}
