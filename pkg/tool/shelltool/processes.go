package shelltool

import (
	"context"
	"encoding/json"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/supervisor"
	"github.com/hanzoai/mcp/pkg/tool"
)

// ProcessesArgs is empty: the listing takes no parameters.
type ProcessesArgs struct{}

// processesPayload carries the unserved remainder of a session listing.
type processesPayload struct {
	remaining []supervisor.Snapshot
	total     int
}

// NewProcesses creates the processes tool.
func NewProcesses(d Deps) (tool.Handler, error) {
	return tool.New(
		tool.Config{
			Name:        "processes",
			Description: "List all known process sessions with state, timestamps, and recent output previews.",
			Category:    tool.CategoryProcess,
		},
		func(ctx context.Context, inv *tool.Invocation, args ProcessesArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				p, ok := inv.Cursor.Payload.(processesPayload)
				if !ok {
					return nil, protocol.Failf(protocol.KindInvalidArguments,
						"cursor does not continue a processes result")
				}
				return processesPage(d, inv, p.remaining, p.total, inv.Cursor.Offset)
			}
			snaps := d.Supervisor.List()
			return processesPage(d, inv, snaps, len(snaps), 0)
		},
	)
}

func processesPage(d Deps, inv *tool.Invocation, snaps []supervisor.Snapshot, total int, served int64) (*tool.Result, error) {
	rendered := make([]string, len(snaps))
	for i, s := range snaps {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, protocol.Failf(protocol.KindInternal, "encode session: %v", err)
		}
		rendered[i] = string(raw)
	}

	n, _ := d.Budgeter.ListPrefix(rendered)
	if n == 0 && len(snaps) > 0 {
		n = 1
	}

	kept := snaps[:n]
	if kept == nil {
		kept = []supervisor.Snapshot{}
	}
	res, err := tool.JSONResult(map[string]interface{}{
		"processes": kept,
		"offset":    served,
		"total":     total,
	})
	if err != nil {
		return nil, err
	}

	if n < len(snaps) {
		res.NextCursor = d.Cursors.Mint(cursor.State{
			Kind:     cursor.KindPaginatedList,
			Offset:   served + int64(n),
			Checksum: inv.ArgsDigest,
			Payload:  processesPayload{remaining: snaps[n:], total: total},
		})
	}
	return res, nil
}
