package shelltool

import (
	"context"
	"strings"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/supervisor"
	"github.com/hanzoai/mcp/pkg/tool"
)

// ProcessLogsArgs defines the parameters for reading session output.
type ProcessLogsArgs struct {
	SessionID    string `json:"session_id" jsonschema:"required,description=Session to read"`
	StdoutOffset int64  `json:"stdout_offset,omitempty" jsonschema:"description=Absolute stdout byte offset to resume from,minimum=0"`
	StderrOffset int64  `json:"stderr_offset,omitempty" jsonschema:"description=Absolute stderr byte offset to resume from,minimum=0"`
}

// NewProcessLogs creates the process_logs tool. Reads are idempotent; the
// same offsets return the same bytes while they remain in the ring or
// spill.
func NewProcessLogs(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "process_logs",
			Description: "Read captured output of a process session from absolute byte offsets. More output continues behind a cursor.",
			Category:    tool.CategoryProcess,
		},
		func(ctx context.Context, inv *tool.Invocation, args ProcessLogsArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				p, ok := inv.Cursor.Payload.(logsPayload)
				if !ok {
					return nil, protocol.Failf(protocol.KindInvalidArguments,
						"cursor does not continue a process_logs result")
				}
				return followLogs(d, inv, p)
			}
			return followLogs(d, inv, logsPayload{
				session: args.SessionID,
				stdout:  args.StdoutOffset,
				stderr:  args.StderrOffset,
			})
		},
		func(args ProcessLogsArgs) error {
			if strings.TrimSpace(args.SessionID) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "session_id must not be empty")
			}
			if args.StdoutOffset < 0 || args.StderrOffset < 0 {
				return protocol.Failf(protocol.KindInvalidArguments, "offsets must not be negative")
			}
			return nil
		},
	)
}

// followLogs serves one budgeted window of both streams starting at the
// payload offsets and hands back the advanced offsets, both inline and
// behind a cursor when the session may still produce or hold more bytes.
func followLogs(d Deps, inv *tool.Invocation, p logsPayload) (*tool.Result, error) {
	outChunk, err := d.Supervisor.Logs(p.session, supervisor.StreamStdout, p.stdout)
	if err != nil {
		return nil, err
	}
	errChunk, err := d.Supervisor.Logs(p.session, supervisor.StreamStderr, p.stderr)
	if err != nil {
		return nil, err
	}
	snap, err := d.Supervisor.Get(p.session)
	if err != nil {
		return nil, err
	}

	budget := d.Budgeter.Budget()
	outKept, outConsumed := fitStream(d, string(outChunk.Data), budget)
	errKept, errConsumed := fitStream(d, string(errChunk.Data), budget-d.Budgeter.Count(outKept))

	nextOut := outChunk.Offset + int64(outConsumed)
	nextErr := errChunk.Offset + int64(errConsumed)

	var content []protocol.Chunk
	if outKept != "" {
		content = append(content, protocol.TextChunk(outKept))
	}
	if errKept != "" {
		content = append(content, protocol.TextChunk("[stderr]\n"+errKept))
	}

	meta := map[string]interface{}{
		"session_id":    snap.ID,
		"state":         snap.State,
		"stdout_offset": nextOut,
		"stderr_offset": nextErr,
	}
	if snap.Exit != nil {
		meta["exit"] = snap.Exit.Code
	}
	metaChunk, err := protocol.JSONChunk(meta)
	if err != nil {
		return nil, err
	}
	content = append(content, metaChunk)

	res := &tool.Result{Content: content}

	alive := snap.State == supervisor.StateRunning || snap.State == supervisor.StateBackgrounded
	more := nextOut < outChunk.End || nextErr < errChunk.End
	if alive || more {
		res.NextCursor = d.Cursors.Mint(cursor.State{
			Kind:     cursor.KindStreamedLog,
			SourceID: p.session,
			Offset:   nextOut,
			Checksum: inv.ArgsDigest,
			Payload:  logsPayload{session: p.session, stdout: nextOut, stderr: nextErr},
		})
	}
	return res, nil
}

// fitStream cuts raw stream bytes to the token budget. The consumed byte
// count is exact against the original stream, so offset arithmetic stays
// lossless: a partial rune stripped at the cut boundary is re-served by
// the next window.
func fitStream(d Deps, data string, budget int) (kept string, consumed int) {
	if data == "" || budget <= 0 {
		return "", 0
	}
	kept, keptBytes, truncated := d.Budgeter.TruncateBlobTo(data, budget)
	if !truncated {
		return strings.ToValidUTF8(data, ""), len(data)
	}
	return kept, keptBytes
}
