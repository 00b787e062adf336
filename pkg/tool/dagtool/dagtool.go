// Package dagtool implements dag_shell: a dependency graph of shell
// commands executed with bounded parallelism, first-failure cancellation,
// and a deterministic per-step transcript.
package dagtool

import (
	"context"
	"encoding/json"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/dag"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/supervisor"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Deps are the server capabilities the dag tool needs.
type Deps struct {
	Gate       *permission.Gate
	Supervisor *supervisor.Supervisor
	Budgeter   *tokens.Budgeter
	Cursors    *cursor.Store

	// DefaultDir is the working directory when a call does not name one.
	DefaultDir string
}

// DagShellArgs defines the parameters for running a step graph.
type DagShellArgs struct {
	Steps       []interface{} `json:"steps" jsonschema:"required,description=Step list: command strings chain; {id; run; after} objects declare dependencies; {parallel: [...]} groups run concurrently"`
	MaxParallel int           `json:"max_parallel,omitempty" jsonschema:"description=Concurrent step bound (0 means the host CPU count),minimum=0"`
	Cwd         string        `json:"cwd,omitempty" jsonschema:"description=Working directory for every step (defaults to the server root)"`
}

// dagPayload carries the unserved transcript remainder. The aggregate
// outcome repeats on every page so later pages stand alone.
type dagPayload struct {
	outcome    string
	failedStep string
	remaining  []dag.StepResult
	total      int
}

// New creates the dag_shell tool. A step failure is a transcript outcome,
// not a call error; only invocation-level cancellation fails the call.
func New(d Deps) (tool.Handler, error) {
	runner := dag.NewRunner(d.Supervisor)
	return tool.NewWithValidation(
		tool.Config{
			Name:        "dag_shell",
			Description: "Run a dependency graph of shell commands with bounded parallelism. The first failure cancels in-flight steps and skips dependents.",
			Category:    tool.CategoryDAG,
		},
		func(ctx context.Context, inv *tool.Invocation, args DagShellArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				p, ok := inv.Cursor.Payload.(dagPayload)
				if !ok {
					return nil, protocol.Failf(protocol.KindInvalidArguments,
						"cursor does not continue a dag_shell result")
				}
				return transcriptPage(d, inv, p, inv.Cursor.Offset)
			}

			steps, err := dag.Normalize(args.Steps)
			if err != nil {
				return nil, err
			}

			cwd := args.Cwd
			if cwd == "" {
				cwd = d.DefaultDir
			}
			// Every step runs through sh; one exec check covers the graph.
			canonCwd, err := d.Gate.AuthorizeExec([]string{"sh"}, cwd)
			if err != nil {
				return nil, err
			}

			res, err := runner.Run(ctx, steps, dag.RunOptions{
				Dir:         canonCwd,
				MaxParallel: args.MaxParallel,
			})
			if err != nil {
				return nil, err
			}

			return transcriptPage(d, inv, dagPayload{
				outcome:    res.Outcome,
				failedStep: res.FailedStep,
				remaining:  res.Steps,
				total:      len(res.Steps),
			}, 0)
		},
		func(args DagShellArgs) error {
			if len(args.Steps) == 0 {
				return protocol.Failf(protocol.KindInvalidArguments, "steps must not be empty")
			}
			if args.MaxParallel < 0 {
				return protocol.Failf(protocol.KindInvalidArguments, "max_parallel must not be negative")
			}
			return nil
		},
	)
}

func transcriptPage(d Deps, inv *tool.Invocation, p dagPayload, served int64) (*tool.Result, error) {
	rendered := make([]string, len(p.remaining))
	for i, st := range p.remaining {
		raw, err := json.Marshal(st)
		if err != nil {
			return nil, protocol.Failf(protocol.KindInternal, "encode step result: %v", err)
		}
		rendered[i] = string(raw)
	}

	n, _ := d.Budgeter.ListPrefix(rendered)
	if n == 0 && len(p.remaining) > 0 {
		n = 1
	}

	page := map[string]interface{}{
		"outcome": p.outcome,
		"steps":   p.remaining[:n],
		"offset":  served,
		"total":   p.total,
	}
	if p.failedStep != "" {
		page["failed_step"] = p.failedStep
	}
	res, err := tool.JSONResult(page)
	if err != nil {
		return nil, err
	}

	if n < len(p.remaining) {
		res.NextCursor = d.Cursors.Mint(cursor.State{
			Kind:     cursor.KindPaginatedList,
			Offset:   served + int64(n),
			Checksum: inv.ArgsDigest,
			Payload: dagPayload{
				outcome:    p.outcome,
				failedStep: p.failedStep,
				remaining:  p.remaining[n:],
				total:      p.total,
			},
		})
	}
	return res, nil
}
