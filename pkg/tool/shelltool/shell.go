package shelltool

import (
	"context"
	"strings"
	"time"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/supervisor"
	"github.com/hanzoai/mcp/pkg/tool"
)

// ShellArgs defines the parameters for running a command.
type ShellArgs struct {
	Command    string            `json:"command" jsonschema:"required,description=Command line passed to sh -c"`
	Cwd        string            `json:"cwd,omitempty" jsonschema:"description=Working directory (defaults to the server root)"`
	Env        map[string]string `json:"env,omitempty" jsonschema:"description=Extra environment variables for the child"`
	Background bool              `json:"background,omitempty" jsonschema:"description=Background immediately instead of waiting for the foreground window"`
	TimeoutMS  int               `json:"timeout_ms,omitempty" jsonschema:"description=Foreground wait in milliseconds before backgrounding (overrides the server default),minimum=0"`
}

// NewShell creates the shell tool.
//
// A command that exits within the foreground window returns its exit code
// and captured output. One that does not is backgrounded: the result is
// the session id plus a cursor following both output streams from the
// beginning.
func NewShell(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "shell",
			Description: "Run a shell command. Long-running commands are backgrounded after the foreground window and stay observable via process_logs.",
			Category:    tool.CategoryShell,
		},
		func(ctx context.Context, inv *tool.Invocation, args ShellArgs) (*tool.Result, error) {
			if inv.Cursor != nil {
				if tool.IsBlobCursor(inv.Cursor) {
					return tool.ContinueBlob(d.Budgeter, d.Cursors, inv)
				}
				p, ok := inv.Cursor.Payload.(logsPayload)
				if !ok {
					return nil, protocol.Failf(protocol.KindInvalidArguments,
						"cursor does not continue a shell result")
				}
				return followLogs(d, inv, p)
			}

			cwd := args.Cwd
			if cwd == "" {
				cwd = d.DefaultDir
			}
			argv := []string{"sh", "-c", args.Command}
			canonCwd, err := d.Gate.AuthorizeExec(argv, cwd)
			if err != nil {
				return nil, err
			}

			sess, err := d.Supervisor.Spawn(ctx, supervisor.Spec{
				Argv: argv,
				Dir:  canonCwd,
				Env:  args.Env,
			})
			if err != nil {
				return nil, err
			}

			// Zero config disables auto-backgrounding: wait until exit
			// or invocation cancel.
			window := d.AutoBackground
			if window <= 0 {
				window = -1
			}
			if args.TimeoutMS > 0 {
				window = time.Duration(args.TimeoutMS) * time.Millisecond
			}
			if args.Background {
				window = 0
			}

			out, err := d.Supervisor.WaitForeground(ctx, sess, window)
			if err != nil {
				return nil, err
			}

			if out.Backgrounded {
				token := d.Cursors.Mint(cursor.State{
					Kind:     cursor.KindStreamedLog,
					SourceID: sess.ID(),
					Checksum: inv.ArgsDigest,
					Payload:  logsPayload{session: sess.ID()},
				})
				res := tool.TextResult("backgrounded as " + sess.ID())
				res.NextCursor = token
				return res, nil
			}

			rendered := renderOutcome(out)
			res := tool.BlobResult(d.Budgeter, d.Cursors, inv, rendered)
			meta, err := protocol.JSONChunk(map[string]interface{}{
				"session_id": sess.ID(),
				"exit":       out.ExitCode,
			})
			if err != nil {
				return nil, err
			}
			res.Content = append(res.Content, meta)
			return res, nil
		},
		func(args ShellArgs) error {
			if strings.TrimSpace(args.Command) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "command must not be empty")
			}
			return validateEnv(args.Env)
		},
	)
}

// renderOutcome folds both captured streams into one text payload, stderr
// labeled so the two stay distinguishable after mixing.
func renderOutcome(out supervisor.Outcome) string {
	var b strings.Builder
	b.Write(out.Stdout)
	if len(out.Stderr) > 0 {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("[stderr]\n")
		b.Write(out.Stderr)
	}
	return strings.ToValidUTF8(b.String(), "")
}
