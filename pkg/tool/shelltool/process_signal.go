package shelltool

import (
	"context"
	"strings"

	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/tool"
)

// ProcessSignalArgs defines the parameters for signaling a session.
type ProcessSignalArgs struct {
	SessionID string `json:"session_id" jsonschema:"required,description=Session to signal"`
	Signal    string `json:"signal" jsonschema:"required,description=Signal to deliver,enum=terminate,enum=kill,enum=interrupt"`
}

// NewProcessSignal creates the process_signal tool. The signal goes to the
// session's whole process group; signaling an exited session is a no-op
// that returns the final snapshot.
func NewProcessSignal(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "process_signal",
			Description: "Deliver terminate, kill, or interrupt to a process session.",
			Category:    tool.CategoryProcess,
		},
		func(ctx context.Context, inv *tool.Invocation, args ProcessSignalArgs) (*tool.Result, error) {
			snap, err := d.Supervisor.Signal(args.SessionID, args.Signal)
			if err != nil {
				return nil, err
			}
			return tool.JSONResult(snap)
		},
		func(args ProcessSignalArgs) error {
			if strings.TrimSpace(args.SessionID) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "session_id must not be empty")
			}
			return nil
		},
	)
}

// ProcessRemoveArgs defines the parameters for forgetting a session.
type ProcessRemoveArgs struct {
	SessionID string `json:"session_id" jsonschema:"required,description=Exited session to remove"`
}

// NewProcessRemove creates the process_remove tool. Only exited or killed
// sessions can be removed; their cursors are invalidated and later reads
// answer Gone.
func NewProcessRemove(d Deps) (tool.Handler, error) {
	return tool.NewWithValidation(
		tool.Config{
			Name:        "process_remove",
			Description: "Remove an exited process session and release its captured output. Live sessions must be signaled first.",
			Category:    tool.CategoryProcess,
		},
		func(ctx context.Context, inv *tool.Invocation, args ProcessRemoveArgs) (*tool.Result, error) {
			if err := d.Supervisor.Remove(args.SessionID); err != nil {
				return nil, err
			}
			return tool.JSONResult(map[string]interface{}{
				"session_id": args.SessionID,
				"removed":    true,
			})
		},
		func(args ProcessRemoveArgs) error {
			if strings.TrimSpace(args.SessionID) == "" {
				return protocol.Failf(protocol.KindInvalidArguments, "session_id must not be empty")
			}
			return nil
		},
	)
}
