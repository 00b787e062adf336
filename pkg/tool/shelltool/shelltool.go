// Package shelltool implements the process tools: shell, processes,
// process_logs, process_signal, and process_remove.
//
// Commands run through the supervisor as "sh -c" children in their own
// process group. A foreground command that outlives its window is
// auto-backgrounded and keeps running; its output stays readable through
// process_logs and continuation cursors keyed to absolute byte offsets.
package shelltool

import (
	"strings"
	"time"

	"github.com/hanzoai/mcp/pkg/cursor"
	"github.com/hanzoai/mcp/pkg/permission"
	"github.com/hanzoai/mcp/pkg/protocol"
	"github.com/hanzoai/mcp/pkg/supervisor"
	"github.com/hanzoai/mcp/pkg/tokens"
	"github.com/hanzoai/mcp/pkg/tool"
)

// Deps are the server capabilities shared by the process tools.
type Deps struct {
	Gate       *permission.Gate
	Supervisor *supervisor.Supervisor
	Budgeter   *tokens.Budgeter
	Cursors    *cursor.Store

	// DefaultDir is the working directory when a call does not name one.
	DefaultDir string

	// AutoBackground is the foreground window before a still-running
	// command is backgrounded. Zero disables auto-backgrounding;
	// timeout_ms overrides it per call.
	AutoBackground time.Duration
}

// Tools constructs the process toolset.
func Tools(d Deps) ([]tool.Handler, error) {
	shell, err := NewShell(d)
	if err != nil {
		return nil, err
	}
	procs, err := NewProcesses(d)
	if err != nil {
		return nil, err
	}
	logs, err := NewProcessLogs(d)
	if err != nil {
		return nil, err
	}
	sig, err := NewProcessSignal(d)
	if err != nil {
		return nil, err
	}
	remove, err := NewProcessRemove(d)
	if err != nil {
		return nil, err
	}
	return []tool.Handler{shell, procs, logs, sig, remove}, nil
}

// logsPayload carries per-stream resume offsets behind a streamed_log
// cursor. Offsets are absolute stream bytes, so budget cuts rewind
// exactly.
type logsPayload struct {
	session string
	stdout  int64
	stderr  int64
}

// validateEnv rejects variable names the child environment cannot carry.
func validateEnv(env map[string]string) error {
	for k := range env {
		if k == "" || strings.ContainsRune(k, '=') {
			return protocol.Failf(protocol.KindInvalidArguments, "invalid environment variable name %q", k)
		}
	}
	return nil
}
