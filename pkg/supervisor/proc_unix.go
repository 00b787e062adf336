//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/hanzoai/mcp/pkg/protocol"
)

// setProcessGroup puts the child in its own process group so signals
// reach descendants.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
}

// hostSignal maps a protocol signal name to the host signal.
func hostSignal(name string) (syscall.Signal, error) {
	switch name {
	case SignalTerminate:
		return syscall.SIGTERM, nil
	case SignalKill:
		return syscall.SIGKILL, nil
	case SignalInterrupt:
		return syscall.SIGINT, nil
	default:
		return 0, protocol.Failf(protocol.KindInvalidArguments,
			"unknown signal %q (valid: terminate, kill, interrupt)", name)
	}
}

// signalGroup delivers sig to the whole process group.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
