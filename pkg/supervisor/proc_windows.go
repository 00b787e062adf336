//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/hanzoai/mcp/pkg/protocol"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// hostSignal maps a protocol signal name. Windows has no graceful
// terminate; terminate and kill both hard-kill the process.
func hostSignal(name string) (syscall.Signal, error) {
	switch name {
	case SignalTerminate, SignalKill:
		return syscall.SIGKILL, nil
	case SignalInterrupt:
		return syscall.SIGINT, nil
	default:
		return 0, protocol.Failf(protocol.KindInvalidArguments,
			"unknown signal %q (valid: terminate, kill, interrupt)", name)
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}
