//go:build unix

package pipeline

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs the command in its own process group so a cancellation
// also kills the processes spawned by the deploy shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative PID targets the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
