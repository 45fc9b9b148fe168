//go:build !windows

package shell

import (
	"os/exec"
	"syscall"
)

// killGroup makes cancellation kill the whole process group, so that
// children of the shell die with it.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
