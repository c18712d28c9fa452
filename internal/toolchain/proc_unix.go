//go:build unix

package toolchain

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs the command in its own process group so cancellation
// reaches the whole build tree, not only the sbuild wrapper.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
