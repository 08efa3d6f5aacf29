//go:build unix

package procgroup

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Set places cmd in a new process group led by the child. Call before Start.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill sends SIGKILL to every process in the group led by pid.
func Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("kill process group %d: invalid pid", pid)
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill process group %d: %w", pid, ErrProcessGone)
		}
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	return nil
}
