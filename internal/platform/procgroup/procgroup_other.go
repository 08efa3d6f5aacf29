//go:build !unix

package procgroup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Set is a no-op where process groups are unavailable.
func Set(cmd *exec.Cmd) {}

// Kill terminates the process itself; descendants are not reached.
func Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("kill process %d: %w", pid, ErrProcessGone)
	}
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill process %d: %w", pid, ErrProcessGone)
		}
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}
