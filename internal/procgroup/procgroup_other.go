//go:build !unix

package procgroup

import (
	"errors"
	"os"
	"os/exec"
)

func Set(cmd *exec.Cmd) {}

// Kill kills the process itself; process groups are not available here.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
