//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func configureProcess(*exec.Cmd) {}

// terminate has no graceful signal to send on this platform, so it kills outright.
func terminate(cmd *exec.Cmd) error {
	return forceKill(cmd)
}

func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
