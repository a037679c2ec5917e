//go:build !unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

func configureProcessGroup(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd, _ time.Duration) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
