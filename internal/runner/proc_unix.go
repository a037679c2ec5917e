//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the command in its own process group so that
// signals reach it and every child it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the group and escalates to SIGKILL after
// grace. With no grace the group is killed immediately.
func terminateGroup(cmd *exec.Cmd, grace time.Duration) error {
	pgid := -cmd.Process.Pid
	if grace <= 0 {
		return ignoreGone(syscall.Kill(pgid, syscall.SIGKILL))
	}
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return ignoreGone(syscall.Kill(pgid, syscall.SIGKILL))
	}
	go func() {
		time.Sleep(grace)
		// ESRCH from a group that already exited is harmless.
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
	return nil
}

func ignoreGone(err error) error {
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
