// SPDX-License-Identifier: MPL-2.0

//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const tracePipeSupported = true

// configureProcessGroup puts the target in its own process group so that
// cancellation reaches every descendant, not just the direct child.
// Cancellation interrupts the group, which lets Python unwind through
// KeyboardInterrupt and its atexit hooks, then kills whatever is left
// after grace.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pgid := cmd.Process.Pid
		err := unix.Kill(-pgid, unix.SIGINT)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		time.AfterFunc(grace, func() {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		})
		return err
	}
}

func signalNumber(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return 0
}
