// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package watch

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exhausted reports inotify resource exhaustion. A full watch table or
// descriptor table does not drain while the watcher is alive.
func exhausted(err error) bool {
	for _, errno := range []unix.Errno{unix.ENOSPC, unix.EMFILE, unix.ENFILE} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
