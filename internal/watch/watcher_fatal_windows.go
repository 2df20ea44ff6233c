// SPDX-License-Identifier: MPL-2.0

//go:build windows

package watch

import (
	"errors"

	"golang.org/x/sys/windows"
)

// exhausted reports handle or buffer exhaustion, and a watch root that was
// deleted underneath ReadDirectoryChangesW.
func exhausted(err error) bool {
	for _, errno := range []windows.Errno{
		windows.ERROR_TOO_MANY_OPEN_FILES,
		windows.ERROR_INVALID_HANDLE,
		windows.ERROR_NOT_ENOUGH_MEMORY,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
