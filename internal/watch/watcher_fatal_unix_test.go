// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package watch

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestExhausted(t *testing.T) {
	t.Parallel()

	for err, want := range map[error]bool{
		unix.ENOSPC: true,
		fmt.Errorf("inotify_add_watch: %w", unix.ENFILE): true,
		unix.EACCES:                  false,
		errors.New("queue overflow"): false,
	} {
		if got := exhausted(err); got != want {
			t.Errorf("exhausted(%v) = %v, want %v", err, got, want)
		}
	}
}
