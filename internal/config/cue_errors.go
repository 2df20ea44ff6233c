// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// maxFileSize caps config files read into memory.
const maxFileSize = 1 << 20

// formatCUEError flattens a CUE error into "<file>: <field.path>: <message>"
// lines, one per underlying error.
func formatCUEError(err error, source string) error {
	if err == nil {
		return nil
	}
	all := cueerrors.Errors(err)
	if len(all) == 0 {
		return fmt.Errorf("%s: %w", source, err)
	}

	lines := make([]string, 0, len(all))
	for _, e := range all {
		path := fieldPath(cueerrors.Path(e))
		msg := e.Error()
		if path != "" {
			// CUE sometimes repeats the path in the message.
			msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(msg, path), ":"))
			lines = append(lines, path+": "+msg)
		} else {
			lines = append(lines, msg)
		}
	}
	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", source, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", source, strings.Join(lines, "\n  "))
}

// fieldPath renders ["build", "anchor_roots", "0"] as build.anchor_roots[0].
// The leading #Config selector is dropped.
func fieldPath(path []string) string {
	var b strings.Builder
	for _, part := range path {
		if part == "#Config" {
			continue
		}
		if isIndex(part) && b.Len() > 0 {
			b.WriteString("[" + part + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
