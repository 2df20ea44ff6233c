// SPDX-License-Identifier: MPL-2.0

package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const deletedSuffix = " (deleted)"

// Lsof enumerates open files by running lsof in field output mode.
type Lsof struct {
	// Path is the lsof binary. Empty means "lsof" looked up on PATH.
	Path string
}

// Name implements Enumerator.
func (Lsof) Name() string { return "lsof" }

// OpenFiles implements Enumerator.
func (l Lsof) OpenFiles(ctx context.Context, pids []int32) (Listing, error) {
	bin := l.Path
	if bin == "" {
		bin = "lsof"
	}
	if len(pids) == 0 {
		return Listing{}, nil
	}

	ids := make([]string, len(pids))
	for i, pid := range pids {
		ids[i] = strconv.Itoa(int(pid))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-n", "-P", "-F", "ftn", "-p", strings.Join(ids, ","))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Listing{}, ErrProbeTimeout
		}
		return Listing{}, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
			// lsof exits 1 when some or all pids have no open files left;
			// whatever it did print is still valid.
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
			return Listing{}, errors.Join(ErrProbeUnavailable, err)
		default:
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return Listing{}, &exec.Error{Name: bin, Err: errors.New(msg)}
			}
			return Listing{}, err
		}
	}

	return ParseLsof(stdout.Bytes()), nil
}

// ParseLsof parses "lsof -F ftn" output. Only regular files with absolute,
// non-deleted names are kept. Lines with an unknown field tag are returned
// in Unparsed.
func ParseLsof(out []byte) Listing {
	var (
		res      Listing
		fileType string
		name     string
		inFile   bool
	)

	flush := func() {
		if inFile && fileType == "REG" && name != "" &&
			!strings.HasSuffix(name, deletedSuffix) && filepath.IsAbs(name) {
			res.Paths = append(res.Paths, name)
		}
		fileType, name, inFile = "", "", false
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		tag, value := line[0], line[1:]
		switch tag {
		case 'p':
			flush()
		case 'f':
			flush()
			inFile = true
		case 't':
			fileType = value
		case 'n':
			name = value
		default:
			res.Unparsed = append(res.Unparsed, line)
		}
	}
	flush()
	return res
}
