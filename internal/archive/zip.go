// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// zipEpoch is stamped on every entry so identical trees give identical zips.
var zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Zip packs the files of this build into a zip at out. entries are the
// Dest values of the Copied results, relative to buildRoot; anything else
// under buildRoot is left out. Entries are sorted, carry a fixed
// modification time and keep permission bits. Returns the absolute path of
// the archive.
func Zip(ctx context.Context, buildRoot, out string, entries []string) (string, error) {
	absRoot, err := filepath.Abs(buildRoot)
	if err != nil {
		return "", fmt.Errorf("resolve build root: %w", err)
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return "", fmt.Errorf("resolve archive path: %w", err)
	}

	entries = slices.Clone(entries)
	slices.SortFunc(entries, func(a, b string) int {
		return compareSlash(filepath.ToSlash(a), filepath.ToSlash(b))
	})
	entries = slices.Compact(entries)

	zipFile, err := os.Create(absOut)
	if err != nil {
		return "", fmt.Errorf("create zip file: %w", err)
	}

	if err := writeZip(ctx, zipFile, absRoot, entries); err != nil {
		zipFile.Close()   //nolint:errcheck // best-effort cleanup
		os.Remove(absOut) //nolint:errcheck // best-effort cleanup
		return "", err
	}
	if err := zipFile.Close(); err != nil {
		os.Remove(absOut) //nolint:errcheck // best-effort cleanup
		return "", fmt.Errorf("close zip file: %w", err)
	}
	return absOut, nil
}

// CopiedDests returns the Dest of every Copied result.
func CopiedDests(results []CopyResult) []string {
	var out []string
	for _, r := range results {
		if r.OK() {
			out = append(out, r.Dest)
		}
	}
	return out
}

func writeZip(ctx context.Context, w io.Writer, root string, entries []string) error {
	zw := zip.NewWriter(w)
	for _, rel := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addEntry(zw, root, rel); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

func addEntry(zw *zip.Writer, root, rel string) error {
	src := filepath.Join(root, rel)
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("create header for %s: %w", rel, err)
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate
	header.Modified = zipEpoch
	header.SetMode(info.Mode().Perm())

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", rel, err)
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("write entry %s: %w", rel, err)
	}
	return nil
}

// compareSlash orders slash paths component-wise so "a/b" sorts before "a-b".
func compareSlash(a, b string) int {
	return slices.Compare(strings.Split(a, "/"), strings.Split(b, "/"))
}
