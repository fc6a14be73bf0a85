// Package diskguard runs the pre-flight checks around downloads: free-space
// verification and removal of artifacts left behind by interrupted runs.
package diskguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modelkeeper/internal/errs"
)

// DefaultStaleAge is how old a leftover temp artifact must be before
// CleanupStale removes it.
const DefaultStaleAge = 24 * time.Hour

// ExtractPrefix names temporary extraction directories.
const ExtractPrefix = "temp-extract-"

// Result reports the outcome of a space check.
type Result struct {
	OK        bool
	Supported bool
	Available uint64
	Required  uint64
}

// freeBytes is replaced in tests.
var freeBytes = availableBytes

// CheckSpace verifies that the filesystem holding dir has at least required
// bytes available. Platforms without a free-space query, and query failures,
// pass.
func CheckSpace(dir string, required uint64) (Result, error) {
	res := Result{OK: true, Required: required}
	probe := existingAncestor(dir)
	avail, err := freeBytes(probe)
	if err != nil {
		return res, nil
	}
	res.Supported = true
	res.Available = avail
	if avail < required {
		res.OK = false
		e := errs.E(errs.InsufficientSpace, "disk check",
			fmt.Sprintf("not enough disk space in %s: need %s, have %s", dir, humanBytes(required), humanBytes(avail)))
		return res, e
	}
	return res, nil
}

// RequiredFor returns the space a download of size bytes needs: archives
// need room for the bundle and its extracted contents.
func RequiredFor(size int64, archive bool) uint64 {
	if size <= 0 {
		return 0
	}
	if archive {
		return uint64(float64(size) * 2.5)
	}
	return uint64(float64(size) * 1.1)
}

// CleanupStale removes *.tmp files and temp-extract-* directories in dir
// whose modification time is older than maxAge. It returns the removed paths.
func CleanupStale(dir string, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".tmp") && !strings.HasPrefix(name, ExtractPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, name)
		if err := os.RemoveAll(p); err != nil {
			continue
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// FreeBytes reports the space available on the filesystem holding dir.
func FreeBytes(dir string) (uint64, error) { return freeBytes(existingAncestor(dir)) }

func existingAncestor(dir string) string {
	p := filepath.Clean(dir)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
