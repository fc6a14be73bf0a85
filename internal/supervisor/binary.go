package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"modelkeeper/internal/common/fsutil"
	"modelkeeper/internal/errs"
)

// BinarySpec describes where to look for a backend executable.
type BinarySpec struct {
	// Path, when set, is the only candidate.
	Path string
	// Base is the executable name without platform suffix or extension,
	// e.g. "llama-server".
	Base string
	// Dirs overrides the default search directories.
	Dirs []string
}

// platformTag and archTag follow the naming of bundled release artifacts.
func platformTag(goos string) string {
	if goos == "windows" {
		return "win32"
	}
	return goos
}

func archTag(goarch string) string {
	if goarch == "amd64" {
		return "x64"
	}
	return goarch
}

func candidateNames(base, goos, goarch string) []string {
	ext := ""
	if goos == "windows" {
		ext = ".exe"
	}
	return []string{
		fmt.Sprintf("%s-%s-%s%s", base, platformTag(goos), archTag(goarch), ext),
		base + ext,
	}
}

// defaultDirs lists packaged layouts (next to the executable, or in a macOS
// bundle's Resources) before the development layout under the working
// directory.
func defaultDirs() []string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		dirs = append(dirs,
			filepath.Join(exeDir, "resources", "bin"),
			filepath.Join(exeDir, "..", "Resources", "bin"),
			exeDir,
		)
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(wd, "resources", "bin"))
	}
	return dirs
}

// Candidates returns every path Resolve probes, in order.
func (b BinarySpec) Candidates() []string {
	if strings.TrimSpace(b.Path) != "" {
		return []string{b.Path}
	}
	dirs := b.Dirs
	if len(dirs) == 0 {
		dirs = defaultDirs()
	}
	names := candidateNames(b.Base, runtime.GOOS, runtime.GOARCH)
	out := make([]string, 0, len(dirs)*len(names))
	for _, d := range dirs {
		for _, n := range names {
			out = append(out, filepath.Join(d, n))
		}
	}
	return out
}

// Resolve returns the first candidate that is a regular file, falling back
// to PATH lookup of Base.
func (b BinarySpec) Resolve() (string, error) {
	candidates := b.Candidates()
	for _, c := range candidates {
		if fsutil.IsRegularFile(c) {
			return c, nil
		}
	}
	if strings.TrimSpace(b.Path) == "" && b.Base != "" {
		if p, err := exec.LookPath(b.Base); err == nil {
			return p, nil
		}
	}
	name := b.Base
	if name == "" {
		name = b.Path
	}
	e := errs.E(errs.ProcessStartupFailure, "resolve binary", fmt.Sprintf("%s not found (searched %s)", name, strings.Join(candidates, ", ")))
	return "", e
}
