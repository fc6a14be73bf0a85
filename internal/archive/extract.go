// Package archive installs downloaded model bundles: it unpacks a tarball
// into an isolated directory, locates the model directory inside it and
// moves it into place.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"modelkeeper/internal/common/execx"
	"modelkeeper/internal/common/fsutil"
	"modelkeeper/internal/diskguard"
	"modelkeeper/internal/errs"
	"modelkeeper/internal/registry"
)

// Result describes a completed installation.
type Result struct {
	Dir string
	// Source is the directory name inside the archive that was installed.
	Source string
	// Heuristic is set when Source was found by family keyword instead of
	// the exact configured name.
	Heuristic bool
}

// Extractor unpacks archives with an external tar binary.
type Extractor struct {
	TarPath string
	Runner  execx.Runner
	Log     zerolog.Logger
}

// New returns an Extractor using tar from PATH (or tarPath when set).
func New(tarPath string, log *zerolog.Logger) *Extractor {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	if strings.TrimSpace(tarPath) == "" {
		tarPath = "tar"
	}
	return &Extractor{TarPath: tarPath, Runner: execx.ExecRunner{}, Log: l}
}

// Resolve returns the absolute path of the tar binary.
func (x *Extractor) Resolve() (string, error) {
	p, err := execx.LookPath(x.TarPath, "tar")
	if err != nil {
		return "", errs.Wrapf(errs.Unavailable, "extract", err, "%s not found", x.TarPath)
	}
	return p, nil
}

// TempDir is the isolated extraction directory for m under modelsDir.
func TempDir(modelsDir string, m registry.Model) string {
	return filepath.Join(modelsDir, diskguard.ExtractPrefix+m.ID)
}

// Extract installs archivePath as modelsDir/<m.ID>. The temporary
// extraction directory is removed on every path out.
func (x *Extractor) Extract(ctx context.Context, archivePath string, m registry.Model, modelsDir string) (Result, error) {
	const op = "extract"
	target := filepath.Join(modelsDir, m.ID)
	res := Result{Dir: target}
	tmp := TempDir(modelsDir, m)
	log := x.Log.With().Str("model", m.ID).Logger()

	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return res, errs.Wrap(errs.Unknown, op, err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.Warn().Err(err).Str("path", tmp).Msg("failed to remove extraction dir")
		}
	}()

	args := []string{tarFlags(archivePath), archivePath, "-C", tmp}
	if out, err := x.Runner.Run(ctx, x.TarPath, args...); err != nil {
		if ctx.Err() != nil {
			return res, errs.Wrapf(errs.Cancelled, op, ctx.Err(), "extraction cancelled")
		}
		if out.ExitCode == -1 {
			return res, errs.Wrapf(errs.Unavailable, op, err, "failed to start %s", x.TarPath)
		}
		e := errs.E(errs.Corrupt, op, fmt.Sprintf("tar extraction failed with code %d: %s", out.ExitCode, execx.Tail(out.Stderr, 500)))
		e.ExitCode = out.ExitCode
		e.Stderr = out.Stderr
		return res, e
	}

	src, heuristic, err := locate(tmp, m)
	if err != nil {
		return res, err
	}
	res.Source = filepath.Base(src)
	res.Heuristic = heuristic
	if heuristic {
		log.Warn().Str("event", "install_heuristic").Str("expected", m.ExtractDir).Str("found", res.Source).
			Msg("model directory matched by family keyword, not by exact name")
	}

	if err := os.RemoveAll(target); err != nil {
		return res, errs.Wrapf(errs.Unknown, op, err, "remove previous install")
	}
	if err := fsutil.Move(src, target); err != nil {
		return res, errs.Wrapf(errs.Unknown, op, err, "move into place")
	}

	if missing := missingFiles(target, m.Files); len(missing) > 0 {
		_ = os.RemoveAll(target)
		return res, errs.E(errs.Corrupt, op, fmt.Sprintf("extracted model is missing required files (%s)", strings.Join(missing, ", ")))
	}
	log.Info().Str("event", "install_complete").Str("dir", target).Msg("model extracted")
	return res, nil
}

// locate finds the model directory inside root: the exact configured name
// first, otherwise the first directory containing the family keyword.
func locate(root string, m registry.Model) (string, bool, error) {
	if m.ExtractDir != "" {
		p := filepath.Join(root, m.ExtractDir)
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return p, false, nil
		}
	}
	keyword := strings.ToLower(m.Family)
	if keyword != "" {
		entries, err := os.ReadDir(root)
		if err != nil {
			return "", false, errs.Wrap(errs.Unknown, "extract", err)
		}
		for _, e := range entries {
			if e.IsDir() && strings.Contains(strings.ToLower(e.Name()), keyword) {
				return filepath.Join(root, e.Name()), true, nil
			}
		}
	}
	return "", false, errs.E(errs.Corrupt, "extract", "could not find model directory in extracted archive")
}

func missingFiles(dir string, files []string) []string {
	var missing []string
	for _, f := range files {
		if !fsutil.IsRegularFile(filepath.Join(dir, f)) {
			missing = append(missing, f)
		}
	}
	return missing
}

func tarFlags(archive string) string {
	name := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "-xzf"
	case strings.HasSuffix(name, ".tar.xz"):
		return "-xJf"
	case strings.HasSuffix(name, ".tar"):
		return "-xf"
	default:
		return "-xjf"
	}
}
