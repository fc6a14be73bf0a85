// Package registry is the closed catalogue of downloadable models. Every
// operation that touches disk or network looks a model up here first, so an
// unknown identifier is rejected before any I/O.
package registry

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"modelkeeper/internal/errs"
)

// Kind names a backend family.
type Kind string

const (
	KindLlama    Kind = "llama"
	KindParakeet Kind = "parakeet"
)

// Kinds lists every backend kind in a stable order.
var Kinds = []Kind{KindLlama, KindParakeet}

// ParseKind validates s as a backend kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", errs.E(errs.Invalid, "registry", fmt.Sprintf("unknown backend kind %q", s))
}

// Model describes one downloadable model.
type Model struct {
	ID                 string   `json:"id" yaml:"id" toml:"id"`
	Kind               Kind     `json:"kind" yaml:"kind" toml:"kind"`
	Name               string   `json:"name" yaml:"name" toml:"name"`
	URL                string   `json:"url" yaml:"url" toml:"url"`
	SizeBytes          int64    `json:"size_bytes" yaml:"size_bytes" toml:"size_bytes"`
	TolerancePercent   float64  `json:"tolerance_percent,omitempty" yaml:"tolerance_percent,omitempty" toml:"tolerance_percent,omitempty"`
	Files              []string `json:"files" yaml:"files" toml:"files"`
	ExtractDir         string   `json:"extract_dir,omitempty" yaml:"extract_dir,omitempty" toml:"extract_dir,omitempty"`
	Family             string   `json:"family,omitempty" yaml:"family,omitempty" toml:"family,omitempty"`
	Language           string   `json:"language,omitempty" yaml:"language,omitempty" toml:"language,omitempty"`
	SupportedLanguages []string `json:"supported_languages,omitempty" yaml:"supported_languages,omitempty" toml:"supported_languages,omitempty"`
}

// IsArchive reports whether the model ships as a tar bundle that must be
// extracted.
func (m Model) IsArchive() bool { return m.ExtractDir != "" }

// DownloadFileName is the name the downloaded artifact is stored under:
// the first required file for single-file models, <id><archive ext> for
// bundles.
func (m Model) DownloadFileName() string {
	if !m.IsArchive() && len(m.Files) > 0 {
		return m.Files[0]
	}
	return m.ID + ArchiveExt(m.URL)
}

// ArchiveExt returns the tar extension of rawURL, defaulting to .tar.bz2.
func ArchiveExt(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	name = strings.ToLower(name)
	for _, ext := range []string{".tar.bz2", ".tar.gz", ".tgz", ".tar.xz", ".tar"} {
		if strings.HasSuffix(name, ext) {
			return ext
		}
	}
	return ".tar.bz2"
}

// Marker is the file whose presence proves an extraction landed correctly.
func (m Model) Marker() string {
	if len(m.Files) == 0 {
		return ""
	}
	return m.Files[0]
}

// Tolerance returns the size tolerance in percent, defaulting to 10.
func (m Model) Tolerance() float64 {
	if m.TolerancePercent > 0 {
		return m.TolerancePercent
	}
	return 10
}

func (m Model) validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("model with empty id")
	case strings.ContainsAny(m.ID, `/\`) || m.ID == "." || m.ID == "..":
		return fmt.Errorf("model %s: id must be a plain name", m.ID)
	case m.URL == "":
		return fmt.Errorf("model %s: empty url", m.ID)
	case len(m.Files) == 0:
		return fmt.Errorf("model %s: no required files", m.ID)
	}
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return fmt.Errorf("model %s: %w", m.ID, err)
	}
	return nil
}

// Registry is an immutable set of models keyed by id.
type Registry struct {
	byID  map[string]Model
	order []string
}

// New builds a registry; later models with the same id replace earlier ones.
func New(models []Model) (*Registry, error) {
	r := &Registry{byID: make(map[string]Model, len(models))}
	for _, m := range models {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[m.ID]; !dup {
			r.order = append(r.order, m.ID)
		}
		r.byID[m.ID] = m
	}
	return r, nil
}

// Lookup returns the model with the given id or a NotFound error.
func (r *Registry) Lookup(id string) (Model, error) {
	m, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Model{}, errs.E(errs.NotFound, "registry", fmt.Sprintf("unknown model %q (valid: %s)", id, strings.Join(r.IDs(""), ", ")))
	}
	return m, nil
}

// IDs lists model ids, optionally filtered by kind, sorted.
func (r *Registry) IDs(kind Kind) []string {
	var ids []string
	for _, id := range r.order {
		if kind == "" || r.byID[id].Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// List returns models in catalogue order, optionally filtered by kind.
func (r *Registry) List(kind Kind) []Model {
	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		if m := r.byID[id]; kind == "" || m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// ModelsDirName is the per-kind directory under the cache root.
func ModelsDirName(kind Kind) string { return string(kind) + "-models" }

// KindRoot is the directory holding every model of kind under cacheRoot.
func KindRoot(cacheRoot string, kind Kind) string {
	return filepath.Join(cacheRoot, ModelsDirName(kind))
}

// ModelDir is the install directory of m under cacheRoot.
func ModelDir(cacheRoot string, m Model) string {
	return filepath.Join(KindRoot(cacheRoot, m.Kind), m.ID)
}

// MissingFiles returns required files absent from m's install directory.
func MissingFiles(cacheRoot string, m Model) []string {
	dir := ModelDir(cacheRoot, m)
	var missing []string
	for _, f := range m.Files {
		fi, err := os.Stat(filepath.Join(dir, f))
		if err != nil || !fi.Mode().IsRegular() {
			missing = append(missing, f)
		}
	}
	return missing
}

// IsInstalled reports whether every required file of m exists.
func IsInstalled(cacheRoot string, m Model) bool {
	return len(MissingFiles(cacheRoot, m)) == 0
}
