// Package registry owns the process-wide set of loaded model versions. A
// loaded version is immutable: its weights and derived components are built
// once and never mutated in place. Version rollover swaps the active pointer;
// in-flight calls keep the version they acquired until they release it, so
// draining is safe. A retired version unloads only after its last reference
// is released.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/lucent-health/prism/internal/bundle"
	"github.com/lucent-health/prism/internal/calibration"
	"github.com/lucent-health/prism/internal/encoder"
	"github.com/lucent-health/prism/internal/explain"
	"github.com/lucent-health/prism/internal/fusion"
	"github.com/lucent-health/prism/internal/head"
	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/uncertainty"
)

// Version is one immutable, fully constructed model version.
type Version struct {
	Bundle     *bundle.Bundle
	Image      *encoder.Image // nil when the version does not declare the modality
	Tabular    *encoder.Tabular
	Text       *encoder.Text
	Fuser      fusion.Fuser
	Heads      head.Ensemble
	Calibrator *calibration.Calibrator
	Estimator  *uncertainty.Estimator
	Explainer  *explain.Explainer

	refs    atomic.Int64
	retired atomic.Bool
}

// Name returns the version identifier.
func (v *Version) Name() string { return v.Bundle.Manifest.Version }

// Findings returns the finding labels in output order.
func (v *Version) Findings() []string { return v.Bundle.Manifest.Findings }

// Registry holds loaded versions and the active pointer.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	versions map[string]*Version
	active   atomic.Pointer[Version]
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		versions: make(map[string]*Version),
	}
}

// Load builds a version from a bundle directory and registers it. The first
// loaded version becomes active. Reloading an existing version name is
// rejected: versions are immutable, a changed model must get a new name.
func (r *Registry) Load(dir string) (*Version, error) {
	b, err := bundle.Load(dir)
	if err != nil {
		return nil, err
	}
	v, err := build(b)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name := v.Name()
	if _, exists := r.versions[name]; exists {
		return nil, fmt.Errorf("registry: version %q already loaded", name)
	}
	r.versions[name] = v
	if r.active.Load() == nil {
		r.active.Store(v)
	}
	r.logger.Info("model version loaded",
		"version", name,
		"findings", len(v.Findings()),
		"fusion", b.Manifest.Fusion.Kind,
		"heads", len(v.Heads),
	)
	return v, nil
}

// LoadDir loads every subdirectory of dir that contains a manifest.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("registry: read bundle dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(sub, bundle.ManifestFile)); err != nil {
			continue
		}
		if _, err := r.Load(sub); err != nil {
			return fmt.Errorf("registry: load %s: %w", entry.Name(), err)
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("registry: no bundles found under %s", dir)
	}
	return nil
}

// Acquire pins a version for one inference call. An empty name means the
// active version. The caller must Release when the call completes.
func (r *Registry) Acquire(name string) (*Version, error) {
	if name == "" {
		v := r.active.Load()
		if v == nil {
			return nil, fmt.Errorf("%w: no active version", model.ErrModelVersionNotFound)
		}
		v.refs.Add(1)
		return v, nil
	}

	r.mu.RLock()
	v, ok := r.versions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrModelVersionNotFound, name)
	}
	v.refs.Add(1)
	return v, nil
}

// Release unpins a version. A retired version with no remaining references
// is removed from the registry.
func (r *Registry) Release(v *Version) {
	if v.refs.Add(-1) > 0 || !v.retired.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.refs.Load() == 0 {
		delete(r.versions, v.Name())
		r.logger.Info("model version unloaded", "version", v.Name())
	}
}

// SetActive switches the active pointer. In-flight calls keep their
// originally acquired version.
func (r *Registry) SetActive(name string) error {
	r.mu.RLock()
	v, ok := r.versions[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrModelVersionNotFound, name)
	}
	r.active.Store(v)
	r.logger.Info("active model version switched", "version", name)
	return nil
}

// Active returns the active version name, or empty when none is loaded.
func (r *Registry) Active() string {
	if v := r.active.Load(); v != nil {
		return v.Name()
	}
	return ""
}

// Retire marks a version for unload once drained. The active version cannot
// be retired.
func (r *Registry) Retire(name string) error {
	r.mu.Lock()
	v, ok := r.versions[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrModelVersionNotFound, name)
	}
	if active := r.active.Load(); active == v {
		r.mu.Unlock()
		return fmt.Errorf("registry: cannot retire active version %s", name)
	}
	v.retired.Store(true)
	drained := v.refs.Load() == 0
	if drained {
		delete(r.versions, name)
	}
	r.mu.Unlock()
	if drained {
		r.logger.Info("model version unloaded", "version", name)
	}
	return nil
}

// Versions lists loaded version names.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	return names
}

// build constructs all derived components for a verified bundle.
func build(b *bundle.Bundle) (*Version, error) {
	m, w := &b.Manifest, &b.Weights
	v := &Version{Bundle: b}

	var imageDim, tabularDim, textDim int
	var err error
	if spec := m.Modalities.Image; spec != nil {
		if v.Image, err = encoder.NewImage(*spec, *w.ImageProj); err != nil {
			return nil, err
		}
		imageDim = spec.EmbeddingDim
	}
	if spec := m.Modalities.Tabular; spec != nil {
		if v.Tabular, err = encoder.NewTabular(*spec, *w.TabularProj, w.TabularBaseline); err != nil {
			return nil, err
		}
		tabularDim = spec.EmbeddingDim
	}
	if spec := m.Modalities.Text; spec != nil {
		if v.Text, err = encoder.NewText(*spec, w.TextTable, *w.TextProj); err != nil {
			return nil, err
		}
		textDim = spec.EmbeddingDim
	}

	switch m.Fusion.Kind {
	case bundle.FusionConcat:
		v.Fuser, err = fusion.NewConcat(imageDim, tabularDim, textDim,
			w.FusionProj.W, w.FusionProj.B, m.JointDim)
	case bundle.FusionGated:
		v.Fuser, err = fusion.NewGated(imageDim, tabularDim, textDim,
			w.Gates, w.FusionProj.W, w.FusionProj.B, m.JointDim)
	}
	if err != nil {
		return nil, err
	}

	if v.Heads, err = head.NewEnsemble(m.Findings, w.Heads); err != nil {
		return nil, err
	}
	if v.Calibrator, err = calibration.New(m.Calibration); err != nil {
		return nil, err
	}
	v.Estimator = uncertainty.New(m.Uncertainty, v.Heads)
	v.Explainer = explain.New(v.Image, v.Tabular, v.Text, v.Fuser, v.Heads.Primary())
	return v, nil
}
