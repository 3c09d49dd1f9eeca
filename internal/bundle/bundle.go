// Package bundle loads immutable model-version bundles from disk.
//
// A bundle directory holds a manifest.yaml describing the model version
// (finding labels, modality shapes, fusion kind, calibration parameters,
// uncertainty strategy) and a weights.json carrying the opaque numeric
// artifacts (encoder projections, fusion projection, prediction heads,
// baselines). The manifest pins a SHA-256 digest of the weight payload;
// loading verifies it before any weight is used.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Fusion kinds supported by the fusion module.
const (
	FusionConcat = "concat"
	FusionGated  = "gated"
)

// Uncertainty strategies supported by the estimator.
const (
	UncertaintyMCDropout = "mc_dropout"
	UncertaintyEnsemble  = "ensemble"
	UncertaintySentinel  = "sentinel"
)

// Calibration transform kinds.
const (
	CalibrationTemperature = "temperature"
	CalibrationIsotonic    = "isotonic"
)

// ImageSpec declares the image encoder's expected tensor shape and its
// pooling grid.
type ImageSpec struct {
	Channels     int `yaml:"channels"`
	Height       int `yaml:"height"`
	Width        int `yaml:"width"`
	GridHeight   int `yaml:"grid_height"`
	GridWidth    int `yaml:"grid_width"`
	EmbeddingDim int `yaml:"embedding_dim"`
}

// TabularSpec declares the structured feature schema.
type TabularSpec struct {
	Features     []string `yaml:"features"`
	EmbeddingDim int      `yaml:"embedding_dim"`
}

// TextSpec declares the token vocabulary and embedding table shape.
type TextSpec struct {
	VocabSize    int `yaml:"vocab_size"`
	TokenDim     int `yaml:"token_dim"`
	EmbeddingDim int `yaml:"embedding_dim"`
	// MaxTokens caps input length; 0 means unlimited.
	MaxTokens int `yaml:"max_tokens"`
}

// ModalitySpecs groups the per-modality declarations. A nil entry means the
// model version does not accept that modality.
type ModalitySpecs struct {
	Image   *ImageSpec   `yaml:"image,omitempty"`
	Tabular *TabularSpec `yaml:"tabular,omitempty"`
	Text    *TextSpec    `yaml:"text,omitempty"`
}

// CalibrationSpec is one finding's fitted monotonic transform. Findings with
// no entry pass through uncalibrated.
type CalibrationSpec struct {
	Kind        string    `yaml:"kind"`
	Temperature float64   `yaml:"temperature,omitempty"`
	Thresholds  []float64 `yaml:"thresholds,omitempty"`
	Values      []float64 `yaml:"values,omitempty"`
}

// FusionSpec selects the fusion variant. Both variants share the same
// contract, so swapping kinds never touches the orchestrator.
type FusionSpec struct {
	Kind string `yaml:"kind"`
}

// UncertaintySpec selects the estimation strategy for the version.
type UncertaintySpec struct {
	Strategy string  `yaml:"strategy"`
	Passes   int     `yaml:"passes,omitempty"`
	Dropout  float64 `yaml:"dropout,omitempty"`
	Seed     int64   `yaml:"seed,omitempty"`
}

// Manifest is the parsed manifest.yaml of one model version.
type Manifest struct {
	Version       string                     `yaml:"version"`
	CreatedAt     time.Time                  `yaml:"created_at"`
	Findings      []string                   `yaml:"findings"`
	Modalities    ModalitySpecs              `yaml:"modalities"`
	JointDim      int                        `yaml:"joint_dim"`
	Fusion        FusionSpec                 `yaml:"fusion"`
	Calibration   map[string]CalibrationSpec `yaml:"calibration"`
	Uncertainty   UncertaintySpec            `yaml:"uncertainty"`
	WeightsSHA256 string                     `yaml:"weights_sha256"`
}

// Projection is a dense weight block in weights.json, row-major.
type Projection struct {
	W    []float32 `json:"w"`
	B    []float32 `json:"b,omitempty"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
}

// Weights is the opaque numeric artifact set of one model version.
type Weights struct {
	ImageProj   *Projection `json:"image_proj,omitempty"`
	TabularProj *Projection `json:"tabular_proj,omitempty"`
	// TabularBaseline is the reference feature vector attribution deltas are
	// measured against.
	TabularBaseline []float32 `json:"tabular_baseline,omitempty"`
	// TextTable is the token embedding table, vocab_size x token_dim flattened.
	TextTable []float32   `json:"text_table,omitempty"`
	TextProj  *Projection `json:"text_proj,omitempty"`
	// Gates holds per-modality fusion gate scalars (image, tabular, text) for
	// the gated fusion kind.
	Gates      []float32   `json:"gates,omitempty"`
	FusionProj *Projection `json:"fusion_proj"`
	// Heads has one entry for deterministic single-head versions and K >= 2
	// entries for ensemble versions.
	Heads []Projection `json:"heads"`
}

// Bundle is one fully loaded, verified model version. Immutable after Load.
type Bundle struct {
	Manifest Manifest
	Weights  Weights
	Dir      string
}

// ManifestFile and WeightsFile are the fixed file names inside a bundle dir.
const (
	ManifestFile = "manifest.yaml"
	WeightsFile  = "weights.json"
)

// Load reads, verifies, and validates a bundle directory.
func Load(dir string) (*Bundle, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("bundle: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("bundle: parse manifest: %w", err)
	}

	weightBytes, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("bundle: read weights: %w", err)
	}
	if m.WeightsSHA256 != "" {
		sum := sha256.Sum256(weightBytes)
		if got := hex.EncodeToString(sum[:]); got != m.WeightsSHA256 {
			return nil, fmt.Errorf("bundle: weights digest mismatch for %s: manifest %s, actual %s",
				m.Version, m.WeightsSHA256, got)
		}
	}
	var w Weights
	if err := json.Unmarshal(weightBytes, &w); err != nil {
		return nil, fmt.Errorf("bundle: parse weights: %w", err)
	}

	b := &Bundle{Manifest: m, Weights: w, Dir: dir}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// HashWeights computes the hex SHA-256 digest pinned in the manifest.
// Exposed for bundle authoring tools and test fixtures.
func HashWeights(weightsJSON []byte) string {
	sum := sha256.Sum256(weightsJSON)
	return hex.EncodeToString(sum[:])
}

// validate cross-checks manifest shapes against weight dimensions so a
// malformed bundle fails at load time, not mid-inference.
func (b *Bundle) validate() error {
	m, w := &b.Manifest, &b.Weights

	if m.Version == "" {
		return fmt.Errorf("bundle: manifest missing version")
	}
	if len(m.Findings) == 0 {
		return fmt.Errorf("bundle %s: manifest declares no findings", m.Version)
	}
	if m.JointDim <= 0 {
		return fmt.Errorf("bundle %s: joint_dim must be positive", m.Version)
	}
	switch m.Fusion.Kind {
	case FusionConcat:
	case FusionGated:
		if len(w.Gates) != 3 {
			return fmt.Errorf("bundle %s: gated fusion needs 3 gates, got %d", m.Version, len(w.Gates))
		}
	default:
		return fmt.Errorf("bundle %s: unknown fusion kind %q", m.Version, m.Fusion.Kind)
	}

	concatDim := 0
	if spec := m.Modalities.Image; spec != nil {
		if w.ImageProj == nil {
			return fmt.Errorf("bundle %s: image modality declared but image_proj missing", m.Version)
		}
		pooled := spec.Channels * spec.GridHeight * spec.GridWidth
		if w.ImageProj.Cols != pooled || w.ImageProj.Rows != spec.EmbeddingDim {
			return fmt.Errorf("bundle %s: image_proj is %dx%d, want %dx%d",
				m.Version, w.ImageProj.Rows, w.ImageProj.Cols, spec.EmbeddingDim, pooled)
		}
		concatDim += spec.EmbeddingDim
	}
	if spec := m.Modalities.Tabular; spec != nil {
		if w.TabularProj == nil {
			return fmt.Errorf("bundle %s: tabular modality declared but tabular_proj missing", m.Version)
		}
		if w.TabularProj.Cols != len(spec.Features) || w.TabularProj.Rows != spec.EmbeddingDim {
			return fmt.Errorf("bundle %s: tabular_proj is %dx%d, want %dx%d",
				m.Version, w.TabularProj.Rows, w.TabularProj.Cols, spec.EmbeddingDim, len(spec.Features))
		}
		if len(w.TabularBaseline) != 0 && len(w.TabularBaseline) != len(spec.Features) {
			return fmt.Errorf("bundle %s: tabular_baseline length %d, want %d",
				m.Version, len(w.TabularBaseline), len(spec.Features))
		}
		concatDim += spec.EmbeddingDim
	}
	if spec := m.Modalities.Text; spec != nil {
		if w.TextProj == nil || len(w.TextTable) == 0 {
			return fmt.Errorf("bundle %s: text modality declared but text weights missing", m.Version)
		}
		if len(w.TextTable) != spec.VocabSize*spec.TokenDim {
			return fmt.Errorf("bundle %s: text_table length %d, want %d",
				m.Version, len(w.TextTable), spec.VocabSize*spec.TokenDim)
		}
		if w.TextProj.Cols != spec.TokenDim || w.TextProj.Rows != spec.EmbeddingDim {
			return fmt.Errorf("bundle %s: text_proj is %dx%d, want %dx%d",
				m.Version, w.TextProj.Rows, w.TextProj.Cols, spec.EmbeddingDim, spec.TokenDim)
		}
		concatDim += spec.EmbeddingDim
	}
	if concatDim == 0 {
		return fmt.Errorf("bundle %s: manifest declares no modalities", m.Version)
	}

	// Fusion input is the masked concat of all declared slots plus one
	// presence indicator per modality slot.
	fusionCols := concatDim + 3
	if w.FusionProj == nil {
		return fmt.Errorf("bundle %s: fusion_proj missing", m.Version)
	}
	if w.FusionProj.Cols != fusionCols || w.FusionProj.Rows != m.JointDim {
		return fmt.Errorf("bundle %s: fusion_proj is %dx%d, want %dx%d",
			m.Version, w.FusionProj.Rows, w.FusionProj.Cols, m.JointDim, fusionCols)
	}

	if len(w.Heads) == 0 {
		return fmt.Errorf("bundle %s: no prediction heads", m.Version)
	}
	for i, h := range w.Heads {
		if h.Cols != m.JointDim || h.Rows != len(m.Findings) {
			return fmt.Errorf("bundle %s: head %d is %dx%d, want %dx%d",
				m.Version, i, h.Rows, h.Cols, len(m.Findings), m.JointDim)
		}
	}

	switch m.Uncertainty.Strategy {
	case UncertaintyMCDropout:
		if m.Uncertainty.Passes < 2 {
			return fmt.Errorf("bundle %s: mc_dropout needs passes >= 2, got %d", m.Version, m.Uncertainty.Passes)
		}
		if m.Uncertainty.Dropout <= 0 || m.Uncertainty.Dropout >= 1 {
			return fmt.Errorf("bundle %s: mc_dropout rate %v out of (0,1)", m.Version, m.Uncertainty.Dropout)
		}
	case UncertaintyEnsemble:
		if len(w.Heads) < 2 {
			return fmt.Errorf("bundle %s: ensemble strategy needs >= 2 heads, got %d", m.Version, len(w.Heads))
		}
	case UncertaintySentinel, "":
	default:
		return fmt.Errorf("bundle %s: unknown uncertainty strategy %q", m.Version, m.Uncertainty.Strategy)
	}

	for finding, spec := range m.Calibration {
		if !contains(m.Findings, finding) {
			return fmt.Errorf("bundle %s: calibration for unknown finding %q", m.Version, finding)
		}
		switch spec.Kind {
		case CalibrationTemperature:
			if spec.Temperature <= 0 {
				return fmt.Errorf("bundle %s: temperature for %q must be positive", m.Version, finding)
			}
		case CalibrationIsotonic:
			if len(spec.Thresholds) == 0 || len(spec.Thresholds) != len(spec.Values) {
				return fmt.Errorf("bundle %s: isotonic map for %q has %d thresholds, %d values",
					m.Version, finding, len(spec.Thresholds), len(spec.Values))
			}
			for i := 1; i < len(spec.Values); i++ {
				if spec.Thresholds[i] < spec.Thresholds[i-1] || spec.Values[i] < spec.Values[i-1] {
					return fmt.Errorf("bundle %s: isotonic map for %q is not monotonic", m.Version, finding)
				}
			}
		default:
			return fmt.Errorf("bundle %s: unknown calibration kind %q for %q", m.Version, spec.Kind, finding)
		}
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
