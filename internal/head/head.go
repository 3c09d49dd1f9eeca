// Package head maps a joint representation to per-finding probabilities.
// Outputs are multi-label: each probability lies independently in [0, 1].
// Inference is deterministic given fixed weights; the only randomness is the
// explicit stochastic mode used for Monte-Carlo uncertainty sampling.
package head

import (
	"fmt"
	"math/rand/v2"

	"github.com/lucent-health/prism/internal/bundle"
	"github.com/lucent-health/prism/internal/nn"
)

// Head is one trained prediction head.
type Head struct {
	dense    nn.Dense
	findings []string
}

// New builds a head from bundle weights.
func New(findings []string, proj bundle.Projection) (*Head, error) {
	d, err := nn.NewDense(proj.W, proj.B, proj.Rows, proj.Cols)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	return &Head{dense: d, findings: findings}, nil
}

// Findings returns the finding labels in output order.
func (h *Head) Findings() []string { return h.findings }

// Logits computes the pre-sigmoid activations for the joint representation.
func (h *Head) Logits(joint []float32) []float32 {
	return h.dense.Apply(joint)
}

// Predict computes per-finding probabilities. Deterministic.
func (h *Head) Predict(joint []float32) []float32 {
	logits := h.dense.Apply(joint)
	probs := make([]float32, len(logits))
	for i, l := range logits {
		probs[i] = float32(nn.Sigmoid(float64(l)))
	}
	return probs
}

// PredictStochastic runs one stochastic forward pass with inverted dropout
// applied to the joint representation. The caller owns the RNG so pass
// sequences are reproducible per model version.
func (h *Head) PredictStochastic(joint []float32, dropout float64, rng *rand.Rand) []float32 {
	masked := make([]float32, len(joint))
	keep := 1 - dropout
	inv := float32(1 / keep)
	for i, v := range joint {
		if rng.Float64() < keep {
			masked[i] = v * inv
		}
	}
	return h.Predict(masked)
}

// GradJoint returns the gradient of one finding's logit with respect to the
// joint representation — for a linear head, the corresponding weight row.
func (h *Head) GradJoint(findingIdx int) []float32 {
	row := h.dense.W[findingIdx*h.dense.Cols : (findingIdx+1)*h.dense.Cols]
	out := make([]float32, len(row))
	copy(out, row)
	return out
}

// Ensemble is a set of independently trained heads over the same findings.
type Ensemble []*Head

// NewEnsemble builds all heads declared by a bundle.
func NewEnsemble(findings []string, projs []bundle.Projection) (Ensemble, error) {
	heads := make(Ensemble, 0, len(projs))
	for i, p := range projs {
		h, err := New(findings, p)
		if err != nil {
			return nil, fmt.Errorf("head %d: %w", i, err)
		}
		heads = append(heads, h)
	}
	return heads, nil
}

// Primary returns the first head, which carries the canonical (deterministic)
// prediction and the gradients used for attribution.
func (e Ensemble) Primary() *Head { return e[0] }

// PredictAll runs every member head and returns the per-head probability
// rows. Used for ensemble-disagreement uncertainty.
func (e Ensemble) PredictAll(joint []float32) [][]float32 {
	rows := make([][]float32, len(e))
	for i, h := range e {
		rows[i] = h.Predict(joint)
	}
	return rows
}
