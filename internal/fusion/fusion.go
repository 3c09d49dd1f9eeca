// Package fusion composes per-modality embeddings into a single joint
// representation of fixed width. Absent modalities are zero-filled in their
// concatenation slot and signalled through presence indicators, so the joint
// dimensionality never varies with the modality subset. Two variants share
// the same contract and can be swapped per model version without touching
// the orchestrator: plain masked concatenation (Concat) and gate-weighted
// concatenation (Gated).
//
// Masking convention: each declared modality owns a fixed slot in the
// concatenated vector; an absent modality contributes zeros to its slot and
// a 0 presence bit, a present one contributes its embedding and a 1 bit.
// The three presence bits are appended after the slots. Training must use
// the same convention or calibration will be skewed.
package fusion

import (
	"fmt"

	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/nn"
)

// Fuser composes a ModalitySet into a joint representation.
type Fuser interface {
	// Fuse returns the joint representation. At least one slot must be
	// present; an all-absent set fails with model.ErrInsufficientInput.
	Fuse(set model.ModalitySet) ([]float32, error)

	// JointDim is the fixed output width for this model version.
	JointDim() int

	// GradEmbedding backpropagates a joint-space gradient to one modality's
	// embedding space, honoring the presence mask of the given set.
	GradEmbedding(m model.Modality, set model.ModalitySet, dJoint []float32) []float32
}

// slots fixes the concatenation order: image, tabular, text.
type slotLayout struct {
	imageDim, tabularDim, textDim int
}

func (l slotLayout) total() int { return l.imageDim + l.tabularDim + l.textDim }

func (l slotLayout) offset(m model.Modality) (int, int) {
	switch m {
	case model.ModalityImage:
		return 0, l.imageDim
	case model.ModalityTabular:
		return l.imageDim, l.tabularDim
	case model.ModalityText:
		return l.imageDim + l.tabularDim, l.textDim
	}
	return 0, 0
}

// Concat is the late-fusion baseline: masked concatenation followed by a
// learned projection to the joint width.
type Concat struct {
	layout slotLayout
	proj   nn.Dense
}

// NewConcat builds the concat fuser. Slot dims of zero mean the model
// version does not declare that modality.
func NewConcat(imageDim, tabularDim, textDim int, projW, projB []float32, jointDim int) (*Concat, error) {
	layout := slotLayout{imageDim: imageDim, tabularDim: tabularDim, textDim: textDim}
	d, err := nn.NewDense(projW, projB, jointDim, layout.total()+3)
	if err != nil {
		return nil, fmt.Errorf("fusion: projection: %w", err)
	}
	return &Concat{layout: layout, proj: d}, nil
}

// JointDim returns the fixed joint width.
func (f *Concat) JointDim() int { return f.proj.Rows }

// Fuse concatenates present embeddings, zero-fills absent slots, appends
// presence bits, and projects.
func (f *Concat) Fuse(set model.ModalitySet) ([]float32, error) {
	in, err := f.concatInput(set, nil)
	if err != nil {
		return nil, err
	}
	return f.proj.Apply(in), nil
}

// GradEmbedding returns the slice of the input gradient belonging to the
// modality's slot. Absent slots get a zero gradient.
func (f *Concat) GradEmbedding(m model.Modality, set model.ModalitySet, dJoint []float32) []float32 {
	off, dim := f.layout.offset(m)
	if dim == 0 || !present(set, m) {
		return make([]float32, dim)
	}
	dIn := f.proj.GradInput(dJoint)
	return dIn[off : off+dim]
}

func (f *Concat) concatInput(set model.ModalitySet, gates []float32) ([]float32, error) {
	if set.Present() == 0 {
		return nil, fmt.Errorf("%w: fusion received an all-absent modality set", model.ErrInsufficientInput)
	}
	in := make([]float32, f.layout.total()+3)
	fill := func(e *model.Embedding, m model.Modality, gate float32, bit int) error {
		if e == nil {
			return nil
		}
		off, dim := f.layout.offset(m)
		if dim == 0 {
			return fmt.Errorf("%w: model version does not accept %s input", model.ErrInputShape, m)
		}
		if len(e.Values) != dim {
			return fmt.Errorf("%w: %s embedding width %d, slot expects %d",
				model.ErrInputShape, m, len(e.Values), dim)
		}
		for i, v := range e.Values {
			in[off+i] = v * gate
		}
		in[f.layout.total()+bit] = 1
		return nil
	}
	g := func(i int) float32 {
		if gates == nil {
			return 1
		}
		return gates[i]
	}
	if err := fill(set.Image, model.ModalityImage, g(0), 0); err != nil {
		return nil, err
	}
	if err := fill(set.Tabular, model.ModalityTabular, g(1), 1); err != nil {
		return nil, err
	}
	if err := fill(set.Text, model.ModalityText, g(2), 2); err != nil {
		return nil, err
	}
	return in, nil
}

// Gated scales each present slot by a learned per-modality gate before the
// shared projection. The contract is identical to Concat.
type Gated struct {
	inner Concat
	gates []float32 // image, tabular, text
}

// NewGated builds the gated fuser. gates must have exactly three entries.
func NewGated(imageDim, tabularDim, textDim int, gates, projW, projB []float32, jointDim int) (*Gated, error) {
	if len(gates) != 3 {
		return nil, fmt.Errorf("fusion: gated fuser needs 3 gates, got %d", len(gates))
	}
	c, err := NewConcat(imageDim, tabularDim, textDim, projW, projB, jointDim)
	if err != nil {
		return nil, err
	}
	return &Gated{inner: *c, gates: gates}, nil
}

// JointDim returns the fixed joint width.
func (f *Gated) JointDim() int { return f.inner.JointDim() }

// Fuse applies gates to present slots and projects.
func (f *Gated) Fuse(set model.ModalitySet) ([]float32, error) {
	in, err := f.inner.concatInput(set, f.gates)
	if err != nil {
		return nil, err
	}
	return f.inner.proj.Apply(in), nil
}

// GradEmbedding accounts for the gate scalar in the chain rule.
func (f *Gated) GradEmbedding(m model.Modality, set model.ModalitySet, dJoint []float32) []float32 {
	d := f.inner.GradEmbedding(m, set, dJoint)
	gate := f.gateFor(m)
	for i := range d {
		d[i] *= gate
	}
	return d
}

func (f *Gated) gateFor(m model.Modality) float32 {
	switch m {
	case model.ModalityImage:
		return f.gates[0]
	case model.ModalityTabular:
		return f.gates[1]
	case model.ModalityText:
		return f.gates[2]
	}
	return 0
}

func present(set model.ModalitySet, m model.Modality) bool {
	switch m {
	case model.ModalityImage:
		return set.Image != nil
	case model.ModalityTabular:
		return set.Tabular != nil
	case model.ModalityText:
		return set.Text != nil
	}
	return false
}
