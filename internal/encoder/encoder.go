// Package encoder maps raw, already-preprocessed modality inputs into
// fixed-length embeddings. One concrete encoder exists per modality; each
// validates its input against the model version's declared shape and rejects
// mismatches with model.ErrInputShape. An absent modality is handled by the
// caller skipping the encoder entirely — absence is an expected state, never
// an error here.
package encoder

import (
	"fmt"

	"github.com/lucent-health/prism/internal/bundle"
	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/nn"
)

// Image encodes a CHW pixel tensor by mean-pooling onto a fixed grid and
// projecting to the embedding width.
type Image struct {
	spec bundle.ImageSpec
	proj nn.Dense
}

// NewImage builds the image encoder for one model version.
func NewImage(spec bundle.ImageSpec, proj bundle.Projection) (*Image, error) {
	d, err := nn.NewDense(proj.W, proj.B, proj.Rows, proj.Cols)
	if err != nil {
		return nil, fmt.Errorf("encoder: image projection: %w", err)
	}
	return &Image{spec: spec, proj: d}, nil
}

// Dim returns the embedding width.
func (e *Image) Dim() int { return e.spec.EmbeddingDim }

// Encode validates the tensor shape and produces the image embedding.
func (e *Image) Encode(in *model.ImageInput) (*model.Embedding, error) {
	if in.Channels != e.spec.Channels {
		return nil, fmt.Errorf("%w: image has %d channels, model expects %d",
			model.ErrInputShape, in.Channels, e.spec.Channels)
	}
	if in.Height != e.spec.Height || in.Width != e.spec.Width {
		return nil, fmt.Errorf("%w: image tensor is %dx%d, model expects %dx%d",
			model.ErrInputShape, in.Width, in.Height, e.spec.Width, e.spec.Height)
	}
	if len(in.Pixels) != in.Channels*in.Height*in.Width {
		return nil, fmt.Errorf("%w: image has %d pixels, shape implies %d",
			model.ErrInputShape, len(in.Pixels), in.Channels*in.Height*in.Width)
	}
	pooled := nn.MeanPool2D(in.Pixels, e.spec.Channels, e.spec.Height, e.spec.Width,
		e.spec.GridHeight, e.spec.GridWidth)
	return &model.Embedding{Modality: model.ModalityImage, Values: e.proj.Apply(pooled)}, nil
}

// GradPixels backpropagates an embedding gradient to per-pixel gradients in
// the padded tensor frame. Used by the image explainer.
func (e *Image) GradPixels(dEmbedding []float32) []float32 {
	dPooled := e.proj.GradInput(dEmbedding)
	return nn.MeanPool2DGrad(dPooled, e.spec.Channels, e.spec.Height, e.spec.Width,
		e.spec.GridHeight, e.spec.GridWidth)
}

// Spec returns the declared tensor shape.
func (e *Image) Spec() bundle.ImageSpec { return e.spec }

// Tabular encodes a structured feature vector with a linear projection.
type Tabular struct {
	features []string
	proj     nn.Dense
	baseline []float32
}

// NewTabular builds the tabular encoder for one model version. baseline may
// be nil, in which case the zero vector is the attribution reference.
func NewTabular(spec bundle.TabularSpec, proj bundle.Projection, baseline []float32) (*Tabular, error) {
	d, err := nn.NewDense(proj.W, proj.B, proj.Rows, proj.Cols)
	if err != nil {
		return nil, fmt.Errorf("encoder: tabular projection: %w", err)
	}
	if baseline == nil {
		baseline = make([]float32, len(spec.Features))
	}
	return &Tabular{features: spec.Features, proj: d, baseline: baseline}, nil
}

// Dim returns the embedding width.
func (e *Tabular) Dim() int { return e.proj.Rows }

// Features returns the declared feature names in schema order.
func (e *Tabular) Features() []string { return e.features }

// Baseline returns the reference feature vector.
func (e *Tabular) Baseline() []float32 { return e.baseline }

// Encode validates the feature vector length and produces the embedding.
func (e *Tabular) Encode(in *model.TabularInput) (*model.Embedding, error) {
	if len(in.Features) != len(e.features) {
		return nil, fmt.Errorf("%w: tabular vector has %d features, model expects %d",
			model.ErrInputShape, len(in.Features), len(e.features))
	}
	return &model.Embedding{Modality: model.ModalityTabular, Values: e.proj.Apply(in.Features)}, nil
}

// GradFeatures backpropagates an embedding gradient to per-feature gradients.
func (e *Tabular) GradFeatures(dEmbedding []float32) []float32 {
	return e.proj.GradInput(dEmbedding)
}

// Text encodes tokenized text by mean-pooling token embeddings from the
// version's table and projecting to the embedding width.
type Text struct {
	spec  bundle.TextSpec
	table []float32 // vocab_size x token_dim, row-major
	proj  nn.Dense
}

// NewText builds the text encoder for one model version.
func NewText(spec bundle.TextSpec, table []float32, proj bundle.Projection) (*Text, error) {
	d, err := nn.NewDense(proj.W, proj.B, proj.Rows, proj.Cols)
	if err != nil {
		return nil, fmt.Errorf("encoder: text projection: %w", err)
	}
	return &Text{spec: spec, table: table, proj: d}, nil
}

// Dim returns the embedding width.
func (e *Text) Dim() int { return e.spec.EmbeddingDim }

// Encode validates token IDs against the vocabulary and produces the
// mean-pooled, projected embedding.
func (e *Text) Encode(in *model.TextInput) (*model.Embedding, error) {
	if len(in.TokenIDs) == 0 {
		return nil, fmt.Errorf("%w: text input has no tokens", model.ErrInputShape)
	}
	if e.spec.MaxTokens > 0 && len(in.TokenIDs) > e.spec.MaxTokens {
		return nil, fmt.Errorf("%w: text input has %d tokens, model caps at %d",
			model.ErrInputShape, len(in.TokenIDs), e.spec.MaxTokens)
	}
	pooled := make([]float32, e.spec.TokenDim)
	for _, id := range in.TokenIDs {
		if id < 0 || id >= e.spec.VocabSize {
			return nil, fmt.Errorf("%w: token id %d outside vocabulary of %d",
				model.ErrInputShape, id, e.spec.VocabSize)
		}
		row := e.table[id*e.spec.TokenDim : (id+1)*e.spec.TokenDim]
		for i, v := range row {
			pooled[i] += v
		}
	}
	inv := 1 / float32(len(in.TokenIDs))
	for i := range pooled {
		pooled[i] *= inv
	}
	return &model.Embedding{Modality: model.ModalityText, Values: e.proj.Apply(pooled)}, nil
}

// TokenEmbedding returns the table row for one token id.
func (e *Text) TokenEmbedding(id int) []float32 {
	return e.table[id*e.spec.TokenDim : (id+1)*e.spec.TokenDim]
}

// GradPooled backpropagates an embedding gradient to the pooled token space.
func (e *Text) GradPooled(dEmbedding []float32) []float32 {
	return e.proj.GradInput(dEmbedding)
}
