// Package explain generates per-finding attribution artifacts. The image
// modality gets a gradient saliency map cropped to the un-padded content
// rectangle and resampled to the original image's coordinate frame; tabular
// and text modalities get exact signed contribution scores along the linear
// path, summing to the head's logit delta from the model baseline.
//
// Failures are contained per modality: a slot that cannot be computed is
// marked unavailable and the rest of the explanation still ships.
package explain

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/lucent-health/prism/internal/encoder"
	"github.com/lucent-health/prism/internal/fusion"
	"github.com/lucent-health/prism/internal/head"
	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/nn"
)

// Explainer is bound to one model version's components.
type Explainer struct {
	image   *encoder.Image
	tabular *encoder.Tabular
	text    *encoder.Text
	fuser   fusion.Fuser
	head    *head.Head
}

// New builds an explainer. Encoder arguments are nil for modalities the
// model version does not declare.
func New(img *encoder.Image, tab *encoder.Tabular, txt *encoder.Text, fuser fusion.Fuser, h *head.Head) *Explainer {
	return &Explainer{image: img, tabular: tab, text: txt, fuser: fuser, head: h}
}

// Explain produces one Explanation per finding. ctx is polled between
// findings; on cancellation the map computed so far is returned together
// with the context error so the orchestrator can mark the rest incomplete.
func (ex *Explainer) Explain(ctx context.Context, c *model.Case, set model.ModalitySet, findings []string) (map[string]model.Explanation, error) {
	out := make(map[string]model.Explanation, len(findings))
	for idx, finding := range findings {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("explain: %s: %w", finding, err)
		}
		out[finding] = model.Explanation{
			Finding: finding,
			Image:   ex.imageSlot(c, set, idx),
			Tabular: ex.tabularSlot(c, set, idx),
			Text:    ex.textSlot(c, set, idx),
		}
	}
	return out, nil
}

func (ex *Explainer) imageSlot(c *model.Case, set model.ModalitySet, findingIdx int) model.ImageAttribution {
	if c.Image == nil || set.Image == nil {
		return model.ImageAttribution{Status: model.AttributionAbsent}
	}
	hm, err := ex.ImageSaliency(c.Image, set, findingIdx)
	if err != nil {
		return model.ImageAttribution{
			Status: model.AttributionUnavailable,
			Reason: reason(err),
		}
	}
	return model.ImageAttribution{Status: model.AttributionPopulated, HeatMap: hm}
}

// ImageSaliency backpropagates the finding's logit gradient through the
// fusion projection and the image encoder to per-pixel relevance, crops the
// preprocessing padding, normalizes to [0, 1], and resizes to the original
// W x H exactly.
func (ex *Explainer) ImageSaliency(in *model.ImageInput, set model.ModalitySet, findingIdx int) (*model.HeatMap, error) {
	if ex.image == nil {
		return nil, fmt.Errorf("%w: model version has no image encoder", model.ErrAttributionUnavailable)
	}
	frame := in.Frame
	spec := ex.image.Spec()
	if frame.ContentWidth <= 0 || frame.ContentHeight <= 0 ||
		frame.OffsetX < 0 || frame.OffsetY < 0 ||
		frame.OffsetX+frame.ContentWidth > spec.Width ||
		frame.OffsetY+frame.ContentHeight > spec.Height ||
		frame.OrigWidth <= 0 || frame.OrigHeight <= 0 {
		return nil, fmt.Errorf("%w: content frame %+v does not fit %dx%d tensor",
			model.ErrAttributionUnavailable, frame, spec.Width, spec.Height)
	}

	dJoint := ex.head.GradJoint(findingIdx)
	dEmb := ex.fuser.GradEmbedding(model.ModalityImage, set, dJoint)
	dPixels := ex.image.GradPixels(dEmb)

	// Collapse channels: per-pixel relevance is the summed absolute gradient.
	plane := make([]float32, spec.Height*spec.Width)
	for ch := 0; ch < spec.Channels; ch++ {
		for i := 0; i < spec.Height*spec.Width; i++ {
			g := dPixels[ch*spec.Height*spec.Width+i]
			if g < 0 {
				g = -g
			}
			plane[i] += g
		}
	}

	// Exclude preprocessing padding before normalizing so pad pixels can
	// never dominate the scale.
	content := make([]float32, frame.ContentWidth*frame.ContentHeight)
	for y := 0; y < frame.ContentHeight; y++ {
		srcRow := (frame.OffsetY + y) * spec.Width
		copy(content[y*frame.ContentWidth:(y+1)*frame.ContentWidth],
			plane[srcRow+frame.OffsetX:srcRow+frame.OffsetX+frame.ContentWidth])
	}
	nn.Normalize01(content)

	values := nn.ResizeBilinear(content, frame.ContentWidth, frame.ContentHeight, frame.OrigWidth, frame.OrigHeight)
	for _, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite saliency values", model.ErrAttributionUnavailable)
		}
	}
	return &model.HeatMap{Width: frame.OrigWidth, Height: frame.OrigHeight, Values: values}, nil
}

func (ex *Explainer) tabularSlot(c *model.Case, set model.ModalitySet, findingIdx int) model.FeatureAttribution {
	if c.Tabular == nil || set.Tabular == nil {
		return model.FeatureAttribution{Status: model.AttributionAbsent}
	}
	contribs, delta, err := ex.TabularContributions(c.Tabular, set, findingIdx)
	if err != nil {
		return model.FeatureAttribution{Status: model.AttributionUnavailable, Reason: reason(err)}
	}
	return model.FeatureAttribution{
		Status:        model.AttributionPopulated,
		Contributions: contribs,
		LogitDelta:    delta,
	}
}

// TabularContributions computes exact linear-path contributions
// c_i = g_i * (x_i - baseline_i), where g is the logit gradient with respect
// to the feature vector. The contributions sum to the logit delta between
// the case input and the version's baseline feature vector.
func (ex *Explainer) TabularContributions(in *model.TabularInput, set model.ModalitySet, findingIdx int) ([]model.Contribution, float32, error) {
	if ex.tabular == nil {
		return nil, 0, fmt.Errorf("%w: model version has no tabular encoder", model.ErrAttributionUnavailable)
	}
	dJoint := ex.head.GradJoint(findingIdx)
	dEmb := ex.fuser.GradEmbedding(model.ModalityTabular, set, dJoint)
	grads := ex.tabular.GradFeatures(dEmb)

	names := ex.tabular.Features()
	baseline := ex.tabular.Baseline()
	contribs := make([]model.Contribution, len(names))
	var delta float64
	for i, name := range names {
		v := float64(grads[i]) * float64(in.Features[i]-baseline[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, 0, fmt.Errorf("%w: non-finite contribution for %s", model.ErrAttributionUnavailable, name)
		}
		contribs[i] = model.Contribution{Name: name, Value: float32(v)}
		delta += v
	}
	return contribs, float32(delta), nil
}

func (ex *Explainer) textSlot(c *model.Case, set model.ModalitySet, findingIdx int) model.FeatureAttribution {
	if c.Text == nil || set.Text == nil {
		return model.FeatureAttribution{Status: model.AttributionAbsent}
	}
	contribs, delta, err := ex.TextContributions(c.Text, set, findingIdx)
	if err != nil {
		return model.FeatureAttribution{Status: model.AttributionUnavailable, Reason: reason(err)}
	}
	return model.FeatureAttribution{
		Status:        model.AttributionPopulated,
		Contributions: contribs,
		LogitDelta:    delta,
	}
}

// TextContributions scores each token by its share of the mean-pooled
// embedding along the logit gradient. The baseline is the empty pooled
// embedding, so the scores sum exactly to the logit delta from it.
func (ex *Explainer) TextContributions(in *model.TextInput, set model.ModalitySet, findingIdx int) ([]model.Contribution, float32, error) {
	if ex.text == nil {
		return nil, 0, fmt.Errorf("%w: model version has no text encoder", model.ErrAttributionUnavailable)
	}
	dJoint := ex.head.GradJoint(findingIdx)
	dEmb := ex.fuser.GradEmbedding(model.ModalityText, set, dJoint)
	gPooled := ex.text.GradPooled(dEmb)

	n := float64(len(in.TokenIDs))
	contribs := make([]model.Contribution, len(in.TokenIDs))
	var delta float64
	for t, id := range in.TokenIDs {
		emb := ex.text.TokenEmbedding(id)
		var acc float64
		for i, g := range gPooled {
			acc += float64(g) * float64(emb[i])
		}
		acc /= n
		if math.IsNaN(acc) || math.IsInf(acc, 0) {
			return nil, 0, fmt.Errorf("%w: non-finite contribution for token %d", model.ErrAttributionUnavailable, id)
		}
		contribs[t] = model.Contribution{Name: tokenName(in, t, id), Value: float32(acc)}
		delta += acc
	}
	return contribs, float32(delta), nil
}

func tokenName(in *model.TextInput, pos, id int) string {
	if pos < len(in.Tokens) && in.Tokens[pos] != "" {
		return in.Tokens[pos]
	}
	return fmt.Sprintf("tok_%d", id)
}

// reason extracts a stable human-readable reason, stripping sentinel wrapping.
func reason(err error) string {
	if errors.Is(err, model.ErrAttributionUnavailable) {
		return err.Error()
	}
	return fmt.Sprintf("%s: %s", model.ErrAttributionUnavailable, err)
}
