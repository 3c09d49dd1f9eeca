package explain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucent-health/prism/internal/encoder"
	"github.com/lucent-health/prism/internal/explain"
	"github.com/lucent-health/prism/internal/fusion"
	"github.com/lucent-health/prism/internal/head"
	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/nn"
	"github.com/lucent-health/prism/internal/testutil"
)

type fixture struct {
	image   *encoder.Image
	tabular *encoder.Tabular
	text    *encoder.Text
	fuser   fusion.Fuser
	head    *head.Head
	ex      *explain.Explainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, w := testutil.FixtureBundle("explain-test")

	img, err := encoder.NewImage(*m.Modalities.Image, *w.ImageProj)
	require.NoError(t, err)
	tab, err := encoder.NewTabular(*m.Modalities.Tabular, *w.TabularProj, w.TabularBaseline)
	require.NoError(t, err)
	txt, err := encoder.NewText(*m.Modalities.Text, w.TextTable, *w.TextProj)
	require.NoError(t, err)
	fuser, err := fusion.NewConcat(
		m.Modalities.Image.EmbeddingDim,
		m.Modalities.Tabular.EmbeddingDim,
		m.Modalities.Text.EmbeddingDim,
		w.FusionProj.W, w.FusionProj.B, m.JointDim)
	require.NoError(t, err)
	h, err := head.New(m.Findings, w.Heads[0])
	require.NoError(t, err)

	return &fixture{
		image:   img,
		tabular: tab,
		text:    txt,
		fuser:   fuser,
		head:    h,
		ex:      explain.New(img, tab, txt, fuser, h),
	}
}

func testImage() *model.ImageInput {
	px := make([]float32, testutil.FixtureChannels*testutil.FixtureHeight*testutil.FixtureWidth)
	for i := range px {
		px[i] = float32((i*13)%11) / 11
	}
	return &model.ImageInput{
		Pixels:   px,
		Channels: testutil.FixtureChannels,
		Height:   testutil.FixtureHeight,
		Width:    testutil.FixtureWidth,
		Frame: model.ContentFrame{
			OrigWidth:     20,
			OrigHeight:    14,
			OffsetX:       1,
			OffsetY:       2,
			ContentWidth:  6,
			ContentHeight: 4,
		},
	}
}

func testFeatures() []float32 {
	features := make([]float32, len(testutil.TabularFeatures))
	for i := range features {
		features[i] = float32(i+1) * 0.37
	}
	return features
}

func (fx *fixture) encodeAll(t *testing.T, c *model.Case) model.ModalitySet {
	t.Helper()
	var set model.ModalitySet
	var err error
	if c.Image != nil {
		set.Image, err = fx.image.Encode(c.Image)
		require.NoError(t, err)
	}
	if c.Tabular != nil {
		set.Tabular, err = fx.tabular.Encode(c.Tabular)
		require.NoError(t, err)
	}
	if c.Text != nil {
		set.Text, err = fx.text.Encode(c.Text)
		require.NoError(t, err)
	}
	return set
}

func TestImageSaliencyAlignsToOriginalFrame(t *testing.T) {
	fx := newFixture(t)
	in := testImage()
	set := fx.encodeAll(t, &model.Case{CaseID: "c1", Image: in})

	hm, err := fx.ex.ImageSaliency(in, set, 0)
	require.NoError(t, err)
	assert.Equal(t, in.Frame.OrigWidth, hm.Width)
	assert.Equal(t, in.Frame.OrigHeight, hm.Height)
	require.Len(t, hm.Values, in.Frame.OrigWidth*in.Frame.OrigHeight)
	for _, v := range hm.Values {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestImageSaliencyRejectsBadFrame(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*model.ContentFrame)
	}{
		{"zero content", func(f *model.ContentFrame) { f.ContentWidth = 0 }},
		{"negative offset", func(f *model.ContentFrame) { f.OffsetX = -1 }},
		{"overflows tensor", func(f *model.ContentFrame) { f.ContentWidth = testutil.FixtureWidth + 1 }},
		{"zero original size", func(f *model.ContentFrame) { f.OrigHeight = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testImage()
			tt.mutate(&in.Frame)
			set := fx.encodeAll(t, &model.Case{CaseID: "c1", Image: in})
			// Re-encode may fail only on pixel shape, not frame; frame is
			// checked by the explainer.
			_, err := fx.ex.ImageSaliency(in, set, 0)
			assert.ErrorIs(t, err, model.ErrAttributionUnavailable)
		})
	}
}

func TestTabularContributionsSumToLogitDelta(t *testing.T) {
	fx := newFixture(t)
	in := &model.TabularInput{Features: testFeatures()}
	set := fx.encodeAll(t, &model.Case{CaseID: "c1", Tabular: in})

	for idx := range testutil.Findings {
		contribs, delta, err := fx.ex.TabularContributions(in, set, idx)
		require.NoError(t, err)
		require.Len(t, contribs, len(testutil.TabularFeatures))

		var sum float64
		for i, c := range contribs {
			assert.Equal(t, testutil.TabularFeatures[i], c.Name)
			sum += float64(c.Value)
		}
		assert.InDelta(t, float64(delta), sum, 1e-4)

		// The delta equals the actual logit difference between the case input
		// and the baseline feature vector, holding everything else fixed.
		baseSet := fx.encodeAll(t, &model.Case{
			CaseID:  "c1",
			Tabular: &model.TabularInput{Features: fx.tabular.Baseline()},
		})
		jointIn, err := fx.fuser.Fuse(set)
		require.NoError(t, err)
		jointBase, err := fx.fuser.Fuse(baseSet)
		require.NoError(t, err)
		wantDelta := fx.head.Logits(jointIn)[idx] - fx.head.Logits(jointBase)[idx]
		assert.InDelta(t, float64(wantDelta), float64(delta), 1e-3)
	}
}

func TestTextContributionsSumToLogitDelta(t *testing.T) {
	fx := newFixture(t)
	in := &model.TextInput{TokenIDs: []int{1, 7, 12, 3}, Tokens: []string{"fever", "cough", "dyspnea", "chills"}}
	set := fx.encodeAll(t, &model.Case{CaseID: "c1", Text: in})

	contribs, delta, err := fx.ex.TextContributions(in, set, 0)
	require.NoError(t, err)
	require.Len(t, contribs, len(in.TokenIDs))

	var sum float64
	for i, c := range contribs {
		assert.Equal(t, in.Tokens[i], c.Name)
		sum += float64(c.Value)
	}
	assert.InDelta(t, float64(delta), sum, 1e-4)

	// The delta equals the logit difference from a zero pooled embedding,
	// with the text slot still marked present.
	m, w := testutil.FixtureBundle("explain-test")
	d, err := nn.NewDense(w.TextProj.W, w.TextProj.B, w.TextProj.Rows, w.TextProj.Cols)
	require.NoError(t, err)
	zeroEmb := &model.Embedding{
		Modality: model.ModalityText,
		Values:   d.Apply(make([]float32, m.Modalities.Text.TokenDim)),
	}
	jointIn, err := fx.fuser.Fuse(set)
	require.NoError(t, err)
	jointZero, err := fx.fuser.Fuse(model.ModalitySet{Text: zeroEmb})
	require.NoError(t, err)
	wantDelta := fx.head.Logits(jointIn)[0] - fx.head.Logits(jointZero)[0]
	assert.InDelta(t, float64(wantDelta), float64(delta), 1e-3)
}

func TestTextContributionsFallBackToTokenIDNames(t *testing.T) {
	fx := newFixture(t)
	in := &model.TextInput{TokenIDs: []int{5, 9}}
	set := fx.encodeAll(t, &model.Case{CaseID: "c1", Text: in})

	contribs, _, err := fx.ex.TextContributions(in, set, 0)
	require.NoError(t, err)
	assert.Equal(t, "tok_5", contribs[0].Name)
	assert.Equal(t, "tok_9", contribs[1].Name)
}

func TestExplainMarksAbsentModalities(t *testing.T) {
	fx := newFixture(t)
	c := &model.Case{CaseID: "c1", Tabular: &model.TabularInput{Features: testFeatures()}}
	set := fx.encodeAll(t, c)

	out, err := fx.ex.Explain(context.Background(), c, set, testutil.Findings)
	require.NoError(t, err)
	require.Len(t, out, len(testutil.Findings))

	for _, finding := range testutil.Findings {
		exp := out[finding]
		assert.Equal(t, finding, exp.Finding)
		assert.Equal(t, model.AttributionAbsent, exp.Image.Status)
		assert.Nil(t, exp.Image.HeatMap)
		assert.Equal(t, model.AttributionPopulated, exp.Tabular.Status)
		assert.Equal(t, model.AttributionAbsent, exp.Text.Status)
	}
}

func TestExplainImageFailureIsContained(t *testing.T) {
	fx := newFixture(t)
	img := testImage()
	img.Frame.ContentWidth = 0 // breaks saliency, not encoding
	c := &model.Case{
		CaseID:  "c1",
		Image:   img,
		Tabular: &model.TabularInput{Features: testFeatures()},
	}
	set := fx.encodeAll(t, c)

	out, err := fx.ex.Explain(context.Background(), c, set, testutil.Findings)
	require.NoError(t, err)

	exp := out["pneumonia"]
	assert.Equal(t, model.AttributionUnavailable, exp.Image.Status)
	assert.NotEmpty(t, exp.Image.Reason)
	// The rest of the explanation still ships.
	assert.Equal(t, model.AttributionPopulated, exp.Tabular.Status)
}

func TestExplainReturnsPartialMapOnCancel(t *testing.T) {
	fx := newFixture(t)
	c := &model.Case{CaseID: "c1", Tabular: &model.TabularInput{Features: testFeatures()}}
	set := fx.encodeAll(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := fx.ex.Explain(ctx, c, set, testutil.Findings)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
}
