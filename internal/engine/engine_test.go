package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucent-health/prism/internal/bundle"
	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/registry"
	"github.com/lucent-health/prism/internal/testutil"
)

func newTestEngine(t *testing.T, sink ResultSink, opts ...testutil.BundleOption) (*Engine, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteBundle(t, dir, "cxr-2026.01", opts...)

	reg := registry.New(testutil.TestLogger())
	require.NoError(t, reg.LoadDir(dir))
	return New(reg, testutil.TestLogger(), 5*time.Second, sink), reg
}

func tabularCase(id string) *model.Case {
	features := make([]float32, len(testutil.TabularFeatures))
	for i := range features {
		features[i] = float32(i+1) * 0.31
	}
	return &model.Case{CaseID: id, Tabular: &model.TabularInput{Features: features}}
}

func imageCase(id string) *model.Case {
	px := make([]float32, testutil.FixtureChannels*testutil.FixtureHeight*testutil.FixtureWidth)
	for i := range px {
		px[i] = float32(i%9) / 9
	}
	return &model.Case{
		CaseID: id,
		Image: &model.ImageInput{
			Pixels:   px,
			Channels: testutil.FixtureChannels,
			Height:   testutil.FixtureHeight,
			Width:    testutil.FixtureWidth,
			Frame: model.ContentFrame{
				OrigWidth: 10, OrigHeight: 10,
				OffsetX: 0, OffsetY: 0,
				ContentWidth: testutil.FixtureWidth, ContentHeight: testutil.FixtureHeight,
			},
		},
	}
}

func TestInferTabularOnly(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	res, err := eng.Infer(context.Background(), tabularCase("case-1"), "")
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "case-1", res.CaseID)
	assert.Equal(t, "cxr-2026.01", res.ModelVersion)
	assert.Equal(t, model.ResultAssembled, res.Status)

	// Every finding appears exactly once, in manifest order.
	require.Len(t, res.Predictions, len(testutil.Findings))
	for i, p := range res.Predictions {
		assert.Equal(t, testutil.Findings[i], p.Finding)
		assert.Greater(t, p.Raw, float32(0))
		assert.Less(t, p.Raw, float32(1))
		assert.GreaterOrEqual(t, p.Uncertainty, float32(0))
		assert.NotEmpty(t, p.UncertaintySource)
	}

	// Tabular explanation populated with one contribution per feature; absent
	// modalities marked absent, never errored.
	require.Len(t, res.Explanations, len(testutil.Findings))
	for _, finding := range testutil.Findings {
		exp := res.Explanations[finding]
		assert.Equal(t, model.AttributionAbsent, exp.Image.Status)
		assert.Equal(t, model.AttributionPopulated, exp.Tabular.Status)
		assert.Len(t, exp.Tabular.Contributions, len(testutil.TabularFeatures))
		assert.Equal(t, model.AttributionAbsent, exp.Text.Status)
	}
}

func TestInferIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	first, err := eng.Infer(context.Background(), tabularCase("case-1"), "")
	require.NoError(t, err)
	second, err := eng.Infer(context.Background(), tabularCase("case-1"), "")
	require.NoError(t, err)

	// Bit-identical numeric output for identical input.
	require.Len(t, second.Predictions, len(first.Predictions))
	for i := range first.Predictions {
		assert.Equal(t, first.Predictions[i].Raw, second.Predictions[i].Raw)
		assert.Equal(t, first.Predictions[i].Calibrated, second.Predictions[i].Calibrated)
		assert.Equal(t, first.Predictions[i].Uncertainty, second.Predictions[i].Uncertainty)
	}
	if diff := cmp.Diff(first.Explanations, second.Explanations); diff != "" {
		t.Errorf("explanations differ between identical calls:\n%s", diff)
	}
}

func TestInferCalibrationFlags(t *testing.T) {
	eng, _ := newTestEngine(t, nil,
		testutil.WithCalibration("pneumonia", bundle.CalibrationSpec{
			Kind: bundle.CalibrationTemperature, Temperature: 2,
		}),
	)

	res, err := eng.Infer(context.Background(), tabularCase("case-1"), "")
	require.NoError(t, err)

	byFinding := map[string]model.Prediction{}
	for _, p := range res.Predictions {
		byFinding[p.Finding] = p
	}

	// Fitted finding: calibrated, not flagged.
	assert.False(t, byFinding["pneumonia"].Uncalibrated)
	// Unfitted finding: raw passes through, flagged, call still assembled.
	assert.True(t, byFinding["pneumothorax"].Uncalibrated)
	assert.Equal(t, byFinding["pneumothorax"].Raw, byFinding["pneumothorax"].Calibrated)
	assert.Equal(t, model.ResultAssembled, res.Status)
	assert.Contains(t, res.Degraded, "calibration:pneumothorax")
	assert.NotContains(t, res.Degraded, "calibration:pneumonia")
}

func TestInferRejectsShapeMismatch(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	c := imageCase("case-1")
	c.Image.Channels = 3

	res, err := eng.Infer(context.Background(), c, "")
	assert.ErrorIs(t, err, model.ErrInputShape)
	assert.Nil(t, res)
}

func TestInferRejectsEmptyCase(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	res, err := eng.Infer(context.Background(), &model.Case{CaseID: "case-1"}, "")
	assert.ErrorIs(t, err, model.ErrInsufficientInput)
	assert.Nil(t, res)
}

func TestInferUnknownVersion(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	res, err := eng.Infer(context.Background(), tabularCase("case-1"), "cxr-1999.12")
	assert.ErrorIs(t, err, model.ErrModelVersionNotFound)
	assert.Nil(t, res)
}

func TestInferExpiredDeadline(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := eng.Infer(ctx, tabularCase("case-1"), "")
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestInferMultimodal(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	c := imageCase("case-1")
	c.Tabular = tabularCase("case-1").Tabular
	c.Text = &model.TextInput{TokenIDs: []int{2, 4, 6}, Tokens: []string{"fever", "cough", "rales"}}

	res, err := eng.Infer(context.Background(), c, "")
	require.NoError(t, err)

	exp := res.Explanations["pneumonia"]
	assert.Equal(t, model.AttributionPopulated, exp.Image.Status)
	require.NotNil(t, exp.Image.HeatMap)
	assert.Equal(t, c.Image.Frame.OrigWidth, exp.Image.HeatMap.Width)
	assert.Equal(t, c.Image.Frame.OrigHeight, exp.Image.HeatMap.Height)
	assert.Equal(t, model.AttributionPopulated, exp.Tabular.Status)
	assert.Equal(t, model.AttributionPopulated, exp.Text.Status)
	assert.Len(t, exp.Text.Contributions, 3)
}

// captureSink records SaveResult calls.
type captureSink struct {
	mu    sync.Mutex
	calls []*model.InferenceResult
	joint [][]float32
	err   error
}

func (s *captureSink) SaveResult(_ context.Context, res *model.InferenceResult, joint []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, res)
	s.joint = append(s.joint, joint)
	return s.err
}

func TestInferPersistsAssembledResults(t *testing.T) {
	sink := &captureSink{}
	eng, _ := newTestEngine(t, sink)

	res, err := eng.Infer(context.Background(), tabularCase("case-1"), "")
	require.NoError(t, err)

	require.Len(t, sink.calls, 1)
	assert.Equal(t, res, sink.calls[0])
	assert.Len(t, sink.joint[0], testutil.FixtureJointDim)
}

func TestInferSinkFailureDoesNotFailCall(t *testing.T) {
	sink := &captureSink{err: assert.AnError}
	eng, _ := newTestEngine(t, sink)

	res, err := eng.Infer(context.Background(), tabularCase("case-1"), "")
	require.NoError(t, err)
	assert.Equal(t, model.ResultAssembled, res.Status)
}

func TestAssemblePartialOnPostFailure(t *testing.T) {
	eng, reg := newTestEngine(t, nil)

	v, err := reg.Acquire("")
	require.NoError(t, err)
	defer reg.Release(v)

	raw := make([]float32, len(testutil.Findings))
	for i := range raw {
		raw[i] = 0.5
	}

	// Post-processing died before any subtask finished: predictions still
	// carry raw values, uncertainties fall back to the sentinel, explanations
	// are marked incomplete, and the result is degraded.
	post := &postResult{err: context.DeadlineExceeded}
	res := eng.assemble(tabularCase("case-1"), v, raw, post)

	assert.Equal(t, model.ResultDegraded, res.Status)
	assert.Contains(t, res.Degraded, "calibration")
	assert.Contains(t, res.Degraded, "uncertainty")
	assert.Contains(t, res.Degraded, "explanations")

	for _, p := range res.Predictions {
		assert.Equal(t, p.Raw, p.Calibrated)
		assert.True(t, p.Uncalibrated)
		assert.Equal(t, model.SentinelUncertainty, p.Uncertainty)
		assert.Equal(t, model.UncertaintySentinel, p.UncertaintySource)
	}
	for _, finding := range testutil.Findings {
		exp := res.Explanations[finding]
		assert.Equal(t, model.AttributionIncomplete, exp.Image.Status)
		assert.Equal(t, model.AttributionIncomplete, exp.Tabular.Status)
		assert.Equal(t, model.AttributionIncomplete, exp.Text.Status)
	}
}

func TestAssembleKeepsCompletedExplanations(t *testing.T) {
	eng, reg := newTestEngine(t, nil)

	v, err := reg.Acquire("")
	require.NoError(t, err)
	defer reg.Release(v)

	raw := make([]float32, len(testutil.Findings))
	post := &postResult{
		calibrated:   make([]float32, len(testutil.Findings)),
		uncalibrated: make([]bool, len(testutil.Findings)),
		calDone:      true,
		explanations: map[string]model.Explanation{
			"pneumonia": {
				Finding: "pneumonia",
				Tabular: model.FeatureAttribution{Status: model.AttributionPopulated},
			},
		},
		err: context.DeadlineExceeded,
	}
	res := eng.assemble(tabularCase("case-1"), v, raw, post)

	// The finding explained before the deadline survives; the rest are
	// incomplete.
	assert.Equal(t, model.AttributionPopulated, res.Explanations["pneumonia"].Tabular.Status)
	assert.Equal(t, model.AttributionIncomplete, res.Explanations["pneumothorax"].Tabular.Status)
	assert.Equal(t, model.ResultDegraded, res.Status)
	assert.Contains(t, res.Degraded, "explanations")
	assert.NotContains(t, res.Degraded, "calibration")
}

func TestPostProcessExpiredContext(t *testing.T) {
	eng, reg := newTestEngine(t, nil)

	v, err := reg.Acquire("")
	require.NoError(t, err)
	defer reg.Release(v)

	c := tabularCase("case-1")
	set, err := eng.encode(c, v)
	require.NoError(t, err)
	joint, err := v.Fuser.Fuse(set)
	require.NoError(t, err)
	raw := v.Heads.Primary().Predict(joint)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	post := eng.postProcess(ctx, c, v, set, joint, raw)
	require.Error(t, post.err)
	assert.ErrorIs(t, post.err, context.DeadlineExceeded)
	assert.False(t, post.estDone)
}
