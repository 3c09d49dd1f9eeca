package prism_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucent-health/prism"
	"github.com/lucent-health/prism/internal/testutil"
)

// newTestApp builds an App over a single fixture bundle, with telemetry,
// Postgres, and the bundle watcher all disabled.
func newTestApp(t *testing.T, opts ...prism.Option) *prism.App {
	t.Helper()
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PRISM_WATCH_BUNDLES", "")
	t.Setenv("PRISM_LEDGER_BACKEND", "")
	t.Setenv("PRISM_LEDGER_SYNC", "")
	t.Setenv("PRISM_ACTIVE_VERSION", "")
	t.Setenv("PRISM_CALL_TIMEOUT", "")
	t.Setenv("PRISM_LEDGER_PATH", filepath.Join(t.TempDir(), "feedback.ledger"))

	dir := t.TempDir()
	testutil.WriteBundle(t, dir, "cxr-2026.01")

	all := append([]prism.Option{
		prism.WithBundleDir(dir),
		prism.WithLogger(testutil.TestLogger()),
	}, opts...)
	app, err := prism.New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func tabularCase(caseID string) prism.Case {
	features := make([]float32, len(testutil.TabularFeatures))
	for i := range features {
		features[i] = float32(i) * 0.1
	}
	return prism.Case{
		CaseID:  caseID,
		Tabular: &prism.TabularInput{Features: features},
	}
}

func TestInfer(t *testing.T) {
	app := newTestApp(t)

	res, err := app.Infer(context.Background(), tabularCase("case-001"))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "case-001", res.CaseID)
	assert.Equal(t, "cxr-2026.01", res.ModelVersion)
	assert.Equal(t, "assembled", res.Status)
	assert.Empty(t, res.Degraded)
	assert.False(t, res.Timestamp.IsZero())

	require.Len(t, res.Findings, len(testutil.Findings))
	for i, f := range res.Findings {
		assert.Equal(t, testutil.Findings[i], f.Label)
		assert.GreaterOrEqual(t, f.Raw, float32(0))
		assert.LessOrEqual(t, f.Raw, float32(1))
		assert.GreaterOrEqual(t, f.Uncertainty, float32(0))
	}

	require.Len(t, res.Explanations, len(testutil.Findings))
	ex := res.Explanations["pneumonia"]
	assert.Equal(t, prism.AttributionAbsent, ex.Image.Status)
	assert.Equal(t, prism.AttributionPopulated, ex.Tabular.Status)
	assert.Len(t, ex.Tabular.Contributions, len(testutil.TabularFeatures))
	assert.Equal(t, prism.AttributionAbsent, ex.Text.Status)
}

func TestInferWithVersionUnknown(t *testing.T) {
	app := newTestApp(t)

	res, err := app.InferWithVersion(context.Background(), tabularCase("case-002"), "cxr-1999.12")
	require.ErrorIs(t, err, prism.ErrModelVersionNotFound)
	assert.Nil(t, res)
}

func TestInferEmptyCase(t *testing.T) {
	app := newTestApp(t)

	res, err := app.Infer(context.Background(), prism.Case{CaseID: "case-003"})
	require.ErrorIs(t, err, prism.ErrInsufficientInput)
	assert.Nil(t, res)
}

func TestInferExpiredDeadline(t *testing.T) {
	app := newTestApp(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := app.Infer(ctx, tabularCase("case-004"))
	require.ErrorIs(t, err, prism.ErrTimeout)
}

func TestRecordFeedback(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	off, err := app.RecordFeedback(ctx, prism.Feedback{
		CaseID:       "case-001",
		ModelVersion: "cxr-2026.01",
		Labels:       []string{"pneumonia", "pleural_effusion"},
		Comment:      "effusion missed on the right base",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	got, err := app.FeedbackFor(ctx, "cxr-2026.01")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "case-001", got[0].CaseID)
	assert.Equal(t, []string{"pneumonia", "pleural_effusion"}, got[0].Labels)
	assert.NotEqual(t, uuid.Nil, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())

	n, err := app.FeedbackCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordFeedbackValidation(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		fb      prism.Feedback
		wantErr string
	}{
		{
			"missing case id",
			prism.Feedback{ModelVersion: "cxr-2026.01", Labels: []string{"pneumonia"}},
			"case_id is required",
		},
		{
			"missing model version",
			prism.Feedback{CaseID: "case-001", Labels: []string{"pneumonia"}},
			"model_version is required",
		},
		{
			"label outside the version's findings",
			prism.Feedback{CaseID: "case-001", ModelVersion: "cxr-2026.01", Labels: []string{"sepsis"}},
			`label "sepsis"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := app.RecordFeedback(ctx, tt.fb)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecordFeedbackForUnloadedVersion(t *testing.T) {
	app := newTestApp(t)

	// The referenced version is gone, so labels cannot be checked. The
	// correction is kept anyway.
	_, err := app.RecordFeedback(context.Background(), prism.Feedback{
		CaseID:       "case-001",
		ModelVersion: "cxr-2024.07",
		Labels:       []string{"anything"},
	})
	require.NoError(t, err)
}

func TestVersionLifecycle(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, []string{"cxr-2026.01"}, app.Versions())
	assert.Equal(t, "cxr-2026.01", app.ActiveVersion())

	dir := t.TempDir()
	path := testutil.WriteBundle(t, dir, "cxr-2026.02")
	require.NoError(t, app.LoadBundle(path))
	assert.ElementsMatch(t, []string{"cxr-2026.01", "cxr-2026.02"}, app.Versions())

	// Loading does not activate.
	assert.Equal(t, "cxr-2026.01", app.ActiveVersion())

	require.NoError(t, app.SetActiveVersion("cxr-2026.02"))
	assert.Equal(t, "cxr-2026.02", app.ActiveVersion())

	res, err := app.Infer(context.Background(), tabularCase("case-005"))
	require.NoError(t, err)
	assert.Equal(t, "cxr-2026.02", res.ModelVersion)

	// The active version cannot be retired; the idle one can.
	require.Error(t, app.RetireVersion("cxr-2026.02"))
	require.NoError(t, app.RetireVersion("cxr-2026.01"))
	assert.Equal(t, []string{"cxr-2026.02"}, app.Versions())
}

func TestSimilarCasesWithoutStore(t *testing.T) {
	app := newTestApp(t)

	_, err := app.SimilarCases(context.Background(), "case-001", "cxr-2026.01", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result store configured")
}

func TestResultWithoutStore(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Result(context.Background(), "case-001", "cxr-2026.01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result store configured")
}

// memLedger is an in-memory FeedbackLedger for exercising the override hook.
type memLedger struct {
	mu   sync.Mutex
	recs []prism.Feedback
}

func (l *memLedger) Record(_ context.Context, fb prism.Feedback) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, fb)
	return uint64(len(l.recs) - 1), nil
}

func (l *memLedger) Query(_ context.Context, modelVersion string) ([]prism.Feedback, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []prism.Feedback
	for _, r := range l.recs {
		if r.ModelVersion == modelVersion {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *memLedger) Len(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recs), nil
}

func (l *memLedger) Close() error { return nil }

func TestWithFeedbackLedger(t *testing.T) {
	led := &memLedger{}
	app := newTestApp(t, prism.WithFeedbackLedger(led))
	ctx := context.Background()

	off, err := app.RecordFeedback(ctx, prism.Feedback{
		CaseID:       "case-001",
		ModelVersion: "cxr-2026.01",
		Labels:       []string{"fracture"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	// The override received the record, IDs and timestamps filled in.
	require.Len(t, led.recs, 1)
	assert.NotEqual(t, uuid.Nil, led.recs[0].ID)

	got, err := app.FeedbackFor(ctx, "cxr-2026.01")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "case-001", got[0].CaseID)
}

// memStore is an in-memory ResultStore that also answers similarity lookups.
type memStore struct {
	mu      sync.Mutex
	saved   []*prism.InferenceResult
	joints  [][]float32
	matches []prism.SimilarCase
}

func (s *memStore) SaveResult(_ context.Context, res *prism.InferenceResult, joint []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, res)
	s.joints = append(s.joints, joint)
	return nil
}

func (s *memStore) SimilarToCase(context.Context, string, string, int) ([]prism.SimilarCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches, nil
}

func TestWithResultStore(t *testing.T) {
	store := &memStore{matches: []prism.SimilarCase{{CaseID: "case-precedent", Distance: 0.12}}}
	app := newTestApp(t, prism.WithResultStore(store))
	ctx := context.Background()

	res, err := app.Infer(ctx, tabularCase("case-006"))
	require.NoError(t, err)
	require.NotNil(t, res)

	store.mu.Lock()
	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	joint := store.joints[0]
	store.mu.Unlock()
	assert.Equal(t, "case-006", saved.CaseID)
	assert.Len(t, joint, testutil.FixtureJointDim)

	// A store that implements SimilaritySearcher serves SimilarCases.
	matches, err := app.SimilarCases(ctx, "case-006", "cxr-2026.01", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "case-precedent", matches[0].CaseID)
}
