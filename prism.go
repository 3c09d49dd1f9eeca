// Package prism is the public API for embedding the Prism multimodal
// inference engine.
//
// Consumers import this package to run inference over clinical cases without
// touching the internals:
//
//	app, err := prism.New(
//	    prism.WithBundleDir("./bundles"),
//	    prism.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	res, err := app.Infer(ctx, c)
//
// The import graph enforces a strict no-cycle rule: prism (root) imports
// internal/*, but internal/* never imports prism (root). Public types
// (Case, InferenceResult, Feedback, ...) are standalone structs with no
// internal imports; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package prism

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/lucent-health/prism/internal/config"
	"github.com/lucent-health/prism/internal/engine"
	"github.com/lucent-health/prism/internal/ledger"
	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/registry"
	"github.com/lucent-health/prism/internal/storage"
	"github.com/lucent-health/prism/internal/telemetry"
	"github.com/lucent-health/prism/migrations"
)

// App is the engine lifecycle. Construct with New(), release with Close().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	version      string
	reg          *registry.Registry
	eng          *engine.Engine
	led          ledger.Ledger
	db           *storage.DB // nil when no DATABASE_URL and no override
	searcher     SimilaritySearcher
	watcher      *registry.Watcher
	watchCancel  context.CancelFunc
	otelShutdown func(context.Context) error
}

// New initialises the engine. It loads every model bundle under the bundle
// directory, opens the feedback ledger, connects the result store when
// configured, and returns a ready App. The only goroutine it may start is
// the bundle directory watcher (PRISM_WATCH_BUNDLES).
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.bundleDir != "" {
		cfg.BundleDir = o.bundleDir
	}
	if o.activeVersion != "" {
		cfg.ActiveVersion = o.activeVersion
	}
	if o.callTimeout > 0 {
		cfg.CallTimeout = o.callTimeout
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.watch != nil {
		cfg.WatchBundles = *o.watch
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("prism starting", "version", version, "bundle_dir", cfg.BundleDir)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		otelShutdown: otelShutdown,
	}

	// Load model bundles.
	app.reg = registry.New(logger)
	if err := app.reg.LoadDir(cfg.BundleDir); err != nil {
		return nil, app.failNew(fmt.Errorf("bundles: %w", err))
	}
	if cfg.ActiveVersion != "" {
		if err := app.reg.SetActive(cfg.ActiveVersion); err != nil {
			return nil, app.failNew(fmt.Errorf("activate %q: %w", cfg.ActiveVersion, err))
		}
	}

	// Open the feedback ledger — external override takes priority over config.
	if o.ledger != nil {
		app.led = &publicLedgerAdapter{l: o.ledger}
	} else {
		led, err := openLedger(cfg, logger)
		if err != nil {
			return nil, app.failNew(fmt.Errorf("ledger: %w", err))
		}
		app.led = led
	}

	// Result store: external override, or Postgres when DATABASE_URL is set.
	var sink engine.ResultSink
	switch {
	case o.resultStore != nil:
		sink = &publicStoreAdapter{s: o.resultStore}
		if s, ok := o.resultStore.(SimilaritySearcher); ok {
			app.searcher = s
		}
	case cfg.DatabaseURL != "":
		db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			return nil, app.failNew(fmt.Errorf("storage: %w", err))
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			return nil, app.failNew(fmt.Errorf("migrations: %w", err))
		}
		app.db = db
		app.searcher = &dbSearcher{db: db}
		sink = db
	default:
		logger.Info("result store: disabled (no DATABASE_URL)")
	}

	app.eng = engine.New(app.reg, logger, cfg.CallTimeout, sink)

	// Watch the bundle directory for hot-loaded versions.
	if cfg.WatchBundles {
		w, err := registry.NewWatcher(app.reg, cfg.BundleDir)
		if err != nil {
			return nil, app.failNew(fmt.Errorf("watch bundles: %w", err))
		}
		ctx, cancel := context.WithCancel(context.Background())
		app.watcher = w
		app.watchCancel = cancel
		go w.Run(ctx)
		logger.Info("bundle watcher: enabled", "dir", cfg.BundleDir)
	}

	return app, nil
}

// failNew tears down whatever New has wired so far and returns err.
func (a *App) failNew(err error) error {
	if a.led != nil {
		_ = a.led.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.otelShutdown(context.Background())
	return err
}

func openLedger(cfg config.Config, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case "sqlite":
		return ledger.OpenSQLite(cfg.LedgerPath)
	default:
		return ledger.OpenFile(cfg.LedgerPath, ledger.SyncMode(cfg.LedgerSyncMode), logger)
	}
}

// Infer runs one inference call against the active model version.
//
// On timeout the returned error matches ErrTimeout and the result, when
// non-nil, carries whatever completed before the deadline with its Degraded
// list naming the missing parts.
func (a *App) Infer(ctx context.Context, c Case) (*InferenceResult, error) {
	return a.InferWithVersion(ctx, c, "")
}

// InferWithVersion runs one inference call pinned to a named model version.
// An empty version selects the active one.
func (a *App) InferWithVersion(ctx context.Context, c Case, version string) (*InferenceResult, error) {
	res, err := a.eng.Infer(ctx, toInternalCase(c), version)
	return toPublicResult(res), err
}

// RecordFeedback appends a clinician correction to the feedback ledger and
// returns its ledger offset. Labels are validated against the referenced
// model version's finding list when that version is still loaded.
func (a *App) RecordFeedback(ctx context.Context, fb Feedback) (uint64, error) {
	if fb.CaseID == "" {
		return 0, errors.New("feedback: case_id is required")
	}
	if fb.ModelVersion == "" {
		return 0, errors.New("feedback: model_version is required")
	}
	if err := a.validateLabels(fb.ModelVersion, fb.Labels); err != nil {
		return 0, err
	}
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	return a.led.Record(ctx, model.FeedbackRecord(fb))
}

// validateLabels rejects labels outside the version's finding list. A version
// that is no longer loaded cannot be checked; its feedback is accepted as-is
// so late corrections for retired versions are not lost.
func (a *App) validateLabels(version string, labels []string) error {
	v, err := a.reg.Acquire(version)
	if err != nil {
		return nil
	}
	defer a.reg.Release(v)
	known := make(map[string]bool, len(v.Findings()))
	for _, f := range v.Findings() {
		known[f] = true
	}
	for _, l := range labels {
		if !known[l] {
			return fmt.Errorf("feedback: label %q is not a finding of model version %q", l, version)
		}
	}
	return nil
}

// FeedbackFor returns all feedback recorded against a model version, in
// append order. This is the retraining-trigger read path; inference never
// consults it.
func (a *App) FeedbackFor(ctx context.Context, modelVersion string) ([]Feedback, error) {
	recs, err := a.led.Query(ctx, modelVersion)
	if err != nil {
		return nil, err
	}
	out := make([]Feedback, len(recs))
	for i, r := range recs {
		out[i] = Feedback(r)
	}
	return out, nil
}

// FeedbackCount returns the total number of ledger records.
func (a *App) FeedbackCount(ctx context.Context) (int, error) {
	return a.led.Len(ctx)
}

// Versions lists the loaded model version names.
func (a *App) Versions() []string { return a.reg.Versions() }

// ActiveVersion returns the name of the currently active model version.
func (a *App) ActiveVersion() string { return a.reg.Active() }

// SetActiveVersion atomically switches the active model version. In-flight
// calls keep the version they started with.
func (a *App) SetActiveVersion(name string) error { return a.reg.SetActive(name) }

// RetireVersion unloads a non-active model version once its in-flight calls
// drain. Retiring the active version is an error.
func (a *App) RetireVersion(name string) error { return a.reg.Retire(name) }

// LoadBundle loads one model bundle directory into the registry.
func (a *App) LoadBundle(dir string) error {
	_, err := a.reg.Load(dir)
	return err
}

// SimilarCases returns up to k persisted cases most similar to caseID under
// the given model version, ranked by cosine distance of their joint
// representations. Requires a configured result store.
func (a *App) SimilarCases(ctx context.Context, caseID, modelVersion string, k int) ([]SimilarCase, error) {
	if a.searcher == nil {
		return nil, errors.New("similar cases: no result store configured")
	}
	return a.searcher.SimilarToCase(ctx, caseID, modelVersion, k)
}

// Result loads a persisted inference result. Requires the built-in Postgres
// result store.
func (a *App) Result(ctx context.Context, caseID, modelVersion string) (*InferenceResult, error) {
	if a.db == nil {
		return nil, errors.New("result lookup: no result store configured")
	}
	res, err := a.db.LoadResult(ctx, caseID, modelVersion)
	if err != nil {
		return nil, err
	}
	return toPublicResult(res), nil
}

// Close releases everything New acquired: the bundle watcher, the feedback
// ledger, the result store, and the telemetry pipeline.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		a.watchCancel()
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
	}
	if err := a.led.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if a.db != nil {
		a.db.Close()
	}
	if err := a.otelShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// --- boundary conversions -------------------------------------------------

func toInternalCase(c Case) *model.Case {
	out := &model.Case{
		CaseID:    c.CaseID,
		PatientID: c.PatientID,
		CreatedAt: time.Now().UTC(),
	}
	if c.Image != nil {
		out.Image = &model.ImageInput{
			Pixels:   c.Image.Pixels,
			Channels: c.Image.Channels,
			Height:   c.Image.Height,
			Width:    c.Image.Width,
			Frame:    model.ContentFrame(c.Image.Frame),
		}
	}
	if c.Tabular != nil {
		out.Tabular = &model.TabularInput{Features: c.Tabular.Features}
	}
	if c.Text != nil {
		out.Text = &model.TextInput{TokenIDs: c.Text.TokenIDs, Tokens: c.Text.Tokens}
	}
	return out
}

func toPublicResult(res *model.InferenceResult) *InferenceResult {
	if res == nil {
		return nil
	}
	out := &InferenceResult{
		CaseID:       res.CaseID,
		ModelVersion: res.ModelVersion,
		Status:       string(res.Status),
		Findings:     make([]Finding, len(res.Predictions)),
		Explanations: make(map[string]Explanation, len(res.Explanations)),
		Degraded:     res.Degraded,
		Timestamp:    res.Timestamp,
	}
	for i, p := range res.Predictions {
		out.Findings[i] = Finding{
			Label:             p.Finding,
			Raw:               p.Raw,
			Calibrated:        p.Calibrated,
			Uncalibrated:      p.Uncalibrated,
			Uncertainty:       p.Uncertainty,
			UncertaintySource: string(p.UncertaintySource),
		}
	}
	for name, ex := range res.Explanations {
		out.Explanations[name] = Explanation{
			Finding: ex.Finding,
			Image: ImageExplanation{
				Status:  string(ex.Image.Status),
				Reason:  ex.Image.Reason,
				HeatMap: toPublicHeatMap(ex.Image.HeatMap),
			},
			Tabular: toPublicFeature(ex.Tabular),
			Text:    toPublicFeature(ex.Text),
		}
	}
	return out
}

func toPublicHeatMap(hm *model.HeatMap) *HeatMap {
	if hm == nil {
		return nil
	}
	return &HeatMap{Width: hm.Width, Height: hm.Height, Values: hm.Values}
}

func toPublicFeature(fa model.FeatureAttribution) FeatureExplanation {
	out := FeatureExplanation{
		Status:     string(fa.Status),
		Reason:     fa.Reason,
		LogitDelta: fa.LogitDelta,
	}
	if len(fa.Contributions) > 0 {
		out.Contributions = make([]Contribution, len(fa.Contributions))
		for i, c := range fa.Contributions {
			out.Contributions[i] = Contribution(c)
		}
	}
	return out
}

// publicLedgerAdapter lets an external FeedbackLedger satisfy the internal
// ledger interface.
type publicLedgerAdapter struct {
	l FeedbackLedger
}

func (a *publicLedgerAdapter) Record(ctx context.Context, rec model.FeedbackRecord) (uint64, error) {
	return a.l.Record(ctx, Feedback(rec))
}

func (a *publicLedgerAdapter) Query(ctx context.Context, modelVersion string) ([]model.FeedbackRecord, error) {
	fbs, err := a.l.Query(ctx, modelVersion)
	if err != nil {
		return nil, err
	}
	recs := make([]model.FeedbackRecord, len(fbs))
	for i, fb := range fbs {
		recs[i] = model.FeedbackRecord(fb)
	}
	return recs, nil
}

func (a *publicLedgerAdapter) Len(ctx context.Context) (int, error) { return a.l.Len(ctx) }

func (a *publicLedgerAdapter) Close() error { return a.l.Close() }

// dbSearcher exposes the Postgres store's pgvector lookup through the public
// SimilaritySearcher interface.
type dbSearcher struct {
	db *storage.DB
}

func (s *dbSearcher) SimilarToCase(ctx context.Context, caseID, modelVersion string, k int) ([]SimilarCase, error) {
	matches, err := s.db.SimilarToCase(ctx, caseID, modelVersion, k)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarCase, len(matches))
	for i, m := range matches {
		out[i] = SimilarCase(m)
	}
	return out, nil
}

// publicStoreAdapter lets an external ResultStore act as the engine's
// persistence sink.
type publicStoreAdapter struct {
	s ResultStore
}

func (a *publicStoreAdapter) SaveResult(ctx context.Context, res *model.InferenceResult, joint []float32) error {
	return a.s.SaveResult(ctx, toPublicResult(res), joint)
}
