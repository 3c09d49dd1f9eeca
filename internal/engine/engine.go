// Package engine sequences one inference call through its stages, enforces
// input contracts and the per-call deadline, and assembles the final
// immutable result.
//
// Stage machine, strictly forward, no internal retries:
//
//	ReceivingInput → Encoding → Fusing → Predicting
//	    → (Calibrating ∥ Estimating ∥ Explaining) → Assembled | Failed
//
// The three post-prediction subtasks are independent of each other and run
// as a fan-out joined before assembly. Cancellation is cooperative: each
// subtask polls its context at natural checkpoints. On a deadline the engine
// still returns everything the completed subtasks produced, tagged degraded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/registry"
	"github.com/lucent-health/prism/internal/telemetry"
	"github.com/lucent-health/prism/internal/uncertainty"
)

// Stage is one step of the per-call state machine.
type Stage string

const (
	StageReceivingInput Stage = "receiving_input"
	StageEncoding       Stage = "encoding"
	StageFusing         Stage = "fusing"
	StagePredicting     Stage = "predicting"
	// StagePostProcess covers the parallel Calibrating/Estimating/Explaining
	// subtasks between Predicting and Assembled.
	StagePostProcess Stage = "post_process"
	StageAssembled   Stage = "assembled"
	StageFailed      Stage = "failed"
)

// ResultSink receives assembled results for persistence. Implemented by the
// storage collaborator; the engine treats persistence as best-effort and
// never fails a call on sink errors.
type ResultSink interface {
	SaveResult(ctx context.Context, res *model.InferenceResult, joint []float32) error
}

// persistTimeout bounds the post-call handoff to the result sink.
const persistTimeout = 5 * time.Second

// Engine runs inference calls against versions held by the registry.
type Engine struct {
	registry    *registry.Registry
	logger      *slog.Logger
	callTimeout time.Duration
	sink        ResultSink // nil disables persistence

	inferences metric.Int64Counter
	duration   metric.Float64Histogram
	degraded   metric.Int64Counter
}

// New creates an engine. sink may be nil.
func New(reg *registry.Registry, logger *slog.Logger, callTimeout time.Duration, sink ResultSink) *Engine {
	meter := telemetry.Meter("prism/engine")
	inferences, _ := meter.Int64Counter("prism.inference.total",
		metric.WithDescription("Completed inference calls by terminal status"))
	duration, _ := meter.Float64Histogram("prism.inference.duration_seconds",
		metric.WithDescription("Wall-clock duration of inference calls"))
	degraded, _ := meter.Int64Counter("prism.inference.degraded_fields_total",
		metric.WithDescription("Degraded result fields across all calls"))

	return &Engine{
		registry:    reg,
		logger:      logger,
		callTimeout: callTimeout,
		sink:        sink,
		inferences:  inferences,
		duration:    duration,
		degraded:    degraded,
	}
}

// Infer runs one call. versionName selects the model version; empty means
// the active one. On structural failure (bad input, unknown version) the
// result is nil. On timeout the partial result from completed stages is
// returned together with model.ErrTimeout.
func (e *Engine) Infer(ctx context.Context, c *model.Case, versionName string) (*model.InferenceResult, error) {
	start := time.Now()
	res, err := e.infer(ctx, c, versionName)
	e.observe(ctx, res, err, time.Since(start))
	return res, err
}

func (e *Engine) infer(ctx context.Context, c *model.Case, versionName string) (*model.InferenceResult, error) {
	// ReceivingInput.
	if !c.HasAnyModality() {
		return nil, fmt.Errorf("engine: %s: case %s: %w", StageReceivingInput, c.CaseID, model.ErrInsufficientInput)
	}
	v, err := e.registry.Acquire(versionName)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", StageReceivingInput, err)
	}
	defer e.registry.Release(v)

	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	// Encoding.
	set, err := e.encode(c, v)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: case %s: %w", StageEncoding, c.CaseID, err)
	}
	if err := checkpoint(ctx, StageEncoding); err != nil {
		return nil, err
	}

	// Fusing.
	joint, err := v.Fuser.Fuse(set)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: case %s: %w", StageFusing, c.CaseID, err)
	}
	if err := checkpoint(ctx, StageFusing); err != nil {
		return nil, err
	}

	// Predicting. The primary head carries the canonical deterministic
	// output; additional heads exist only for ensemble disagreement.
	raw := v.Heads.Primary().Predict(joint)
	if err := checkpoint(ctx, StagePredicting); err != nil {
		return nil, err
	}

	// Fan-out: Calibrating ∥ Estimating ∥ Explaining.
	post := e.postProcess(ctx, c, v, set, joint, raw)

	res := e.assemble(c, v, raw, post)
	if post.err != nil {
		if errors.Is(post.err, context.DeadlineExceeded) {
			return res, fmt.Errorf("engine: %s: case %s: %w", StageFailed, c.CaseID, model.ErrTimeout)
		}
		return res, fmt.Errorf("engine: %s: case %s: %w", StageFailed, c.CaseID, post.err)
	}

	e.persist(ctx, res, joint)
	return res, nil
}

// encode runs each present modality through its encoder. A payload for a
// modality the version does not declare is a shape error, the same contract
// violation as a wrong tensor shape.
func (e *Engine) encode(c *model.Case, v *registry.Version) (model.ModalitySet, error) {
	var set model.ModalitySet
	var err error
	if c.Image != nil {
		if v.Image == nil {
			return set, fmt.Errorf("%w: model version %s does not accept image input", model.ErrInputShape, v.Name())
		}
		if set.Image, err = v.Image.Encode(c.Image); err != nil {
			return set, err
		}
	}
	if c.Tabular != nil {
		if v.Tabular == nil {
			return set, fmt.Errorf("%w: model version %s does not accept tabular input", model.ErrInputShape, v.Name())
		}
		if set.Tabular, err = v.Tabular.Encode(c.Tabular); err != nil {
			return set, err
		}
	}
	if c.Text != nil {
		if v.Text == nil {
			return set, fmt.Errorf("%w: model version %s does not accept text input", model.ErrInputShape, v.Name())
		}
		if set.Text, err = v.Text.Encode(c.Text); err != nil {
			return set, err
		}
	}
	return set, nil
}

// postResult carries the fan-out subtask outputs. Each subtask owns its own
// slot and done flag; assembly reads them only after the group is joined.
type postResult struct {
	calibrated   []float32
	uncalibrated []bool
	calDone      bool

	estimate uncertainty.Estimate
	estDone  bool

	explanations map[string]model.Explanation
	explainDone  bool

	err error
}

func (e *Engine) postProcess(ctx context.Context, c *model.Case, v *registry.Version, set model.ModalitySet, joint, raw []float32) *postResult {
	findings := v.Findings()
	post := &postResult{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
		post.calibrated = make([]float32, len(findings))
		post.uncalibrated = make([]bool, len(findings))
		for i, finding := range findings {
			cal, err := v.Calibrator.Calibrate(finding, raw[i])
			if err != nil {
				if !errors.Is(err, model.ErrUncalibratedFinding) {
					return fmt.Errorf("calibrate %s: %w", finding, err)
				}
				// Contained: raw passes through, flagged below.
				post.uncalibrated[i] = true
			}
			post.calibrated[i] = cal
		}
		post.calDone = true
		return nil
	})

	g.Go(func() error {
		est, err := v.Estimator.Estimate(gctx, joint)
		if err != nil {
			return err
		}
		post.estimate = est
		post.estDone = true
		return nil
	})

	g.Go(func() error {
		explanations, err := v.Explainer.Explain(gctx, c, set, findings)
		// Keep whatever was computed before a cancellation; assembly marks
		// the missing findings incomplete.
		post.explanations = explanations
		if err != nil {
			return err
		}
		post.explainDone = true
		return nil
	})

	post.err = g.Wait()
	return post
}

// assemble builds the immutable result from whatever the call produced.
func (e *Engine) assemble(c *model.Case, v *registry.Version, raw []float32, post *postResult) *model.InferenceResult {
	findings := v.Findings()
	res := &model.InferenceResult{
		CaseID:       c.CaseID,
		ModelVersion: v.Name(),
		Status:       model.ResultAssembled,
		Predictions:  make([]model.Prediction, len(findings)),
		Explanations: make(map[string]model.Explanation, len(findings)),
		Timestamp:    time.Now().UTC(),
	}

	for i, finding := range findings {
		p := model.Prediction{Finding: finding, Raw: raw[i]}
		if post.calDone {
			p.Calibrated = post.calibrated[i]
			p.Uncalibrated = post.uncalibrated[i]
		} else {
			p.Calibrated = raw[i]
			p.Uncalibrated = true
		}
		if post.estDone {
			p.Uncertainty = post.estimate.Values[i]
			p.UncertaintySource = post.estimate.Source
		} else {
			p.Uncertainty = model.SentinelUncertainty
			p.UncertaintySource = model.UncertaintySentinel
		}
		res.Predictions[i] = p
	}

	for _, finding := range findings {
		if exp, ok := post.explanations[finding]; ok {
			res.Explanations[finding] = exp
			continue
		}
		res.Explanations[finding] = model.Explanation{
			Finding: finding,
			Image:   model.ImageAttribution{Status: model.AttributionIncomplete},
			Tabular: model.FeatureAttribution{Status: model.AttributionIncomplete},
			Text:    model.FeatureAttribution{Status: model.AttributionIncomplete},
		}
	}

	if !post.calDone {
		res.Degraded = append(res.Degraded, "calibration")
	}
	for i, finding := range findings {
		if post.calDone && post.uncalibrated[i] {
			res.Degraded = append(res.Degraded, "calibration:"+finding)
		}
	}
	if !post.estDone {
		res.Degraded = append(res.Degraded, "uncertainty")
	}
	if !post.explainDone {
		res.Degraded = append(res.Degraded, "explanations")
	}
	if post.err != nil {
		res.Status = model.ResultDegraded
	}
	return res
}

// persist hands an assembled result to the sink. Best-effort: the call has
// already succeeded, so sink failures are logged, not propagated. The
// handoff survives the call context's cancellation.
func (e *Engine) persist(ctx context.Context, res *model.InferenceResult, joint []float32) {
	if e.sink == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.sink.SaveResult(pctx, res, joint); err != nil {
		e.logger.Warn("result persistence failed",
			"case_id", res.CaseID, "model_version", res.ModelVersion, "error", err)
	}
}

func (e *Engine) observe(ctx context.Context, res *model.InferenceResult, err error, elapsed time.Duration) {
	status := "assembled"
	switch {
	case err != nil && res == nil:
		status = "rejected"
	case err != nil:
		status = "degraded"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	e.inferences.Add(ctx, 1, attrs)
	e.duration.Record(ctx, elapsed.Seconds(), attrs)
	if res != nil && len(res.Degraded) > 0 {
		e.degraded.Add(ctx, int64(len(res.Degraded)))
	}
}

// checkpoint maps a context error at a stage boundary to the call's timeout
// taxonomy. Stages before prediction have no boundary-meaningful partial
// data, so the caller returns nil results on these failures.
func checkpoint(ctx context.Context, s Stage) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("engine: %s: %w", s, model.ErrTimeout)
		}
		return fmt.Errorf("engine: %s: %w", s, err)
	}
	return nil
}
