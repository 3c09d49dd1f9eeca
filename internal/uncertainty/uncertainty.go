// Package uncertainty produces a non-negative confidence signal per finding.
// Two strategies are supported, selected by the model version: variance over
// repeated stochastic (MC-dropout) forward passes, and disagreement across
// independently trained ensemble heads. A version configured with neither
// still reports a value for every finding through a fixed sentinel — the
// signal is never silently omitted.
package uncertainty

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/lucent-health/prism/internal/bundle"
	"github.com/lucent-health/prism/internal/head"
	"github.com/lucent-health/prism/internal/model"
)

// Estimate holds the per-finding uncertainty scalars and their provenance.
type Estimate struct {
	Values []float32
	Source model.UncertaintySource
}

// Estimator is bound to one model version's strategy and heads.
type Estimator struct {
	spec  bundle.UncertaintySpec
	heads head.Ensemble
}

// New builds the estimator for one model version. Strategy parameters were
// validated at bundle load.
func New(spec bundle.UncertaintySpec, heads head.Ensemble) *Estimator {
	return &Estimator{spec: spec, heads: heads}
}

// Estimate computes a non-negative uncertainty scalar for every finding the
// head emits. ctx is polled between forward passes so a timed-out call stops
// at its next natural checkpoint.
func (e *Estimator) Estimate(ctx context.Context, joint []float32) (Estimate, error) {
	n := len(e.heads.Primary().Findings())
	switch e.spec.Strategy {
	case bundle.UncertaintyMCDropout:
		return e.mcDropout(ctx, joint, n)
	case bundle.UncertaintyEnsemble:
		if len(e.heads) >= 2 {
			return e.ensemble(ctx, joint, n)
		}
		// Single-head configuration: fall back to the sentinel rather than
		// fabricating disagreement.
		return sentinel(n), nil
	default:
		return sentinel(n), nil
	}
}

func (e *Estimator) mcDropout(ctx context.Context, joint []float32, n int) (Estimate, error) {
	// Seeded per version so repeated calls observe the same mask sequence.
	rng := rand.New(rand.NewPCG(uint64(e.spec.Seed), uint64(e.spec.Passes)))
	rows := make([][]float32, 0, e.spec.Passes)
	for pass := 0; pass < e.spec.Passes; pass++ {
		if err := ctx.Err(); err != nil {
			return Estimate{}, fmt.Errorf("uncertainty: pass %d: %w", pass, err)
		}
		rows = append(rows, e.heads.Primary().PredictStochastic(joint, e.spec.Dropout, rng))
	}
	return Estimate{Values: variance(rows, n), Source: model.UncertaintyMCDropout}, nil
}

func (e *Estimator) ensemble(ctx context.Context, joint []float32, n int) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, fmt.Errorf("uncertainty: %w", err)
	}
	rows := e.heads.PredictAll(joint)
	return Estimate{Values: variance(rows, n), Source: model.UncertaintyEnsemble}, nil
}

func sentinel(n int) Estimate {
	values := make([]float32, n)
	for i := range values {
		values[i] = model.SentinelUncertainty
	}
	return Estimate{Values: values, Source: model.UncertaintySentinel}
}

// variance computes the per-finding population variance across rows.
func variance(rows [][]float32, n int) []float32 {
	out := make([]float32, n)
	k := float64(len(rows))
	for f := 0; f < n; f++ {
		var mean float64
		for _, row := range rows {
			mean += float64(row[f])
		}
		mean /= k
		var acc float64
		for _, row := range rows {
			d := float64(row[f]) - mean
			acc += d * d
		}
		out[f] = float32(acc / k)
	}
	return out
}
