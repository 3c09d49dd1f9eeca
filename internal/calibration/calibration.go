// Package calibration applies fitted per-finding monotonic transforms to raw
// head probabilities. Transforms are stateless once fitted (by the external
// training collaborator) and never reverse relative ranking within a finding.
// A finding with no fitted transform passes through unchanged and is flagged
// uncalibrated via model.ErrUncalibratedFinding.
package calibration

import (
	"fmt"
	"sort"

	"github.com/lucent-health/prism/internal/bundle"
	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/nn"
)

// Transform is a fitted monotonic non-decreasing map on [0, 1].
type Transform interface {
	Apply(raw float64) float64
}

// Temperature rescales the logit by a positive scalar: sigmoid(logit(p)/T).
// Monotonic for any T > 0.
type Temperature struct {
	T float64
}

// Apply implements Transform.
func (t Temperature) Apply(raw float64) float64 {
	return nn.Sigmoid(nn.Logit(raw) / t.T)
}

// Isotonic is a fitted step map: thresholds ascending, values non-decreasing.
// Apply returns the value of the last threshold <= raw, or the first value
// for raw below all thresholds.
type Isotonic struct {
	Thresholds []float64
	Values     []float64
}

// Apply implements Transform.
func (iso Isotonic) Apply(raw float64) float64 {
	// Largest index whose threshold does not exceed raw.
	i := sort.SearchFloat64s(iso.Thresholds, raw)
	if i == len(iso.Thresholds) || iso.Thresholds[i] > raw {
		i--
	}
	if i < 0 {
		i = 0
	}
	return iso.Values[i]
}

// Calibrator holds the fitted transforms of one model version.
type Calibrator struct {
	byFinding map[string]Transform
}

// New builds a Calibrator from manifest calibration specs. Specs were
// validated at bundle load; unknown kinds fail here as a backstop.
func New(specs map[string]bundle.CalibrationSpec) (*Calibrator, error) {
	byFinding := make(map[string]Transform, len(specs))
	for finding, spec := range specs {
		switch spec.Kind {
		case bundle.CalibrationTemperature:
			byFinding[finding] = Temperature{T: spec.Temperature}
		case bundle.CalibrationIsotonic:
			byFinding[finding] = Isotonic{Thresholds: spec.Thresholds, Values: spec.Values}
		default:
			return nil, fmt.Errorf("calibration: unknown kind %q for finding %q", spec.Kind, finding)
		}
	}
	return &Calibrator{byFinding: byFinding}, nil
}

// Calibrate maps a raw probability for one finding. When no transform is
// fitted it returns the raw value and model.ErrUncalibratedFinding; callers
// flag the prediction rather than failing the call.
func (c *Calibrator) Calibrate(finding string, raw float32) (float32, error) {
	tr, ok := c.byFinding[finding]
	if !ok {
		return raw, fmt.Errorf("%w: %s", model.ErrUncalibratedFinding, finding)
	}
	out := tr.Apply(float64(raw))
	if out < 0 {
		out = 0
	}
	if out > 1 {
		out = 1
	}
	return float32(out), nil
}

// Fitted reports whether a transform exists for the finding.
func (c *Calibrator) Fitted(finding string) bool {
	_, ok := c.byFinding[finding]
	return ok
}
