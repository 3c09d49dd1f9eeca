package model

import "time"

// UncertaintySource identifies how a prediction's uncertainty was produced.
type UncertaintySource string

const (
	UncertaintyMCDropout UncertaintySource = "mc_dropout"
	UncertaintyEnsemble  UncertaintySource = "ensemble"
	// UncertaintySentinel marks the fixed fallback value emitted when neither
	// stochastic passes nor an ensemble are configured. The value is still
	// non-negative and never omitted.
	UncertaintySentinel UncertaintySource = "sentinel"
)

// SentinelUncertainty is the fixed "unknown uncertainty" value reported when
// no estimation strategy is available for the bound model version.
const SentinelUncertainty float32 = 1.0

// Prediction is one finding's output: raw head probability, calibrated
// probability, and an uncertainty scalar. Every finding label known to the
// model version appears exactly once per result, in manifest order.
type Prediction struct {
	Finding    string  `json:"finding"`
	Raw        float32 `json:"raw_probability"`
	Calibrated float32 `json:"calibrated_probability"`
	// Uncalibrated is set when the model version has no fitted transform for
	// this finding; Calibrated then equals Raw.
	Uncalibrated      bool              `json:"uncalibrated,omitempty"`
	Uncertainty       float32           `json:"uncertainty"`
	UncertaintySource UncertaintySource `json:"uncertainty_source"`
}

// AttributionStatus describes one modality's slot inside an Explanation.
type AttributionStatus string

const (
	// AttributionPopulated means the artifact was computed.
	AttributionPopulated AttributionStatus = "populated"
	// AttributionAbsent means the modality was not part of the case input.
	AttributionAbsent AttributionStatus = "absent"
	// AttributionUnavailable means computation failed for this modality; the
	// rest of the result is still valid.
	AttributionUnavailable AttributionStatus = "unavailable"
	// AttributionIncomplete means the call ended (timeout) before this
	// artifact was produced.
	AttributionIncomplete AttributionStatus = "incomplete"
)

// HeatMap is a spatial attribution map aligned to the original image's
// coordinate frame: Width x Height equals the un-padded original size and
// values are normalized to [0, 1], row-major.
type HeatMap struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

// Contribution is one feature's (or token's) signed attribution score.
// Contributions for a modality sum, within tolerance, to the head's logit
// delta from the model baseline.
type Contribution struct {
	Name  string  `json:"name"`
	Value float32 `json:"value"`
}

// ImageAttribution is the image slot of an Explanation.
type ImageAttribution struct {
	Status AttributionStatus `json:"status"`
	// Reason is set when Status is unavailable.
	Reason  string   `json:"reason,omitempty"`
	HeatMap *HeatMap `json:"heatmap,omitempty"`
}

// FeatureAttribution is the tabular or text slot of an Explanation.
type FeatureAttribution struct {
	Status        AttributionStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Contributions []Contribution    `json:"contributions,omitempty"`
	// LogitDelta is the head logit at the case input minus the logit at the
	// model baseline; the contributions sum to it within tolerance.
	LogitDelta float32 `json:"logit_delta,omitempty"`
}

// Explanation is the per-finding attribution artifact set.
type Explanation struct {
	Finding string             `json:"finding"`
	Image   ImageAttribution   `json:"image"`
	Tabular FeatureAttribution `json:"tabular"`
	Text    FeatureAttribution `json:"text"`
}

// ResultStatus is the terminal state of the orchestrator call that produced
// an InferenceResult.
type ResultStatus string

const (
	ResultAssembled ResultStatus = "assembled"
	// ResultDegraded means the call reached a terminal failure (timeout) but
	// partial data from completed stages is included.
	ResultDegraded ResultStatus = "degraded"
)

// InferenceResult is the immutable output bundle of one inference call.
// Created once, never mutated.
type InferenceResult struct {
	CaseID       string       `json:"case_id"`
	ModelVersion string       `json:"model_version"`
	Status       ResultStatus `json:"status"`
	// Predictions are ordered by the model version's finding list.
	Predictions  []Prediction           `json:"predictions"`
	Explanations map[string]Explanation `json:"explanations"`
	// Degraded names the parts of the result that could not be fully
	// computed, e.g. "calibration:pneumothorax" or "explanations".
	Degraded  []string  `json:"degraded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
