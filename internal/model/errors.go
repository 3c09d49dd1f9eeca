package model

import "errors"

// Error taxonomy for the inference core. Structural failures (shape mismatch,
// no input, unknown version, timeout) abort the call; calibration and
// attribution failures are contained and surfaced as degraded fields on an
// otherwise successful result.
var (
	// ErrInputShape: a modality payload does not match the encoder's declared
	// shape or schema. The call is rejected; no partial result is produced.
	ErrInputShape = errors.New("input shape mismatch")

	// ErrInsufficientInput: the case carries no modality at all.
	ErrInsufficientInput = errors.New("no modality present")

	// ErrUncalibratedFinding: the model version has no fitted calibration
	// transform for a finding. Non-fatal; the raw probability passes through
	// and the prediction is flagged uncalibrated.
	ErrUncalibratedFinding = errors.New("no calibration fitted for finding")

	// ErrAttributionUnavailable: attribution computation failed for one
	// modality. Non-fatal; the explanation slot is marked unavailable.
	ErrAttributionUnavailable = errors.New("attribution unavailable")

	// ErrTimeout: the call exceeded its deadline. Fatal for the call; partial
	// results from completed stages are returned alongside, flagged degraded.
	ErrTimeout = errors.New("inference call timed out")

	// ErrModelVersionNotFound: the requested model version is not loaded.
	ErrModelVersionNotFound = errors.New("model version not found")
)
