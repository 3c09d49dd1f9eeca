package prism

import (
	"time"

	"github.com/google/uuid"

	"github.com/lucent-health/prism/internal/model"
)

// Re-exported error taxonomy. Boundary callers match with errors.Is.
var (
	// ErrInputShape: a modality payload does not match the model version's
	// declared shape or schema. The call is rejected outright.
	ErrInputShape = model.ErrInputShape
	// ErrInsufficientInput: the case carries no modality at all.
	ErrInsufficientInput = model.ErrInsufficientInput
	// ErrTimeout: the call exceeded its deadline. A partial result may
	// accompany this error, with its Degraded list naming what is missing.
	ErrTimeout = model.ErrTimeout
	// ErrModelVersionNotFound: the requested model version is not loaded.
	ErrModelVersionNotFound = model.ErrModelVersionNotFound
)

// ContentFrame locates the un-padded image content inside the preprocessed
// tensor and records the original image dimensions.
type ContentFrame struct {
	OrigWidth     int `json:"orig_width"`
	OrigHeight    int `json:"orig_height"`
	OffsetX       int `json:"offset_x"`
	OffsetY       int `json:"offset_y"`
	ContentWidth  int `json:"content_width"`
	ContentHeight int `json:"content_height"`
}

// ImageInput is an already-preprocessed, already-de-identified image tensor
// in CHW layout, pixel values in [0, 1].
type ImageInput struct {
	Pixels   []float32    `json:"pixels"`
	Channels int          `json:"channels"`
	Height   int          `json:"height"`
	Width    int          `json:"width"`
	Frame    ContentFrame `json:"frame"`
}

// TabularInput is a structured clinical feature vector in the model
// version's declared schema order.
type TabularInput struct {
	Features []float32 `json:"features"`
}

// TextInput is already-tokenized clinical text.
type TextInput struct {
	TokenIDs []int    `json:"token_ids"`
	Tokens   []string `json:"tokens,omitempty"`
}

// Case is one clinical encounter submitted for inference. All payloads are
// optional individually; at least one must be present.
type Case struct {
	CaseID    string        `json:"case_id"`
	PatientID string        `json:"patient_id,omitempty"`
	Image     *ImageInput   `json:"image,omitempty"`
	Tabular   *TabularInput `json:"tabular,omitempty"`
	Text      *TextInput    `json:"text,omitempty"`
}

// Finding is one finding's calibrated output.
type Finding struct {
	Label      string  `json:"label"`
	Raw        float32 `json:"raw_probability"`
	Calibrated float32 `json:"calibrated_probability"`
	// Uncalibrated flags findings whose model version carries no fitted
	// transform; Calibrated then equals Raw.
	Uncalibrated      bool    `json:"uncalibrated,omitempty"`
	Uncertainty       float32 `json:"uncertainty"`
	UncertaintySource string  `json:"uncertainty_source"`
}

// HeatMap is a spatial attribution map aligned to the original image frame,
// values normalized to [0, 1], row-major.
type HeatMap struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

// Contribution is one feature's or token's signed attribution score.
type Contribution struct {
	Name  string  `json:"name"`
	Value float32 `json:"value"`
}

// Attribution statuses as they appear on explanation slots.
const (
	AttributionPopulated   = string(model.AttributionPopulated)
	AttributionAbsent      = string(model.AttributionAbsent)
	AttributionUnavailable = string(model.AttributionUnavailable)
	AttributionIncomplete  = string(model.AttributionIncomplete)
)

// ImageExplanation is the image slot of a finding's explanation.
type ImageExplanation struct {
	Status  string   `json:"status"`
	Reason  string   `json:"reason,omitempty"`
	HeatMap *HeatMap `json:"heatmap,omitempty"`
}

// FeatureExplanation is the tabular or text slot of a finding's explanation.
type FeatureExplanation struct {
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Contributions []Contribution `json:"contributions,omitempty"`
	LogitDelta    float32        `json:"logit_delta,omitempty"`
}

// Explanation is the attribution artifact set for one finding.
type Explanation struct {
	Finding string             `json:"finding"`
	Image   ImageExplanation   `json:"image"`
	Tabular FeatureExplanation `json:"tabular"`
	Text    FeatureExplanation `json:"text"`
}

// InferenceResult is the immutable output bundle of one inference call.
type InferenceResult struct {
	CaseID       string                 `json:"case_id"`
	ModelVersion string                 `json:"model_version"`
	Status       string                 `json:"status"`
	Findings     []Finding              `json:"findings"`
	Explanations map[string]Explanation `json:"explanations"`
	Degraded     []string               `json:"degraded,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Feedback is a clinician correction tied to a case and model version.
type Feedback struct {
	ID           uuid.UUID `json:"id"`
	CaseID       string    `json:"case_id"`
	ModelVersion string    `json:"model_version"`
	Labels       []string  `json:"labels"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SimilarCase is one precedent-case match, ranked by cosine distance of
// persisted joint representations (lower is more similar).
type SimilarCase struct {
	CaseID   string  `json:"case_id"`
	Distance float64 `json:"distance"`
}
