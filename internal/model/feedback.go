package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackRecord is a clinician correction tied to a specific case and model
// version. Immutable once written; the ledger is append-only and is never
// read on the inference path.
type FeedbackRecord struct {
	ID           uuid.UUID `json:"id"`
	CaseID       string    `json:"case_id"`
	ModelVersion string    `json:"model_version"`
	// Labels are the clinician-asserted true finding labels.
	Labels    []string  `json:"labels"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
