// Package model defines the core domain types shared by all subsystems:
// cases, embeddings, predictions, explanations, inference results, and
// feedback records. Types here are plain data with no behavior beyond
// validation helpers; all inference logic lives in the sibling packages.
package model

import (
	"time"
)

// Modality identifies one input type of a case.
type Modality string

const (
	ModalityImage   Modality = "image"
	ModalityTabular Modality = "tabular"
	ModalityText    Modality = "text"
)

// ContentFrame locates the un-padded image content inside the preprocessed
// tensor and records the original image dimensions. Preprocessing scales the
// original image into a fixed-size tensor and centers it on a padded
// background; attribution maps must be cropped to the content rectangle and
// resized back to OrigWidth x OrigHeight.
type ContentFrame struct {
	OrigWidth  int `json:"orig_width"`
	OrigHeight int `json:"orig_height"`
	// Offset of the content rectangle inside the padded tensor, in tensor pixels.
	OffsetX int `json:"offset_x"`
	OffsetY int `json:"offset_y"`
	// Size of the content rectangle inside the padded tensor.
	ContentWidth  int `json:"content_width"`
	ContentHeight int `json:"content_height"`
}

// ImageInput is an already-preprocessed, already-de-identified image tensor
// in CHW layout. Pixel values are expected in [0, 1].
type ImageInput struct {
	Pixels   []float32    `json:"pixels"`
	Channels int          `json:"channels"`
	Height   int          `json:"height"`
	Width    int          `json:"width"`
	Frame    ContentFrame `json:"frame"`
}

// TabularInput is a structured clinical feature vector. Feature order must
// match the model version's declared tabular schema.
type TabularInput struct {
	Features []float32 `json:"features"`
}

// TextInput is already-tokenized clinical text. Token IDs index into the
// model version's embedding table. Tokens, when present, carries the surface
// form for each ID and is used only to name contribution scores.
type TextInput struct {
	TokenIDs []int    `json:"token_ids"`
	Tokens   []string `json:"tokens,omitempty"`
}

// Case is one clinical encounter under evaluation. The engine owns a Case
// only for the duration of one inference call; persistence belongs to an
// external collaborator.
type Case struct {
	CaseID    string        `json:"case_id"`
	PatientID string        `json:"patient_id,omitempty"`
	Image     *ImageInput   `json:"image,omitempty"`
	Tabular   *TabularInput `json:"tabular,omitempty"`
	Text      *TextInput    `json:"text,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// HasAnyModality reports whether at least one modality payload is present.
func (c *Case) HasAnyModality() bool {
	return c.Image != nil || c.Tabular != nil || c.Text != nil
}

// Embedding is a fixed-length numeric summary of one modality for one case.
// A nil *Embedding is the first-class Absent state.
type Embedding struct {
	Modality Modality
	Values   []float32
}

// ModalitySet holds the per-modality embeddings feeding fusion. Nil slots
// mean the modality was absent for the case, which is expected, not an error.
type ModalitySet struct {
	Image   *Embedding
	Tabular *Embedding
	Text    *Embedding
}

// Present returns the number of non-absent slots.
func (s ModalitySet) Present() int {
	n := 0
	if s.Image != nil {
		n++
	}
	if s.Tabular != nil {
		n++
	}
	if s.Text != nil {
		n++
	}
	return n
}
