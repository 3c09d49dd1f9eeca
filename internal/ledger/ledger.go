// Package ledger records clinician feedback as an append-only sequence.
// Records are never mutated or deleted; the only read path is Query, used by
// external retraining-trigger logic. The inference orchestrator never reads
// the ledger.
//
// Two backends satisfy the same interface: a CRC-framed append-only file
// (default) and a SQLite table for embedded deployments.
package ledger

import (
	"context"

	"github.com/lucent-health/prism/internal/model"
)

// Ledger is the append-only feedback store.
type Ledger interface {
	// Record appends one feedback record and returns its ledger offset.
	Record(ctx context.Context, rec model.FeedbackRecord) (uint64, error)

	// Query returns all records for a model version, in append order.
	Query(ctx context.Context, modelVersion string) ([]model.FeedbackRecord, error)

	// Len returns the number of records currently in the ledger.
	Len(ctx context.Context) (int, error)

	Close() error
}
