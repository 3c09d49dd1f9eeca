package prism

import "context"

// FeedbackLedger is the append-only clinician feedback store. Implement it
// to replace the built-in file and SQLite backends, e.g. with a message bus.
//
// Record must be append-only: records are never mutated or deleted. Query is
// the only read path and exists for external retraining triggers; the
// inference path never reads the ledger.
type FeedbackLedger interface {
	// Record appends one feedback record and returns its ledger offset.
	Record(ctx context.Context, fb Feedback) (uint64, error)

	// Query returns all records for a model version, in append order.
	Query(ctx context.Context, modelVersion string) ([]Feedback, error)

	// Len returns the number of records currently in the ledger.
	Len(ctx context.Context) (int, error)

	Close() error
}

// ResultStore persists inference results. Implement it to replace the
// built-in Postgres store. SaveResult is called once per successful
// inference with the joint representation used for similarity search.
type ResultStore interface {
	SaveResult(ctx context.Context, res *InferenceResult, joint []float32) error
}

// SimilaritySearcher is the optional precedent-lookup extension of a
// ResultStore. The built-in Postgres store implements it via pgvector.
type SimilaritySearcher interface {
	// SimilarToCase returns up to k cases most similar to an already-persisted
	// case under the same model version, excluding the case itself.
	SimilarToCase(ctx context.Context, caseID, modelVersion string, k int) ([]SimilarCase, error)
}
