// Package storage is the PostgreSQL persistence collaborator for inference
// results. The inference core never requires it: the engine hands results
// over after assembly when a store is configured, and durability is this
// package's responsibility once SaveResult returns.
//
// Joint representations are stored as pgvector columns, which makes
// similar-case (precedent) lookup a single cosine-distance query.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/lucent-health/prism/internal/model"
)

// DB wraps a pgxpool.Pool for result persistence and similar-case queries.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection. Best-effort: the
	// extension may not exist yet during initial startup before migrations.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// SaveResult persists one immutable inference result together with its joint
// representation. Results are write-once: a duplicate (case_id,
// model_version) insert is rejected by the primary key, never overwritten.
func (db *DB) SaveResult(ctx context.Context, res *model.InferenceResult, joint []float32) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("storage: marshal result: %w", err)
	}
	var vec any
	if joint != nil {
		v := pgvector.NewVector(joint)
		vec = v
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO inference_results (case_id, model_version, status, result, joint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		res.CaseID, res.ModelVersion, string(res.Status), payload, vec, res.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: insert result: %w", err)
	}
	return nil
}

// SimilarCase is one precedent-case match from SimilarCases.
type SimilarCase struct {
	CaseID string
	// Distance is the cosine distance to the query joint representation;
	// lower is more similar.
	Distance float64
}

// SimilarCases returns up to k persisted cases of the same model version
// ranked by cosine distance of their joint representations.
func (db *DB) SimilarCases(ctx context.Context, modelVersion string, joint []float32, k int) ([]SimilarCase, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT case_id, joint <=> $2 AS distance
		FROM inference_results
		WHERE model_version = $1 AND joint IS NOT NULL
		ORDER BY distance
		LIMIT $3`,
		modelVersion, pgvector.NewVector(joint), k)
	if err != nil {
		return nil, fmt.Errorf("storage: similar cases: %w", err)
	}
	defer rows.Close()

	var out []SimilarCase
	for rows.Next() {
		var sc SimilarCase
		if err := rows.Scan(&sc.CaseID, &sc.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan similar case: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SimilarToCase ranks persisted cases of the same model version by cosine
// distance to an already-persisted case's joint representation. The anchor
// case itself is excluded.
func (db *DB) SimilarToCase(ctx context.Context, caseID, modelVersion string, k int) ([]SimilarCase, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT r.case_id, r.joint <=> a.joint AS distance
		FROM inference_results r,
		     (SELECT joint FROM inference_results
		      WHERE case_id = $1 AND model_version = $2 AND joint IS NOT NULL) a
		WHERE r.model_version = $2 AND r.joint IS NOT NULL AND r.case_id <> $1
		ORDER BY distance
		LIMIT $3`,
		caseID, modelVersion, k)
	if err != nil {
		return nil, fmt.Errorf("storage: similar to case: %w", err)
	}
	defer rows.Close()

	var out []SimilarCase
	for rows.Next() {
		var sc SimilarCase
		if err := rows.Scan(&sc.CaseID, &sc.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan similar case: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// LoadResult fetches one persisted result by case id and model version.
func (db *DB) LoadResult(ctx context.Context, caseID, modelVersion string) (*model.InferenceResult, error) {
	var payload []byte
	err := db.pool.QueryRow(ctx, `
		SELECT result FROM inference_results
		WHERE case_id = $1 AND model_version = $2`,
		caseID, modelVersion).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: load result: %w", err)
	}
	var res model.InferenceResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("storage: decode result: %w", err)
	}
	return &res, nil
}
