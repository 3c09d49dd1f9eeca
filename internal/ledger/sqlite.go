package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"

	"github.com/lucent-health/prism/internal/model"
)

// SQLiteLedger stores feedback in a single append-only table. Suited to
// embedded deployments where the feedback volume is small and SQL access
// for retraining tooling is convenient. Offsets are SQLite rowids.
type SQLiteLedger struct {
	db      *sql.DB
	records metric.Int64Counter
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS feedback (
	offset        INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL,
	case_id       TEXT NOT NULL,
	model_version TEXT NOT NULL,
	labels        TEXT NOT NULL,
	comment       TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS feedback_model_version ON feedback (model_version);
`

// OpenSQLite opens (or creates) the ledger database at path.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init sqlite schema: %w", err)
	}
	return &SQLiteLedger{db: db, records: recordsMetric()}, nil
}

// Record appends one feedback record.
func (l *SQLiteLedger) Record(ctx context.Context, rec model.FeedbackRecord) (uint64, error) {
	labels, err := json.Marshal(rec.Labels)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal labels: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO feedback (id, case_id, model_version, labels, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.CaseID, rec.ModelVersion, string(labels), rec.Comment,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("ledger: insert: %w", err)
	}
	offset, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger: last insert id: %w", err)
	}
	l.records.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", "sqlite")))
	return uint64(offset), nil
}

// Query returns records for a model version in append order.
func (l *SQLiteLedger) Query(ctx context.Context, modelVersion string) ([]model.FeedbackRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, case_id, model_version, labels, comment, created_at
		 FROM feedback WHERE model_version = ? ORDER BY offset`,
		modelVersion)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var out []model.FeedbackRecord
	for rows.Next() {
		var (
			rec       model.FeedbackRecord
			id        string
			labels    string
			createdAt string
		)
		if err := rows.Scan(&id, &rec.CaseID, &rec.ModelVersion, &labels, &rec.Comment, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: scan row: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ledger: parse record id: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
			return nil, fmt.Errorf("ledger: decode labels: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("ledger: parse created_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Len returns the record count.
func (l *SQLiteLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
