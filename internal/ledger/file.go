package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lucent-health/prism/internal/model"
	"github.com/lucent-health/prism/internal/telemetry"
)

// recordsMetric counts ledger appends across backends.
func recordsMetric() metric.Int64Counter {
	c, _ := telemetry.Meter("prism/ledger").Int64Counter("prism.ledger.records_total",
		metric.WithDescription("Feedback records appended, by backend"))
	return c
}

// File framing constants. Each record is:
//
//	magic(4) | payloadLen(4) | payload(JSON) | crc32c(4)
//
// The CRC covers the payload only. The record's ledger offset is the byte
// offset of its magic word, so offsets are stable across reopen.
const (
	recordMagic   = 0x50464C31 // "PFL1" — Prism Feedback Ledger v1
	recordHead    = 8          // magic(4) + payloadLen(4)
	recordCRCSize = 4
	maxPayload    = 1 << 20 // 1 MB per record
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// SyncMode controls when appends reach stable storage.
type SyncMode string

const (
	// SyncFull fsyncs after every append. Durable once Record returns.
	SyncFull SyncMode = "full"
	// SyncNone leaves flushing to the OS. Fastest, weakest guarantee.
	SyncNone SyncMode = "none"
)

// FileLedger is the append-only file backend.
type FileLedger struct {
	logger  *slog.Logger
	path    string
	sync    SyncMode
	records metric.Int64Counter

	mu    sync.Mutex
	f     *os.File
	size  int64 // current end offset, next record's offset
	count int
}

// OpenFile opens (or creates) a ledger file and recovers its end position.
// A torn tail record from a crash is truncated away with a warning; fully
// written records are never touched.
func OpenFile(path string, mode SyncMode, logger *slog.Logger) (*FileLedger, error) {
	switch mode {
	case SyncFull, SyncNone:
	case "":
		mode = SyncFull
	default:
		return nil, fmt.Errorf("ledger: invalid sync mode %q", mode)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	l := &FileLedger{logger: logger, path: path, sync: mode, records: recordsMetric(), f: f}
	if err := l.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Record appends one feedback record. The returned offset identifies the
// record for the life of the ledger file.
func (l *FileLedger) Record(ctx context.Context, rec model.FeedbackRecord) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal record: %w", err)
	}
	if len(payload) > maxPayload {
		return 0, fmt.Errorf("ledger: record of %d bytes exceeds max %d", len(payload), maxPayload)
	}

	buf := make([]byte, recordHead+len(payload)+recordCRCSize)
	binary.BigEndian.PutUint32(buf[0:4], recordMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[recordHead:], payload)
	crc := crc32.Checksum(payload, crc32cTable)
	binary.BigEndian.PutUint32(buf[recordHead+len(payload):], crc)

	l.mu.Lock()
	defer l.mu.Unlock()

	offset := uint64(l.size)
	if _, err := l.f.WriteAt(buf, l.size); err != nil {
		return 0, fmt.Errorf("ledger: append: %w", err)
	}
	if l.sync == SyncFull {
		if err := l.f.Sync(); err != nil {
			return 0, fmt.Errorf("ledger: fsync: %w", err)
		}
	}
	l.size += int64(len(buf))
	l.count++
	l.records.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", "file")))
	return offset, nil
}

// Query scans the whole file and returns records for the model version in
// append order. The ledger is a retraining feed, not a query engine; a full
// scan is the intended access pattern.
func (l *FileLedger) Query(ctx context.Context, modelVersion string) ([]model.FeedbackRecord, error) {
	l.mu.Lock()
	end := l.size
	l.mu.Unlock()

	var out []model.FeedbackRecord
	err := l.scan(end, func(rec model.FeedbackRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.ModelVersion == modelVersion {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Len returns the record count.
func (l *FileLedger) Len(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, nil
}

// Close syncs and closes the file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("ledger: final sync: %w", err)
	}
	return l.f.Close()
}

// recover walks the file validating frames, counting records, and finding
// the true end offset. Anything after the last valid frame is discarded.
func (l *FileLedger) recover() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("ledger: stat: %w", err)
	}
	fileSize := info.Size()

	var offset int64
	count := 0
	for offset < fileSize {
		n, err := l.readFrame(offset, fileSize, nil)
		if err != nil {
			l.logger.Warn("ledger: truncating torn tail",
				"path", l.path, "offset", offset, "error", err)
			if terr := l.f.Truncate(offset); terr != nil {
				return fmt.Errorf("ledger: truncate torn tail: %w", terr)
			}
			break
		}
		offset += n
		count++
	}
	l.size = offset
	l.count = count
	return nil
}

// scan iterates valid frames up to end, decoding each payload.
func (l *FileLedger) scan(end int64, fn func(model.FeedbackRecord) error) error {
	var offset int64
	for offset < end {
		var rec model.FeedbackRecord
		n, err := l.readFrame(offset, end, &rec)
		if err != nil {
			return fmt.Errorf("ledger: corrupt frame at offset %d: %w", offset, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// readFrame validates the frame at offset and optionally decodes its payload.
// Returns the total frame length.
func (l *FileLedger) readFrame(offset, end int64, rec *model.FeedbackRecord) (int64, error) {
	head := make([]byte, recordHead)
	if offset+recordHead > end {
		return 0, errors.New("short header")
	}
	if _, err := l.f.ReadAt(head, offset); err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint32(head[0:4]) != recordMagic {
		return 0, errors.New("bad magic")
	}
	payloadLen := int64(binary.BigEndian.Uint32(head[4:8]))
	if payloadLen > maxPayload {
		return 0, fmt.Errorf("payload length %d exceeds max", payloadLen)
	}
	total := recordHead + payloadLen + recordCRCSize
	if offset+total > end {
		return 0, io.ErrUnexpectedEOF
	}
	body := make([]byte, payloadLen+recordCRCSize)
	if _, err := l.f.ReadAt(body, offset+recordHead); err != nil {
		return 0, err
	}
	payload := body[:payloadLen]
	want := binary.BigEndian.Uint32(body[payloadLen:])
	if crc32.Checksum(payload, crc32cTable) != want {
		return 0, errors.New("crc mismatch")
	}
	if rec != nil {
		if err := json.Unmarshal(payload, rec); err != nil {
			return 0, fmt.Errorf("decode payload: %w", err)
		}
	}
	return total, nil
}
