// Package storage holds the durable, queryable secondary index for
// finalized validation records. The authoritative record is the JSONL
// outcome log; this index exists only to make that history queryable
// without re-parsing files.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/microstructure-core/internal/domain"
)

// IndexStore is a best-effort SQLite secondary index over finalized
// ValidationRecords. Callers treat write failures as non-fatal: the JSONL
// sink remains the source of truth.
type IndexStore struct {
	db *sql.DB
}

// NewIndexStore opens (creating if absent) a SQLite database at dbPath and
// ensures its schema exists.
func NewIndexStore(dbPath string) (*IndexStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open index db: %w", err)
	}
	s := &IndexStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *IndexStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS validation_records (
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detector TEXT NOT NULL,
		is_rejection BOOLEAN NOT NULL,
		reject_reason TEXT,
		side TEXT NOT NULL,
		origin_price INTEGER NOT NULL,
		origin_timestamp INTEGER NOT NULL,
		max_favorable_move REAL NOT NULL,
		actual_tp_price INTEGER NOT NULL,
		actual_sl_price INTEGER NOT NULL,
		time_to_tp_minutes REAL NOT NULL,
		tp_sl_status TEXT NOT NULL,
		signal_quality TEXT NOT NULL,
		threshold_checks_json TEXT NOT NULL,
		PRIMARY KEY (id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_validation_detector_status ON validation_records(detector, tp_sl_status);
	CREATE INDEX IF NOT EXISTS idx_validation_origin_timestamp ON validation_records(origin_timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write upserts one finalized record into the index. Safe to call
// concurrently; failures are returned for the caller to log and ignore.
func (s *IndexStore) Write(ctx context.Context, detector domain.DetectorType, kind domain.OutcomeKind, record domain.ValidationRecord) error {
	checksJSON, err := json.Marshal(record.ThresholdChecks)
	if err != nil {
		return fmt.Errorf("storage: marshal threshold checks: %w", err)
	}

	const query = `
	INSERT INTO validation_records (
		id, kind, detector, is_rejection, reject_reason, side, origin_price, origin_timestamp,
		max_favorable_move, actual_tp_price, actual_sl_price, time_to_tp_minutes, tp_sl_status,
		signal_quality, threshold_checks_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id, kind) DO UPDATE SET
		max_favorable_move=excluded.max_favorable_move,
		actual_tp_price=excluded.actual_tp_price,
		actual_sl_price=excluded.actual_sl_price,
		time_to_tp_minutes=excluded.time_to_tp_minutes,
		tp_sl_status=excluded.tp_sl_status,
		signal_quality=excluded.signal_quality`

	_, err = s.db.ExecContext(ctx, query,
		record.ID, string(kind), string(detector), record.IsRejection, record.RejectReason,
		string(record.Side), int64(record.OriginPrice), record.OriginTimestamp,
		record.MaxFavorableMove, int64(record.ActualTPPrice), int64(record.ActualSLPrice),
		record.TimeToTPMinutes, string(record.TPSLStatus), string(record.SignalQuality), string(checksJSON))
	return err
}

// Flush is a no-op: every Write is already a committed transaction. Present
// to satisfy domain.OutcomeSink.
func (s *IndexStore) Flush(ctx context.Context) error { return nil }

// Close closes the underlying database handle.
func (s *IndexStore) Close() error {
	return s.db.Close()
}

// CountByStatus returns how many finalized records of the given detector
// carry the given status, useful for quick operational queries.
func (s *IndexStore) CountByStatus(ctx context.Context, detector domain.DetectorType, status domain.TPSLStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM validation_records WHERE detector = ? AND tp_sl_status = ?`,
		string(detector), string(status)).Scan(&count)
	return count, err
}
