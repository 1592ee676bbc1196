package snapshotstore

import (
	"fmt"
	"time"

	"github.com/ncrsentry/sentry/internal/monitoring"
)

// Snapshot is one durably persisted fetch.
type Snapshot struct {
	ID         int64
	FetchedAt  time.Time
	UpstreamTS time.Time
	RawJSON    []byte
}

// Append persists a new snapshot and trims the table to the newest
// keepRecent rows in the same transaction. A write failure is logged and
// returned; the caller leaves prior state (and the read cache) untouched.
func (s *Store) Append(payload []byte, fetchedAt, upstreamTS time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin append transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO snapshots (fetched_at, upstream_ts, raw_json) VALUES (?, ?, ?)`,
		fetchedAt.UTC().Format(time.RFC3339Nano), upstreamTS.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		monitoring.Logf("snapshotstore: append failed: %v", err)
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted snapshot id: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM snapshots
		WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)
	`, s.keepRecent); err != nil {
		monitoring.Logf("snapshotstore: trim failed: %v", err)
		return 0, fmt.Errorf("trim snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return id, nil
}

// Latest returns the newest snapshot, or nil if the store is empty.
func (s *Store) Latest() (*Snapshot, error) {
	rows, err := s.LatestN(1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// LatestN returns the newest n snapshots, newest-first.
func (s *Store) LatestN(n int) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT id, fetched_at, upstream_ts, raw_json FROM snapshots ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			id                    int64
			fetchedAt, upstreamTS string
			raw                   string
		)
		if err := rows.Scan(&id, &fetchedAt, &upstreamTS, &raw); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snap := Snapshot{ID: id, RawJSON: []byte(raw)}
		snap.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedAt)
		snap.UpstreamTS, _ = time.Parse(time.RFC3339Nano, upstreamTS)
		out = append(out, snap)
	}
	return out, rows.Err()
}
