package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/outbox"
)

// Get retrieves a single record by id.
// Returns outbox.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id int64) (outbox.PendingWrite, error) {
	db, err := s.conn()
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("get: %w", err)
	}
	rec, err := s.get(ctx, db, id)
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("get: %w", err)
	}
	return rec, nil
}

func (s *Store) get(ctx context.Context, db *sql.DB, id int64) (outbox.PendingWrite, error) {
	row := db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pending_writes WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.PendingWrite{}, fmt.Errorf("record %d: %w", id, outbox.ErrNotFound)
	}
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("scan record %d: %w", id, err)
	}
	return rec, nil
}

// ListAll returns every record regardless of status, in insertion order.
// Returns an empty slice (not nil) when the queue is empty.
func (s *Store) ListAll(ctx context.Context) ([]outbox.PendingWrite, error) {
	return s.list(ctx, "list all", `
		SELECT `+selectColumns+`
		FROM pending_writes
		ORDER BY id ASC
	`)
}

// ListByURL returns the records targeting url, in insertion order.
func (s *Store) ListByURL(ctx context.Context, url string) ([]outbox.PendingWrite, error) {
	return s.list(ctx, "list by url", `
		SELECT `+selectColumns+`
		FROM pending_writes
		WHERE url = ?
		ORDER BY id ASC
	`, url)
}

// ListSince returns the records created at or after since, oldest first.
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]outbox.PendingWrite, error) {
	return s.list(ctx, "list since", `
		SELECT `+selectColumns+`
		FROM pending_writes
		WHERE created_at >= ?
		ORDER BY created_at ASC, id ASC
	`, toMillis(since))
}

// Stats aggregates the full listing.
func (s *Store) Stats(ctx context.Context) (outbox.Stats, error) {
	records, err := s.ListAll(ctx)
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return outbox.ComputeStats(records), nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]outbox.PendingWrite, error) {
	db, err := s.conn()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	records := []outbox.PendingWrite{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return records, nil
}
