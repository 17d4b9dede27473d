package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/offsync/internal/outbox"
)

// Insert adds a pending write and returns its store-assigned id.
// The record starts at status=pending, retryCount=0, createdAt=now.
func (s *Store) Insert(ctx context.Context, w outbox.NewWrite) (int64, error) {
	url := strings.TrimSpace(w.URL)
	if url == "" {
		return 0, fmt.Errorf("insert: url required")
	}
	method := strings.ToUpper(strings.TrimSpace(w.Method))
	if method == "" {
		return 0, fmt.Errorf("insert: method required")
	}

	payload, err := marshalPayload(w.Payload)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}

	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO pending_writes
		(url, endpoint, method, payload, owner_id, created_at, retry_count, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'pending', ?)
	`,
		url,
		w.Endpoint,
		method,
		payload,
		nullableOwner(strings.TrimSpace(w.OwnerID)),
		toMillis(s.now()),
		w.LastError,
	)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert: last insert id: %w", err)
	}
	return id, nil
}

// Delete removes a record. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	db, err := s.conn()
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_writes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// UpdateRetry sets retryCount and lastRetryAt.
// Returns outbox.ErrNotFound if the id is absent and outbox.ErrConflict if
// retryCount would decrease.
func (s *Store) UpdateRetry(ctx context.Context, id int64, retryCount int) error {
	if retryCount < 0 {
		return fmt.Errorf("update retry: negative retry count %d", retryCount)
	}
	db, err := s.conn()
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE pending_writes
		SET retry_count = ?, last_retry_at = ?
		WHERE id = ? AND retry_count <= ?
	`, retryCount, toMillis(s.now()), id, retryCount)
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update retry: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.get(ctx, db, id); err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	return fmt.Errorf("update retry: record %d: %w (retry count cannot decrease)", id, outbox.ErrConflict)
}

// MarkFailed moves a pending record to the terminal failed state.
// Idempotent: an already failed or absent record is left untouched.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	db, err := s.conn()
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE pending_writes
		SET status = 'failed', failed_at = ?
		WHERE id = ? AND status = 'pending'
	`, toMillis(s.now()), id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RecordFailure registers one failed replay attempt as a single conditional
// UPDATE, so whichever context wins a race leaves the row consistent.
//
// The row changes only if it is still pending with expectedRetryCount.
// When the incremented count reaches ceiling the row flips to failed with
// failedAt=now in the same statement.
//
// Returns outbox.ErrNotFound if the record is gone (another context synced
// it) and outbox.ErrConflict if another context already counted an attempt.
func (s *Store) RecordFailure(ctx context.Context, id int64, expectedRetryCount, ceiling int, lastErr string) (outbox.PendingWrite, error) {
	db, err := s.conn()
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := toMillis(s.now())
	result, err := tx.ExecContext(ctx, `
		UPDATE pending_writes
		SET retry_count   = retry_count + 1,
		    last_retry_at = ?,
		    last_error    = ?,
		    status        = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE status END,
		    failed_at     = CASE WHEN retry_count + 1 >= ? THEN ? ELSE failed_at END
		WHERE id = ? AND status = 'pending' AND retry_count = ?
	`, now, lastErr, ceiling, ceiling, now, id, expectedRetryCount)
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: rows affected: %w", err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pending_writes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: record %d: %w", id, outbox.ErrNotFound)
	}
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: %w", err)
	}
	if n == 0 {
		return rec, fmt.Errorf("record failure: record %d: %w", id, outbox.ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: commit: %w", err)
	}
	return rec, nil
}

// Requeue moves a failed record back to pending with retryCount reset.
// A record that is already pending is left untouched.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	db, err := s.conn()
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	result, err := db.ExecContext(ctx, `
		UPDATE pending_writes
		SET status = 'pending', retry_count = 0, last_retry_at = NULL, failed_at = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.get(ctx, db, id); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// ClearFailed deletes every failed record and returns how many were removed.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	result, err := db.ExecContext(ctx, `DELETE FROM pending_writes WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear failed: rows affected: %w", err)
	}
	return int(n), nil
}

// Clear deletes every record.
func (s *Store) Clear(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_writes`); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}
