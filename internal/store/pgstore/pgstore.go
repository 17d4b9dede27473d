// Package pgstore persists the outbox in PostgreSQL for deployments that
// host the queue on a shared database instead of a local SQLite file.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/offsync/internal/outbox"
)

// DefaultTable is the table holding queued writes.
const DefaultTable = "pending_writes"

// Store is a PostgreSQL-backed outbox.Store. The pool is created lazily on
// first use and recreated after Close.
type Store struct {
	dsn   string
	table string
	now   func() time.Time

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the table name.
func WithTable(name string) Option {
	return func(s *Store) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.table = trimmed
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store for dsn without connecting.
func New(dsn string, opts ...Option) *Store {
	s := &Store{dsn: strings.TrimSpace(dsn), table: DefaultTable, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects, ensures the schema and returns the Store.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := New(dsn, opts...)
	if _, err := s.conn(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the pool. A later operation reconnects.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// DropTable removes the table. Used by integration tests.
func (s *Store) DropTable(ctx context.Context) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.ident()))
	return err
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

func (s *Store) conn(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return s.pool, nil
	}
	if s.dsn == "" {
		return nil, &outbox.StorageError{Backend: "postgres", Err: errors.New("dsn required")}
	}
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return nil, &outbox.StorageError{Backend: "postgres", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &outbox.StorageError{Backend: "postgres", Err: err}
	}
	if err := s.ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, &outbox.StorageError{Backend: "postgres", Err: err}
	}
	s.pool = pool
	return pool, nil
}

func (s *Store) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	table := s.ident()
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id            BIGSERIAL PRIMARY KEY,
    url           TEXT        NOT NULL,
    endpoint      TEXT        NOT NULL DEFAULT '',
    method        TEXT        NOT NULL,
    payload       JSONB       NOT NULL DEFAULT '{}'::jsonb,
    owner_id      TEXT,
    created_at    TIMESTAMPTZ NOT NULL,
    retry_count   INTEGER     NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
    last_retry_at TIMESTAMPTZ,
    status        TEXT        NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'failed')),
    failed_at     TIMESTAMPTZ,
    last_error    TEXT        NOT NULL DEFAULT ''
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`, pgx.Identifier{s.table + "_created_at_idx"}.Sanitize(), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (url)`, pgx.Identifier{s.table + "_url_idx"}.Sanitize(), table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, retry_count)`, pgx.Identifier{s.table + "_status_idx"}.Sanitize(), table),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const selectColumns = `id, url, endpoint, method, payload, owner_id, created_at,
    retry_count, last_retry_at, status, failed_at, last_error`

// Insert implements outbox.Store.
func (s *Store) Insert(ctx context.Context, w outbox.NewWrite) (int64, error) {
	url := strings.TrimSpace(w.URL)
	if url == "" {
		return 0, fmt.Errorf("pgstore: insert: url required")
	}
	method := strings.ToUpper(strings.TrimSpace(w.Method))
	if method == "" {
		return 0, fmt.Errorf("pgstore: insert: method required")
	}
	payload, err := encodePayload(w.Payload)
	if err != nil {
		return 0, fmt.Errorf("pgstore: insert: %w", err)
	}
	pool, err := s.conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("pgstore: insert: %w", err)
	}

	var owner pgtype.Text
	if trimmed := strings.TrimSpace(w.OwnerID); trimmed != "" {
		owner = pgtype.Text{String: trimmed, Valid: true}
	}
	var id int64
	err = pool.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO %s (url, endpoint, method, payload, owner_id, created_at, retry_count, status, last_error)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, 0, 'pending', $7)
RETURNING id`, s.ident()),
		url, w.Endpoint, method, payload, owner, s.now().UTC(), w.LastError,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("pgstore: insert: %w", err)
	}
	return id, nil
}

// Get implements outbox.Store.
func (s *Store) Get(ctx context.Context, id int64) (outbox.PendingWrite, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("pgstore: get: %w", err)
	}
	rec, err := s.get(ctx, pool, id)
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("pgstore: get: %w", err)
	}
	return rec, nil
}

func (s *Store) get(ctx context.Context, pool *pgxpool.Pool, id int64) (outbox.PendingWrite, error) {
	row := pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.ident()), id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.PendingWrite{}, fmt.Errorf("record %d: %w", id, outbox.ErrNotFound)
	}
	return rec, err
}

// ListAll implements outbox.Store.
func (s *Store) ListAll(ctx context.Context) ([]outbox.PendingWrite, error) {
	return s.list(ctx, "list all", fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, selectColumns, s.ident()))
}

// ListByURL implements outbox.Store.
func (s *Store) ListByURL(ctx context.Context, url string) ([]outbox.PendingWrite, error) {
	return s.list(ctx, "list by url", fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1 ORDER BY id ASC`, selectColumns, s.ident()), url)
}

// ListSince implements outbox.Store.
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]outbox.PendingWrite, error) {
	return s.list(ctx, "list since", fmt.Sprintf(`SELECT %s FROM %s WHERE created_at >= $1 ORDER BY created_at ASC, id ASC`, selectColumns, s.ident()), since.UTC())
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]outbox.PendingWrite, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %s: %w", op, err)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %s: %w", op, err)
	}
	defer rows.Close()

	records := []outbox.PendingWrite{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: %s: %w", op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: %s: iterate: %w", op, err)
	}
	return records, nil
}

// Delete implements outbox.Store.
func (s *Store) Delete(ctx context.Context, id int64) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.ident()), id); err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	return nil
}

// UpdateRetry implements outbox.Store.
func (s *Store) UpdateRetry(ctx context.Context, id int64, retryCount int) error {
	if retryCount < 0 {
		return fmt.Errorf("pgstore: update retry: negative retry count %d", retryCount)
	}
	pool, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: update retry: %w", err)
	}
	tag, err := pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET retry_count = $1, last_retry_at = $2
WHERE id = $3 AND retry_count <= $1`, s.ident()), retryCount, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("pgstore: update retry: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.get(ctx, pool, id); err != nil {
		return fmt.Errorf("pgstore: update retry: %w", err)
	}
	return fmt.Errorf("pgstore: update retry: record %d: %w (retry count cannot decrease)", id, outbox.ErrConflict)
}

// MarkFailed implements outbox.Store.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: mark failed: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET status = 'failed', failed_at = $1
WHERE id = $2 AND status = 'pending'`, s.ident()), s.now().UTC(), id); err != nil {
		return fmt.Errorf("pgstore: mark failed: %w", err)
	}
	return nil
}

// RecordFailure implements outbox.Store as one conditional UPDATE ... RETURNING.
func (s *Store) RecordFailure(ctx context.Context, id int64, expectedRetryCount, ceiling int, lastErr string) (outbox.PendingWrite, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("pgstore: record failure: %w", err)
	}
	now := s.now().UTC()
	row := pool.QueryRow(ctx, fmt.Sprintf(`
UPDATE %s
SET retry_count   = retry_count + 1,
    last_retry_at = $1,
    last_error    = $2,
    status        = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE status END,
    failed_at     = CASE WHEN retry_count + 1 >= $3 THEN $1 ELSE failed_at END
WHERE id = $4 AND status = 'pending' AND retry_count = $5
RETURNING %s`, s.ident(), selectColumns), now, lastErr, ceiling, id, expectedRetryCount)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return outbox.PendingWrite{}, fmt.Errorf("pgstore: record failure: %w", err)
	}
	current, getErr := s.get(ctx, pool, id)
	if getErr != nil {
		return outbox.PendingWrite{}, fmt.Errorf("pgstore: record failure: %w", getErr)
	}
	return current, fmt.Errorf("pgstore: record failure: record %d: %w", id, outbox.ErrConflict)
}

// Requeue implements outbox.Store.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: requeue: %w", err)
	}
	tag, err := pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET status = 'pending', retry_count = 0, last_retry_at = NULL, failed_at = NULL
WHERE id = $1 AND status = 'failed'`, s.ident()), id)
	if err != nil {
		return fmt.Errorf("pgstore: requeue: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.get(ctx, pool, id); err != nil {
		return fmt.Errorf("pgstore: requeue: %w", err)
	}
	return nil
}

// ClearFailed implements outbox.Store.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	pool, err := s.conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("pgstore: clear failed: %w", err)
	}
	tag, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE status = 'failed'`, s.ident()))
	if err != nil {
		return 0, fmt.Errorf("pgstore: clear failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Clear implements outbox.Store.
func (s *Store) Clear(ctx context.Context) error {
	pool, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: clear: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.ident())); err != nil {
		return fmt.Errorf("pgstore: clear: %w", err)
	}
	return nil
}

// Stats implements outbox.Store.
func (s *Store) Stats(ctx context.Context) (outbox.Stats, error) {
	records, err := s.ListAll(ctx)
	if err != nil {
		return outbox.Stats{}, err
	}
	return outbox.ComputeStats(records), nil
}

func encodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func scanRecord(row pgx.Row) (outbox.PendingWrite, error) {
	var (
		rec         outbox.PendingWrite
		payloadJSON []byte
		owner       pgtype.Text
		lastRetryAt pgtype.Timestamptz
		status      string
		failedAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&rec.ID,
		&rec.URL,
		&rec.Endpoint,
		&rec.Method,
		&payloadJSON,
		&owner,
		&rec.CreatedAt,
		&rec.RetryCount,
		&lastRetryAt,
		&status,
		&failedAt,
		&rec.LastError,
	); err != nil {
		return outbox.PendingWrite{}, err
	}
	rec.Payload = map[string]any{}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return outbox.PendingWrite{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if owner.Valid {
		rec.OwnerID = owner.String
	}
	if lastRetryAt.Valid {
		t := lastRetryAt.Time.UTC()
		rec.LastRetryAt = &t
	}
	rec.Status = outbox.Status(status)
	if failedAt.Valid {
		t := failedAt.Time.UTC()
		rec.FailedAt = &t
	}
	return rec, nil
}

var _ outbox.Store = (*Store)(nil)
