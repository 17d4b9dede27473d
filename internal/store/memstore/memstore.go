// Package memstore is an in-memory outbox.Store used as a test double and
// for the memory: DSN. Contents do not survive the process.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/roach88/offsync/internal/outbox"
)

// Store keeps records in a map guarded by a mutex. Every method is atomic.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	records map[int64]outbox.PendingWrite
}

// New creates an empty store. A nil clock defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, records: make(map[int64]outbox.PendingWrite)}
}

func (s *Store) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Insert implements outbox.Store.
func (s *Store) Insert(_ context.Context, w outbox.NewWrite) (int64, error) {
	url := strings.TrimSpace(w.URL)
	if url == "" {
		return 0, fmt.Errorf("insert: url required")
	}
	method := strings.ToUpper(strings.TrimSpace(w.Method))
	if method == "" {
		return 0, fmt.Errorf("insert: method required")
	}
	payload, err := clone(w.Payload)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records[s.nextID] = outbox.PendingWrite{
		ID:        s.nextID,
		URL:       url,
		Endpoint:  w.Endpoint,
		Method:    method,
		Payload:   payload,
		OwnerID:   strings.TrimSpace(w.OwnerID),
		CreatedAt: s.stamp(),
		Status:    outbox.StatusPending,
		LastError: w.LastError,
	}
	return s.nextID, nil
}

// Get implements outbox.Store.
func (s *Store) Get(_ context.Context, id int64) (outbox.PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return outbox.PendingWrite{}, fmt.Errorf("get: record %d: %w", id, outbox.ErrNotFound)
	}
	return copyRecord(rec), nil
}

// ListAll implements outbox.Store.
func (s *Store) ListAll(_ context.Context) ([]outbox.PendingWrite, error) {
	return s.filter(func(outbox.PendingWrite) bool { return true }), nil
}

// ListByURL implements outbox.Store.
func (s *Store) ListByURL(_ context.Context, url string) ([]outbox.PendingWrite, error) {
	return s.filter(func(rec outbox.PendingWrite) bool { return rec.URL == url }), nil
}

// ListSince implements outbox.Store.
func (s *Store) ListSince(_ context.Context, since time.Time) ([]outbox.PendingWrite, error) {
	out := s.filter(func(rec outbox.PendingWrite) bool { return !rec.CreatedAt.Before(since) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete implements outbox.Store.
func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// UpdateRetry implements outbox.Store.
func (s *Store) UpdateRetry(_ context.Context, id int64, retryCount int) error {
	if retryCount < 0 {
		return fmt.Errorf("update retry: negative retry count %d", retryCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("update retry: record %d: %w", id, outbox.ErrNotFound)
	}
	if retryCount < rec.RetryCount {
		return fmt.Errorf("update retry: record %d: %w (retry count cannot decrease)", id, outbox.ErrConflict)
	}
	now := s.stamp()
	rec.RetryCount = retryCount
	rec.LastRetryAt = &now
	s.records[id] = rec
	return nil
}

// MarkFailed implements outbox.Store.
func (s *Store) MarkFailed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status == outbox.StatusFailed {
		return nil
	}
	now := s.stamp()
	rec.Status = outbox.StatusFailed
	rec.FailedAt = &now
	s.records[id] = rec
	return nil
}

// RecordFailure implements outbox.Store.
func (s *Store) RecordFailure(_ context.Context, id int64, expectedRetryCount, ceiling int, lastErr string) (outbox.PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return outbox.PendingWrite{}, fmt.Errorf("record failure: record %d: %w", id, outbox.ErrNotFound)
	}
	if rec.Status != outbox.StatusPending || rec.RetryCount != expectedRetryCount {
		return copyRecord(rec), fmt.Errorf("record failure: record %d: %w", id, outbox.ErrConflict)
	}
	now := s.stamp()
	rec.RetryCount++
	rec.LastRetryAt = &now
	rec.LastError = lastErr
	if rec.RetryCount >= ceiling {
		failedAt := now
		rec.Status = outbox.StatusFailed
		rec.FailedAt = &failedAt
	}
	s.records[id] = rec
	return copyRecord(rec), nil
}

// Requeue implements outbox.Store.
func (s *Store) Requeue(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("requeue: record %d: %w", id, outbox.ErrNotFound)
	}
	if rec.Status != outbox.StatusFailed {
		return nil
	}
	rec.Status = outbox.StatusPending
	rec.RetryCount = 0
	rec.LastRetryAt = nil
	rec.FailedAt = nil
	s.records[id] = rec
	return nil
}

// ClearFailed implements outbox.Store.
func (s *Store) ClearFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Status == outbox.StatusFailed {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Clear implements outbox.Store.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[int64]outbox.PendingWrite)
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

// Close is a no-op; the contents remain available.
func (s *Store) Close() error {
	return nil
}

func (s *Store) filter(keep func(outbox.PendingWrite) bool) []outbox.PendingWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []outbox.PendingWrite{}
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// clone deep-copies a payload through JSON so stored records never alias
// caller maps, matching what a durable backend returns.
func clone(payload map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if payload == nil {
		return out, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}

func copyRecord(rec outbox.PendingWrite) outbox.PendingWrite {
	payload, err := clone(rec.Payload)
	if err == nil {
		rec.Payload = payload
	}
	if rec.LastRetryAt != nil {
		t := *rec.LastRetryAt
		rec.LastRetryAt = &t
	}
	if rec.FailedAt != nil {
		t := *rec.FailedAt
		rec.FailedAt = &t
	}
	return rec
}

var _ outbox.Store = (*Store)(nil)
