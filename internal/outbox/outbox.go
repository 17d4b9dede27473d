package outbox

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// MaxRetries is the retry ceiling: the number of failed replay attempts
// after which a record becomes terminally failed.
const MaxRetries = 3

// BackgroundSyncTag is the name of the scheduled event that triggers the
// background orchestrator.
const BackgroundSyncTag = "background-sync"

// OwnerKey is the payload key that carries the client-asserted owner id.
const OwnerKey = "userId"

// InvalidOwnerID is the literal owner id that is never eligible for replay.
const InvalidOwnerID = "1"

// Status is the replay state of a queued record.
type Status string

const (
	// StatusPending records are eligible for replay.
	StatusPending Status = "pending"
	// StatusFailed records exhausted their retries. Terminal.
	StatusFailed Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusFailed
}

// PendingWrite is one failed write awaiting replay.
type PendingWrite struct {
	ID          int64          `json:"id"`
	URL         string         `json:"url"`
	Endpoint    string         `json:"endpoint"`
	Method      string         `json:"method"`
	Payload     map[string]any `json:"data"`
	OwnerID     string         `json:"userId,omitempty"`
	CreatedAt   time.Time      `json:"timestamp"`
	RetryCount  int            `json:"retryCount"`
	LastRetryAt *time.Time     `json:"lastRetry,omitempty"`
	Status      Status         `json:"status"`
	FailedAt    *time.Time     `json:"failedAt,omitempty"`
	LastError   string         `json:"error,omitempty"`
}

// NewWrite is a record before the store assigns its identity.
type NewWrite struct {
	URL       string
	Endpoint  string
	Method    string
	Payload   map[string]any
	OwnerID   string
	LastError string
}

// Stats aggregates the queue contents.
type Stats struct {
	Total           int        `json:"total"`
	Pending         int        `json:"pending"`
	Failed          int        `json:"failed"`
	OldestTimestamp *time.Time `json:"oldestTimestamp"`
}

// ComputeStats derives Stats from a full listing.
func ComputeStats(records []PendingWrite) Stats {
	var stats Stats
	for i := range records {
		rec := &records[i]
		stats.Total++
		switch rec.Status {
		case StatusPending:
			stats.Pending++
		case StatusFailed:
			stats.Failed++
		}
		if stats.OldestTimestamp == nil || rec.CreatedAt.Before(*stats.OldestTimestamp) {
			t := rec.CreatedAt
			stats.OldestTimestamp = &t
		}
	}
	return stats
}

// Eligible reports whether the record may be picked up by a replay pass
// that respects the retry ceiling.
func (w PendingWrite) Eligible() bool {
	return w.Status == StatusPending && w.RetryCount < MaxRetries
}

// EffectiveOwner returns the owner id that governs replay eligibility: the
// record's own owner, else the one echoed in the payload.
func (w PendingWrite) EffectiveOwner() string {
	if owner := strings.TrimSpace(w.OwnerID); owner != "" {
		return owner
	}
	return PayloadOwner(w.Payload)
}

// PayloadOwner extracts the owner id echoed in a payload, or "".
func PayloadOwner(payload map[string]any) string {
	raw, ok := payload[OwnerKey]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// ValidOwner reports whether owner is a real user id. Absent ids and the
// literal invalid id are sentinels.
func ValidOwner(owner string) bool {
	owner = strings.TrimSpace(owner)
	return owner != "" && owner != InvalidOwnerID && owner != "null"
}

// ClonePayload returns a shallow copy of p that is safe to mutate.
func ClonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Store is the persistent queue. Implementations must make every
// single-record mutation atomic.
type Store interface {
	Insert(ctx context.Context, w NewWrite) (int64, error)
	Get(ctx context.Context, id int64) (PendingWrite, error)
	ListAll(ctx context.Context) ([]PendingWrite, error)
	ListByURL(ctx context.Context, url string) ([]PendingWrite, error)
	ListSince(ctx context.Context, since time.Time) ([]PendingWrite, error)
	Delete(ctx context.Context, id int64) error
	UpdateRetry(ctx context.Context, id int64, retryCount int) error
	MarkFailed(ctx context.Context, id int64) error

	// RecordFailure increments retryCount only if the row is still pending
	// with expectedRetryCount, and flips it to failed once the new count
	// reaches ceiling. It returns the updated record.
	RecordFailure(ctx context.Context, id int64, expectedRetryCount, ceiling int, lastErr string) (PendingWrite, error)

	// Requeue moves a failed record back to pending with a zero retry count.
	Requeue(ctx context.Context, id int64) error
	ClearFailed(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
