package store

import (
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/roach88/offsync/internal/outbox"
)

// marshalPayload converts a payload to JSON TEXT for storage.
// A nil payload is stored as an empty object.
func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses stored JSON TEXT into a payload map.
func unmarshalPayload(raw string) (map[string]any, error) {
	payload := map[string]any{}
	if raw == "" || raw == "null" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableOwner(owner string) sql.NullString {
	if owner == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: owner, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectColumns = `id, url, endpoint, method, payload, owner_id, created_at,
	retry_count, last_retry_at, status, failed_at, last_error`

func scanRecord(row rowScanner) (outbox.PendingWrite, error) {
	var (
		rec         outbox.PendingWrite
		payload     string
		owner       sql.NullString
		createdAt   int64
		lastRetryAt sql.NullInt64
		status      string
		failedAt    sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.URL,
		&rec.Endpoint,
		&rec.Method,
		&payload,
		&owner,
		&createdAt,
		&rec.RetryCount,
		&lastRetryAt,
		&status,
		&failedAt,
		&rec.LastError,
	); err != nil {
		return outbox.PendingWrite{}, err
	}

	p, err := unmarshalPayload(payload)
	if err != nil {
		return outbox.PendingWrite{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	rec.Payload = p
	rec.OwnerID = owner.String
	rec.CreatedAt = fromMillis(createdAt)
	rec.LastRetryAt = nullableTime(lastRetryAt)
	rec.Status = outbox.Status(status)
	rec.FailedAt = nullableTime(failedAt)
	return rec, nil
}
