package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/store/memstore"
	"github.com/roach88/offsync/internal/store/pgstore"
)

// OpenDSN opens the outbox backend selected by dsn:
//
//	sqlite:///var/lib/offsync/outbox.db   SQLite file (absolute path)
//	sqlite://outbox.db                    SQLite file (relative path)
//	file:outbox.db / plain path           SQLite file
//	memory:                               in-process, lost on exit
//	postgres://... / postgresql://...     PostgreSQL
//
// The SQLite and memory backends connect lazily; Postgres connects eagerly
// so a bad DSN surfaces here.
func OpenDSN(ctx context.Context, dsn string, now func() time.Time) (outbox.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("open store: dsn required")
	}
	if now == nil {
		now = time.Now
	}
	lower := strings.ToLower(dsn)
	switch {
	case lower == "memory:" || lower == "memory://":
		return memstore.New(now), nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		s, err := pgstore.Open(ctx, dsn, pgstore.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	case strings.HasPrefix(lower, "sqlite://"):
		path := dsn[len("sqlite://"):]
		if path == "" {
			return nil, fmt.Errorf("open store: sqlite dsn %q has no path", dsn)
		}
		return New(path, WithClock(now)), nil
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("open store: unsupported dsn scheme in %q", dsn)
	default:
		// file: URIs are passed through; go-sqlite3 understands them.
		return New(dsn, WithClock(now)), nil
	}
}
