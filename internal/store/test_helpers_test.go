package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/testutil"
)

// createTestStore creates a new file-backed store with a manual clock.
func createTestStore(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createTestWrite creates a queued task write with minimal required fields.
func createTestWrite(endpoint, method, owner string) outbox.NewWrite {
	return outbox.NewWrite{
		URL:      "http://localhost:3000/api" + endpoint,
		Endpoint: endpoint,
		Method:   method,
		Payload:  map[string]any{"title": "buy milk", "userId": owner},
		OwnerID:  owner,
	}
}

func mustInsert(t *testing.T, s outbox.Store, w outbox.NewWrite) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), w)
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	return id
}
