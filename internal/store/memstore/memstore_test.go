package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/store/storetest"
)

func TestMemstoreContract(t *testing.T) {
	storetest.Run(t, func(_ *testing.T, now func() time.Time) outbox.Store {
		return New(now)
	})
}

func TestClose_KeepsContents(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	id, err := s.Insert(ctx, outbox.NewWrite{URL: "http://x/api/tasks", Method: "POST"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
}

func TestGet_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	id, err := s.Insert(ctx, outbox.NewWrite{
		URL:     "http://x/api/tasks",
		Method:  "POST",
		Payload: map[string]any{"title": "a"},
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	rec.Payload["title"] = "b"

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Payload["title"])
}
