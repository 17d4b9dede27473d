// Package storetest holds the behavioral contract every outbox.Store
// backend must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/testutil"
)

// Factory returns an empty store whose timestamps come from now.
type Factory func(t *testing.T, now func() time.Time) outbox.Store

type fixture struct {
	store outbox.Store
	clock *testutil.ManualClock
}

func setup(t *testing.T, factory Factory) (context.Context, fixture) {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	s := factory(t, clock.Now)
	return context.Background(), fixture{store: s, clock: clock}
}

func write(endpoint, method, owner string) outbox.NewWrite {
	payload := map[string]any{"title": "buy milk"}
	if owner != "" {
		payload[outbox.OwnerKey] = owner
	}
	return outbox.NewWrite{
		URL:      "http://localhost:3000/api" + endpoint,
		Endpoint: endpoint,
		Method:   method,
		Payload:  payload,
		OwnerID:  owner,
	}
}

func insert(t *testing.T, ctx context.Context, s outbox.Store, w outbox.NewWrite) int64 {
	t.Helper()
	id, err := s.Insert(ctx, w)
	require.NoError(t, err)
	return id
}

// Run executes the contract against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("InsertThenListAll", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "post", "42"))

		records, err := f.store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)

		rec := records[0]
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, "http://localhost:3000/api/tasks", rec.URL)
		assert.Equal(t, "/tasks", rec.Endpoint)
		assert.Equal(t, "POST", rec.Method)
		assert.Equal(t, "42", rec.OwnerID)
		assert.Equal(t, "buy milk", rec.Payload["title"])
		assert.Equal(t, outbox.StatusPending, rec.Status)
		assert.Equal(t, 0, rec.RetryCount)
		assert.Nil(t, rec.LastRetryAt)
		assert.Nil(t, rec.FailedAt)
		assert.WithinDuration(t, testutil.Epoch, rec.CreatedAt, 0)
	})

	t.Run("InsertRequiresURLAndMethod", func(t *testing.T) {
		ctx, f := setup(t, factory)

		_, err := f.store.Insert(ctx, outbox.NewWrite{Method: "POST"})
		assert.Error(t, err)
		_, err = f.store.Insert(ctx, outbox.NewWrite{URL: "http://x/api/tasks"})
		assert.Error(t, err)
	})

	t.Run("InsertNullOwner", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, outbox.NewWrite{URL: "http://x/api/tasks", Method: "POST"})

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, rec.OwnerID)
		assert.NotNil(t, rec.Payload)
		assert.Empty(t, rec.Payload)
	})

	t.Run("IDsMonotonic", func(t *testing.T) {
		ctx, f := setup(t, factory)

		a := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		b := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		c := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		assert.Less(t, a, b)
		assert.Less(t, b, c)

		records, err := f.store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, []int64{a, b, c}, []int64{records[0].ID, records[1].ID, records[2].ID})
	})

	t.Run("PayloadIsolatedFromCaller", func(t *testing.T) {
		ctx, f := setup(t, factory)

		w := write("/tasks", "POST", "42")
		id := insert(t, ctx, f.store, w)
		w.Payload["title"] = "mutated"

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "buy milk", rec.Payload["title"])
	})

	t.Run("ListAllEmpty", func(t *testing.T) {
		ctx, f := setup(t, factory)

		records, err := f.store.ListAll(ctx)
		require.NoError(t, err)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		ctx, f := setup(t, factory)

		_, err := f.store.Get(ctx, 999)
		assert.ErrorIs(t, err, outbox.ErrNotFound)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		require.NoError(t, f.store.Delete(ctx, id))
		require.NoError(t, f.store.Delete(ctx, id))
		require.NoError(t, f.store.Delete(ctx, 12345))

		records, err := f.store.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("UpdateRetry", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		at := f.clock.Advance(time.Minute)
		require.NoError(t, f.store.UpdateRetry(ctx, id, 1))

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.RetryCount)
		require.NotNil(t, rec.LastRetryAt)
		assert.WithinDuration(t, at, *rec.LastRetryAt, 0)
		assert.Equal(t, outbox.StatusPending, rec.Status)
	})

	t.Run("UpdateRetryNotFound", func(t *testing.T) {
		ctx, f := setup(t, factory)

		err := f.store.UpdateRetry(ctx, 999, 1)
		assert.ErrorIs(t, err, outbox.ErrNotFound)
	})

	t.Run("UpdateRetryNeverDecreases", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		require.NoError(t, f.store.UpdateRetry(ctx, id, 2))

		err := f.store.UpdateRetry(ctx, id, 1)
		assert.ErrorIs(t, err, outbox.ErrConflict)

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.RetryCount)
	})

	t.Run("MarkFailedIdempotent", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		first := f.clock.Advance(time.Minute)
		require.NoError(t, f.store.MarkFailed(ctx, id))
		f.clock.Advance(time.Minute)
		require.NoError(t, f.store.MarkFailed(ctx, id))

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, rec.Status)
		require.NotNil(t, rec.FailedAt)
		assert.WithinDuration(t, first, *rec.FailedAt, 0)
	})

	t.Run("MarkFailedAbsentIsNoop", func(t *testing.T) {
		ctx, f := setup(t, factory)

		assert.NoError(t, f.store.MarkFailed(ctx, 999))
	})

	t.Run("RecordFailureIncrements", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		rec, err := f.store.RecordFailure(ctx, id, 0, outbox.MaxRetries, "HTTP 500")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.RetryCount)
		assert.Equal(t, outbox.StatusPending, rec.Status)
		assert.Equal(t, "HTTP 500", rec.LastError)
		assert.NotNil(t, rec.LastRetryAt)
		assert.Nil(t, rec.FailedAt)
	})

	t.Run("RecordFailureAtCeilingMarksFailed", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		var rec outbox.PendingWrite
		var err error
		for i := 0; i < outbox.MaxRetries; i++ {
			rec, err = f.store.RecordFailure(ctx, id, i, outbox.MaxRetries, "HTTP 500")
			require.NoError(t, err)
		}
		assert.Equal(t, outbox.MaxRetries, rec.RetryCount)
		assert.Equal(t, outbox.StatusFailed, rec.Status)
		require.NotNil(t, rec.FailedAt)
		assert.False(t, rec.Eligible())

		// Terminal: a further failure is a conflict and changes nothing
		_, err = f.store.RecordFailure(ctx, id, outbox.MaxRetries, outbox.MaxRetries, "HTTP 500")
		assert.ErrorIs(t, err, outbox.ErrConflict)

		stored, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.MaxRetries, stored.RetryCount)
	})

	t.Run("RecordFailureStaleCountConflicts", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		_, err := f.store.RecordFailure(ctx, id, 0, outbox.MaxRetries, "first")
		require.NoError(t, err)

		current, err := f.store.RecordFailure(ctx, id, 0, outbox.MaxRetries, "second")
		assert.ErrorIs(t, err, outbox.ErrConflict)
		assert.Equal(t, 1, current.RetryCount)
		assert.Equal(t, "first", current.LastError)
	})

	t.Run("RecordFailureNotFound", func(t *testing.T) {
		ctx, f := setup(t, factory)

		_, err := f.store.RecordFailure(ctx, 999, 0, outbox.MaxRetries, "gone")
		assert.ErrorIs(t, err, outbox.ErrNotFound)
	})

	t.Run("RecordFailureConcurrentCountsOnce", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))

		const contexts = 2
		errs := make([]error, contexts)
		var wg sync.WaitGroup
		wg.Add(contexts)
		for i := 0; i < contexts; i++ {
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.store.RecordFailure(ctx, id, 0, outbox.MaxRetries, "race")
			}(i)
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, outbox.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, conflicts)

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.RetryCount)
	})

	t.Run("Requeue", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		for i := 0; i < outbox.MaxRetries; i++ {
			_, err := f.store.RecordFailure(ctx, id, i, outbox.MaxRetries, "HTTP 500")
			require.NoError(t, err)
		}

		require.NoError(t, f.store.Requeue(ctx, id))

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, rec.Status)
		assert.Equal(t, 0, rec.RetryCount)
		assert.Nil(t, rec.FailedAt)
		assert.True(t, rec.Eligible())
	})

	t.Run("RequeuePendingIsNoop", func(t *testing.T) {
		ctx, f := setup(t, factory)

		id := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		require.NoError(t, f.store.UpdateRetry(ctx, id, 2))
		require.NoError(t, f.store.Requeue(ctx, id))

		rec, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.RetryCount)
	})

	t.Run("RequeueNotFound", func(t *testing.T) {
		ctx, f := setup(t, factory)

		assert.ErrorIs(t, f.store.Requeue(ctx, 999), outbox.ErrNotFound)
	})

	t.Run("ClearFailed", func(t *testing.T) {
		ctx, f := setup(t, factory)

		keep := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		drop1 := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		drop2 := insert(t, ctx, f.store, write("/tasks/7", "DELETE", "42"))
		require.NoError(t, f.store.MarkFailed(ctx, drop1))
		require.NoError(t, f.store.MarkFailed(ctx, drop2))

		n, err := f.store.ClearFailed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		records, err := f.store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, keep, records[0].ID)
	})

	t.Run("Clear", func(t *testing.T) {
		ctx, f := setup(t, factory)

		insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		require.NoError(t, f.store.Clear(ctx))

		records, err := f.store.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("StatsEmpty", func(t *testing.T) {
		ctx, f := setup(t, factory)

		stats, err := f.store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, outbox.Stats{}, stats)
		assert.Nil(t, stats.OldestTimestamp)
	})

	t.Run("Stats", func(t *testing.T) {
		ctx, f := setup(t, factory)

		insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		f.clock.Advance(time.Second)
		failed := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		f.clock.Advance(time.Second)
		insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		require.NoError(t, f.store.MarkFailed(ctx, failed))

		stats, err := f.store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 1, stats.Failed)
		require.NotNil(t, stats.OldestTimestamp)
		assert.WithinDuration(t, testutil.Epoch, *stats.OldestTimestamp, 0)
	})

	t.Run("ListByURL", func(t *testing.T) {
		ctx, f := setup(t, factory)

		insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		want := insert(t, ctx, f.store, write("/tasks/7", "PUT", "42"))
		insert(t, ctx, f.store, write("/tasks", "POST", "42"))

		records, err := f.store.ListByURL(ctx, "http://localhost:3000/api/tasks/7")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, want, records[0].ID)
	})

	t.Run("ListSince", func(t *testing.T) {
		ctx, f := setup(t, factory)

		insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		cutoff := f.clock.Advance(time.Hour)
		second := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		f.clock.Advance(time.Minute)
		third := insert(t, ctx, f.store, write("/tasks", "POST", "42"))

		records, err := f.store.ListSince(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, second, records[0].ID)
		assert.Equal(t, third, records[1].ID)
	})

	t.Run("EligibilityQueryExcludesExhausted", func(t *testing.T) {
		ctx, f := setup(t, factory)

		exhausted := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		fresh := insert(t, ctx, f.store, write("/tasks", "POST", "42"))
		for i := 0; i < outbox.MaxRetries; i++ {
			_, err := f.store.RecordFailure(ctx, exhausted, i, outbox.MaxRetries, "HTTP 500")
			require.NoError(t, err)
		}

		records, err := f.store.ListAll(ctx)
		require.NoError(t, err)
		var eligible []int64
		for _, rec := range records {
			if rec.Eligible() {
				eligible = append(eligible, rec.ID)
			}
		}
		assert.Equal(t, []int64{fresh}, eligible)
	})
}
