package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/outbox"
)

// scriptedHandler returns results in order, then empty results.
type scriptedHandler struct {
	mu      sync.Mutex
	calls   []string
	results []Result
	errs    []error
}

func (h *scriptedHandler) Handle(_ context.Context, tag string) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.calls)
	h.calls = append(h.calls, tag)
	var res Result
	var err error
	if n < len(h.results) {
		res = h.results[n]
	}
	if n < len(h.errs) {
		err = h.errs[n]
	}
	return res, err
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScheduler_FiresOnceAndDrops(t *testing.T) {
	h := &scriptedHandler{}
	s := NewScheduler(h, WithIntervals(5*time.Millisecond, 20*time.Millisecond))
	startScheduler(t, s)

	require.NoError(t, s.Register(context.Background(), outbox.BackgroundSyncTag))

	require.Eventually(t, func() bool {
		return h.callCount() == 1 && !s.Registered(outbox.BackgroundSyncTag)
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.callCount())
}

func TestScheduler_RearmsWhileRecordsRemain(t *testing.T) {
	h := &scriptedHandler{
		results: []Result{{Remaining: 2}, {Remaining: 1}},
		errs:    []error{nil, nil, errors.New("store locked")},
	}
	s := NewScheduler(h, WithIntervals(5*time.Millisecond, 20*time.Millisecond))
	startScheduler(t, s)

	require.NoError(t, s.Register(context.Background(), outbox.BackgroundSyncTag))

	// Two passes with remaining records, one error, then a clean pass.
	require.Eventually(t, func() bool {
		return h.callCount() == 4 && !s.Registered(outbox.BackgroundSyncTag)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_CoalescesRegistrations(t *testing.T) {
	h := &scriptedHandler{}
	s := NewScheduler(h, WithIntervals(5*time.Millisecond, 20*time.Millisecond))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Register(context.Background(), outbox.BackgroundSyncTag))
	}
	assert.True(t, s.Registered(outbox.BackgroundSyncTag))

	startScheduler(t, s)
	require.Eventually(t, func() bool {
		return !s.Registered(outbox.BackgroundSyncTag)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.callCount())
}

// registeringHandler registers its tag again during its first pass, as an
// enqueue racing a running pass would.
type registeringHandler struct {
	scriptedHandler
	sched *Scheduler
}

func (h *registeringHandler) Handle(ctx context.Context, tag string) (Result, error) {
	if h.callCount() == 0 {
		if err := h.sched.Register(ctx, tag); err != nil {
			return Result{}, err
		}
	}
	return h.scriptedHandler.Handle(ctx, tag)
}

func TestScheduler_RegisterDuringPassFiresAgain(t *testing.T) {
	h := &registeringHandler{}
	s := NewScheduler(h, WithIntervals(time.Hour, time.Hour))
	h.sched = s
	startScheduler(t, s)

	require.NoError(t, s.Register(context.Background(), outbox.BackgroundSyncTag))

	// The first pass reports nothing remaining, but the registration made
	// during it must not be dropped. The follow-up fires immediately, not
	// after the hour-long backoff.
	require.Eventually(t, func() bool {
		return h.callCount() == 2 && !s.Registered(outbox.BackgroundSyncTag)
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.callCount())
}

func TestScheduler_DrivesWorker(t *testing.T) {
	store := newTestStore()
	queue(t, store, "http://api/tasks", "42")
	doer := &recordingDoer{}
	open, _ := openerFor(store)
	w := NewWorker(open, doer)

	s := NewScheduler(w, WithIntervals(5*time.Millisecond, 20*time.Millisecond))
	startScheduler(t, s)
	require.NoError(t, s.Register(context.Background(), outbox.BackgroundSyncTag))

	require.Eventually(t, func() bool {
		records, err := store.ListAll(context.Background())
		return err == nil && len(records) == 0 && !s.Registered(outbox.BackgroundSyncTag)
	}, 2*time.Second, 5*time.Millisecond)
}
