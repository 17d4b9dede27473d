// Package background replays the outbox without any foreground state. A
// Worker opens the store itself on every pass and replays records one at a
// time; a Scheduler decides when passes happen.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/telemetry"
)

// Opener opens a store handle for one pass. The Worker closes it.
type Opener func(ctx context.Context) (outbox.Store, error)

// Doer performs one HTTP call. *remote.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req remote.Request) (remote.Result, error)
}

// SessionSource yields the persisted auth state.
type SessionSource interface {
	Load() (session.Session, error)
}

// Result describes one pass.
type Result struct {
	RunID string `json:"runId,omitempty"`
	// Skipped is set for an unknown tag or while another pass is running.
	Skipped bool `json:"skipped,omitempty"`
	// Deferred is set when the token policy postponed the pass.
	Deferred     bool `json:"deferred,omitempty"`
	Attempted    int  `json:"attempted"`
	Synced       int  `json:"synced"`
	Failed       int  `json:"failed"`
	MarkedFailed int  `json:"markedFailed"`
	Conflicts    int  `json:"conflicts"`
	// Remaining counts eligible records left after the pass.
	Remaining int `json:"remaining"`
}

// Worker is the background orchestrator.
type Worker struct {
	open     Opener
	remote   Doer
	sessions SessionSource
	policy   string
	metrics  *telemetry.Metrics
	newRunID func() string

	mu sync.Mutex
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithTokenPolicy selects how the bearer token is handled: config.TokenAttach,
// config.TokenOmit or config.TokenDefer.
func WithTokenPolicy(policy string) WorkerOption {
	return func(w *Worker) {
		if policy != "" {
			w.policy = policy
		}
	}
}

// WithSessions sets where the token is read from.
func WithSessions(s SessionSource) WorkerOption {
	return func(w *Worker) {
		w.sessions = s
	}
}

// WithWorkerMetrics records pass metrics on m.
func WithWorkerMetrics(m *telemetry.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithWorkerRunIDs overrides the pass id generator.
func WithWorkerRunIDs(next func() string) WorkerOption {
	return func(w *Worker) {
		if next != nil {
			w.newRunID = next
		}
	}
}

// NewWorker returns a Worker. The default token policy is attach.
func NewWorker(open Opener, r Doer, opts ...WorkerOption) *Worker {
	w := &Worker{
		open:     open,
		remote:   r,
		policy:   config.TokenAttach,
		newRunID: remote.NewRunID,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle runs one pass for tag. Only outbox.BackgroundSyncTag is handled.
// Replay failures are recorded on the records and never returned; an error
// means the store could not be opened, read or updated.
func (w *Worker) Handle(ctx context.Context, tag string) (Result, error) {
	if tag != outbox.BackgroundSyncTag {
		slog.Debug("ignoring background event", "tag", tag)
		return Result{Skipped: true}, nil
	}
	if !w.mu.TryLock() {
		slog.Info("background sync already running")
		return Result{Skipped: true}, nil
	}
	defer w.mu.Unlock()

	res := Result{RunID: w.newRunID()}
	ctx = remote.WithCorrelationID(ctx, res.RunID)
	log := slog.With("run_id", res.RunID, "tag", tag)

	token, ok := w.token(log)
	if !ok {
		log.Info("no session token, background sync deferred")
		res.Deferred = true
		return res, nil
	}

	store, err := w.open(ctx)
	if err != nil {
		return res, fmt.Errorf("background sync: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn("close store failed", "error", cerr)
		}
	}()

	done := w.metrics.DrainStarted(ctx, telemetry.OrchestratorBackground)
	defer done()

	records, err := store.ListAll(ctx)
	if err != nil {
		return res, fmt.Errorf("background sync: %w", err)
	}

	var storeErrs []error
	for _, rec := range records {
		if !rec.Eligible() {
			continue
		}
		res.Attempted++
		_, callErr := w.remote.Do(ctx, remote.Request{
			Method: rec.Method,
			URL:    rec.URL,
			Body:   rec.Payload,
			Token:  token,
		})
		if callErr == nil {
			if err := store.Delete(ctx, rec.ID); err != nil {
				storeErrs = append(storeErrs, err)
				continue
			}
			res.Synced++
			w.metrics.ReplaySucceeded(ctx, telemetry.OrchestratorBackground, 1)
			log.Debug("background replay succeeded", "id", rec.ID)
			continue
		}

		res.Failed++
		w.metrics.ReplayFailed(ctx, telemetry.OrchestratorBackground)
		updated, err := store.RecordFailure(ctx, rec.ID, rec.RetryCount, outbox.MaxRetries, callErr.Error())
		switch {
		case errors.Is(err, outbox.ErrConflict), errors.Is(err, outbox.ErrNotFound):
			log.Info("record changed by another context", "id", rec.ID, "error", err)
			res.Conflicts++
		case err != nil:
			storeErrs = append(storeErrs, err)
		case updated.Status == outbox.StatusFailed:
			res.MarkedFailed++
			w.metrics.MarkedFailed(ctx, telemetry.OrchestratorBackground)
			log.Warn("record marked failed", "id", rec.ID, "retry_count", updated.RetryCount, "error", callErr)
		default:
			res.Remaining++
			log.Info("background replay failed", "id", rec.ID, "retry_count", updated.RetryCount, "error", callErr)
		}
	}

	log.Info("background sync finished",
		"attempted", res.Attempted,
		"synced", res.Synced,
		"failed", res.Failed,
		"marked_failed", res.MarkedFailed,
		"remaining", res.Remaining,
	)
	if len(storeErrs) > 0 {
		return res, fmt.Errorf("background sync: %w", errors.Join(storeErrs...))
	}
	return res, nil
}

// token resolves the bearer token under the policy. ok is false only when
// the pass must be deferred.
func (w *Worker) token(log *slog.Logger) (token string, ok bool) {
	if w.policy == config.TokenOmit || w.sessions == nil {
		return "", w.policy != config.TokenDefer
	}
	sess, err := w.sessions.Load()
	if err != nil {
		log.Warn("session unavailable", "error", err)
	}
	if sess.Token == "" && w.policy == config.TokenDefer {
		return "", false
	}
	return sess.Token, true
}
