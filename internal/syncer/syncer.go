// Package syncer is the foreground orchestrator: it drains the outbox when
// connectivity returns, when the user forces a sync, or after login.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/telemetry"
)

// Remote is the part of the API the orchestrator needs. *remote.Client
// satisfies it.
type Remote interface {
	Health(ctx context.Context) error
	SyncPending(ctx context.Context, token string, items []remote.BatchItem) (remote.BatchResult, error)
	Do(ctx context.Context, req remote.Request) (remote.Result, error)
}

// SessionSource yields the current auth state.
type SessionSource interface {
	Load() (session.Session, error)
}

// Summary is what the user is told after a drain.
type Summary struct {
	Synced int
	Errors int
}

// Notifier presents a drain summary to the user.
type Notifier interface {
	Notify(ctx context.Context, s Summary)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, s Summary)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, s Summary) {
	f(ctx, s)
}

// LogNotifier logs the summary.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, s Summary) {
	if s.Errors > 0 {
		slog.Info("tasks synced", "synced", s.Synced, "errors", s.Errors)
		return
	}
	slog.Info("tasks synced", "synced", s.Synced)
}

// Status is a snapshot of the orchestrator state.
type Status struct {
	Online         bool `json:"online"`
	SyncInProgress bool `json:"syncInProgress"`
}

// Report describes one drain.
type Report struct {
	RunID string `json:"runId,omitempty"`
	// Skipped is set when another drain was already running.
	Skipped bool `json:"skipped,omitempty"`
	// Offline is set when the reachability probe failed.
	Offline bool `json:"offline,omitempty"`
	// Considered counts pending records read from the store.
	Considered int `json:"considered"`
	// Rejected counts records excluded for a sentinel owner.
	Rejected int `json:"rejected"`
	// Bulk is set when the bulk endpoint accepted the batch.
	Bulk bool `json:"bulk"`
	// Synced counts records deleted after acknowledgment.
	Synced int `json:"synced"`
	// Errors counts per-record errors: reported by the bulk endpoint, or
	// failed individual replays.
	Errors int `json:"errors"`
	// MarkedFailed counts records that reached the retry ceiling.
	MarkedFailed int `json:"markedFailed"`
	// Conflicts counts records another context changed mid-drain.
	Conflicts int `json:"conflicts"`
}

// Syncer drains the outbox. At most one drain runs per Syncer.
type Syncer struct {
	store    outbox.Store
	remote   Remote
	sessions SessionSource
	notifier Notifier
	limiter  *rate.Limiter
	metrics  *telemetry.Metrics
	newRunID func() string

	syncing atomic.Bool
	online  atomic.Bool
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithNotifier sets where drain summaries go.
func WithNotifier(n Notifier) Option {
	return func(s *Syncer) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithReplayRate limits individual fallback replays to perSecond. Zero or
// negative means unlimited.
func WithReplayRate(perSecond float64) Option {
	return func(s *Syncer) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithMetrics records drain metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// WithRunIDs overrides the drain id generator.
func WithRunIDs(next func() string) Option {
	return func(s *Syncer) {
		if next != nil {
			s.newRunID = next
		}
	}
}

// New returns a Syncer.
func New(store outbox.Store, r Remote, sessions SessionSource, opts ...Option) *Syncer {
	s := &Syncer{
		store:    store,
		remote:   r,
		sessions: sessions,
		notifier: LogNotifier{},
		limiter:  rate.NewLimiter(rate.Inf, 1),
		newRunID: remote.NewRunID,
	}
	s.online.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status reports connectivity and whether a drain is running.
func (s *Syncer) Status() Status {
	return Status{Online: s.online.Load(), SyncInProgress: s.syncing.Load()}
}

// OnConnectivityRestored marks the client online and drains.
func (s *Syncer) OnConnectivityRestored(ctx context.Context) (Report, error) {
	slog.Info("connection detected, starting sync")
	s.online.Store(true)
	return s.drain(ctx, drainFull)
}

// OnConnectivityLost marks the client offline.
func (s *Syncer) OnConnectivityLost() {
	slog.Info("connection lost")
	s.online.Store(false)
}

// ForceSync drains on explicit request.
func (s *Syncer) ForceSync(ctx context.Context) (Report, error) {
	slog.Info("forcing sync")
	return s.drain(ctx, drainFull)
}

// OnAuthenticated drains after a successful login.
func (s *Syncer) OnAuthenticated(ctx context.Context) (Report, error) {
	slog.Info("authenticated, starting sync")
	return s.drain(ctx, drainFull)
}

// RetryFailedRequests replays pending records below the retry ceiling
// without probing first: bulk, then individually if the bulk call fails.
func (s *Syncer) RetryFailedRequests(ctx context.Context) (Report, error) {
	return s.drain(ctx, drainRetry)
}

type drainMode int

const (
	drainFull drainMode = iota
	drainRetry
)

func (m drainMode) String() string {
	if m == drainRetry {
		return "retry"
	}
	return "sync"
}

func (s *Syncer) drain(ctx context.Context, mode drainMode) (Report, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		slog.Info("sync already in progress")
		return Report{Skipped: true}, nil
	}
	defer s.syncing.Store(false)

	report := Report{RunID: s.newRunID()}
	ctx = remote.WithCorrelationID(ctx, report.RunID)
	log := slog.With("run_id", report.RunID, "mode", mode.String())

	done := s.metrics.DrainStarted(ctx, telemetry.OrchestratorForeground)
	defer done()

	if mode == drainFull {
		if err := s.remote.Health(ctx); err != nil {
			log.Info("api unreachable, sync postponed", "error", err)
			s.online.Store(false)
			report.Offline = true
			return report, nil
		}
		s.online.Store(true)
	}

	records, err := s.store.ListAll(ctx)
	if err != nil {
		return report, err
	}

	var batch []outbox.PendingWrite
	for _, rec := range records {
		if rec.Status != outbox.StatusPending {
			continue
		}
		if mode == drainRetry && rec.RetryCount >= outbox.MaxRetries {
			continue
		}
		report.Considered++
		if err := outbox.CheckOwner(rec); err != nil {
			log.Warn("sync rejected", "id", rec.ID, "error", err)
			report.Rejected++
			continue
		}
		batch = append(batch, rec)
	}
	log.Info("pending records found", "count", report.Considered, "eligible", len(batch))
	if len(batch) == 0 {
		return report, nil
	}

	sess, err := s.sessions.Load()
	if err != nil {
		log.Warn("session unavailable, replaying unauthenticated", "error", err)
	}

	var storeErr error
	if err := s.replayBulk(ctx, log, sess, batch, &report); err != nil {
		log.Warn("bulk sync failed, replaying individually", "error", err)
		storeErr = s.replayEach(ctx, log, sess, batch, &report)
	}

	if report.Synced > 0 {
		s.notifier.Notify(ctx, Summary{Synced: report.Synced, Errors: report.Errors})
	}
	log.Info("sync finished",
		"synced", report.Synced,
		"errors", report.Errors,
		"marked_failed", report.MarkedFailed,
		"rejected", report.Rejected,
		"bulk", report.Bulk,
	)
	return report, storeErr
}

// replayBulk submits the batch in one request and deletes acknowledged ids.
// A non-nil error means the batch as a whole failed.
func (s *Syncer) replayBulk(ctx context.Context, log *slog.Logger, sess session.Session, batch []outbox.PendingWrite, report *Report) error {
	items := make([]remote.BatchItem, 0, len(batch))
	sent := make(map[int64]bool, len(batch))
	for _, rec := range batch {
		data := outbox.ClonePayload(rec.Payload)
		owner := rec.EffectiveOwner()
		if owner == "" {
			owner = sess.UserID()
		}
		data[outbox.OwnerKey] = owner
		items = append(items, remote.BatchItem{
			ID:       rec.ID,
			URL:      rec.URL,
			Method:   rec.Method,
			Endpoint: rec.Endpoint,
			Data:     data,
		})
		sent[rec.ID] = true
	}

	result, err := s.remote.SyncPending(ctx, sess.Token, items)
	if err != nil {
		return err
	}
	report.Bulk = true
	report.Errors += len(result.Errors)
	log.Info("bulk sync accepted", "message", result.Message, "synced", len(result.Synced), "errors", len(result.Errors))

	for _, id := range result.SyncedIDs() {
		if !sent[id] {
			log.Warn("server acknowledged an id that was not sent", "id", id)
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil {
			log.Error("delete synced record failed", "id", id, "error", err)
			continue
		}
		report.Synced++
	}
	s.metrics.ReplaySucceeded(ctx, telemetry.OrchestratorForeground, report.Synced)
	return nil
}

// replayEach replays records one at a time in read order. Network failures
// become retry-counter updates; store failures are returned.
func (s *Syncer) replayEach(ctx context.Context, log *slog.Logger, sess session.Session, batch []outbox.PendingWrite, report *Report) error {
	var storeErrs []error
	for _, rec := range batch {
		if err := s.limiter.Wait(ctx); err != nil {
			storeErrs = append(storeErrs, err)
			break
		}
		if err := outbox.CheckOwner(rec); err != nil {
			log.Warn("retry rejected", "id", rec.ID, "error", err)
			continue
		}

		body := outbox.ClonePayload(rec.Payload)
		delete(body, outbox.OwnerKey)
		_, callErr := s.remote.Do(ctx, remote.Request{
			Method: rec.Method,
			URL:    rec.URL,
			Body:   body,
			Token:  sess.Token,
		})
		if callErr == nil {
			if err := s.store.Delete(ctx, rec.ID); err != nil {
				storeErrs = append(storeErrs, err)
				continue
			}
			report.Synced++
			s.metrics.ReplaySucceeded(ctx, telemetry.OrchestratorForeground, 1)
			log.Debug("retry succeeded", "id", rec.ID)
			continue
		}

		report.Errors++
		s.metrics.ReplayFailed(ctx, telemetry.OrchestratorForeground)
		updated, err := s.store.RecordFailure(ctx, rec.ID, rec.RetryCount, outbox.MaxRetries, callErr.Error())
		switch {
		case errors.Is(err, outbox.ErrConflict), errors.Is(err, outbox.ErrNotFound):
			log.Info("record changed by another context", "id", rec.ID, "error", err)
			report.Conflicts++
		case err != nil:
			storeErrs = append(storeErrs, err)
		case updated.Status == outbox.StatusFailed:
			report.MarkedFailed++
			s.metrics.MarkedFailed(ctx, telemetry.OrchestratorForeground)
			log.Warn("record marked failed", "id", rec.ID, "retry_count", updated.RetryCount, "error", callErr)
		default:
			log.Info("retry failed", "id", rec.ID, "retry_count", updated.RetryCount, "error", callErr)
		}
	}
	return errors.Join(storeErrs...)
}
