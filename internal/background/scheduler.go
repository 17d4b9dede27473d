package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Handler runs one pass for a tag. *Worker satisfies it.
type Handler interface {
	Handle(ctx context.Context, tag string) (Result, error)
}

const (
	defaultInitialInterval = 30 * time.Second
	defaultMaxInterval     = 15 * time.Minute
)

type registration struct {
	next    time.Time
	backoff *backoff.ExponentialBackOff
	// running is set while a pass for the tag is in flight; dirty records a
	// Register that arrived during it.
	running bool
	dirty   bool
}

// Scheduler fires registered tags. A registration stays armed, with an
// exponentially growing delay, until a pass reports no remaining records.
type Scheduler struct {
	handler Handler
	initial time.Duration
	max     time.Duration
	now     func() time.Time

	mu   sync.Mutex
	regs map[string]*registration
	wake chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithIntervals sets the first re-arm delay and its cap.
func WithIntervals(initial, maxInterval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if initial > 0 {
			s.initial = initial
		}
		if maxInterval > 0 {
			s.max = maxInterval
		}
	}
}

// NewScheduler returns a Scheduler that fires h.
func NewScheduler(h Handler, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		handler: h,
		initial: defaultInitialInterval,
		max:     defaultMaxInterval,
		now:     time.Now,
		regs:    make(map[string]*registration),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.max < s.initial {
		s.max = s.initial
	}
	return s
}

// Register arms tag to fire as soon as Run gets to it. Registering a tag
// that is already armed is coalesced into the existing registration; one
// that arrives while a pass is running guarantees another pass.
func (s *Scheduler) Register(_ context.Context, tag string) error {
	s.mu.Lock()
	if reg, ok := s.regs[tag]; ok {
		if reg.running {
			reg.dirty = true
		}
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.initial
		bo.MaxInterval = s.max
		s.regs[tag] = &registration{next: s.now(), backoff: bo}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Registered reports whether tag is armed.
func (s *Scheduler) Registered(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.regs[tag]
	return ok
}

// Run fires due registrations until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, tag := range s.due() {
			s.fire(ctx, tag)
		}

		wait, armed := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if armed {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, tag string) {
	s.mu.Lock()
	if reg, ok := s.regs[tag]; ok {
		reg.running = true
		reg.dirty = false
	}
	s.mu.Unlock()

	res, err := s.handler.Handle(ctx, tag)

	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[tag]
	if !ok {
		return
	}
	reg.running = false
	if ctx.Err() != nil {
		return
	}
	if err == nil && !res.Skipped && !res.Deferred && res.Remaining == 0 {
		if reg.dirty {
			reg.dirty = false
			reg.backoff.Reset()
			reg.next = s.now()
			slog.Debug("background registration renewed during pass", "tag", tag)
			return
		}
		delete(s.regs, tag)
		slog.Debug("background registration satisfied", "tag", tag)
		return
	}
	delay := reg.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.max
	}
	reg.next = s.now().Add(delay)
	if err != nil {
		slog.Warn("background sync failed, re-armed", "tag", tag, "delay", delay, "error", err)
		return
	}
	slog.Info("background sync re-armed", "tag", tag, "delay", delay, "remaining", res.Remaining)
}

func (s *Scheduler) due() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var tags []string
	for tag, reg := range s.regs {
		if !reg.next.After(now) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, reg := range s.regs {
		if earliest.IsZero() || reg.next.Before(earliest) {
			earliest = reg.next
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
