// Package connectivity watches API reachability and reports transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Prober checks reachability. *remote.Client satisfies it.
type Prober interface {
	Health(ctx context.Context) error
}

// Listener receives transitions. OnOnline is called on offline -> online,
// OnOffline on online -> offline.
type Listener interface {
	OnOnline(ctx context.Context)
	OnOffline(ctx context.Context)
}

// Funcs adapts a pair of functions to Listener. Either may be nil.
type Funcs struct {
	Online  func(ctx context.Context)
	Offline func(ctx context.Context)
}

// OnOnline implements Listener.
func (f Funcs) OnOnline(ctx context.Context) {
	if f.Online != nil {
		f.Online(ctx)
	}
}

// OnOffline implements Listener.
func (f Funcs) OnOffline(ctx context.Context) {
	if f.Offline != nil {
		f.Offline(ctx)
	}
}

const (
	defaultInterval       = 10 * time.Second
	defaultOfflineInitial = time.Second
)

// Monitor polls a Prober. While online it polls at a fixed interval; while
// offline it backs off exponentially up to that interval so recovery is
// noticed quickly.
type Monitor struct {
	prober   Prober
	listener Listener
	interval time.Duration
	initial  time.Duration

	online atomic.Bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the online polling interval, which also caps the
// offline backoff.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithOfflineInitial sets the first offline retry delay.
func WithOfflineInitial(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.initial = d
		}
	}
}

// NewMonitor returns a Monitor that assumes it starts online.
func NewMonitor(p Prober, l Listener, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   p,
		listener: l,
		interval: defaultInterval,
		initial:  defaultOfflineInitial,
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	if m.initial > m.interval {
		m.initial = m.interval
	}
	return m
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Check probes once and dispatches a transition if the state changed. It
// reports the new state.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.prober.Health(ctx)
	now := err == nil
	was := m.online.Swap(now)
	switch {
	case now && !was:
		slog.Info("api reachable again")
		m.listener.OnOnline(ctx)
	case !now && was:
		slog.Info("api unreachable", "error", err)
		m.listener.OnOffline(ctx)
	}
	return now
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initial
	bo.MaxInterval = m.interval

	for {
		wait := m.interval
		if m.Check(ctx) {
			bo.Reset()
		} else {
			wait = bo.NextBackOff()
			if wait == backoff.Stop {
				wait = m.interval
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
