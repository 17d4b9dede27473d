// Package gateway performs live writes against the task API and queues
// any write that fails so an orchestrator can replay it later.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/roach88/offsync/internal/outbox"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/session"
	"github.com/roach88/offsync/internal/telemetry"
)

// Transport performs one HTTP call. *remote.Client satisfies it.
type Transport interface {
	Do(ctx context.Context, req remote.Request) (remote.Result, error)
	URL(endpoint string) string
}

// SessionSource yields the current auth state. *session.Store satisfies it.
type SessionSource interface {
	Load() (session.Session, error)
}

// Registrar schedules a background replay for tag. Registration is best
// effort.
type Registrar interface {
	Register(ctx context.Context, tag string) error
}

// RegistrarFunc adapts a function to Registrar.
type RegistrarFunc func(ctx context.Context, tag string) error

// Register calls f.
func (f RegistrarFunc) Register(ctx context.Context, tag string) error {
	return f(ctx, tag)
}

// QueuedError reports a live write that failed and was queued for replay.
// It unwraps to the original failure.
type QueuedError struct {
	ID  int64
	Err error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("write queued as %d: %v", e.ID, e.Err)
}

func (e *QueuedError) Unwrap() error {
	return e.Err
}

// Gateway is the Remote Write Gateway plus its Enqueue Path.
type Gateway struct {
	transport Transport
	sessions  SessionSource
	store     outbox.Store
	registrar Registrar
	metrics   *telemetry.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRegistrar sets the background-sync registrar.
func WithRegistrar(r Registrar) Option {
	return func(g *Gateway) {
		if r != nil {
			g.registrar = r
		}
	}
}

// WithMetrics records enqueue counts on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New returns a Gateway.
func New(transport Transport, sessions SessionSource, store outbox.Store, opts ...Option) *Gateway {
	g := &Gateway{
		transport: transport,
		sessions:  sessions,
		store:     store,
		registrar: RegistrarFunc(func(_ context.Context, tag string) error {
			slog.Debug("no background scheduler in this process", "tag", tag)
			return nil
		}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AttemptWrite sends payload to endpoint. On success it returns the server
// result. On failure it queues the write and returns a *QueuedError
// wrapping the original failure; if queueing also fails both causes are
// returned joined.
func (g *Gateway) AttemptWrite(ctx context.Context, endpoint, method string, payload map[string]any) (remote.Result, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	url := g.transport.URL(endpoint)

	sess, err := g.sessions.Load()
	if err != nil {
		// Proceed unauthenticated; the write is still queued on failure.
		slog.Warn("session unavailable", "error", err)
	}

	res, callErr := g.transport.Do(ctx, remote.Request{
		Method: method,
		URL:    url,
		Body:   payload,
		Token:  sess.Token,
	})
	if callErr == nil {
		slog.Debug("write delivered", "method", method, "url", url, "status", res.StatusCode)
		return res, nil
	}

	slog.Warn("write failed, queueing for sync", "method", method, "url", url, "error", callErr)
	id, qErr := g.enqueue(ctx, failedCall{
		url:      url,
		endpoint: endpoint,
		method:   method,
		payload:  payload,
		ownerID:  sess.UserID(),
		err:      callErr,
	})
	if qErr != nil {
		return remote.Result{}, errors.Join(callErr, qErr)
	}
	return remote.Result{}, &QueuedError{ID: id, Err: callErr}
}

type failedCall struct {
	url      string
	endpoint string
	method   string
	payload  map[string]any
	ownerID  string
	err      error
}

// enqueue converts a failed call into a pending record and asks for a
// background replay.
func (g *Gateway) enqueue(ctx context.Context, call failedCall) (int64, error) {
	payload := outbox.ClonePayload(call.payload)
	if call.ownerID != "" {
		payload[outbox.OwnerKey] = call.ownerID
	}

	id, err := g.store.Insert(ctx, outbox.NewWrite{
		URL:       call.url,
		Endpoint:  call.endpoint,
		Method:    call.method,
		Payload:   payload,
		OwnerID:   call.ownerID,
		LastError: call.err.Error(),
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	g.metrics.Enqueued(ctx, call.method)
	slog.Info("write queued", "id", id, "method", call.method, "endpoint", call.endpoint, "owner_id", call.ownerID)

	if err := g.registrar.Register(ctx, outbox.BackgroundSyncTag); err != nil {
		slog.Warn("background sync registration failed", "tag", outbox.BackgroundSyncTag, "error", err)
	}
	return id, nil
}

// CreateTask issues POST /tasks.
func (g *Gateway) CreateTask(ctx context.Context, task map[string]any) (remote.Result, error) {
	return g.AttemptWrite(ctx, "/tasks", http.MethodPost, task)
}

// UpdateTask issues PUT /tasks/{id}.
func (g *Gateway) UpdateTask(ctx context.Context, id string, task map[string]any) (remote.Result, error) {
	return g.AttemptWrite(ctx, "/tasks/"+id, http.MethodPut, task)
}

// ToggleTask issues PATCH /tasks/{id}/toggle.
func (g *Gateway) ToggleTask(ctx context.Context, id string) (remote.Result, error) {
	return g.AttemptWrite(ctx, "/tasks/"+id+"/toggle", http.MethodPatch, map[string]any{})
}

// DeleteTask issues DELETE /tasks/{id}.
func (g *Gateway) DeleteTask(ctx context.Context, id string) (remote.Result, error) {
	return g.AttemptWrite(ctx, "/tasks/"+id, http.MethodDelete, map[string]any{})
}
