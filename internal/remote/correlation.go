package remote

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// WithCorrelationID attaches id to ctx. Requests made with the returned
// context carry it as X-Correlation-Id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached to ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewRunID returns a time-ordered id for one drain.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func correlationID(ctx context.Context) string {
	if id := CorrelationID(ctx); id != "" {
		return id
	}
	return NewRunID()
}
