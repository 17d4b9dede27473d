package testutil

import (
	"fmt"
	"sync"
)

// SequentialRunIDs generates predictable drain run ids: prefix-1, prefix-2...
//
// Production code uses UUIDv7 run ids; tests swap this in so log output and
// X-Correlation-Id headers can be asserted exactly.
//
// Thread-safety: safe for concurrent use.
type SequentialRunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialRunIDs creates a generator. If prefix is empty, "run" is used.
func NewSequentialRunIDs(prefix string) *SequentialRunIDs {
	if prefix == "" {
		prefix = "run"
	}
	return &SequentialRunIDs{prefix: prefix}
}

// Next returns the next id. It satisfies func() string fields.
func (g *SequentialRunIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

