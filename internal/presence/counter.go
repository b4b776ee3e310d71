// Package presence counts live viewers per session and mirrors the count into
// the session directory and the session's event stream.
package presence

import (
	"context"
	"sync"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
)

// Counter is the single-instance PresenceCounter.
type Counter struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int64
}

var _ domain.PresenceCounter = (*Counter)(nil)

func NewCounter() *Counter {
	return &Counter{counts: make(map[uuid.UUID]int64)}
}

func (c *Counter) Join(_ context.Context, sessionID uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID]++
	return c.counts[sessionID], nil
}

// Leave never takes the count below zero; a duplicate leave is a no-op.
func (c *Counter) Leave(_ context.Context, sessionID uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[sessionID]
	if n <= 1 {
		delete(c.counts, sessionID)
		return 0, nil
	}
	c.counts[sessionID] = n - 1
	return n - 1, nil
}

func (c *Counter) Peek(_ context.Context, sessionID uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[sessionID], nil
}

func (c *Counter) Reset(_ context.Context, sessionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, sessionID)
	return nil
}

// Reconcile overwrites the count: a single instance's local view is the total.
func (c *Counter) Reconcile(_ context.Context, sessionID uuid.UUID, local int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if local <= 0 {
		delete(c.counts, sessionID)
		return 0, nil
	}
	c.counts[sessionID] = local
	return local, nil
}
