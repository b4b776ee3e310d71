package presence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
)

// Tracker wraps a PresenceCounter. Every change is written to the session's
// viewer_count (peak follows in the store) and published as a presence event.
// It also remembers how many viewers this instance holds so a periodic
// Reconcile can repair drift left by crashed connections.
type Tracker struct {
	counter  domain.PresenceCounter
	sessions domain.SessionRepository
	events   domain.EventPublisher

	mu    sync.Mutex
	local map[uuid.UUID]int64
}

func NewTracker(counter domain.PresenceCounter, sessions domain.SessionRepository, events domain.EventPublisher) *Tracker {
	return &Tracker{
		counter:  counter,
		sessions: sessions,
		events:   events,
		local:    make(map[uuid.UUID]int64),
	}
}

func (t *Tracker) Join(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := t.counter.Join(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.local[sessionID]++
	t.mu.Unlock()

	t.mirror(ctx, sessionID, n)
	return n, nil
}

func (t *Tracker) Leave(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	// The entry stays at zero until the next Reconcile has pushed the zero
	// into the counter, in case the leave below fails.
	t.mu.Lock()
	if t.local[sessionID] > 0 {
		t.local[sessionID]--
	}
	t.mu.Unlock()

	n, err := t.counter.Leave(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	t.mirror(ctx, sessionID, n)
	return n, nil
}

func (t *Tracker) Count(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	return t.counter.Peek(ctx, sessionID)
}

// Reset zeroes the count, used when a session ends.
func (t *Tracker) Reset(ctx context.Context, sessionID uuid.UUID) error {
	t.mu.Lock()
	delete(t.local, sessionID)
	t.mu.Unlock()

	if err := t.counter.Reset(ctx, sessionID); err != nil {
		return err
	}
	if err := t.sessions.SetViewerCount(ctx, sessionID, 0); err != nil {
		slog.WarnContext(ctx, "Failed to zero viewer count", "session_id", sessionID.String(), "error", err)
	}
	return nil
}

// Reconcile pushes this instance's connected-viewer tally for every session
// it has served since the last pass into the counter, including sessions it
// no longer has viewers for, and rewrites session records that disagree
// with the counter.
func (t *Tracker) Reconcile(ctx context.Context) {
	t.mu.Lock()
	snapshot := make(map[uuid.UUID]int64, len(t.local))
	for id, n := range t.local {
		snapshot[id] = n
	}
	t.mu.Unlock()

	for sessionID, local := range snapshot {
		before, err := t.counter.Peek(ctx, sessionID)
		if err != nil {
			slog.WarnContext(ctx, "Presence reconcile peek failed", "session_id", sessionID.String(), "error", err)
			continue
		}

		after, err := t.counter.Reconcile(ctx, sessionID, local)
		if err != nil {
			slog.WarnContext(ctx, "Presence reconcile failed", "session_id", sessionID.String(), "error", err)
			continue
		}

		if local == 0 {
			t.mu.Lock()
			if n, ok := t.local[sessionID]; ok && n == 0 {
				delete(t.local, sessionID)
			}
			t.mu.Unlock()
		}

		stale := false
		if s, err := t.sessions.Get(ctx, sessionID); err == nil {
			stale = s.Status != domain.StatusEnded && s.ViewerCount != after
		}

		if before != after {
			metrics.PresenceDriftTotal.Inc()
			slog.InfoContext(ctx, "Presence drift corrected", "session_id", sessionID.String(), "before", before, "after", after)
		}
		if before != after || stale {
			t.mirror(ctx, sessionID, after)
		}
	}
}

func (t *Tracker) mirror(ctx context.Context, sessionID uuid.UUID, n int64) {
	ctx = correlation.WithSession(ctx, sessionID)
	if err := t.sessions.SetViewerCount(ctx, sessionID, n); err != nil {
		slog.WarnContext(ctx, "Failed to mirror viewer count", "viewers", n, "error", err)
	}

	ev := domain.Event{
		Type:      domain.EventPresence,
		SessionID: sessionID,
		Presence:  &domain.PresenceUpdate{Viewers: n},
	}
	if err := t.events.Publish(ctx, ev); err != nil {
		slog.DebugContext(ctx, "Failed to publish presence", "error", err)
	}
}
