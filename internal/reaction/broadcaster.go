// Package reaction fans out display-only reactions (hearts) to a session's
// viewers and keeps a short window of recent ones for late joiners.
package reaction

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/cyrongau/fudaydiye-live/internal/broadcast"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

const DefaultWindow = 15

// Subscriber is the part of the fan-out hub reactions need.
type Subscriber interface {
	Subscribe(sessionID uuid.UUID, kinds []domain.EventType, handler broadcast.Handler) (*broadcast.Subscription, error)
}

type Broadcaster struct {
	sessions domain.SessionRepository
	events   domain.EventPublisher
	hub      Subscriber
	clock    clockwork.Clock
	window   int

	mu     sync.Mutex
	recent map[uuid.UUID][]domain.Reaction
}

func NewBroadcaster(sessions domain.SessionRepository, events domain.EventPublisher, hub Subscriber, clock clockwork.Clock, window int) *Broadcaster {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Broadcaster{
		sessions: sessions,
		events:   events,
		hub:      hub,
		clock:    clock,
		window:   window,
		recent:   make(map[uuid.UUID][]domain.Reaction),
	}
}

// Broadcast records one reaction. A nil offset picks a random position.
// Delivery is best effort; only a missing or ended session is an error.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID uuid.UUID, offset *float64) (*domain.Reaction, error) {
	s, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.AcceptsTraffic() {
		return nil, domain.ErrSessionNotLive
	}

	pos := rand.Float64()
	if offset != nil {
		if *offset < 0 || *offset >= 1 {
			return nil, domain.Invalid("offset", "must be in [0,1)")
		}
		pos = *offset
	}

	now := b.clock.Now()
	r := domain.Reaction{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		SessionID: sessionID,
		Offset:    pos,
		CreatedAt: now,
	}

	ctx = correlation.WithSession(ctx, sessionID)
	if _, err := b.sessions.IncrLikes(ctx, sessionID, 1); err != nil {
		slog.WarnContext(ctx, "Failed to increment like count", "error", err)
	}

	b.remember(r)

	if err := b.events.Publish(ctx, domain.Event{Type: domain.EventReaction, SessionID: sessionID, Reaction: &r}); err != nil {
		slog.DebugContext(ctx, "Failed to publish reaction", "error", err)
	}
	metrics.ReactionsTotal.Inc()
	return &r, nil
}

// Subscribe delivers reactions posted after the call. Slow subscribers miss
// some instead of being disconnected.
func (b *Broadcaster) Subscribe(sessionID uuid.UUID, onReaction func(domain.Reaction)) (*broadcast.Subscription, error) {
	sub, err := b.hub.Subscribe(sessionID, []domain.EventType{domain.EventReaction}, func(ev domain.Event) {
		if ev.Type == domain.EventReaction {
			onReaction(*ev.Reaction)
		}
	})
	if errors.Is(err, broadcast.ErrTopicClosed) {
		return nil, domain.ErrSessionNotLive
	}
	return sub, err
}

// Recent returns the window of latest reactions, oldest first.
func (b *Broadcaster) Recent(sessionID uuid.UUID) []domain.Reaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Reaction(nil), b.recent[sessionID]...)
}

// Forget drops the window of an ended session.
func (b *Broadcaster) Forget(sessionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.recent, sessionID)
}

func (b *Broadcaster) remember(r domain.Reaction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := append(b.recent[r.SessionID], r)
	if len(w) > b.window {
		w = append(w[:0:0], w[len(w)-b.window:]...)
	}
	b.recent[r.SessionID] = w
}
