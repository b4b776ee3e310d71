// Package feature holds the product a host has pinned to a live session.
package feature

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cyrongau/fudaydiye-live/internal/broadcast"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
)

// Subscriber is the part of the fan-out hub the register needs.
type Subscriber interface {
	Subscribe(sessionID uuid.UUID, kinds []domain.EventType, handler broadcast.Handler) (*broadcast.Subscription, error)
}

// Register is last-write-wins per session. The session record is the source
// of truth; changes are announced as feature.changed events.
type Register struct {
	sessions domain.SessionRepository
	events   domain.EventPublisher
	hub      Subscriber

	// Serializes write+publish so local subscribers see pins in write order.
	mu sync.Mutex
}

func NewRegister(sessions domain.SessionRepository, events domain.EventPublisher, hub Subscriber) *Register {
	return &Register{sessions: sessions, events: events, hub: hub}
}

// Pin replaces the featured item. Authorization is the caller's concern.
func (r *Register) Pin(ctx context.Context, sessionID uuid.UUID, item domain.FeaturedItem) error {
	if err := item.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.AcceptsTraffic() {
		return domain.ErrSessionNotLive
	}
	return r.set(ctx, sessionID, &item)
}

// Clear removes the pin. Clearing an ended session is allowed so that
// ending can tidy up.
func (r *Register) Clear(ctx context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(ctx, sessionID, nil)
}

// Current returns the pinned item or nil.
func (r *Register) Current(ctx context.Context, sessionID uuid.UUID) (*domain.FeaturedItem, error) {
	s, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.Featured, nil
}

// Subscribe calls onChange with the current value right away and then with
// every change. A nil item means the pin was cleared.
func (r *Register) Subscribe(ctx context.Context, sessionID uuid.UUID, onChange func(*domain.FeaturedItem)) (*broadcast.Subscription, error) {
	ready := make(chan struct{})
	sub, err := r.hub.Subscribe(sessionID, []domain.EventType{domain.EventFeatureChanged}, func(ev domain.Event) {
		<-ready
		if ev.Type == domain.EventFeatureChanged {
			onChange(ev.Featured)
		}
	})
	if err != nil {
		if errors.Is(err, broadcast.ErrTopicClosed) {
			return nil, domain.ErrSessionNotLive
		}
		return nil, err
	}
	defer close(ready)

	// No pin can interleave between registering and reading the snapshot.
	r.mu.Lock()
	current, err := r.Current(ctx, sessionID)
	r.mu.Unlock()
	if err != nil {
		sub.Close()
		return nil, err
	}
	onChange(current)
	return sub, nil
}

func (r *Register) set(ctx context.Context, sessionID uuid.UUID, item *domain.FeaturedItem) error {
	if err := r.sessions.SetFeatured(ctx, sessionID, item); err != nil {
		return err
	}

	ctx = correlation.WithSession(ctx, sessionID)
	if err := r.events.Publish(ctx, domain.Event{Type: domain.EventFeatureChanged, SessionID: sessionID, Featured: item}); err != nil {
		slog.WarnContext(ctx, "Failed to publish feature change", "error", err)
	}
	return nil
}
