package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/google/uuid"
)

// CloseReason tells a subscriber why its stream ended.
type CloseReason string

const (
	ReasonUnsubscribed CloseReason = "unsubscribed"
	ReasonSessionEnded CloseReason = "session_ended"
	ReasonSlowConsumer CloseReason = "slow_consumer"
	ReasonShutdown     CloseReason = "shutdown"
)

// Handler receives events in publish order. It runs on the subscription's
// own goroutine and may block without affecting other subscribers.
type Handler func(domain.Event)

type Subscription struct {
	id        uint64
	sessionID uuid.UUID
	kinds     map[domain.EventType]struct{}
	queue     chan domain.Event
	handler   Handler
	hub       *Hub

	done      chan struct{}
	stopped   atomic.Bool
	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    CloseReason
}

func newSubscription(hub *Hub, sessionID uuid.UUID, kinds []domain.EventType, handler Handler, queueSize int) *Subscription {
	s := &Subscription{
		sessionID: sessionID,
		queue:     make(chan domain.Event, queueSize),
		handler:   handler,
		hub:       hub,
		done:      make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[domain.EventType]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	return s
}

func (s *Subscription) SessionID() uuid.UUID { return s.sessionID }

// Done is closed once the subscription has delivered its last event.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason is valid after Done is closed.
func (s *Subscription) Reason() CloseReason {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// Close unsubscribes. No handler call starts after Close returns. Safe to
// call from inside the handler and more than once.
func (s *Subscription) Close() {
	if s.stopped.Swap(true) {
		return
	}
	s.hub.unsubscribe(s)
}

// wants reports whether the event type matches the subscription's filter.
// session.ended always matches: it is the terminal signal.
func (s *Subscription) wants(t domain.EventType) bool {
	if s.kinds == nil || t == domain.EventSessionEnded {
		return true
	}
	_, ok := s.kinds[t]
	return ok
}

// finish stops accepting events. Already queued events are still delivered
// unless Close was called.
func (s *Subscription) finish(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.queue)
	})
}

func (s *Subscription) run() {
	defer close(s.done)
	for ev := range s.queue {
		if s.stopped.Load() {
			continue
		}
		s.deliver(ev)
	}
}

func (s *Subscription) deliver(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HubPanicsTotal.Inc()
			slog.Error("Subscriber handler panic recovered",
				"session_id", s.sessionID.String(),
				"event_type", ev.Type,
				"panic", r,
			)
		}
	}()
	s.handler(ev)
}
