// Package chat is the per-session chat stream: validated, sequenced messages
// fanned out to every subscriber in creation order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/broadcast"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultGapWait      = 250 * time.Millisecond
)

// Subscriber is the part of the fan-out hub the chat stream needs.
type Subscriber interface {
	Subscribe(sessionID uuid.UUID, kinds []domain.EventType, handler broadcast.Handler) (*broadcast.Subscription, error)
}

type Author struct {
	ID   string
	Name string
	Role domain.ChatRole
}

type Channel struct {
	sessions     domain.SessionRepository
	store        domain.ChatStore
	events       domain.EventPublisher
	hub          Subscriber
	clock        clockwork.Clock
	historyLimit int
	gapWait      time.Duration

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewChannel(sessions domain.SessionRepository, store domain.ChatStore, events domain.EventPublisher, hub Subscriber, clock clockwork.Clock, historyLimit int) *Channel {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Channel{
		sessions:     sessions,
		store:        store,
		events:       events,
		hub:          hub,
		clock:        clock,
		historyLimit: min(historyLimit, maxHistoryLimit),
		gapWait:      defaultGapWait,
		locks:        make(map[uuid.UUID]*sessionLock),
	}
}

// Send validates, sequences, stores and publishes one message. Sends to the
// same session are serialized so Seq order equals publish order.
func (c *Channel) Send(ctx context.Context, sessionID uuid.UUID, author Author, text string) (*domain.ChatMessage, error) {
	body, err := domain.NormalizeChatText(text)
	if err != nil {
		return nil, err
	}
	if author.ID == "" {
		return nil, domain.Invalid("author_id", "required")
	}
	if author.Role != domain.RoleHost && author.Role != domain.RoleViewer {
		return nil, domain.Invalid("role", "must be host or viewer")
	}

	unlock := c.lock(sessionID)
	defer unlock()

	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.AcceptsTraffic() {
		return nil, domain.ErrSessionNotLive
	}

	now := c.clock.Now()
	msg := &domain.ChatMessage{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		SessionID:  sessionID,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Role:       author.Role,
		Text:       body,
		CreatedAt:  now,
	}
	if err := c.store.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store chat message: %w", err)
	}

	ev := domain.Event{Type: domain.EventChatMessage, SessionID: sessionID, Chat: msg}
	if err := c.events.Publish(ctx, ev); err != nil {
		// Stored but not fanned out: subscribers skip the gap, history has it.
		slog.WarnContext(correlation.WithSession(ctx, sessionID), "Failed to publish chat message", "seq", msg.Seq, "error", err)
	}

	metrics.ChatMessagesTotal.WithLabelValues(string(author.Role)).Inc()
	return msg, nil
}

// History returns up to limit stored messages in ascending order.
func (c *Channel) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = c.historyLimit
	}
	limit = min(limit, maxHistoryLimit)

	if _, err := c.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.store.History(ctx, sessionID, limit)
}

// Subscribe streams every message created after the call, in ascending Seq
// order. With withHistory the last messages are delivered first; a message
// present in both history and the live stream is delivered once.
// The returned subscription's Done closes when the session ends.
func (c *Channel) Subscribe(ctx context.Context, sessionID uuid.UUID, withHistory bool, onMessage func(domain.ChatMessage)) (*broadcast.Subscription, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.AcceptsTraffic() {
		return nil, domain.ErrSessionNotLive
	}

	var seq *sequencer
	ready := make(chan struct{})
	sub, err := c.hub.Subscribe(sessionID, []domain.EventType{domain.EventChatMessage}, func(ev domain.Event) {
		<-ready
		if ev.Type == domain.EventChatMessage && seq != nil {
			seq.push(*ev.Chat)
		}
	})
	if err != nil {
		if errors.Is(err, broadcast.ErrTopicClosed) {
			return nil, domain.ErrSessionNotLive
		}
		return nil, err
	}

	limit := 1
	if withHistory {
		limit = c.historyLimit
	}
	history, err := c.store.History(ctx, sessionID, limit)
	if err != nil {
		sub.Close()
		close(ready)
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	next := int64(1)
	if len(history) > 0 {
		next = history[len(history)-1].Seq + 1
	}
	seq = newSequencer(next, c.clock, c.gapWait, onMessage)
	if withHistory {
		for _, msg := range history {
			onMessage(msg)
		}
	}
	close(ready)

	go func() {
		<-sub.Done()
		seq.stop()
	}()

	return sub, nil
}

func (c *Channel) lock(sessionID uuid.UUID) func() {
	c.locksMu.Lock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		c.locks[sessionID] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, sessionID)
		}
		c.locksMu.Unlock()
	}
}
