package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
	cmdChannelSize   = 1024
	defaultQueueSize = 64
	closedRetention  = 10 * time.Minute
	maintenanceEvery = time.Second
)

var (
	ErrTopicClosed = errors.New("session topic is closed")
	ErrTopicFull   = errors.New("session topic is full")
	ErrHubStopped  = errors.New("hub stopped")
)

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type subscribeCmd struct {
	baseHubCmd
	sub   *Subscription
	reply chan error
}

type unsubscribeCmd struct {
	baseHubCmd
	sub *Subscription
}

type publishCmd struct {
	baseHubCmd
	event domain.Event
}

type countCmd struct {
	baseHubCmd
	sessionID uuid.UUID
	reply     chan int
}

type stopCmd struct {
	baseHubCmd
}

type Option func(*Hub)

// WithQueueSize sets the per-subscription buffer.
func WithQueueSize(n int) Option {
	return func(h *Hub) { h.queueSize = n }
}

// WithMaxSubscribers caps subscriptions per session topic. Zero is unlimited.
func WithMaxSubscribers(n int) Option {
	return func(h *Hub) { h.maxPerTopic = n }
}

// Hub fans session events out to local subscribers. All topic state lives in
// the run goroutine; callers talk to it through cmdCh.
type Hub struct {
	cmdCh       chan hubCmd
	clock       clockwork.Clock
	topics      map[uuid.UUID]map[uint64]*Subscription
	closed      map[uuid.UUID]time.Time
	nextID      uint64
	queueSize   int
	maxPerTopic int
	done        chan struct{}
}

func NewHub(clock clockwork.Clock, opts ...Option) *Hub {
	h := &Hub{
		cmdCh:     make(chan hubCmd, cmdChannelSize),
		clock:     clock,
		topics:    make(map[uuid.UUID]map[uint64]*Subscription),
		closed:    make(map[uuid.UUID]time.Time),
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

// Subscribe registers handler for the session's events of the given kinds
// (all kinds when empty). Every event published after Subscribe returns is
// delivered or the subscription is closed with a reason.
func (h *Hub) Subscribe(sessionID uuid.UUID, kinds []domain.EventType, handler Handler) (*Subscription, error) {
	sub := newSubscription(h, sessionID, kinds, handler, h.queueSize)
	reply := make(chan error, 1)
	if err := h.send(context.Background(), subscribeCmd{sub: sub, reply: reply}); err != nil {
		return nil, err
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
		go sub.run()
		return sub, nil
	case <-h.done:
		return nil, ErrHubStopped
	case <-timer.Chan():
		return nil, fmt.Errorf("subscribe command timed out after %v", commandTimeout)
	}
}

// Publish hands the event to the hub. It only blocks while the command
// channel is full, never on subscribers.
func (h *Hub) Publish(ctx context.Context, event domain.Event) error {
	if !event.Valid() {
		return fmt.Errorf("malformed %q event: %w", event.Type, domain.ErrValidation)
	}
	return h.send(ctx, publishCmd{event: event})
}

// SubscriberCount returns the number of local subscriptions for a session.
// Returns -1 if the command times out.
func (h *Hub) SubscriberCount(sessionID uuid.UUID) int {
	reply := make(chan int, 1)
	if err := h.send(context.Background(), countCmd{sessionID: sessionID, reply: reply}); err != nil {
		return -1
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("SubscriberCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every subscription with ReasonShutdown and waits for the hub
// goroutine to exit.
func (h *Hub) Stop() {
	if err := h.send(context.Background(), stopCmd{}); err != nil {
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	_ = h.send(context.Background(), unsubscribeCmd{sub: sub})
}

func (h *Hub) send(ctx context.Context, cmd hubCmd) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAll(ReasonShutdown)
		}
	}()

	ticker := h.clock.NewTicker(maintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			h.maintain()
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case subscribeCmd:
				c.reply <- h.handleSubscribe(c.sub)
			case unsubscribeCmd:
				h.remove(c.sub, ReasonUnsubscribed)
			case publishCmd:
				h.handlePublish(c.event)
			case countCmd:
				c.reply <- len(h.topics[c.sessionID])
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleSubscribe(sub *Subscription) error {
	if _, ended := h.closed[sub.sessionID]; ended {
		return ErrTopicClosed
	}

	subs, exists := h.topics[sub.sessionID]
	if !exists {
		subs = make(map[uint64]*Subscription)
		h.topics[sub.sessionID] = subs
		metrics.HubActiveTopics.Set(float64(len(h.topics)))
	}

	if h.maxPerTopic > 0 && len(subs) >= h.maxPerTopic {
		slog.Warn("Rejecting subscriber: topic full", "session_id", sub.sessionID.String(), "max_subscribers", h.maxPerTopic)
		return ErrTopicFull
	}

	h.nextID++
	sub.id = h.nextID
	subs[sub.id] = sub
	metrics.HubSubscribers.Inc()
	return nil
}

func (h *Hub) handlePublish(ev domain.Event) {
	metrics.HubEventsPublished.WithLabelValues(string(ev.Type)).Inc()

	if ev.Type == domain.EventSessionEnded {
		h.closeTopic(ev)
		return
	}

	var slow []*Subscription
	for _, sub := range h.topics[ev.SessionID] {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			if ev.Type.Lossy() {
				metrics.HubEventsDropped.WithLabelValues(string(ev.Type)).Inc()
				continue
			}
			slow = append(slow, sub)
		}
	}

	for _, sub := range slow {
		slog.Warn("Evicting slow subscriber", "session_id", ev.SessionID.String(), "event_type", ev.Type)
		metrics.HubSlowConsumersEvicted.Inc()
		h.remove(sub, ReasonSlowConsumer)
	}
}

// closeTopic delivers the terminal event and retires the topic. Late
// subscribers get ErrTopicClosed for closedRetention.
func (h *Hub) closeTopic(ev domain.Event) {
	subs := h.topics[ev.SessionID]
	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		default:
		}
		sub.finish(ReasonSessionEnded)
	}
	metrics.HubSubscribers.Sub(float64(len(subs)))
	delete(h.topics, ev.SessionID)
	h.closed[ev.SessionID] = h.clock.Now()
	metrics.HubActiveTopics.Set(float64(len(h.topics)))

	slog.Info("Session topic closed", "session_id", ev.SessionID.String(), "subscribers", len(subs))
}

func (h *Hub) remove(sub *Subscription, reason CloseReason) {
	subs, ok := h.topics[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}

	delete(subs, sub.id)
	sub.finish(reason)
	metrics.HubSubscribers.Dec()

	if len(subs) == 0 {
		delete(h.topics, sub.sessionID)
		metrics.HubActiveTopics.Set(float64(len(h.topics)))
	}
}

func (h *Hub) maintain() {
	depth := len(h.cmdCh)
	metrics.HubCommandChannelDepth.Set(float64(depth))
	if depth > cmdChannelSize*8/10 {
		slog.Warn("Hub command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
	}

	now := h.clock.Now()
	for id, at := range h.closed {
		if now.Sub(at) >= closedRetention {
			delete(h.closed, id)
		}
	}
}

func (h *Hub) handleStop() {
	total := 0
	for _, subs := range h.topics {
		total += len(subs)
	}
	slog.Info("Hub shutting down", "topics", len(h.topics), "subscribers", total)
	h.closeAll(ReasonShutdown)
}

func (h *Hub) closeAll(reason CloseReason) {
	for sessionID, subs := range h.topics {
		for _, sub := range subs {
			sub.finish(reason)
		}
		delete(h.topics, sessionID)
	}
	metrics.HubActiveTopics.Set(0)
	metrics.HubSubscribers.Set(0)
}
