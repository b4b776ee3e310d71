package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const relayPrefix = "live:"

func relayChannel(sessionID uuid.UUID) string {
	return relayPrefix + sessionID.String()
}

// Relay publishes session events through Redis pub/sub so every instance's
// hub sees them. Run must be going on each instance for delivery; an event
// published here reaches the local hub by the same route as remote ones.
type Relay struct {
	rdb   *goredis.Client
	local domain.EventPublisher
}

var _ domain.EventPublisher = (*Relay)(nil)

func NewRelay(rdb *goredis.Client, local domain.EventPublisher) *Relay {
	return &Relay{rdb: rdb, local: local}
}

// Publish falls back to the local hub when Redis is unreachable, so viewers
// on this instance keep receiving events during an outage.
func (r *Relay) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.rdb.Publish(ctx, relayChannel(event.SessionID), data).Err(); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("out", "fallback").Inc()
		slog.WarnContext(ctx, "Relay publish failed, delivering locally",
			"session_id", event.SessionID.String(), "type", string(event.Type), "error", err)
		return r.local.Publish(ctx, event)
	}

	metrics.RelayMessagesTotal.WithLabelValues("out", "ok").Inc()
	return nil
}

// Run forwards every relayed event into the local hub until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, relayPrefix+"*")
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	slog.Info("Relay subscribed", "pattern", relayPrefix+"*")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *goredis.Message) {
	var ev domain.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("in", "invalid").Inc()
		slog.Warn("Dropping malformed relay message", "channel", msg.Channel, "error", err)
		return
	}
	if !ev.Valid() || relayChannel(ev.SessionID) != msg.Channel {
		metrics.RelayMessagesTotal.WithLabelValues("in", "invalid").Inc()
		slog.Warn("Dropping invalid relay event", "channel", msg.Channel, "type", string(ev.Type))
		return
	}

	if err := r.local.Publish(ctx, ev); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("in", "error").Inc()
		slog.Debug("Local hub rejected relayed event", "session_id", strings.TrimPrefix(msg.Channel, relayPrefix), "error", err)
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("in", "ok").Inc()
}
