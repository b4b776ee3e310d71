package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventChatMessage    EventType = "chat.message"
	EventReaction       EventType = "reaction"
	EventFeatureChanged EventType = "feature.changed"
	EventPresence       EventType = "presence"
	EventSessionLive    EventType = "session.live"
	EventSessionEnded   EventType = "session.ended"
)

// Lossy reports whether slow subscribers may miss the event instead of
// being disconnected.
func (t EventType) Lossy() bool {
	return t == EventReaction || t == EventPresence
}

// Reaction is display-only. Offset is a horizontal position in [0,1).
type Reaction struct {
	ID        string    `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Offset    float64   `json:"offset"`
	CreatedAt time.Time `json:"created_at"`
}

type PresenceUpdate struct {
	Viewers int64 `json:"viewers"`
}

type SessionEnded struct {
	EndedBy string    `json:"ended_by"`
	EndedAt time.Time `json:"ended_at"`
}

// Event is the tagged record carried on a session's fan-out topic.
// Exactly one payload field is set, matching Type; a feature.changed
// event with a nil Featured means the pin was cleared.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	Chat      *ChatMessage    `json:"chat,omitempty"`
	Reaction  *Reaction       `json:"reaction,omitempty"`
	Featured  *FeaturedItem   `json:"featured,omitempty"`
	Presence  *PresenceUpdate `json:"presence,omitempty"`
	Ended     *SessionEnded   `json:"ended,omitempty"`
	Session   *Session        `json:"session,omitempty"`
}

// Valid checks that the payload matches the declared type.
func (e Event) Valid() bool {
	if e.SessionID == uuid.Nil {
		return false
	}
	switch e.Type {
	case EventChatMessage:
		return e.Chat != nil
	case EventReaction:
		return e.Reaction != nil
	case EventFeatureChanged:
		return true
	case EventPresence:
		return e.Presence != nil
	case EventSessionLive:
		return e.Session != nil
	case EventSessionEnded:
		return e.Ended != nil
	default:
		return false
	}
}

// EventPublisher delivers events to every subscriber of a session,
// on this instance or, when relayed, on all instances.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
