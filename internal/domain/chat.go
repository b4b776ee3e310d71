package domain

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxChatLength = 500

type ChatRole string

const (
	RoleHost   ChatRole = "host"
	RoleViewer ChatRole = "viewer"
)

// ChatMessage is immutable once appended. Seq is strictly increasing per session.
type ChatMessage struct {
	ID         string    `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Seq        int64     `json:"seq"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Role       ChatRole  `json:"role"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// NormalizeChatText trims the text and enforces the 1..500 character bound.
func NormalizeChatText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", Invalid("text", "must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxChatLength {
		return "", Invalid("text", "must be at most 500 characters")
	}
	return trimmed, nil
}

// ChatStore persists chat history. Append assigns Seq.
type ChatStore interface {
	Append(ctx context.Context, msg *ChatMessage) error
	// History returns the last limit messages in ascending Seq order.
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]ChatMessage, error)
}
