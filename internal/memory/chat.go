package memory

import (
	"context"
	"sync"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
)

// maxRetainedMessages bounds per-session history kept in memory.
const maxRetainedMessages = 1000

type chatLog struct {
	seq      int64
	messages []domain.ChatMessage
}

type ChatStore struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*chatLog
}

var _ domain.ChatStore = (*ChatStore)(nil)

func NewChatStore() *ChatStore {
	return &ChatStore{logs: make(map[uuid.UUID]*chatLog)}
}

func (c *ChatStore) Append(_ context.Context, msg *domain.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.logs[msg.SessionID]
	if !ok {
		l = &chatLog{}
		c.logs[msg.SessionID] = l
	}
	l.seq++
	msg.Seq = l.seq
	l.messages = append(l.messages, *msg)
	if len(l.messages) > maxRetainedMessages {
		l.messages = append([]domain.ChatMessage(nil), l.messages[len(l.messages)-maxRetainedMessages:]...)
	}
	return nil
}

func (c *ChatStore) History(_ context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.logs[sessionID]
	if !ok || limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	start := max(len(l.messages)-limit, 0)
	return append([]domain.ChatMessage(nil), l.messages[start:]...), nil
}
