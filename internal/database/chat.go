package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChatRepo stores chat history. Sequence numbers come from the session row,
// so the row lock serializes appends across instances.
type ChatRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ChatStore = (*ChatRepo)(nil)

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

// Append assigns msg.Seq and persists the message in one transaction.
func (r *ChatRepo) Append(ctx context.Context, msg *domain.ChatMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE sessions SET chat_seq = chat_seq + 1 WHERE id = $1 RETURNING chat_seq`,
		msg.SessionID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to allocate chat sequence: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO chat_messages (session_id, seq, id, author_id, author_name, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.SessionID, seq, msg.ID, msg.AuthorID, msg.AuthorName, string(msg.Role), msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chat message: %w", err)
	}
	msg.Seq = seq
	return nil
}

// History returns the last limit messages in ascending sequence order.
func (r *ChatRepo) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT session_id, seq, id, author_id, author_name, role, text, created_at
		FROM (
			SELECT * FROM chat_messages WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ChatMessage, error) {
		var m domain.ChatMessage
		var role string
		err := row.Scan(&m.SessionID, &m.Seq, &m.ID, &m.AuthorID, &m.AuthorName, &role, &m.Text, &m.CreatedAt)
		m.Role = domain.ChatRole(role)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan chat history: %w", err)
	}
	return out, nil
}
