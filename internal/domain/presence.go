package domain

import (
	"context"

	"github.com/google/uuid"
)

// PresenceCounter counts live viewers per session. The count is advisory and
// never drops below zero.
type PresenceCounter interface {
	Join(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Leave(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Peek(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Reset(ctx context.Context, sessionID uuid.UUID) error

	// Reconcile overwrites this instance's contribution with the number of
	// viewers it actually has connected and returns the new total.
	Reconcile(ctx context.Context, sessionID uuid.UUID, local int64) (int64, error)
}
