package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long an abandoned session's counter lingers.
const presenceTTL = 24 * time.Hour

// DefaultPresenceStaleAfter is how long an instance's share counts after it
// last touched a session's counter.
const DefaultPresenceStaleAfter = 3 * time.Minute

func presenceKey(sessionID uuid.UUID) string {
	return "presence:" + sessionID.String()
}

// Presence is a PresenceCounter shared by all instances. Each instance owns
// one hash field, so Reconcile can overwrite its own share without touching
// anyone else's. Shares of instances not heard from within staleAfter are
// dropped, which is how a crashed instance's viewers age out. The periodic
// Reconcile must run more often than staleAfter.
type Presence struct {
	rdb        *goredis.Client
	instance   string
	clock      clockwork.Clock
	staleAfter time.Duration
}

var _ domain.PresenceCounter = (*Presence)(nil)

func NewPresence(rdb *goredis.Client, instanceID string, clock clockwork.Clock, staleAfter time.Duration) *Presence {
	if staleAfter <= 0 {
		staleAfter = DefaultPresenceStaleAfter
	}
	return &Presence{rdb: rdb, instance: instanceID, clock: clock, staleAfter: staleAfter}
}

func (p *Presence) args(extra ...any) []any {
	args := []any{p.instance, p.clock.Now().UnixMilli(), p.staleAfter.Milliseconds(), presenceTTL.Milliseconds()}
	return append(args, extra...)
}

func (p *Presence) Join(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := presenceJoinScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, p.args()...).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence join: %w", err)
	}
	return n, nil
}

func (p *Presence) Leave(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := presenceLeaveScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, p.args()...).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence leave: %w", err)
	}
	return n, nil
}

func (p *Presence) Peek(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	n, err := presencePeekScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, p.args()...).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence peek: %w", err)
	}
	return n, nil
}

// Reset drops every instance's contribution.
func (p *Presence) Reset(ctx context.Context, sessionID uuid.UUID) error {
	if err := p.rdb.Del(ctx, presenceKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("presence reset: %w", err)
	}
	return nil
}

func (p *Presence) Reconcile(ctx context.Context, sessionID uuid.UUID, local int64) (int64, error) {
	n, err := presenceReconcileScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, p.args(max(local, 0))...).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence reconcile: %w", err)
	}
	return n, nil
}
