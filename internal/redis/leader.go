package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLeaderKey = "live:maintenance:leader"
	defaultLeaseTTL  = 30 * time.Second
)

var (
	ErrLeaseLost   = errors.New("leader lease lost")
	ErrLeaseStolen = errors.New("leader lease held by another instance")
)

// LeaderElector hands one instance a renewable lease so cluster-wide
// maintenance (reaping stale sessions) runs once, not once per instance.
type LeaderElector struct {
	rdb        *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

// NewLeaderElector creates an elector for instanceID, which must be unique
// per process.
func NewLeaderElector(rdb *goredis.Client, instanceID string) *LeaderElector {
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		key:        defaultLeaderKey,
		ttl:        defaultLeaseTTL,
	}
}

// TryAcquire takes the lease if nobody holds it.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lease: %w", err)
	}
	return ok, nil
}

// Renew extends a lease this instance holds. Returns ErrLeaseLost when it
// expired and ErrLeaseStolen when another instance took over.
func (l *LeaderElector) Renew(ctx context.Context) error {
	res, err := leaderRenewScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew leader lease: %w", err)
	}
	switch res {
	case 0:
		return ErrLeaseLost
	case -1:
		return ErrLeaseStolen
	}
	return nil
}

// Release drops the lease if this instance still holds it, so another
// instance can take over without waiting for the TTL.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := leaderReleaseScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lease: %w", err)
	}
	return nil
}
