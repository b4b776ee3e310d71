// Package media talks to the real-time media layer (an SFU). The engine only
// opens and closes channels and publishes the host's tracks; encoding and
// congestion control stay on the other side.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/retry"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultAttemptTimeout = 5 * time.Second
	DefaultRetryBackoff   = 250 * time.Millisecond
	maxAttempts           = 2
)

// ErrRejected marks a call the media layer refused outright. It is not
// retried.
var ErrRejected = errors.New("media request rejected")

// Guard wraps a transport with a per-attempt timeout and a single retry.
// A call that still fails is reported as domain.ErrTransportUnavailable.
type Guard struct {
	next   domain.MediaTransport
	policy retry.Policy
}

var _ domain.MediaTransport = (*Guard)(nil)

func NewGuard(next domain.MediaTransport, attemptTimeout, backoff time.Duration, clock clockwork.Clock) *Guard {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &Guard{
		next: next,
		policy: retry.Policy{
			MaxAttempts:      maxAttempts,
			InitialBackoff:   backoff,
			RateLimitBackoff: backoff,
			AttemptTimeout:   attemptTimeout,
			Clock:            clock,
		},
	}
}

func (g *Guard) OpenChannel(ctx context.Context, channelID string, role domain.MediaRole) (domain.ConnectionHandle, error) {
	return guarded(ctx, g.policy, "open_channel", func(ctx context.Context) (domain.ConnectionHandle, error) {
		return g.next.OpenChannel(ctx, channelID, role)
	})
}

func (g *Guard) CloseChannel(ctx context.Context, handle domain.ConnectionHandle) error {
	_, err := guarded(ctx, g.policy, "close_channel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.CloseChannel(ctx, handle)
	})
	return err
}

func (g *Guard) PublishLocalTracks(ctx context.Context, handle domain.ConnectionHandle) error {
	_, err := guarded(ctx, g.policy, "publish_tracks", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.PublishLocalTracks(ctx, handle)
	})
	return err
}

func (g *Guard) OnRemoteTrackPublished(handle domain.ConnectionHandle, fn func(domain.TrackInfo)) {
	g.next.OnRemoteTrackPublished(handle, fn)
}

func (g *Guard) OnPublisherLost(handle domain.ConnectionHandle, fn func()) {
	g.next.OnPublisherLost(handle, fn)
}

func guarded[T any](ctx context.Context, p retry.Policy, op string, fn retry.Operation[T]) (T, error) {
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		metrics.MediaRetriesTotal.WithLabelValues(op).Inc()
		slog.WarnContext(ctx, "Media call failed, retrying", "operation", op, "attempt", attempt, "backoff", backoff, "error", err)
	}

	val, err := retry.Do(ctx, p, classify, fn)
	if err != nil {
		metrics.MediaCallsTotal.WithLabelValues(op, "error").Inc()
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", domain.ErrTransportUnavailable, op, err)
	}
	metrics.MediaCallsTotal.WithLabelValues(op, "ok").Inc()
	return val, nil
}

func classify(err error) retry.Action {
	if errors.Is(err, ErrRejected) || errors.Is(err, context.Canceled) {
		return retry.Stop
	}
	return retry.Retry
}
