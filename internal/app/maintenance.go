package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
)

const (
	defaultReconcileInterval  = time.Minute
	defaultSweepInterval      = 30 * time.Second
	defaultReapInterval       = time.Minute
	defaultMaxSessionDuration = 12 * time.Hour
	reapScanTimeout           = 30 * time.Second
)

// PresenceReconciler repairs viewer counts from locally connected sockets.
type PresenceReconciler interface {
	Reconcile(ctx context.Context)
}

// Sweeper drops expired in-memory records and returns how many it removed.
type Sweeper interface {
	Sweep() int
}

// Elector grants one instance the cluster-wide maintenance lease.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

type Option func(*Service)

func WithReconcileInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reconcileInterval = d
		}
	}
}

// WithMaxSessionDuration caps how long a session may stay LIVE before the
// reaper ends it.
func WithMaxSessionDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxDuration = d
		}
	}
}

func WithSweepers(sweepers ...Sweeper) Option {
	return func(s *Service) { s.sweepers = append(s.sweepers, sweepers...) }
}

// WithElector makes the reaper run only on the instance holding the lease.
// Without one every instance reaps, which is right for a single process.
func WithElector(e Elector) Option {
	return func(s *Service) { s.elector = e }
}

func (s *Service) startMaintenance() {
	s.every("presence_reconcile", s.reconcileInterval, s.presence.Reconcile)
	s.every("sweep", s.sweepInterval, func(context.Context) { s.Sweep() })

	leading := false
	s.every("stale_sessions", s.reapInterval, func(ctx context.Context) {
		leading = s.lead(ctx, leading)
		if leading {
			s.ReapStaleSessions(ctx)
		}
	})

	if s.elector != nil {
		s.wg.Go(func() {
			<-s.stopCh
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.elector.Release(ctx); err != nil {
				slog.Warn("Failed to release maintenance lease", "error", err)
			}
		})
	}

	slog.Info("Maintenance started",
		"reconcile_interval", s.reconcileInterval.String(),
		"sweep_interval", s.sweepInterval.String(),
		"max_session_duration", s.maxDuration.String())
}

// every runs fn on its own ticker until Stop. Passes never overlap.
func (s *Service) every(job string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := s.clock.NewTicker(interval)
	s.wg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				start := s.clock.Now()
				fn(correlation.WithID(context.Background(), correlation.NewID()))
				metrics.MaintenanceRunsTotal.WithLabelValues(job).Inc()
				metrics.MaintenanceDurationSeconds.WithLabelValues(job).Observe(s.clock.Since(start).Seconds())
			case <-s.stopCh:
				return
			}
		}
	})
}

// lead reports whether this instance should run leader-only work now.
// A held lease is renewed; a lost one is re-contested on the next tick.
func (s *Service) lead(ctx context.Context, leading bool) bool {
	if s.elector == nil {
		return true
	}
	if leading {
		err := s.elector.Renew(ctx)
		if err == nil {
			return true
		}
		slog.WarnContext(ctx, "Maintenance lease lost", "error", err)
	}
	ok, err := s.elector.TryAcquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Maintenance lease check failed", "error", err)
		return false
	}
	if ok {
		slog.InfoContext(ctx, "Acquired maintenance lease")
	}
	return ok
}

// Sweep runs every registered sweeper once.
func (s *Service) Sweep() int {
	total := 0
	for _, sw := range s.sweepers {
		total += sw.Sweep()
	}
	if total > 0 {
		slog.Debug("Sweep removed expired records", "removed", total)
	}
	return total
}

// ReapStaleSessions ends LIVE sessions that started more than the maximum
// duration ago. It catches sessions whose host grace timer died with the
// instance that owned it.
func (s *Service) ReapStaleSessions(ctx context.Context) int {
	scanCtx, cancel := context.WithTimeout(ctx, reapScanTimeout)
	defer cancel()

	live, err := s.sessions.ListByStatus(scanCtx, domain.StatusLive)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list live sessions", "error", err)
		return 0
	}

	cutoff := s.clock.Now().Add(-s.maxDuration)
	ended := 0
	for _, sess := range live {
		if sess.StartedAt == nil || sess.StartedAt.After(cutoff) {
			continue
		}
		sctx := correlation.WithSession(ctx, sess.ID)
		if _, err := s.lifecycle.End(sctx, sess.ID, domain.EndedBySystem); err != nil {
			if !errors.Is(err, domain.ErrSessionNotFound) {
				slog.ErrorContext(sctx, "Failed to end stale session", "error", err)
			}
			continue
		}
		metrics.StaleSessionsEndedTotal.Inc()
		slog.InfoContext(sctx, "Ended stale session", "started_at", sess.StartedAt.String())
		ended++
	}
	return ended
}
