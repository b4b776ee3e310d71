package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockElector struct {
	tryAcquireFn func(ctx context.Context) (bool, error)
	renewFn      func(ctx context.Context) error
	releases     atomic.Int32
}

func (m *mockElector) TryAcquire(ctx context.Context) (bool, error) {
	if m.tryAcquireFn != nil {
		return m.tryAcquireFn(ctx)
	}
	return false, errors.New("not implemented")
}

func (m *mockElector) Renew(ctx context.Context) error {
	if m.renewFn != nil {
		return m.renewFn(ctx)
	}
	return errors.New("not implemented")
}

func (m *mockElector) Release(context.Context) error {
	m.releases.Add(1)
	return nil
}

type mockSweeper struct{ n int }

func (m *mockSweeper) Sweep() int { return m.n }

func TestReapStaleSessions(t *testing.T) {
	f := newFixture(t, WithMaxSessionDuration(4*time.Hour))
	f.svc.Stop()
	ctx := context.Background()

	stale := f.seed(t, domain.StatusLive, nil)
	f.clock.Advance(3 * time.Hour)
	fresh := f.seed(t, domain.StatusLive, nil)
	f.seed(t, domain.StatusScheduled, nil)
	f.clock.Advance(90 * time.Minute)

	var mu sync.Mutex
	var ended []uuid.UUID
	f.lifecycle.endFn = func(_ context.Context, id uuid.UUID, by string) (*domain.Session, error) {
		assert.Equal(t, domain.EndedBySystem, by)
		mu.Lock()
		defer mu.Unlock()
		ended = append(ended, id)
		return &domain.Session{ID: id, Status: domain.StatusEnded}, nil
	}

	assert.Equal(t, 1, f.svc.ReapStaleSessions(ctx))
	assert.Equal(t, []uuid.UUID{stale.ID}, ended)
	assert.NotContains(t, ended, fresh.ID)
}

func TestReapStaleSessions_EndFailureIsSkipped(t *testing.T) {
	f := newFixture(t, WithMaxSessionDuration(time.Hour))
	f.svc.Stop()
	f.seed(t, domain.StatusLive, nil)
	f.clock.Advance(2 * time.Hour)

	f.lifecycle.endFn = func(context.Context, uuid.UUID, string) (*domain.Session, error) {
		return nil, domain.ErrTransportUnavailable
	}
	assert.Zero(t, f.svc.ReapStaleSessions(context.Background()))
}

func TestSweep_SumsSweepers(t *testing.T) {
	f := newFixture(t, WithSweepers(&mockSweeper{n: 2}, &mockSweeper{n: 3}))
	assert.Equal(t, 5, f.svc.Sweep())
}

func TestMaintenance_TickersRunJobs(t *testing.T) {
	f := newFixture(t, WithMaxSessionDuration(time.Hour))
	f.seed(t, domain.StatusLive, nil)

	var ends atomic.Int32
	f.lifecycle.endFn = func(_ context.Context, id uuid.UUID, _ string) (*domain.Session, error) {
		ends.Add(1)
		return &domain.Session{ID: id, Status: domain.StatusEnded}, nil
	}

	require.NoError(t, f.clock.BlockUntilContext(context.Background(), 3))
	f.clock.Advance(2 * time.Hour)

	assert.Eventually(t, func() bool {
		return f.presence.reconciles.Load() >= 1 && ends.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLead(t *testing.T) {
	t.Run("no elector always leads", func(t *testing.T) {
		f := newFixture(t)
		assert.True(t, f.svc.lead(context.Background(), false))
	})

	t.Run("acquires when free", func(t *testing.T) {
		e := &mockElector{tryAcquireFn: func(context.Context) (bool, error) { return true, nil }}
		f := newFixture(t, WithElector(e))
		assert.True(t, f.svc.lead(context.Background(), false))
	})

	t.Run("follower when taken", func(t *testing.T) {
		e := &mockElector{tryAcquireFn: func(context.Context) (bool, error) { return false, nil }}
		f := newFixture(t, WithElector(e))
		assert.False(t, f.svc.lead(context.Background(), false))
	})

	t.Run("leader renews", func(t *testing.T) {
		acquires := 0
		e := &mockElector{
			renewFn: func(context.Context) error { return nil },
			tryAcquireFn: func(context.Context) (bool, error) {
				acquires++
				return true, nil
			},
		}
		f := newFixture(t, WithElector(e))
		assert.True(t, f.svc.lead(context.Background(), true))
		assert.Zero(t, acquires)
	})

	t.Run("lost lease is re-contested", func(t *testing.T) {
		e := &mockElector{
			renewFn:      func(context.Context) error { return errors.New("leader lease lost") },
			tryAcquireFn: func(context.Context) (bool, error) { return false, nil },
		}
		f := newFixture(t, WithElector(e))
		assert.False(t, f.svc.lead(context.Background(), true))
	})

	t.Run("redis error means follower", func(t *testing.T) {
		e := &mockElector{tryAcquireFn: func(context.Context) (bool, error) { return false, errors.New("connection refused") }}
		f := newFixture(t, WithElector(e))
		assert.False(t, f.svc.lead(context.Background(), false))
	})
}

func TestStop_ReleasesLease(t *testing.T) {
	e := &mockElector{}
	f := newFixture(t, WithElector(e))

	f.svc.Stop()
	f.svc.Stop()
	assert.Equal(t, int32(1), e.releases.Load())
}
