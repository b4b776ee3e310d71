package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_JoinLeaveAcrossInstances(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()
	sid := uuid.New()

	a := NewPresence(rdb, "instance-a", clockwork.NewRealClock(), time.Minute)
	b := NewPresence(rdb, "instance-b", clockwork.NewRealClock(), time.Minute)

	n, err := a.Join(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = b.Join(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = a.Leave(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = a.Peek(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPresence_LeaveNeverNegative(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()
	sid := uuid.New()
	p := NewPresence(rdb, "instance-a", clockwork.NewRealClock(), time.Minute)

	n, err := p.Leave(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = p.Join(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPresence_ConcurrentJoins(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()
	sid := uuid.New()
	p := NewPresence(rdb, "instance-a", clockwork.NewRealClock(), time.Minute)

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			_, err := p.Join(ctx, sid)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	n, err := p.Peek(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestPresence_ReconcileOverwritesOwnShare(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()
	sid := uuid.New()
	a := NewPresence(rdb, "instance-a", clockwork.NewRealClock(), time.Minute)
	b := NewPresence(rdb, "instance-b", clockwork.NewRealClock(), time.Minute)

	for range 5 {
		_, err := a.Join(ctx, sid)
		require.NoError(t, err)
	}
	_, err := b.Join(ctx, sid)
	require.NoError(t, err)

	n, err := a.Reconcile(ctx, sid, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = a.Reconcile(ctx, sid, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPresence_Reset(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()
	sid := uuid.New()
	p := NewPresence(rdb, "instance-a", clockwork.NewRealClock(), time.Minute)

	_, err := p.Join(ctx, sid)
	require.NoError(t, err)
	require.NoError(t, p.Reset(ctx, sid))

	n, err := p.Peek(ctx, sid)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresence_SilentInstanceAgesOut(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()
	sid := uuid.New()
	clock := clockwork.NewFakeClock()
	a := NewPresence(rdb, "instance-a", clock, time.Minute)
	crashed := NewPresence(rdb, "instance-b", clock, time.Minute)

	for range 3 {
		_, err := crashed.Join(ctx, sid)
		require.NoError(t, err)
	}
	_, err := a.Join(ctx, sid)
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	n, err := a.Reconcile(ctx, sid, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// instance-b has been silent for longer than the window, instance-a not.
	clock.Advance(30 * time.Second)
	n, err = a.Peek(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	fields, err := rdb.HKeys(ctx, presenceKey(sid)).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"instance-a", "hb:instance-a"}, fields)
}

func TestPresence_ReconcileToZeroRemovesShare(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()
	sid := uuid.New()
	p := NewPresence(rdb, "instance-a", clockwork.NewRealClock(), time.Minute)

	_, err := p.Join(ctx, sid)
	require.NoError(t, err)

	n, err := p.Reconcile(ctx, sid, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	fields, err := rdb.HKeys(ctx, presenceKey(sid)).Result()
	require.NoError(t, err)
	assert.Empty(t, fields)
}
