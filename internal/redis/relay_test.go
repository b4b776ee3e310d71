package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatEvent(sid uuid.UUID, seq int64) domain.Event {
	return domain.Event{
		Type:      domain.EventChatMessage,
		SessionID: sid,
		Chat:      &domain.ChatMessage{SessionID: sid, Seq: seq, AuthorID: "u1", Text: "hi"},
	}
}

func TestRelay_FansOutToEveryInstance(t *testing.T) {
	rdb := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubA, hubB := &eventSink{}, &eventSink{}
	relayA := NewRelay(rdb, hubA)
	relayB := NewRelay(rdb, hubB)

	go func() { _ = relayA.Run(ctx) }()
	go func() { _ = relayB.Run(ctx) }()

	sid := uuid.New()
	// PSubscribe is asynchronous; keep publishing until both sides are listening.
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumPat(ctx).Result()
		return err == nil && n >= 2
	}, 5*time.Second, 20*time.Millisecond)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, relayA.Publish(ctx, chatEvent(sid, seq)))
	}

	for _, sink := range []*eventSink{hubA, hubB} {
		require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, 5*time.Second, 10*time.Millisecond)
		for i, ev := range sink.snapshot() {
			assert.Equal(t, sid, ev.SessionID)
			assert.Equal(t, int64(i+1), ev.Chat.Seq)
		}
	}
}

func TestRelay_DropsMalformedMessages(t *testing.T) {
	rdb := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &eventSink{}
	relay := NewRelay(rdb, sink)
	go func() { _ = relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumPat(ctx).Result()
		return err == nil && n >= 1
	}, 5*time.Second, 20*time.Millisecond)

	sid := uuid.New()
	require.NoError(t, rdb.Publish(ctx, relayChannel(sid), "not json").Err())
	require.NoError(t, rdb.Publish(ctx, relayChannel(sid), `{"type":"chat.message"}`).Err())
	// Channel and payload disagree on the session.
	require.NoError(t, relay.rdb.Publish(ctx, relayChannel(uuid.New()), mustJSON(t, chatEvent(sid, 1))).Err())
	require.NoError(t, relay.Publish(ctx, chatEvent(sid, 2)))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), sink.snapshot()[0].Chat.Seq)
}

func TestRelay_FallsBackToLocalWhenRedisDown(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	sink := &eventSink{}
	relay := NewRelay(rdb, sink)

	sid := uuid.New()
	require.NoError(t, relay.Publish(context.Background(), chatEvent(sid, 1)))

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, sid, got[0].SessionID)
}

func mustJSON(t *testing.T, ev domain.Event) string {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return string(data)
}
