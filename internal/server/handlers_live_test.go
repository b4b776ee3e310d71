package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	"github.com/cyrongau/fudaydiye-live/internal/broadcast"
	"github.com/cyrongau/fudaydiye-live/internal/chat"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/feature"
	"github.com/cyrongau/fudaydiye-live/internal/memory"
	"github.com/cyrongau/fudaydiye-live/internal/presence"
	"github.com/cyrongau/fudaydiye-live/internal/reaction"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liveFixture runs the socket endpoint against the real in-process streams.
// The writer sets net.Conn deadlines from the clock, so it must be real.
type liveFixture struct {
	srv      *Server
	ts       *httptest.Server
	hub      *broadcast.Hub
	sessions *memory.SessionRepo
	features *feature.Register
	session  *domain.Session
}

func newLiveFixture(t *testing.T, cfgOpts ...func(*Server)) *liveFixture {
	t.Helper()
	clock := clockwork.NewRealClock()
	hub := broadcast.NewHub(clock)
	t.Cleanup(hub.Stop)

	sessions := memory.NewSessionRepo()
	sess := liveSession(testHost.ID)
	require.NoError(t, sessions.Create(context.Background(), sess))

	channel := chat.NewChannel(sessions, memory.NewChatStore(), hub, hub, clock, 50)
	reactions := reaction.NewBroadcaster(sessions, hub, hub, clock, reaction.DefaultWindow)
	features := feature.NewRegister(sessions, hub, hub)
	tracker := presence.NewTracker(presence.NewCounter(), sessions, hub)

	svc := &mockAppService{
		getSessionFn: func(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
			return sessions.Get(ctx, id)
		},
		sendChatFn: func(ctx context.Context, caller app.Caller, id uuid.UUID, text string) (*domain.ChatMessage, error) {
			s, err := sessions.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return channel.Send(ctx, id, app.AuthorFor(caller, s), text)
		},
		reactFn: func(ctx context.Context, id uuid.UUID, offset *float64) (*domain.Reaction, error) {
			return reactions.Broadcast(ctx, id, offset)
		},
	}

	srv := NewServer(testConfig(), svc, Streams{
		Events:    hub,
		Chat:      channel,
		Reactions: reactions,
		Features:  features,
		Presence:  tracker,
	}, nil, clock, nil)
	for _, opt := range cfgOpts {
		opt(srv)
	}

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &liveFixture{srv: srv, ts: ts, hub: hub, sessions: sessions, features: features, session: sess}
}

func withViewerCap(n int) func(*Server) {
	return func(s *Server) {
		s.config.MaxViewersPerSession = n
		s.limits = NewConnectionLimits(s.clock, n)
	}
}

func (f *liveFixture) dial(t *testing.T, caller app.Caller) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/sessions/" + f.session.ID.String() +
		"/live?token=" + signToken(t, caller, time.Now().Add(time.Hour))
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil skips presence and other interleaved frames.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for range 50 {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame received", frameType)
	return nil
}

// readClose reads until the server's close frame arrives.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func TestLive_HelloAndChat(t *testing.T) {
	f := newLiveFixture(t)

	viewer, _, err := f.dial(t, testViewer)
	require.NoError(t, err)

	hello := readFrame(t, viewer)
	assert.Equal(t, frameHello, hello["type"])
	assert.Equal(t, "viewer", hello["role"])
	assert.InDelta(t, 1, hello["viewers"], 0)

	host, _, err := f.dial(t, testHost)
	require.NoError(t, err)
	hostHello := readFrame(t, host)
	assert.Equal(t, "host", hostHello["role"])

	require.NoError(t, viewer.WriteJSON(map[string]string{"type": "chat", "text": "  does it come in red?  "}))

	for _, conn := range []*websocket.Conn{viewer, host} {
		ev := readUntil(t, conn, string(domain.EventChatMessage))
		msg := ev["chat"].(map[string]any)
		assert.Equal(t, "does it come in red?", msg["text"])
		assert.Equal(t, "buyer-1", msg["author_id"])
		assert.Equal(t, "viewer", msg["role"])
	}
}

func TestLive_FeatureChangeDelivered(t *testing.T) {
	f := newLiveFixture(t)
	viewer, _, err := f.dial(t, testViewer)
	require.NoError(t, err)
	readFrame(t, viewer)

	// The current value is sent on subscribe, and nothing is pinned yet.
	snapshot := readUntil(t, viewer, string(domain.EventFeatureChanged))
	assert.Nil(t, snapshot["featured"])

	require.NoError(t, f.features.Pin(context.Background(), f.session.ID, domain.FeaturedItem{
		ItemID: "scarf-1", Name: "Silk scarf", PriceMinor: 2500, Currency: "USD",
	}))

	ev := readUntil(t, viewer, string(domain.EventFeatureChanged))
	featured, ok := ev["featured"].(map[string]any)
	require.True(t, ok, "expected a pinned item, got %v", ev["featured"])
	assert.Equal(t, "scarf-1", featured["item_id"])
}

func TestLive_InboundErrors(t *testing.T) {
	f := newLiveFixture(t)
	viewer, _, err := f.dial(t, testViewer)
	require.NoError(t, err)
	readFrame(t, viewer)

	require.NoError(t, viewer.WriteJSON(map[string]string{"type": "dance"}))
	frame := readUntil(t, viewer, frameError)
	assert.Equal(t, "validation", frame["error"].(map[string]any)["type"])

	require.NoError(t, viewer.WriteJSON(map[string]string{"type": "chat", "text": "   "}))
	frame = readUntil(t, viewer, frameError)
	assert.Equal(t, "validation", frame["error"].(map[string]any)["type"])
}

func TestLive_ChatRateLimited(t *testing.T) {
	f := newLiveFixture(t)
	viewer, _, err := f.dial(t, testViewer)
	require.NoError(t, err)
	readFrame(t, viewer)

	// Burst is 3; the fourth message inside a second is refused.
	for i := range 4 {
		require.NoError(t, viewer.WriteJSON(map[string]string{"type": "chat", "text": "msg " + string(rune('a'+i))}))
	}

	frame := readUntil(t, viewer, frameError)
	assert.Equal(t, "rate_limited", frame["error"].(map[string]any)["code"])

	history, err := f.srv.streams.Chat.(*chat.Channel).History(context.Background(), f.session.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestLive_SessionEndedClosesSocket(t *testing.T) {
	f := newLiveFixture(t)
	viewer, _, err := f.dial(t, testViewer)
	require.NoError(t, err)
	readFrame(t, viewer)

	require.NoError(t, f.hub.Publish(context.Background(), domain.Event{
		Type:      domain.EventSessionEnded,
		SessionID: f.session.ID,
		Ended:     &domain.SessionEnded{EndedBy: testHost.ID, EndedAt: time.Now()},
	}))

	ce := readClose(t, viewer)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "session_ended", ce.Text)
}

func TestLive_RejectsEndedSession(t *testing.T) {
	f := newLiveFixture(t)
	ended := *f.session
	ended.Status = domain.StatusEnded
	require.NoError(t, f.sessions.Create(context.Background(), &ended))

	_, resp, err := f.dial(t, testViewer)

	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
}

func TestLive_SessionFull(t *testing.T) {
	f := newLiveFixture(t, withViewerCap(1))

	first, _, err := f.dial(t, testViewer)
	require.NoError(t, err)
	readFrame(t, first)

	_, resp, err := f.dial(t, testHost)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The slot frees once the first socket is gone.
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		return f.srv.limits.perSession.Count(f.session.ID) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLive_ShutdownClosesWithGoingAway(t *testing.T) {
	f := newLiveFixture(t)
	viewer, _, err := f.dial(t, testViewer)
	require.NoError(t, err)
	readFrame(t, viewer)
	require.Equal(t, 1, f.srv.liveConnections())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	ce := readClose(t, viewer)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, "shutdown", ce.Text)
}
