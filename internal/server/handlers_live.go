package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	"github.com/cyrongau/fudaydiye-live/internal/broadcast"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	apperrors "github.com/cyrongau/fudaydiye-live/internal/errors"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	frameHello = "hello"
	frameError = "error"
	frameChat  = "chat"
	frameReact = "reaction"
)

// helloFrame is the first frame on every socket.
type helloFrame struct {
	Type    string          `json:"type"`
	Role    domain.ChatRole `json:"role"`
	Session *domain.Session `json:"session"`
	Viewers int64           `json:"viewers"`
}

type errorFrame struct {
	Type  string                  `json:"type"`
	Error apperrors.ErrorResponse `json:"error"`
}

// inboundFrame is what clients may send.
type inboundFrame struct {
	Type   string   `json:"type"`
	Text   string   `json:"text,omitempty"`
	Offset *float64 `json:"offset,omitempty"`
}

// handleLive upgrades to a WebSocket streaming the session's events. It
// holds one viewer slot for the lifetime of the socket.
func (s *Server) handleLive(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	caller := mustCaller(c)

	sess, err := s.app.GetSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !sess.AcceptsTraffic() {
		return domain.ErrSessionNotLive
	}

	ok, reason := s.limits.Acquire(c.RealIP(), id)
	if !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		status := http.StatusServiceUnavailable
		if reason == LimitReasonRate {
			status = http.StatusTooManyRequests
		}
		return echo.NewHTTPError(status, string(reason))
	}
	defer s.limits.Release(id)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the response.
		metrics.WebSocketConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		return nil
	}

	// The request context is not reliable once the connection is hijacked.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	defer cancel()
	ctx = correlation.WithSession(ctx, id)

	s.serveLive(ctx, conn, caller, sess)
	return nil
}

func (s *Server) serveLive(ctx context.Context, conn *websocket.Conn, caller app.Caller, sess *domain.Session) {
	w := newLiveWriter(conn, s.clock)
	s.track(w)
	defer s.untrack(w)
	defer w.stopGraceful(string(broadcast.ReasonUnsubscribed))

	author := app.AuthorFor(caller, sess)
	role := string(author.Role)
	metrics.WebSocketConnectionsCurrent.WithLabelValues(role).Inc()
	defer metrics.WebSocketConnectionsCurrent.WithLabelValues(role).Dec()

	slog.InfoContext(ctx, "Live connection opened", "user_id", caller.ID, "role", role)
	defer slog.InfoContext(ctx, "Live connection closed", "user_id", caller.ID)

	viewers, err := s.streams.Presence.Join(ctx, sess.ID)
	if err != nil {
		slog.WarnContext(ctx, "Presence join failed", "error", err)
	} else {
		defer func() {
			if _, err := s.streams.Presence.Leave(context.WithoutCancel(ctx), sess.ID); err != nil {
				slog.WarnContext(ctx, "Presence leave failed", "error", err)
			}
		}()
	}

	if author.Role == domain.RoleHost {
		s.app.HostConnected(caller, sess)
		defer s.app.HostDisconnected(caller, sess)
	}

	w.send(mustMarshal(helloFrame{Type: frameHello, Role: author.Role, Session: sess, Viewers: viewers}))

	subs, err := s.subscribeLive(ctx, sess.ID, w)
	if err != nil {
		slog.InfoContext(ctx, "Live subscribe failed", "error", err)
		w.send(errorPayload(err))
		w.stopGraceful(closeReasonFor(err))
		return
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	go watchSubscriptions(w, subs)

	s.readLoop(ctx, conn, w, caller, sess)
}

// subscribeLive opens the lifecycle, chat, reaction and feature streams.
// Chat and lifecycle frames wait for queue space; the others are lossy.
func (s *Server) subscribeLive(ctx context.Context, sessionID uuid.UUID, w *liveWriter) ([]*broadcast.Subscription, error) {
	var subs []*broadcast.Subscription
	fail := func(err error) ([]*broadcast.Subscription, error) {
		for _, sub := range subs {
			sub.Close()
		}
		return nil, err
	}

	lifecycle, err := s.streams.Events.Subscribe(sessionID,
		[]domain.EventType{domain.EventPresence, domain.EventSessionLive},
		func(ev domain.Event) {
			if ev.Type.Lossy() {
				w.trySend(mustMarshal(ev))
				return
			}
			w.send(mustMarshal(ev))
		})
	if errors.Is(err, broadcast.ErrTopicClosed) {
		err = domain.ErrSessionNotLive
	}
	if err != nil {
		return fail(err)
	}
	subs = append(subs, lifecycle)

	chatSub, err := s.streams.Chat.Subscribe(ctx, sessionID, true, func(m domain.ChatMessage) {
		w.send(mustMarshal(domain.Event{Type: domain.EventChatMessage, SessionID: sessionID, Chat: &m}))
	})
	if err != nil {
		return fail(err)
	}
	subs = append(subs, chatSub)

	reactSub, err := s.streams.Reactions.Subscribe(sessionID, func(r domain.Reaction) {
		w.trySend(mustMarshal(domain.Event{Type: domain.EventReaction, SessionID: sessionID, Reaction: &r}))
	})
	if err != nil {
		return fail(err)
	}
	subs = append(subs, reactSub)

	featureSub, err := s.streams.Features.Subscribe(ctx, sessionID, func(item *domain.FeaturedItem) {
		w.send(mustMarshal(domain.Event{Type: domain.EventFeatureChanged, SessionID: sessionID, Featured: item}))
	})
	if err != nil {
		return fail(err)
	}
	subs = append(subs, featureSub)

	return subs, nil
}

// watchSubscriptions closes the socket with the reason of the first stream
// that ends (session ended, slow consumer, hub shutdown).
func watchSubscriptions(w *liveWriter, subs []*broadcast.Subscription) {
	cases := make(chan broadcast.CloseReason, len(subs))
	for _, sub := range subs {
		go func() {
			select {
			case <-sub.Done():
				cases <- sub.Reason()
			case <-w.done():
			}
		}()
	}

	select {
	case reason := <-cases:
		w.stopGraceful(string(reason))
	case <-w.done():
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, w *liveWriter, caller app.Caller, sess *domain.Session) {
	chatLimiter := rate.NewLimiter(rate.Limit(s.config.ChatRatePerSecond), s.config.ChatBurst)
	reactLimiter := rate.NewLimiter(rate.Limit(s.config.ReactionRatePerSec), max(1, int(s.config.ReactionRatePerSec)))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Live read ended", "error", err)
			}
			return
		}
		w.updateReadDeadline()

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			w.trySend(errorPayload(apperrors.ValidationError("malformed frame")))
			continue
		}

		switch in.Type {
		case frameChat:
			if !chatLimiter.AllowN(s.clock.Now(), 1) {
				metrics.WebSocketRateLimited.WithLabelValues(frameChat).Inc()
				w.trySend(errorPayload(rateLimited()))
				continue
			}
			if _, err := s.app.SendChat(ctx, caller, sess.ID, in.Text); err != nil {
				w.trySend(errorPayload(err))
			}
		case frameReact:
			if !reactLimiter.AllowN(s.clock.Now(), 1) {
				metrics.WebSocketRateLimited.WithLabelValues(frameReact).Inc()
				continue
			}
			if _, err := s.app.React(ctx, sess.ID, in.Offset); err != nil {
				w.trySend(errorPayload(err))
			}
		default:
			w.trySend(errorPayload(apperrors.ValidationError("unknown frame type").WithContext("type", in.Type)))
		}
	}
}

func rateLimited() *apperrors.Error {
	return &apperrors.Error{Type: apperrors.TypeRateLimited, Code: "rate_limited", Message: "sending too fast"}
}

func errorPayload(err error) []byte {
	return mustMarshal(errorFrame{Type: frameError, Error: apperrors.AsStructuredError(err).ToResponse()})
}

func closeReasonFor(err error) string {
	if errors.Is(err, domain.ErrSessionNotLive) {
		return string(broadcast.ReasonSessionEnded)
	}
	return "subscribe_failed"
}

// mustMarshal encodes frames built from our own types, which cannot fail.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
