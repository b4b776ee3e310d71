package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	"github.com/cyrongau/fudaydiye-live/internal/broadcast"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/media"
	"github.com/cyrongau/fudaydiye-live/internal/platform/config"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

type appService interface {
	CreateSession(ctx context.Context, caller app.Caller, req app.CreateSessionRequest) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	ListHostSessions(ctx context.Context, hostID string) ([]domain.Session, error)
	ListLive(ctx context.Context) ([]domain.Session, error)
	GoLive(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error)
	EndSession(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error)
	Reconnect(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error)
	DeleteSession(ctx context.Context, caller app.Caller, sessionID uuid.UUID) error
	SetPromoted(ctx context.Context, caller app.Caller, sessionID uuid.UUID, promoted bool) (*domain.Session, error)
	HostConnected(caller app.Caller, sess *domain.Session)
	HostDisconnected(caller app.Caller, sess *domain.Session)

	SellerItems(ctx context.Context, caller app.Caller) ([]domain.CatalogItem, error)
	PinItem(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*domain.FeaturedItem, error)
	ClearItem(ctx context.Context, caller app.Caller, sessionID uuid.UUID) error
	FeaturedItem(ctx context.Context, sessionID uuid.UUID) (*domain.FeaturedItem, error)

	SendChat(ctx context.Context, caller app.Caller, sessionID uuid.UUID, text string) (*domain.ChatMessage, error)
	ChatHistory(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error)
	React(ctx context.Context, sessionID uuid.UUID, offset *float64) (*domain.Reaction, error)
	RecentReactions(sessionID uuid.UUID) []domain.Reaction

	Reserve(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*app.ReservationView, error)
	GetReservation(ctx context.Context, caller app.Caller, reservationID uuid.UUID) (*app.ReservationView, error)
	ReleaseReservation(ctx context.Context, caller app.Caller, reservationID uuid.UUID) error

	OpenCheckout(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*domain.CheckoutIntent, error)
	GetCheckout(ctx context.Context, caller app.Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error)
	SubmitCheckout(ctx context.Context, caller app.Caller, intentID uuid.UUID, buyer domain.BuyerDetails, method domain.PaymentMethod) (*domain.CheckoutIntent, error)
	CancelCheckout(ctx context.Context, caller app.Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error)
}

// EventSubscriber is the session fan-out hub.
type EventSubscriber interface {
	Subscribe(sessionID uuid.UUID, kinds []domain.EventType, handler broadcast.Handler) (*broadcast.Subscription, error)
}

type ChatSubscriber interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID, withHistory bool, onMessage func(domain.ChatMessage)) (*broadcast.Subscription, error)
}

type ReactionSubscriber interface {
	Subscribe(sessionID uuid.UUID, onReaction func(domain.Reaction)) (*broadcast.Subscription, error)
}

type FeatureSubscriber interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID, onChange func(*domain.FeaturedItem)) (*broadcast.Subscription, error)
}

type PresenceTracker interface {
	Join(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Leave(ctx context.Context, sessionID uuid.UUID) (int64, error)
}

// MediaEvents receives verified SFU webhooks.
type MediaEvents interface {
	HandleEvent(ev media.WebhookEvent)
}

// Streams are the live sources a socket subscribes to.
type Streams struct {
	Events    EventSubscriber
	Chat      ChatSubscriber
	Reactions ReactionSubscriber
	Features  FeatureSubscriber
	Presence  PresenceTracker
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	app     appService
	streams Streams
	media   MediaEvents

	upgrader websocket.Upgrader
	limits   *ConnectionLimits

	connsMu sync.Mutex
	conns   map[*liveWriter]struct{}

	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer builds the router. mediaEvents may be nil when the loopback transport
// is in use; the webhook route then answers 404.
func NewServer(cfg *config.Config, svc appService, streams Streams, mediaEvents MediaEvents, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clock,
		app:          svc,
		streams:      streams,
		media:        mediaEvents,
		limits:       NewConnectionLimits(clock, cfg.MaxViewersPerSession),
		conns:        make(map[*liveWriter]struct{}),
		healthChecks: healthChecks,
		startTime:    clock.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()),
		},
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and closes every live socket with a
// "shutdown" close frame. Sessions are left as they are.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connsMu.Lock()
	conns := make([]*liveWriter, 0, len(s.conns))
	for w := range s.conns {
		conns = append(conns, w)
	}
	s.connsMu.Unlock()

	slog.Info("Closing live connections", "count", len(conns))
	for _, w := range conns {
		w.stopGraceful(string(broadcast.ReasonShutdown))
	}

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) track(w *liveWriter) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[w] = struct{}{}
}

func (s *Server) untrack(w *liveWriter) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, w)
}

func (s *Server) liveConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}
