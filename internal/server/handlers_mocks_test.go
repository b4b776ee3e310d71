package server

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/media"
	"github.com/cyrongau/fudaydiye-live/internal/platform/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "test-jwt-secret-that-is-32-bytes!"
	testWebhookSecret = "media-webhook-secret"
)

var (
	testHost      = app.Caller{ID: "seller-1", Name: "Hodan Store", Role: app.RoleHost}
	testViewer    = app.Caller{ID: "buyer-1", Name: "Ayaan", Role: app.RoleViewer}
	testModerator = app.Caller{ID: "mod-1", Name: "Ops", Role: app.RoleModerator}
)

// --- Mock implementations ---

type mockAppService struct {
	createSessionFn    func(ctx context.Context, caller app.Caller, req app.CreateSessionRequest) (*domain.Session, error)
	getSessionFn       func(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	listHostFn         func(ctx context.Context, hostID string) ([]domain.Session, error)
	listLiveFn         func(ctx context.Context) ([]domain.Session, error)
	goLiveFn           func(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error)
	endSessionFn       func(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error)
	reconnectFn        func(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error)
	deleteSessionFn    func(ctx context.Context, caller app.Caller, sessionID uuid.UUID) error
	setPromotedFn      func(ctx context.Context, caller app.Caller, sessionID uuid.UUID, promoted bool) (*domain.Session, error)
	hostConnectedFn    func(caller app.Caller, sess *domain.Session)
	hostDisconnectedFn func(caller app.Caller, sess *domain.Session)

	sellerItemsFn  func(ctx context.Context, caller app.Caller) ([]domain.CatalogItem, error)
	pinItemFn      func(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*domain.FeaturedItem, error)
	clearItemFn    func(ctx context.Context, caller app.Caller, sessionID uuid.UUID) error
	featuredItemFn func(ctx context.Context, sessionID uuid.UUID) (*domain.FeaturedItem, error)

	sendChatFn    func(ctx context.Context, caller app.Caller, sessionID uuid.UUID, text string) (*domain.ChatMessage, error)
	chatHistoryFn func(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error)
	reactFn       func(ctx context.Context, sessionID uuid.UUID, offset *float64) (*domain.Reaction, error)
	recentFn      func(sessionID uuid.UUID) []domain.Reaction

	reserveFn            func(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*app.ReservationView, error)
	getReservationFn     func(ctx context.Context, caller app.Caller, reservationID uuid.UUID) (*app.ReservationView, error)
	releaseReservationFn func(ctx context.Context, caller app.Caller, reservationID uuid.UUID) error

	openCheckoutFn   func(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*domain.CheckoutIntent, error)
	getCheckoutFn    func(ctx context.Context, caller app.Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error)
	submitCheckoutFn func(ctx context.Context, caller app.Caller, intentID uuid.UUID, buyer domain.BuyerDetails, method domain.PaymentMethod) (*domain.CheckoutIntent, error)
	cancelCheckoutFn func(ctx context.Context, caller app.Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error)
}

var errNotImplemented = errors.New("not implemented")

func (m *mockAppService) CreateSession(ctx context.Context, caller app.Caller, req app.CreateSessionRequest) (*domain.Session, error) {
	if m.createSessionFn != nil {
		return m.createSessionFn(ctx, caller, req)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) GetSession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, sessionID)
	}
	return nil, domain.ErrSessionNotFound
}

func (m *mockAppService) ListHostSessions(ctx context.Context, hostID string) ([]domain.Session, error) {
	if m.listHostFn != nil {
		return m.listHostFn(ctx, hostID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) ListLive(ctx context.Context) ([]domain.Session, error) {
	if m.listLiveFn != nil {
		return m.listLiveFn(ctx)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) GoLive(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error) {
	if m.goLiveFn != nil {
		return m.goLiveFn(ctx, caller, sessionID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) EndSession(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error) {
	if m.endSessionFn != nil {
		return m.endSessionFn(ctx, caller, sessionID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) Reconnect(ctx context.Context, caller app.Caller, sessionID uuid.UUID) (*domain.Session, error) {
	if m.reconnectFn != nil {
		return m.reconnectFn(ctx, caller, sessionID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) DeleteSession(ctx context.Context, caller app.Caller, sessionID uuid.UUID) error {
	if m.deleteSessionFn != nil {
		return m.deleteSessionFn(ctx, caller, sessionID)
	}
	return errNotImplemented
}

func (m *mockAppService) SetPromoted(ctx context.Context, caller app.Caller, sessionID uuid.UUID, promoted bool) (*domain.Session, error) {
	if m.setPromotedFn != nil {
		return m.setPromotedFn(ctx, caller, sessionID, promoted)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) HostConnected(caller app.Caller, sess *domain.Session) {
	if m.hostConnectedFn != nil {
		m.hostConnectedFn(caller, sess)
	}
}

func (m *mockAppService) HostDisconnected(caller app.Caller, sess *domain.Session) {
	if m.hostDisconnectedFn != nil {
		m.hostDisconnectedFn(caller, sess)
	}
}

func (m *mockAppService) SellerItems(ctx context.Context, caller app.Caller) ([]domain.CatalogItem, error) {
	if m.sellerItemsFn != nil {
		return m.sellerItemsFn(ctx, caller)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) PinItem(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*domain.FeaturedItem, error) {
	if m.pinItemFn != nil {
		return m.pinItemFn(ctx, caller, sessionID, itemID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) ClearItem(ctx context.Context, caller app.Caller, sessionID uuid.UUID) error {
	if m.clearItemFn != nil {
		return m.clearItemFn(ctx, caller, sessionID)
	}
	return errNotImplemented
}

func (m *mockAppService) FeaturedItem(ctx context.Context, sessionID uuid.UUID) (*domain.FeaturedItem, error) {
	if m.featuredItemFn != nil {
		return m.featuredItemFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockAppService) SendChat(ctx context.Context, caller app.Caller, sessionID uuid.UUID, text string) (*domain.ChatMessage, error) {
	if m.sendChatFn != nil {
		return m.sendChatFn(ctx, caller, sessionID, text)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) ChatHistory(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	if m.chatHistoryFn != nil {
		return m.chatHistoryFn(ctx, sessionID, limit)
	}
	return nil, nil
}

func (m *mockAppService) React(ctx context.Context, sessionID uuid.UUID, offset *float64) (*domain.Reaction, error) {
	if m.reactFn != nil {
		return m.reactFn(ctx, sessionID, offset)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) RecentReactions(sessionID uuid.UUID) []domain.Reaction {
	if m.recentFn != nil {
		return m.recentFn(sessionID)
	}
	return nil
}

func (m *mockAppService) Reserve(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*app.ReservationView, error) {
	if m.reserveFn != nil {
		return m.reserveFn(ctx, caller, sessionID, itemID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) GetReservation(ctx context.Context, caller app.Caller, reservationID uuid.UUID) (*app.ReservationView, error) {
	if m.getReservationFn != nil {
		return m.getReservationFn(ctx, caller, reservationID)
	}
	return nil, domain.ErrReservationNotFound
}

func (m *mockAppService) ReleaseReservation(ctx context.Context, caller app.Caller, reservationID uuid.UUID) error {
	if m.releaseReservationFn != nil {
		return m.releaseReservationFn(ctx, caller, reservationID)
	}
	return errNotImplemented
}

func (m *mockAppService) OpenCheckout(ctx context.Context, caller app.Caller, sessionID uuid.UUID, itemID string) (*domain.CheckoutIntent, error) {
	if m.openCheckoutFn != nil {
		return m.openCheckoutFn(ctx, caller, sessionID, itemID)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) GetCheckout(ctx context.Context, caller app.Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	if m.getCheckoutFn != nil {
		return m.getCheckoutFn(ctx, caller, intentID)
	}
	return nil, domain.ErrCheckoutNotFound
}

func (m *mockAppService) SubmitCheckout(ctx context.Context, caller app.Caller, intentID uuid.UUID, buyer domain.BuyerDetails, method domain.PaymentMethod) (*domain.CheckoutIntent, error) {
	if m.submitCheckoutFn != nil {
		return m.submitCheckoutFn(ctx, caller, intentID, buyer, method)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) CancelCheckout(ctx context.Context, caller app.Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	if m.cancelCheckoutFn != nil {
		return m.cancelCheckoutFn(ctx, caller, intentID)
	}
	return nil, errNotImplemented
}

type mockMediaEvents struct {
	events []media.WebhookEvent
}

func (m *mockMediaEvents) HandleEvent(ev media.WebhookEvent) {
	m.events = append(m.events, ev)
}

// --- Helpers ---

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:               "test",
		AppURL:               "https://live.example.com",
		JWTSecret:            testJWTSecret,
		MediaWebhookSecret:   testWebhookSecret,
		ChatHistoryLimit:     50,
		MaxViewersPerSession: 100,
		ChatRatePerSecond:    1,
		ChatBurst:            3,
		ReactionRatePerSec:   10,
	}
}

func newTestServer(t *testing.T, svc appService, opts ...func(*Server)) *Server {
	t.Helper()
	srv := NewServer(testConfig(), svc, Streams{}, nil, clockwork.NewRealClock(), nil)
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) { s.healthChecks = checks }
}

func withMedia(m MediaEvents) func(*Server) {
	return func(s *Server) { s.media = m }
}

func withClock(c clockwork.Clock) func(*Server) {
	return func(s *Server) { s.clock = c }
}

func signToken(t *testing.T, caller app.Caller, expiresAt time.Time) string {
	t.Helper()
	claims := Claims{
		Name: caller.Name,
		Role: caller.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

// doRequest sends an authenticated request through the full router.
func doRequest(t *testing.T, srv *Server, caller app.Caller, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+signToken(t, caller, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func liveSession(hostID string) *domain.Session {
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	return &domain.Session{
		ID:        uuid.New(),
		HostID:    hostID,
		HostName:  "Hodan Store",
		Title:     "Evening drop",
		Status:    domain.StatusLive,
		CreatedAt: now,
		StartedAt: &now,
	}
}
