package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/chat"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

type Role string

const (
	RoleViewer    Role = "viewer"
	RoleHost      Role = "host"
	RoleModerator Role = "moderator"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID   string
	Name string
	Role Role
}

func (c Caller) IsModerator() bool { return c.Role == RoleModerator }

// Lifecycle is the session state machine.
type Lifecycle interface {
	Create(ctx context.Context, in domain.NewSession) (*domain.Session, error)
	GoLive(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	End(ctx context.Context, sessionID uuid.UUID, endedBy string) (*domain.Session, error)
	Reconnect(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	HostConnected(sessionID uuid.UUID)
	HostDisconnected(sessionID uuid.UUID)
}

type ChatChannel interface {
	Send(ctx context.Context, sessionID uuid.UUID, author chat.Author, text string) (*domain.ChatMessage, error)
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error)
}

type Reactions interface {
	Broadcast(ctx context.Context, sessionID uuid.UUID, offset *float64) (*domain.Reaction, error)
	Recent(sessionID uuid.UUID) []domain.Reaction
}

type Features interface {
	Pin(ctx context.Context, sessionID uuid.UUID, item domain.FeaturedItem) error
	Clear(ctx context.Context, sessionID uuid.UUID) error
	Current(ctx context.Context, sessionID uuid.UUID) (*domain.FeaturedItem, error)
}

type Checkout interface {
	Open(ctx context.Context, sessionID uuid.UUID, itemID, holderID string) (*domain.CheckoutIntent, error)
	Get(ctx context.Context, intentID uuid.UUID) (*domain.CheckoutIntent, error)
	Submit(ctx context.Context, intentID uuid.UUID, buyer domain.BuyerDetails, method domain.PaymentMethod) (*domain.CheckoutIntent, error)
	Cancel(ctx context.Context, intentID uuid.UUID) (*domain.CheckoutIntent, error)
}

// Deps are the components the service orchestrates. All are required.
type Deps struct {
	Sessions  domain.SessionRepository
	Lifecycle Lifecycle
	Chat      ChatChannel
	Reactions Reactions
	Features  Features
	Ledger    domain.ReservationLedger
	Checkout  Checkout
	Catalog   domain.Catalog
	Presence  PresenceReconciler
	Clock     clockwork.Clock
}

// Service is the application layer: the only component that references
// several domain components. Handlers call it with the authenticated Caller.
type Service struct {
	sessions  domain.SessionRepository
	lifecycle Lifecycle
	chat      ChatChannel
	reactions Reactions
	features  Features
	ledger    domain.ReservationLedger
	checkout  Checkout
	catalog   domain.Catalog
	presence  PresenceReconciler
	clock     clockwork.Clock

	reconcileInterval time.Duration
	sweepInterval     time.Duration
	reapInterval      time.Duration
	maxDuration       time.Duration
	sweepers          []Sweeper
	elector           Elector

	getGroup singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService wires the use cases and starts the maintenance loops.
// Call Stop to end them.
func NewService(deps Deps, opts ...Option) *Service {
	s := &Service{
		sessions:          deps.Sessions,
		lifecycle:         deps.Lifecycle,
		chat:              deps.Chat,
		reactions:         deps.Reactions,
		features:          deps.Features,
		ledger:            deps.Ledger,
		checkout:          deps.Checkout,
		catalog:           deps.Catalog,
		presence:          deps.Presence,
		clock:             deps.Clock,
		reconcileInterval: defaultReconcileInterval,
		sweepInterval:     defaultSweepInterval,
		reapInterval:      defaultReapInterval,
		maxDuration:       defaultMaxSessionDuration,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.startMaintenance()
	return s
}

// CreateSessionRequest is what a host submits. The host identity comes from
// the caller, never the body.
type CreateSessionRequest struct {
	Title       string               `json:"title"`
	Category    string               `json:"category"`
	Featured    *domain.FeaturedItem `json:"featured,omitempty"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
}

// CreateSession stores a new session for the calling host. When the media
// channel could not be opened the session is returned together with an
// error wrapping ErrTransportUnavailable.
func (s *Service) CreateSession(ctx context.Context, caller Caller, req CreateSessionRequest) (*domain.Session, error) {
	if caller.Role != RoleHost {
		return nil, domain.ErrForbidden
	}
	return s.lifecycle.Create(ctx, domain.NewSession{
		HostID:      caller.ID,
		HostName:    caller.Name,
		Title:       strings.TrimSpace(req.Title),
		Category:    strings.TrimSpace(req.Category),
		Featured:    req.Featured,
		ScheduledAt: req.ScheduledAt,
	})
}

// GetSession reads the directory. Concurrent reads of the same session are
// collapsed into one store call; the result is shared and must not be mutated.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	v, err, _ := s.getGroup.Do(sessionID.String(), func() (any, error) {
		return s.sessions.Get(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

func (s *Service) ListHostSessions(ctx context.Context, hostID string) ([]domain.Session, error) {
	if strings.TrimSpace(hostID) == "" {
		return nil, domain.Invalid("host_id", "required")
	}
	return s.sessions.ListByHost(ctx, hostID)
}

// ListLive returns every LIVE session, newest first.
func (s *Service) ListLive(ctx context.Context) ([]domain.Session, error) {
	return s.sessions.ListByStatus(ctx, domain.StatusLive)
}

func (s *Service) GoLive(ctx context.Context, caller Caller, sessionID uuid.UUID) (*domain.Session, error) {
	if _, err := s.authorizeHost(ctx, caller, sessionID); err != nil {
		return nil, err
	}
	return s.lifecycle.GoLive(ctx, sessionID)
}

// EndSession is allowed for the host and for moderators (force-end).
func (s *Service) EndSession(ctx context.Context, caller Caller, sessionID uuid.UUID) (*domain.Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.HostID != caller.ID && !caller.IsModerator() {
		return nil, domain.ErrForbidden
	}
	if caller.IsModerator() && sess.HostID != caller.ID {
		slog.InfoContext(correlation.WithSession(ctx, sessionID), "Moderator force-ending session", "moderator_id", caller.ID)
	}
	return s.lifecycle.End(ctx, sessionID, caller.ID)
}

// Reconnect re-opens the host's media channel after a transport failure.
func (s *Service) Reconnect(ctx context.Context, caller Caller, sessionID uuid.UUID) (*domain.Session, error) {
	if _, err := s.authorizeHost(ctx, caller, sessionID); err != nil {
		return nil, err
	}
	return s.lifecycle.Reconnect(ctx, sessionID)
}

// DeleteSession removes an ENDED session and its chat. Moderators only.
func (s *Service) DeleteSession(ctx context.Context, caller Caller, sessionID uuid.UUID) error {
	if !caller.IsModerator() {
		return domain.ErrForbidden
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	slog.InfoContext(correlation.WithSession(ctx, sessionID), "Session deleted", "moderator_id", caller.ID)
	return nil
}

// SetPromoted toggles the platform promotion flag. Moderators only.
func (s *Service) SetPromoted(ctx context.Context, caller Caller, sessionID uuid.UUID, promoted bool) (*domain.Session, error) {
	if !caller.IsModerator() {
		return nil, domain.ErrForbidden
	}
	if err := s.sessions.SetPromoted(ctx, sessionID, promoted); err != nil {
		return nil, err
	}
	return s.sessions.Get(ctx, sessionID)
}

// HostConnected and HostDisconnected come from the live socket. Only the
// session's own host moves the grace timer.
func (s *Service) HostConnected(caller Caller, sess *domain.Session) {
	if sess.HostID == caller.ID {
		s.lifecycle.HostConnected(sess.ID)
	}
}

func (s *Service) HostDisconnected(caller Caller, sess *domain.Session) {
	if sess.HostID == caller.ID {
		s.lifecycle.HostDisconnected(sess.ID)
	}
}

// SellerItems lists the calling host's catalog for the pin picker.
func (s *Service) SellerItems(ctx context.Context, caller Caller) ([]domain.CatalogItem, error) {
	if caller.Role != RoleHost {
		return nil, domain.ErrForbidden
	}
	return s.catalog.ListSellerItems(ctx, caller.ID)
}

// PinItem features an item from the host's own catalog.
func (s *Service) PinItem(ctx context.Context, caller Caller, sessionID uuid.UUID, itemID string) (*domain.FeaturedItem, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, domain.Invalid("item_id", "required")
	}
	sess, err := s.authorizeHost(ctx, caller, sessionID)
	if err != nil {
		return nil, err
	}

	items, err := s.catalog.ListSellerItems(ctx, sess.HostID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.ID != itemID {
			continue
		}
		featured := it.Featured()
		if err := s.features.Pin(ctx, sessionID, featured); err != nil {
			return nil, err
		}
		return &featured, nil
	}
	return nil, domain.Invalid("item_id", "not in the seller's catalog")
}

func (s *Service) ClearItem(ctx context.Context, caller Caller, sessionID uuid.UUID) error {
	if _, err := s.authorizeHost(ctx, caller, sessionID); err != nil {
		return err
	}
	return s.features.Clear(ctx, sessionID)
}

func (s *Service) FeaturedItem(ctx context.Context, sessionID uuid.UUID) (*domain.FeaturedItem, error) {
	return s.features.Current(ctx, sessionID)
}

// SendChat posts as host when the caller owns the session, else as viewer.
func (s *Service) SendChat(ctx context.Context, caller Caller, sessionID uuid.UUID, text string) (*domain.ChatMessage, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.chat.Send(ctx, sessionID, AuthorFor(caller, sess), text)
}

// AuthorFor derives the chat author for caller in sess.
func AuthorFor(caller Caller, sess *domain.Session) chat.Author {
	role := domain.RoleViewer
	if sess.HostID == caller.ID {
		role = domain.RoleHost
	}
	return chat.Author{ID: caller.ID, Name: caller.Name, Role: role}
}

func (s *Service) ChatHistory(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	return s.chat.History(ctx, sessionID, limit)
}

func (s *Service) React(ctx context.Context, sessionID uuid.UUID, offset *float64) (*domain.Reaction, error) {
	return s.reactions.Broadcast(ctx, sessionID, offset)
}

func (s *Service) RecentReactions(sessionID uuid.UUID) []domain.Reaction {
	return s.reactions.Recent(sessionID)
}

// ReservationView is a hold plus the countdown the buyer sees.
type ReservationView struct {
	domain.StockReservation
	Active      bool  `json:"active"`
	RemainingMS int64 `json:"remaining_ms"`
}

func (s *Service) view(r *domain.StockReservation) *ReservationView {
	now := s.clock.Now()
	return &ReservationView{
		StockReservation: *r,
		Active:           r.ActiveAt(now),
		RemainingMS:      r.Remaining(now).Milliseconds(),
	}
}

// Reserve holds one unit of the session's featured item for the caller.
func (s *Service) Reserve(ctx context.Context, caller Caller, sessionID uuid.UUID, itemID string) (*ReservationView, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusLive {
		return nil, domain.ErrSessionNotLive
	}
	if sess.Featured == nil || sess.Featured.ItemID != itemID {
		return nil, domain.Invalid("item_id", "is not the featured item")
	}

	r, err := s.ledger.Acquire(ctx, itemID, caller.ID)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(correlation.WithSession(ctx, sessionID), "Stock reserved",
		"item_id", itemID, "reservation_id", r.ID.String(), "holder_id", caller.ID)
	return s.view(r), nil
}

func (s *Service) GetReservation(ctx context.Context, caller Caller, reservationID uuid.UUID) (*ReservationView, error) {
	r, err := s.ledger.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.HolderID != caller.ID {
		return nil, domain.ErrForbidden
	}
	return s.view(r), nil
}

// ReleaseReservation gives a hold back early. Releasing twice is fine.
func (s *Service) ReleaseReservation(ctx context.Context, caller Caller, reservationID uuid.UUID) error {
	r, err := s.ledger.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.HolderID != caller.ID {
		return domain.ErrForbidden
	}
	return s.ledger.Release(ctx, reservationID)
}

func (s *Service) OpenCheckout(ctx context.Context, caller Caller, sessionID uuid.UUID, itemID string) (*domain.CheckoutIntent, error) {
	return s.checkout.Open(ctx, sessionID, itemID, caller.ID)
}

func (s *Service) GetCheckout(ctx context.Context, caller Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	return s.ownIntent(ctx, caller, intentID)
}

func (s *Service) SubmitCheckout(ctx context.Context, caller Caller, intentID uuid.UUID, buyer domain.BuyerDetails, method domain.PaymentMethod) (*domain.CheckoutIntent, error) {
	if _, err := s.ownIntent(ctx, caller, intentID); err != nil {
		return nil, err
	}
	return s.checkout.Submit(ctx, intentID, buyer, method)
}

func (s *Service) CancelCheckout(ctx context.Context, caller Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	if _, err := s.ownIntent(ctx, caller, intentID); err != nil {
		return nil, err
	}
	return s.checkout.Cancel(ctx, intentID)
}

func (s *Service) ownIntent(ctx context.Context, caller Caller, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	intent, err := s.checkout.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.HolderID != caller.ID {
		return nil, domain.ErrForbidden
	}
	return intent, nil
}

func (s *Service) authorizeHost(ctx context.Context, caller Caller, sessionID uuid.UUID) (*domain.Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.HostID != caller.ID {
		return nil, domain.ErrForbidden
	}
	return sess, nil
}

// Stop ends the maintenance loops and releases leadership, if held.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
