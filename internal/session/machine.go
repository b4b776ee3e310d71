// Package session drives the lifecycle of a live sale:
// SCHEDULED -> LIVE -> ENDED, the host's media channel, and the grace
// period that ends a session whose host vanished.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const DefaultGracePeriod = 30 * time.Second

// PresenceResetter zeroes a session's viewer count when it ends.
type PresenceResetter interface {
	Reset(ctx context.Context, sessionID uuid.UUID) error
}

// FeatureClearer removes the pinned product when a session ends.
type FeatureClearer interface {
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

type Option func(*Machine)

func WithGracePeriod(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithEndHook registers fn to run after a session has ended and its
// terminal event has been published.
func WithEndHook(fn func(ctx context.Context, sessionID uuid.UUID)) Option {
	return func(m *Machine) { m.endHooks = append(m.endHooks, fn) }
}

// Machine owns every media connection handle it opens for the whole time a
// session is LIVE. Status changes go through the repository's
// compare-and-set, so concurrent callers can never move a session backwards.
type Machine struct {
	sessions domain.SessionRepository
	events   domain.EventPublisher
	media    domain.MediaTransport
	presence PresenceResetter
	features FeatureClearer
	clock    clockwork.Clock
	grace    time.Duration
	endHooks []func(context.Context, uuid.UUID)

	mu      sync.Mutex
	handles map[uuid.UUID]domain.ConnectionHandle
	timers  map[uuid.UUID]*graceTimer
}

type graceTimer struct {
	timer clockwork.Timer
}

func NewMachine(
	sessions domain.SessionRepository,
	events domain.EventPublisher,
	media domain.MediaTransport,
	presence PresenceResetter,
	features FeatureClearer,
	clock clockwork.Clock,
	opts ...Option,
) *Machine {
	m := &Machine{
		sessions: sessions,
		events:   events,
		media:    media,
		presence: presence,
		features: features,
		clock:    clock,
		grace:    DefaultGracePeriod,
		handles:  make(map[uuid.UUID]domain.ConnectionHandle),
		timers:   make(map[uuid.UUID]*graceTimer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new session. Without a future start time it goes LIVE
// immediately. If the media channel cannot be opened the session is still
// returned, together with an error wrapping ErrTransportUnavailable.
func (m *Machine) Create(ctx context.Context, in domain.NewSession) (*domain.Session, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	s := &domain.Session{
		ID:        uuid.New(),
		HostID:    in.HostID,
		HostName:  in.HostName,
		Title:     in.Title,
		Category:  in.Category,
		Status:    domain.StatusScheduled,
		CreatedAt: now,
		Featured:  in.Featured,
	}
	if in.ScheduledAt != nil && in.ScheduledAt.After(now) {
		at := *in.ScheduledAt
		s.ScheduledAt = &at
	} else {
		s.Status = domain.StatusLive
		s.StartedAt = &now
	}

	if err := m.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(s.Status)).Inc()

	ctx = correlation.WithSession(ctx, s.ID)
	slog.InfoContext(ctx, "Session created", "host_id", s.HostID, "status", s.Status)

	if s.Status == domain.StatusLive {
		return s, m.enterLive(ctx, s)
	}
	return s, nil
}

// GoLive moves a SCHEDULED session to LIVE. Any other current status is
// ErrInvalidTransition.
func (m *Machine) GoLive(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	s, err := m.sessions.Transition(ctx, sessionID, domain.Transition{
		From: []domain.SessionStatus{domain.StatusScheduled},
		To:   domain.StatusLive,
		At:   m.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.StatusLive)).Inc()

	ctx = correlation.WithSession(ctx, sessionID)
	slog.InfoContext(ctx, "Session went live")
	return s, m.enterLive(ctx, s)
}

// End moves a session to ENDED and tears down everything attached to it.
// Ending an already ended session returns it unchanged.
func (m *Machine) End(ctx context.Context, sessionID uuid.UUID, endedBy string) (*domain.Session, error) {
	if endedBy == "" {
		return nil, domain.Invalid("ended_by", "required")
	}

	s, err := m.sessions.Transition(ctx, sessionID, domain.Transition{
		From:    []domain.SessionStatus{domain.StatusScheduled, domain.StatusLive},
		To:      domain.StatusEnded,
		At:      m.clock.Now(),
		EndedBy: endedBy,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		current, getErr := m.sessions.Get(ctx, sessionID)
		if getErr == nil && current.Status == domain.StatusEnded {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.StatusEnded)).Inc()

	ctx = correlation.WithSession(ctx, sessionID)
	m.teardown(ctx, s)
	slog.InfoContext(ctx, "Session ended", "ended_by", endedBy)
	return s, nil
}

// Reconnect reopens the host's media channel of a LIVE session, replacing
// any handle still held.
func (m *Machine) Reconnect(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.StatusLive {
		return nil, domain.ErrSessionNotLive
	}

	ctx = correlation.WithSession(ctx, sessionID)
	m.closeMedia(ctx, sessionID)
	if err := m.openMedia(ctx, sessionID); err != nil {
		m.HostDisconnected(sessionID)
		return s, err
	}
	m.HostConnected(sessionID)
	return s, nil
}

// Handle returns the media handle held for a LIVE session.
func (m *Machine) Handle(sessionID uuid.UUID) (domain.ConnectionHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// HostDisconnected starts the grace timer. If the host is not back before it
// fires, the session is ended by the system.
func (m *Machine) HostDisconnected(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.timers[sessionID]; running {
		return
	}
	gt := &graceTimer{}
	gt.timer = m.clock.AfterFunc(m.grace, func() { m.graceExpired(sessionID, gt) })
	m.timers[sessionID] = gt

	slog.Info("Host grace period started", "session_id", sessionID.String(), "grace", m.grace)
}

// HostConnected cancels a running grace timer.
func (m *Machine) HostConnected(sessionID uuid.UUID) {
	if m.cancelGrace(sessionID) {
		slog.Info("Host reconnected within grace period", "session_id", sessionID.String())
	}
}

func (m *Machine) cancelGrace(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	gt, ok := m.timers[sessionID]
	if ok {
		gt.timer.Stop()
		delete(m.timers, sessionID)
	}
	return ok
}

// Stop cancels every grace timer. Sessions keep their status.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, gt := range m.timers {
		gt.timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Machine) graceExpired(sessionID uuid.UUID, gt *graceTimer) {
	m.mu.Lock()
	if m.timers[sessionID] != gt {
		m.mu.Unlock()
		return
	}
	delete(m.timers, sessionID)
	m.mu.Unlock()

	ctx := correlation.WithSession(context.Background(), sessionID)
	s, err := m.sessions.Get(ctx, sessionID)
	if err != nil || s.Status != domain.StatusLive {
		return
	}

	metrics.SessionGraceExpiredTotal.Inc()
	slog.WarnContext(ctx, "Host grace period expired")
	if _, err := m.End(ctx, sessionID, domain.EndedBySystem); err != nil {
		slog.ErrorContext(ctx, "Failed to end session after grace period", "error", err)
	}
}

func (m *Machine) enterLive(ctx context.Context, s *domain.Session) error {
	ev := domain.Event{Type: domain.EventSessionLive, SessionID: s.ID, Session: s}
	if err := m.events.Publish(ctx, ev); err != nil {
		slog.WarnContext(ctx, "Failed to publish session live", "error", err)
	}
	// A LIVE session without a publisher ends unless Reconnect succeeds in time.
	if err := m.openMedia(ctx, s.ID); err != nil {
		m.HostDisconnected(s.ID)
		return err
	}
	return nil
}

func (m *Machine) openMedia(ctx context.Context, sessionID uuid.UUID) error {
	handle, err := m.media.OpenChannel(ctx, sessionID.String(), domain.MediaPublisher)
	if err != nil {
		slog.WarnContext(ctx, "Failed to open media channel", "error", err)
		return transportErr(err)
	}

	if err := m.media.PublishLocalTracks(ctx, handle); err != nil {
		slog.WarnContext(ctx, "Failed to publish host tracks", "error", err)
		if closeErr := m.media.CloseChannel(ctx, handle); closeErr != nil {
			slog.WarnContext(ctx, "Failed to close media channel", "error", closeErr)
		}
		return transportErr(err)
	}

	m.media.OnRemoteTrackPublished(handle, func(t domain.TrackInfo) {
		slog.Debug("Remote track published", "session_id", sessionID.String(), "track_id", t.TrackID, "kind", t.Kind)
	})
	m.media.OnPublisherLost(handle, func() { m.HostDisconnected(sessionID) })

	m.mu.Lock()
	m.handles[sessionID] = handle
	m.mu.Unlock()

	slog.InfoContext(ctx, "Media channel open", "connection_id", handle.ConnectionID)
	return nil
}

func (m *Machine) closeMedia(ctx context.Context, sessionID uuid.UUID) {
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := m.media.CloseChannel(ctx, handle); err != nil {
		slog.WarnContext(ctx, "Failed to close media channel", "connection_id", handle.ConnectionID, "error", err)
	}
}

// teardown runs after the ENDED transition. Each step is best effort; the
// status change has already happened and is what gates new traffic.
func (m *Machine) teardown(ctx context.Context, s *domain.Session) {
	m.cancelGrace(s.ID)
	m.closeMedia(ctx, s.ID)

	if err := m.features.Clear(ctx, s.ID); err != nil {
		slog.WarnContext(ctx, "Failed to clear featured item", "error", err)
	}
	if err := m.presence.Reset(ctx, s.ID); err != nil {
		slog.WarnContext(ctx, "Failed to reset presence", "error", err)
	}

	endedAt := m.clock.Now()
	if s.EndedAt != nil {
		endedAt = *s.EndedAt
	}
	ev := domain.Event{
		Type:      domain.EventSessionEnded,
		SessionID: s.ID,
		Ended:     &domain.SessionEnded{EndedBy: s.EndedBy, EndedAt: endedAt},
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		slog.ErrorContext(ctx, "Failed to publish session ended", "error", err)
	}

	for _, hook := range m.endHooks {
		hook(ctx, s.ID)
	}
}

func transportErr(err error) error {
	if errors.Is(err, domain.ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
}
