package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
)

type SessionRepo struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*domain.Session
}

var _ domain.SessionRepository = (*SessionRepo)(nil)

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (r *SessionRepo) Create(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = clone(s)
	return nil
}

func (r *SessionRepo) Get(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return clone(s), nil
}

// ListByHost returns the host's sessions, newest first.
func (r *SessionRepo) ListByHost(_ context.Context, hostID string) ([]domain.Session, error) {
	return r.filter(func(s *domain.Session) bool { return s.HostID == hostID }), nil
}

func (r *SessionRepo) ListByStatus(_ context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	return r.filter(func(s *domain.Session) bool { return s.Status == status }), nil
}

func (r *SessionRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.Status != domain.StatusEnded {
		return domain.ErrSessionActive
	}
	delete(r.sessions, id)
	return nil
}

func (r *SessionRepo) Transition(_ context.Context, id uuid.UUID, t domain.Transition) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if !slices.Contains(t.From, s.Status) {
		return nil, domain.ErrInvalidTransition
	}

	at := t.At
	s.Status = t.To
	switch t.To {
	case domain.StatusLive:
		s.StartedAt = &at
	case domain.StatusEnded:
		s.EndedAt = &at
		s.EndedBy = t.EndedBy
	}
	return clone(s), nil
}

func (r *SessionRepo) SetFeatured(_ context.Context, id uuid.UUID, item *domain.FeaturedItem) error {
	return r.update(id, func(s *domain.Session) {
		if item == nil {
			s.Featured = nil
			return
		}
		cp := *item
		s.Featured = &cp
	})
}

// SetViewerCount also raises the peak, never lowers it.
func (r *SessionRepo) SetViewerCount(_ context.Context, id uuid.UUID, count int64) error {
	return r.update(id, func(s *domain.Session) {
		s.ViewerCount = max(count, 0)
		s.PeakViewers = max(s.PeakViewers, s.ViewerCount)
	})
}

func (r *SessionRepo) IncrLikes(_ context.Context, id uuid.UUID, delta int64) (int64, error) {
	var likes int64
	err := r.update(id, func(s *domain.Session) {
		s.LikeCount += delta
		likes = s.LikeCount
	})
	return likes, err
}

func (r *SessionRepo) SetPromoted(_ context.Context, id uuid.UUID, promoted bool) error {
	return r.update(id, func(s *domain.Session) { s.Promoted = promoted })
}

func (r *SessionRepo) update(id uuid.UUID, fn func(*domain.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	fn(s)
	return nil
}

func (r *SessionRepo) filter(keep func(*domain.Session) bool) []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Session, 0)
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, *clone(s))
		}
	}
	slices.SortFunc(out, func(a, b domain.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

func clone(s *domain.Session) *domain.Session {
	cp := *s
	if s.Featured != nil {
		f := *s.Featured
		cp.Featured = &f
	}
	return &cp
}
