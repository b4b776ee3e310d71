package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusScheduled SessionStatus = "SCHEDULED"
	StatusLive      SessionStatus = "LIVE"
	StatusEnded     SessionStatus = "ENDED"
)

// EndedBySystem marks sessions terminated by the host grace timer.
const EndedBySystem = "system"

// CanTransitionTo reports whether next is a legal successor of s.
// Status only moves forward: SCHEDULED -> LIVE -> ENDED, SCHEDULED -> ENDED.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusScheduled:
		return next == StatusLive || next == StatusEnded
	case StatusLive:
		return next == StatusEnded
	default:
		return false
	}
}

func (s SessionStatus) Valid() bool {
	return s == StatusScheduled || s == StatusLive || s == StatusEnded
}

// FeaturedItem is a denormalized snapshot of a catalog item pinned by the host.
type FeaturedItem struct {
	ItemID     string `json:"item_id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
	ImageURL   string `json:"image_url,omitempty"`
}

func (f FeaturedItem) Validate() error {
	switch {
	case strings.TrimSpace(f.ItemID) == "":
		return Invalid("item_id", "required")
	case strings.TrimSpace(f.Name) == "":
		return Invalid("name", "required")
	case f.PriceMinor < 0:
		return Invalid("price_minor", "must not be negative")
	case len(f.Currency) != 3:
		return Invalid("currency", "must be a 3-letter code")
	}
	return nil
}

type Session struct {
	ID          uuid.UUID     `json:"id"`
	HostID      string        `json:"host_id"`
	HostName    string        `json:"host_name"`
	Title       string        `json:"title"`
	Category    string        `json:"category"`
	Status      SessionStatus `json:"status"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	EndedBy     string        `json:"ended_by,omitempty"`
	Featured    *FeaturedItem `json:"featured,omitempty"`
	ViewerCount int64         `json:"viewer_count"`
	PeakViewers int64         `json:"peak_viewers"`
	LikeCount   int64         `json:"like_count"`
	Promoted    bool          `json:"promoted"`
}

// AcceptsTraffic reports whether chat and reactions may still be posted.
func (s *Session) AcceptsTraffic() bool {
	return s.Status != StatusEnded
}

// NewSession is the input to session creation.
type NewSession struct {
	HostID      string
	HostName    string
	Title       string
	Category    string
	Featured    *FeaturedItem
	ScheduledAt *time.Time
}

func (n NewSession) Validate() error {
	switch {
	case strings.TrimSpace(n.HostID) == "":
		return Invalid("host_id", "required")
	case strings.TrimSpace(n.Title) == "":
		return Invalid("title", "required")
	case len([]rune(n.Title)) > 120:
		return Invalid("title", "must be at most 120 characters")
	}
	if n.Featured != nil {
		return n.Featured.Validate()
	}
	return nil
}

// Transition describes a compare-and-set status change.
type Transition struct {
	From    []SessionStatus
	To      SessionStatus
	At      time.Time
	EndedBy string
}

// SessionRepository is the session directory. Every mutation is a targeted
// field update; callers never write whole records back.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	ListByHost(ctx context.Context, hostID string) ([]Session, error)
	ListByStatus(ctx context.Context, status SessionStatus) ([]Session, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Transition moves the status only if it is currently one of t.From.
	// Returns ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*Session, error)

	SetFeatured(ctx context.Context, id uuid.UUID, item *FeaturedItem) error
	SetViewerCount(ctx context.Context, id uuid.UUID, count int64) error
	IncrLikes(ctx context.Context, id uuid.UUID, delta int64) (int64, error)
	SetPromoted(ctx context.Context, id uuid.UUID, promoted bool) error
}
