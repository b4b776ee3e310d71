package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StockReservation is a time-limited exclusive hold on one unit of an item.
type StockReservation struct {
	ID         uuid.UUID  `json:"id"`
	ItemID     string     `json:"item_id"`
	HolderID   string     `json:"holder_id"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// ActiveAt reports whether the hold is unreleased and unexpired at now.
func (r StockReservation) ActiveAt(now time.Time) bool {
	return r.ReleasedAt == nil && now.Before(r.ExpiresAt)
}

// Remaining is the countdown shown to the holder: max(0, expires - now).
func (r StockReservation) Remaining(now time.Time) time.Duration {
	if r.ReleasedAt != nil {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ReservationLedger grants at most one active hold per item. Expiry is
// enforced on every read, not by a background job.
type ReservationLedger interface {
	Acquire(ctx context.Context, itemID, holderID string) (*StockReservation, error)
	Release(ctx context.Context, reservationID uuid.UUID) error
	IsActive(ctx context.Context, reservationID uuid.UUID) (bool, error)
	Get(ctx context.Context, reservationID uuid.UUID) (*StockReservation, error)
	ActiveForItem(ctx context.Context, itemID string) (*StockReservation, error)
}
