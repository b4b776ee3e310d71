// Package reservation grants short exclusive holds on a unit of stock while a
// viewer checks out during a live session.
package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultHold = 120 * time.Second
	// lapsed records stay readable this long so a late Submit can still
	// report ReservationExpired instead of NotFound.
	recordRetention = 10 * time.Minute
)

// Ledger is the single-instance ReservationLedger. Expiry is decided on
// every read from the clock, so correctness never depends on Sweep.
type Ledger struct {
	clock clockwork.Clock
	hold  time.Duration

	mu     sync.Mutex
	byID   map[uuid.UUID]*domain.StockReservation
	byItem map[string]uuid.UUID
}

var _ domain.ReservationLedger = (*Ledger)(nil)

func NewLedger(clock clockwork.Clock, hold time.Duration) *Ledger {
	if hold <= 0 {
		hold = DefaultHold
	}
	return &Ledger{
		clock:  clock,
		hold:   hold,
		byID:   make(map[uuid.UUID]*domain.StockReservation),
		byItem: make(map[string]uuid.UUID),
	}
}

// Acquire grants the item to holderID unless someone else holds it. A holder
// re-acquiring its own active hold gets the existing reservation back,
// unextended.
func (l *Ledger) Acquire(_ context.Context, itemID, holderID string) (*domain.StockReservation, error) {
	if itemID == "" {
		return nil, domain.Invalid("item_id", "required")
	}
	if holderID == "" {
		return nil, domain.Invalid("holder_id", "required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if id, ok := l.byItem[itemID]; ok {
		if current := l.byID[id]; current != nil && current.ActiveAt(now) {
			if current.HolderID == holderID {
				cp := *current
				return &cp, nil
			}
			metrics.ReservationAttemptsTotal.WithLabelValues("conflict").Inc()
			return nil, domain.ErrAlreadyReserved
		}
	}

	r := &domain.StockReservation{
		ID:         uuid.New(),
		ItemID:     itemID,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.hold),
	}
	l.byID[r.ID] = r
	l.byItem[itemID] = r.ID
	metrics.ReservationAttemptsTotal.WithLabelValues("acquired").Inc()

	cp := *r
	return &cp, nil
}

// Release is idempotent; unknown or already released ids are not an error.
func (l *Ledger) Release(_ context.Context, reservationID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.byID[reservationID]
	if !ok {
		return nil
	}
	if r.ReleasedAt == nil {
		now := l.clock.Now()
		r.ReleasedAt = &now
	}
	if l.byItem[r.ItemID] == reservationID {
		delete(l.byItem, r.ItemID)
	}
	return nil
}

func (l *Ledger) IsActive(_ context.Context, reservationID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[reservationID]
	return ok && r.ActiveAt(l.clock.Now()), nil
}

func (l *Ledger) Get(_ context.Context, reservationID uuid.UUID) (*domain.StockReservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *Ledger) ActiveForItem(_ context.Context, itemID string) (*domain.StockReservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byItem[itemID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	r := l.byID[id]
	if r == nil || !r.ActiveAt(l.clock.Now()) {
		return nil, domain.ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

// Sweep forgets records that lapsed more than recordRetention ago.
// Returns the number removed.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for id, r := range l.byID {
		endedAt := r.ExpiresAt
		if r.ReleasedAt != nil && r.ReleasedAt.Before(endedAt) {
			endedAt = *r.ReleasedAt
		}
		if now.Sub(endedAt) < recordRetention {
			continue
		}
		delete(l.byID, id)
		if l.byItem[r.ItemID] == id {
			delete(l.byItem, r.ItemID)
		}
		removed++
	}
	return removed
}
