package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/reservation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// recordRetention keeps lapsed records readable so a late submit still sees
// ReservationExpired rather than NotFound.
const recordRetention = 10 * time.Minute

func reservationItemKey(itemID string) string {
	return "reservation:item:" + itemID
}

func reservationKey(id uuid.UUID) string {
	return "reservation:" + id.String()
}

// Ledger is a ReservationLedger shared by all instances. Time comes from the
// injected clock and is passed into the scripts, so every instance judges
// expiry the same way its in-process peers do.
type Ledger struct {
	rdb   *goredis.Client
	clock clockwork.Clock
	hold  time.Duration
}

var _ domain.ReservationLedger = (*Ledger)(nil)

func NewLedger(rdb *goredis.Client, clock clockwork.Clock, hold time.Duration) *Ledger {
	if hold <= 0 {
		hold = reservation.DefaultHold
	}
	return &Ledger{rdb: rdb, clock: clock, hold: hold}
}

func (l *Ledger) Acquire(ctx context.Context, itemID, holderID string) (*domain.StockReservation, error) {
	if itemID == "" {
		return nil, domain.Invalid("item_id", "required")
	}
	if holderID == "" {
		return nil, domain.Invalid("holder_id", "required")
	}

	id := uuid.New()
	res, err := reserveScript.Run(ctx, l.rdb,
		[]string{reservationItemKey(itemID), reservationKey(id)},
		l.clock.Now().UnixMilli(),
		holderID,
		id.String(),
		itemID,
		l.hold.Milliseconds(),
		(l.hold + recordRetention).Milliseconds(),
	).StringSlice()
	if err != nil {
		metrics.ReservationAttemptsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reserve item: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("reserve item: unexpected reply %v", res)
	}

	switch res[0] {
	case "conflict":
		metrics.ReservationAttemptsTotal.WithLabelValues("conflict").Inc()
		return nil, domain.ErrAlreadyReserved
	case "held":
		existing, err := uuid.Parse(res[1])
		if err != nil {
			return nil, fmt.Errorf("reserve item: bad id %q: %w", res[1], err)
		}
		return l.Get(ctx, existing)
	}

	metrics.ReservationAttemptsTotal.WithLabelValues("acquired").Inc()
	return l.Get(ctx, id)
}

// Release is idempotent; unknown ids are not an error.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID) error {
	itemID, err := l.rdb.HGet(ctx, reservationKey(reservationID), "item_id").Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}

	err = releaseScript.Run(ctx, l.rdb,
		[]string{reservationKey(reservationID), reservationItemKey(itemID)},
		l.clock.Now().UnixMilli(),
		reservationID.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (l *Ledger) IsActive(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	r, err := l.Get(ctx, reservationID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.ActiveAt(l.clock.Now()), nil
}

func (l *Ledger) Get(ctx context.Context, reservationID uuid.UUID) (*domain.StockReservation, error) {
	fields, err := l.rdb.HGetAll(ctx, reservationKey(reservationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrReservationNotFound
	}
	return parseReservation(fields)
}

func (l *Ledger) ActiveForItem(ctx context.Context, itemID string) (*domain.StockReservation, error) {
	raw, err := l.rdb.Get(ctx, reservationItemKey(itemID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active reservation: %w", err)
	}

	idPart, _, _ := strings.Cut(raw, "|")
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, fmt.Errorf("active reservation: bad item entry %q: %w", raw, err)
	}

	r, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.ActiveAt(l.clock.Now()) {
		return nil, domain.ErrReservationNotFound
	}
	return r, nil
}

func parseReservation(f map[string]string) (*domain.StockReservation, error) {
	id, err := uuid.Parse(f["id"])
	if err != nil {
		return nil, fmt.Errorf("parse reservation id: %w", err)
	}
	acquired, err := strconv.ParseInt(f["acquired_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse acquired_ms: %w", err)
	}
	expires, err := strconv.ParseInt(f["expires_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse expires_ms: %w", err)
	}

	r := &domain.StockReservation{
		ID:         id,
		ItemID:     f["item_id"],
		HolderID:   f["holder_id"],
		AcquiredAt: time.UnixMilli(acquired).UTC(),
		ExpiresAt:  time.UnixMilli(expires).UTC(),
	}
	if v, ok := f["released_ms"]; ok {
		released, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse released_ms: %w", err)
		}
		t := time.UnixMilli(released).UTC()
		r.ReleasedAt = &t
	}
	return r, nil
}
