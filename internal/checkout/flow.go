// Package checkout turns a viewer's stock reservation into a marketplace
// order while the sale is live.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultOrderTimeout = 10 * time.Second
	DefaultRetention    = 10 * time.Minute
)

// Failure reasons recorded on FAILED intents.
const (
	ReasonReservationExpired = "reservation_expired"
	ReasonCancelled          = "cancelled"
	ReasonOrderUnavailable   = "order_service_unavailable"
)

// Flow keeps intents in memory. An intent is owned by the instance that
// opened it; reservations and orders carry the cross-instance guarantees.
type Flow struct {
	sessions     domain.SessionRepository
	ledger       domain.ReservationLedger
	orders       domain.OrderService
	events       domain.CheckoutEventPublisher
	clock        clockwork.Clock
	orderTimeout time.Duration
	retention    time.Duration

	mu      sync.Mutex
	intents map[uuid.UUID]*entry
}

type entry struct {
	intent domain.CheckoutIntent
	item   *domain.FeaturedItem
}

func NewFlow(
	sessions domain.SessionRepository,
	ledger domain.ReservationLedger,
	orders domain.OrderService,
	events domain.CheckoutEventPublisher,
	clock clockwork.Clock,
	orderTimeout, retention time.Duration,
) *Flow {
	if orderTimeout <= 0 {
		orderTimeout = DefaultOrderTimeout
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Flow{
		sessions:     sessions,
		ledger:       ledger,
		orders:       orders,
		events:       events,
		clock:        clock,
		orderTimeout: orderTimeout,
		retention:    retention,
		intents:      make(map[uuid.UUID]*entry),
	}
}

// Open starts a checkout for an item the holder has reserved in a LIVE
// session.
func (f *Flow) Open(ctx context.Context, sessionID uuid.UUID, itemID, holderID string) (*domain.CheckoutIntent, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, domain.Invalid("item_id", "required")
	}
	if strings.TrimSpace(holderID) == "" {
		return nil, domain.Invalid("holder_id", "required")
	}

	s, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.StatusLive {
		return nil, domain.ErrSessionNotLive
	}

	r, err := f.ledger.ActiveForItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if r.HolderID != holderID {
		return nil, domain.ErrAlreadyReserved
	}

	now := f.clock.Now()
	e := &entry{
		intent: domain.CheckoutIntent{
			ID:            uuid.New(),
			SessionID:     sessionID,
			ItemID:        itemID,
			ReservationID: r.ID,
			HolderID:      holderID,
			Status:        domain.CheckoutPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	if s.Featured != nil && s.Featured.ItemID == itemID {
		item := *s.Featured
		e.item = &item
	}

	f.mu.Lock()
	f.intents[e.intent.ID] = e
	f.mu.Unlock()

	slog.InfoContext(correlation.WithSession(ctx, sessionID), "Checkout opened",
		"intent_id", e.intent.ID.String(), "item_id", itemID, "reservation_id", r.ID.String())
	cp := e.intent
	return &cp, nil
}

func (f *Flow) Get(_ context.Context, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.intents[intentID]
	if !ok {
		return nil, domain.ErrCheckoutNotFound
	}
	cp := e.intent
	return &cp, nil
}

// Submit places the order. It is allowed from PENDING and, to retry, from
// FAILED while the hold remains. The returned intent reflects the outcome
// even when an error is returned.
func (f *Flow) Submit(ctx context.Context, intentID uuid.UUID, buyer domain.BuyerDetails, method domain.PaymentMethod) (*domain.CheckoutIntent, error) {
	if err := buyer.Validate(); err != nil {
		return nil, err
	}
	if !method.Valid() {
		return nil, domain.Invalid("payment_method", "must be one of cash_on_delivery, mobile_money, card")
	}

	f.mu.Lock()
	e, ok := f.intents[intentID]
	if !ok {
		f.mu.Unlock()
		return nil, domain.ErrCheckoutNotFound
	}
	if e.intent.Status != domain.CheckoutPending && e.intent.Status != domain.CheckoutFailed {
		f.mu.Unlock()
		return nil, domain.ErrCheckoutState
	}
	intent := e.intent
	item := e.item
	f.mu.Unlock()

	ctx = correlation.WithSession(ctx, intent.SessionID)

	s, err := f.sessions.Get(ctx, intent.SessionID)
	if err != nil {
		return nil, err
	}
	if !s.AcceptsTraffic() {
		return nil, domain.ErrSessionNotLive
	}

	r, err := f.ledger.Get(ctx, intent.ReservationID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return f.expired(ctx, intentID)
	}
	if err != nil {
		return nil, err
	}
	now := f.clock.Now()
	if !r.ActiveAt(now) {
		return f.expired(ctx, intentID)
	}

	// Claim the intent; a concurrent Submit sees SUBMITTED and backs off.
	f.mu.Lock()
	if e.intent.Status != domain.CheckoutPending && e.intent.Status != domain.CheckoutFailed {
		f.mu.Unlock()
		return nil, domain.ErrCheckoutState
	}
	e.intent.Status = domain.CheckoutSubmitted
	e.intent.Buyer = buyer
	e.intent.PaymentMethod = method
	e.intent.FailureReason = ""
	e.intent.UpdatedAt = now
	f.mu.Unlock()

	payload := domain.OrderPayload{
		IdempotencyKey: intent.ID.String(),
		SessionID:      intent.SessionID,
		ReservationID:  intent.ReservationID,
		ItemID:         intent.ItemID,
		Quantity:       1,
		BuyerID:        intent.HolderID,
		Buyer:          buyer,
		PaymentMethod:  method,
	}
	if item != nil {
		payload.ItemName = item.Name
		payload.PriceMinor = item.PriceMinor
		payload.Currency = item.Currency
	}

	deadline := min(f.orderTimeout, r.Remaining(now))
	orderCtx, cancel := context.WithTimeout(ctx, deadline)
	res, orderErr := f.orders.CreateOrder(orderCtx, payload)
	cancel()

	// A confirmation that arrives after the hold lapsed does not count.
	if active, err := f.ledger.IsActive(ctx, intent.ReservationID); err == nil && !active {
		if orderErr == nil && res.Success {
			slog.WarnContext(ctx, "Order confirmed after reservation expired",
				"intent_id", intent.ID.String(), "order_id", res.OrderID)
		}
		return f.expired(ctx, intentID)
	}

	switch {
	case orderErr != nil:
		slog.WarnContext(ctx, "Order request failed", "intent_id", intent.ID.String(), "error", orderErr)
		metrics.CheckoutSubmissionsTotal.WithLabelValues("error").Inc()
		return f.fail(intentID, ReasonOrderUnavailable), fmt.Errorf("%w: %w", domain.ErrOrderUnavailable, orderErr)
	case !res.Success:
		metrics.CheckoutSubmissionsTotal.WithLabelValues("rejected").Inc()
		msg := res.Message
		if msg == "" {
			msg = "rejected"
		}
		return f.fail(intentID, msg), fmt.Errorf("%w: %s", domain.ErrOrderRejected, msg)
	}

	return f.succeed(ctx, intentID, res.OrderID), nil
}

// Cancel abandons a PENDING or FAILED checkout and frees the stock.
func (f *Flow) Cancel(ctx context.Context, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	f.mu.Lock()
	e, ok := f.intents[intentID]
	if !ok {
		f.mu.Unlock()
		return nil, domain.ErrCheckoutNotFound
	}
	if e.intent.Status != domain.CheckoutPending && e.intent.Status != domain.CheckoutFailed {
		f.mu.Unlock()
		return nil, domain.ErrCheckoutState
	}
	e.intent.Status = domain.CheckoutFailed
	e.intent.FailureReason = ReasonCancelled
	e.intent.UpdatedAt = f.clock.Now()
	cp := e.intent
	f.mu.Unlock()

	if err := f.ledger.Release(ctx, cp.ReservationID); err != nil {
		return &cp, fmt.Errorf("failed to release reservation: %w", err)
	}
	metrics.CheckoutSubmissionsTotal.WithLabelValues("cancelled").Inc()
	return &cp, nil
}

// Sweep drops intents untouched for the retention period, except those
// still waiting on the order service.
func (f *Flow) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	removed := 0
	for id, e := range f.intents {
		if e.intent.Status == domain.CheckoutSubmitted {
			continue
		}
		if now.Sub(e.intent.UpdatedAt) >= f.retention {
			delete(f.intents, id)
			removed++
		}
	}
	return removed
}

func (f *Flow) expired(ctx context.Context, intentID uuid.UUID) (*domain.CheckoutIntent, error) {
	metrics.CheckoutSubmissionsTotal.WithLabelValues("expired").Inc()
	slog.InfoContext(ctx, "Checkout reservation expired", "intent_id", intentID.String())
	return f.fail(intentID, ReasonReservationExpired), domain.ErrReservationExpired
}

func (f *Flow) fail(intentID uuid.UUID, reason string) *domain.CheckoutIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.intents[intentID]
	if !ok {
		return &domain.CheckoutIntent{ID: intentID, Status: domain.CheckoutFailed, FailureReason: reason}
	}
	e.intent.Status = domain.CheckoutFailed
	e.intent.FailureReason = reason
	e.intent.UpdatedAt = f.clock.Now()
	cp := e.intent
	return &cp
}

func (f *Flow) succeed(ctx context.Context, intentID uuid.UUID, orderID string) *domain.CheckoutIntent {
	f.mu.Lock()
	e := f.intents[intentID]
	e.intent.Status = domain.CheckoutSucceeded
	e.intent.OrderID = orderID
	e.intent.UpdatedAt = f.clock.Now()
	cp := e.intent
	f.mu.Unlock()

	metrics.CheckoutSubmissionsTotal.WithLabelValues("succeeded").Inc()

	if err := f.ledger.Release(ctx, cp.ReservationID); err != nil {
		slog.WarnContext(ctx, "Failed to release reservation after order", "reservation_id", cp.ReservationID.String(), "error", err)
	}

	ev := domain.CheckoutSucceededEvent{
		IntentID:      cp.ID,
		SessionID:     cp.SessionID,
		ItemID:        cp.ItemID,
		OrderID:       orderID,
		BuyerID:       cp.HolderID,
		PaymentMethod: cp.PaymentMethod,
		At:            cp.UpdatedAt,
	}
	if err := f.events.PublishCheckoutSucceeded(ctx, ev); err != nil {
		slog.WarnContext(ctx, "Failed to publish checkout event", "intent_id", cp.ID.String(), "error", err)
	}

	slog.InfoContext(ctx, "Checkout succeeded", "intent_id", cp.ID.String(), "order_id", orderID)
	return &cp
}
