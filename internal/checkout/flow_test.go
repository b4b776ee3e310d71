package checkout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/memory"
	"github.com/cyrongau/fudaydiye-live/internal/reservation"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockOrders struct {
	createOrderFn func(ctx context.Context, p domain.OrderPayload) (domain.OrderResult, error)
	calls         atomic.Int32
}

func (m *mockOrders) CreateOrder(ctx context.Context, p domain.OrderPayload) (domain.OrderResult, error) {
	m.calls.Add(1)
	if m.createOrderFn != nil {
		return m.createOrderFn(ctx, p)
	}
	return domain.OrderResult{Success: true, OrderID: "ord-1"}, nil
}

type mockEvents struct {
	mu     sync.Mutex
	events []domain.CheckoutSucceededEvent
}

func (m *mockEvents) PublishCheckoutSucceeded(_ context.Context, ev domain.CheckoutSucceededEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type fixture struct {
	flow    *Flow
	repo    *memory.SessionRepo
	ledger  *reservation.Ledger
	orders  *mockOrders
	events  *mockEvents
	clock   *clockwork.FakeClock
	session uuid.UUID
}

var scarf = domain.FeaturedItem{ItemID: "sku-1", Name: "Silk scarf", PriceMinor: 1500, Currency: "USD"}

var buyer = domain.BuyerDetails{Name: "Ayan", Phone: "+252610000000", Address: "Jigjiga Yar, Hargeisa"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &fixture{
		repo:    memory.NewSessionRepo(),
		ledger:  reservation.NewLedger(clock, reservation.DefaultHold),
		orders:  &mockOrders{},
		events:  &mockEvents{},
		clock:   clock,
		session: uuid.New(),
	}
	item := scarf
	require.NoError(t, f.repo.Create(context.Background(), &domain.Session{
		ID: f.session, HostID: "host-1", Status: domain.StatusLive, Featured: &item,
	}))
	f.flow = NewFlow(f.repo, f.ledger, f.orders, f.events, clock, 0, 0)
	return f
}

func (f *fixture) open(t *testing.T, holder string) *domain.CheckoutIntent {
	t.Helper()
	_, err := f.ledger.Acquire(context.Background(), scarf.ItemID, holder)
	require.NoError(t, err)
	intent, err := f.flow.Open(context.Background(), f.session, scarf.ItemID, holder)
	require.NoError(t, err)
	return intent
}

// --- Tests ---

func TestSubmit_Succeeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.open(t, "viewer-1")
	assert.Equal(t, domain.CheckoutPending, intent.Status)

	var got domain.OrderPayload
	f.orders.createOrderFn = func(_ context.Context, p domain.OrderPayload) (domain.OrderResult, error) {
		got = p
		return domain.OrderResult{Success: true, OrderID: "ord-42"}, nil
	}

	done, err := f.flow.Submit(ctx, intent.ID, buyer, domain.PaymentMobileMoney)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutSucceeded, done.Status)
	assert.Equal(t, "ord-42", done.OrderID)

	assert.Equal(t, intent.ID.String(), got.IdempotencyKey)
	assert.Equal(t, "Silk scarf", got.ItemName)
	assert.Equal(t, int64(1500), got.PriceMinor)
	assert.Equal(t, 1, got.Quantity)

	active, _ := f.ledger.IsActive(ctx, intent.ReservationID)
	assert.False(t, active, "reservation is released after the order")
	require.Len(t, f.events.events, 1)
	assert.Equal(t, "ord-42", f.events.events[0].OrderID)

	_, err = f.flow.Submit(ctx, intent.ID, buyer, domain.PaymentMobileMoney)
	assert.ErrorIs(t, err, domain.ErrCheckoutState)
}

func TestSubmit_ExpiredHoldNeverCallsOrderService(t *testing.T) {
	f := newFixture(t)
	intent := f.open(t, "viewer-1")

	f.clock.Advance(reservation.DefaultHold + time.Millisecond)

	got, err := f.flow.Submit(context.Background(), intent.ID, buyer, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)
	assert.Equal(t, domain.CheckoutFailed, got.Status)
	assert.Equal(t, ReasonReservationExpired, got.FailureReason)
	assert.Zero(t, f.orders.calls.Load())
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	intent := f.open(t, "viewer-1")
	ctx := context.Background()

	_, err := f.flow.Submit(ctx, intent.ID, domain.BuyerDetails{Name: "Ayan", Address: "Hargeisa"}, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.flow.Submit(ctx, intent.ID, buyer, "barter")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.flow.Submit(ctx, intent.ID, buyer, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.flow.Submit(ctx, uuid.New(), buyer, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrCheckoutNotFound)
	assert.Zero(t, f.orders.calls.Load())
}

func TestSubmit_RejectionKeepsHoldAndAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.open(t, "viewer-1")

	f.orders.createOrderFn = func(context.Context, domain.OrderPayload) (domain.OrderResult, error) {
		return domain.OrderResult{Success: false, Message: "card declined"}, nil
	}
	failed, err := f.flow.Submit(ctx, intent.ID, buyer, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Equal(t, domain.CheckoutFailed, failed.Status)
	assert.Equal(t, "card declined", failed.FailureReason)

	active, _ := f.ledger.IsActive(ctx, intent.ReservationID)
	assert.True(t, active)

	f.orders.createOrderFn = nil
	done, err := f.flow.Submit(ctx, intent.ID, buyer, domain.PaymentCashOnDelivery)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutSucceeded, done.Status)
	assert.Equal(t, domain.PaymentCashOnDelivery, done.PaymentMethod)
}

func TestSubmit_TransportErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	intent := f.open(t, "viewer-1")

	f.orders.createOrderFn = func(context.Context, domain.OrderPayload) (domain.OrderResult, error) {
		return domain.OrderResult{}, errors.New("connection refused")
	}
	failed, err := f.flow.Submit(context.Background(), intent.ID, buyer, domain.PaymentCard)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrOrderRejected)
	assert.ErrorIs(t, err, domain.ErrOrderUnavailable)
	assert.Equal(t, ReasonOrderUnavailable, failed.FailureReason)

	f.orders.createOrderFn = nil
	_, err = f.flow.Submit(context.Background(), intent.ID, buyer, domain.PaymentCard)
	assert.NoError(t, err)
}

func TestSubmit_SuccessAfterExpiryIsRecordedAsExpired(t *testing.T) {
	f := newFixture(t)
	intent := f.open(t, "viewer-1")

	f.orders.createOrderFn = func(context.Context, domain.OrderPayload) (domain.OrderResult, error) {
		f.clock.Advance(reservation.DefaultHold)
		return domain.OrderResult{Success: true, OrderID: "ord-late"}, nil
	}

	got, err := f.flow.Submit(context.Background(), intent.ID, buyer, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)
	assert.Equal(t, domain.CheckoutFailed, got.Status)
	assert.Empty(t, got.OrderID)
	assert.Empty(t, f.events.events)
}

func TestSubmit_OrderDeadlineBoundedByHold(t *testing.T) {
	clock := clockwork.NewRealClock()
	repo := memory.NewSessionRepo()
	sid := uuid.New()
	require.NoError(t, repo.Create(context.Background(), &domain.Session{ID: sid, HostID: "h", Status: domain.StatusLive}))
	ledger := reservation.NewLedger(clock, 50*time.Millisecond)
	orders := &mockOrders{createOrderFn: func(ctx context.Context, _ domain.OrderPayload) (domain.OrderResult, error) {
		<-ctx.Done()
		return domain.OrderResult{}, ctx.Err()
	}}
	flow := NewFlow(repo, ledger, orders, &mockEvents{}, clock, time.Minute, 0)

	_, err := ledger.Acquire(context.Background(), "sku-1", "viewer-1")
	require.NoError(t, err)
	intent, err := flow.Open(context.Background(), sid, "sku-1", "viewer-1")
	require.NoError(t, err)

	start := time.Now()
	_, err = flow.Submit(context.Background(), intent.ID, buyer, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpen_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.flow.Open(ctx, f.session, "sku-1", "viewer-1")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)

	_, err = f.ledger.Acquire(ctx, "sku-1", "viewer-2")
	require.NoError(t, err)
	_, err = f.flow.Open(ctx, f.session, "sku-1", "viewer-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyReserved)

	_, err = f.flow.Open(ctx, f.session, "", "viewer-1")
	assert.ErrorIs(t, err, domain.ErrValidation)

	scheduled := uuid.New()
	require.NoError(t, f.repo.Create(ctx, &domain.Session{ID: scheduled, HostID: "h", Status: domain.StatusScheduled}))
	_, err = f.flow.Open(ctx, scheduled, "sku-1", "viewer-2")
	assert.ErrorIs(t, err, domain.ErrSessionNotLive)
}

func TestSubmit_EndedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.open(t, "viewer-1")

	_, err := f.repo.Transition(ctx, f.session, domain.Transition{
		From: []domain.SessionStatus{domain.StatusLive}, To: domain.StatusEnded, At: f.clock.Now(), EndedBy: "host-1",
	})
	require.NoError(t, err)

	_, err = f.flow.Submit(ctx, intent.ID, buyer, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrSessionNotLive)
	assert.Zero(t, f.orders.calls.Load())
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.open(t, "viewer-1")

	got, err := f.flow.Cancel(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, got.FailureReason)

	_, err = f.ledger.Acquire(ctx, scarf.ItemID, "viewer-2")
	assert.NoError(t, err, "stock is free again")

	_, err = f.flow.Submit(ctx, intent.ID, buyer, domain.PaymentCard)
	assert.ErrorIs(t, err, domain.ErrReservationExpired)

	_, err = f.flow.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrCheckoutNotFound)
}

func TestCancel_SucceededIsFinal(t *testing.T) {
	f := newFixture(t)
	intent := f.open(t, "viewer-1")
	_, err := f.flow.Submit(context.Background(), intent.ID, buyer, domain.PaymentCard)
	require.NoError(t, err)

	_, err = f.flow.Cancel(context.Background(), intent.ID)
	assert.ErrorIs(t, err, domain.ErrCheckoutState)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	intent := f.open(t, "viewer-1")

	f.clock.Advance(DefaultRetention - time.Second)
	assert.Zero(t, f.flow.Sweep())

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.flow.Sweep())

	_, err := f.flow.Get(context.Background(), intent.ID)
	assert.ErrorIs(t, err, domain.ErrCheckoutNotFound)
}
