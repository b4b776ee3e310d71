package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PaymentMethod string

const (
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMobileMoney    PaymentMethod = "mobile_money"
	PaymentCard           PaymentMethod = "card"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCashOnDelivery, PaymentMobileMoney, PaymentCard:
		return true
	}
	return false
}

type CheckoutStatus string

const (
	CheckoutPending   CheckoutStatus = "PENDING"
	CheckoutSubmitted CheckoutStatus = "SUBMITTED"
	CheckoutSucceeded CheckoutStatus = "SUCCEEDED"
	CheckoutFailed    CheckoutStatus = "FAILED"
)

type BuyerDetails struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func (b BuyerDetails) Validate() error {
	switch {
	case strings.TrimSpace(b.Name) == "":
		return Invalid("buyer.name", "required")
	case strings.TrimSpace(b.Phone) == "":
		return Invalid("buyer.phone", "required")
	case strings.TrimSpace(b.Address) == "":
		return Invalid("buyer.address", "required")
	}
	return nil
}

type CheckoutIntent struct {
	ID            uuid.UUID      `json:"id"`
	SessionID     uuid.UUID      `json:"session_id"`
	ItemID        string         `json:"item_id"`
	ReservationID uuid.UUID      `json:"reservation_id"`
	HolderID      string         `json:"holder_id"`
	Buyer         BuyerDetails   `json:"buyer"`
	PaymentMethod PaymentMethod  `json:"payment_method,omitempty"`
	Status        CheckoutStatus `json:"status"`
	OrderID       string         `json:"order_id,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (c *CheckoutIntent) Terminal() bool {
	return c.Status == CheckoutSucceeded
}

// OrderPayload is what the marketplace order service receives. IdempotencyKey
// is the intent id so retries never create duplicate orders.
type OrderPayload struct {
	IdempotencyKey string        `json:"idempotency_key"`
	SessionID      uuid.UUID     `json:"session_id"`
	ReservationID  uuid.UUID     `json:"reservation_id"`
	ItemID         string        `json:"item_id"`
	ItemName       string        `json:"item_name"`
	PriceMinor     int64         `json:"price_minor"`
	Currency       string        `json:"currency"`
	Quantity       int           `json:"quantity"`
	BuyerID        string        `json:"buyer_id"`
	Buyer          BuyerDetails  `json:"buyer"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
}

type OrderResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// OrderService is the external order intake. A Success=false result is a
// business rejection, an error is a transport failure.
type OrderService interface {
	CreateOrder(ctx context.Context, payload OrderPayload) (OrderResult, error)
}

// CheckoutSucceededEvent is emitted once per successful order.
type CheckoutSucceededEvent struct {
	IntentID      uuid.UUID     `json:"intent_id"`
	SessionID     uuid.UUID     `json:"session_id"`
	ItemID        string        `json:"item_id"`
	OrderID       string        `json:"order_id"`
	BuyerID       string        `json:"buyer_id"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	At            time.Time     `json:"at"`
}

type CheckoutEventPublisher interface {
	PublishCheckoutSucceeded(ctx context.Context, event CheckoutSucceededEvent) error
}
