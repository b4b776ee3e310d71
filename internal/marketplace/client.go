// Package marketplace is the HTTP client for the storefront's order intake
// and seller catalog.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/metrics"
	"github.com/cyrongau/fudaydiye-live/internal/platform/version"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

const httpCallTimeout = 10 * time.Second

// Client calls the marketplace API behind a circuit breaker. A business
// rejection of an order is a normal result and never trips the breaker.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	catalog singleflight.Group
}

var (
	_ domain.OrderService = (*Client)(nil)
	_ domain.Catalog      = (*Client)(nil)
)

type upstreamError struct {
	status int
}

func (e *upstreamError) Error() string { return fmt.Sprintf("marketplace returned status %d", e.status) }

func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid marketplace url: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "marketplace",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
		},
		// Only server-side trouble counts against the marketplace.
		IsSuccessful: func(err error) bool {
			var ue *upstreamError
			if errors.As(err, &ue) {
				return ue.status < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: httpCallTimeout},
		cb:      cb,
	}, nil
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// CreateOrder submits an order. The payload's idempotency key is forwarded
// so a retried submit cannot create a second order.
func (c *Client) CreateOrder(ctx context.Context, payload domain.OrderPayload) (domain.OrderResult, error) {
	start := time.Now()
	defer func() { metrics.OrderRequestDuration.Observe(time.Since(start).Seconds()) }()

	out, err := c.cb.Execute(func() (any, error) {
		var res domain.OrderResult
		status, err := c.do(ctx, http.MethodPost, c.baseURL.JoinPath("orders").String(), payload, &res, payload.IdempotencyKey)
		switch {
		case err != nil:
			return nil, err
		case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
			res.Success = false
			if res.Message == "" {
				res.Message = http.StatusText(status)
			}
		}
		return res, nil
	})
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("create order: %w", err)
	}
	return out.(domain.OrderResult), nil
}

// ListSellerItems fetches a seller's catalog for the pin picker. Concurrent
// lookups for the same seller share one request.
func (c *Client) ListSellerItems(ctx context.Context, sellerID string) ([]domain.CatalogItem, error) {
	if sellerID == "" {
		return nil, domain.Invalid("seller_id", "required")
	}

	v, err, _ := c.catalog.Do(sellerID, func() (any, error) {
		return c.cb.Execute(func() (any, error) {
			var body struct {
				Items []domain.CatalogItem `json:"items"`
			}
			target := c.baseURL.JoinPath("sellers", sellerID, "items").String()
			if _, err := c.do(ctx, http.MethodGet, target, nil, &body, ""); err != nil {
				return nil, err
			}
			return body.Items, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list seller items: %w", err)
	}
	return v.([]domain.CatalogItem), nil
}

// do returns the status for 2xx and the business-rejection codes; every
// other response is an error.
func (c *Client) do(ctx context.Context, method, target string, body, out any, idempotencyKey string) (int, error) {
	var buf []byte
	if body != nil {
		var err error
		if buf, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(buf))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity:
	default:
		return resp.StatusCode, &upstreamError{status: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
