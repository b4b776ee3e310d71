package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/cyrongau/fudaydiye-live/internal/platform/version"
	"github.com/jonboulle/clockwork"
)

const httpCallTimeout = 10 * time.Second

// Event types the SFU posts back to the engine.
const (
	EventPublisherLost  = "publisher_lost"
	EventTrackPublished = "track_published"
)

// WebhookEvent is the SFU's callback payload.
type WebhookEvent struct {
	Type         string `json:"type"`
	ChannelID    string `json:"channel_id"`
	ConnectionID string `json:"connection_id"`
	TrackID      string `json:"track_id,omitempty"`
	Kind         string `json:"kind,omitempty"`
}

// HTTPTransport drives the SFU's REST control plane. Callbacks arrive as
// webhooks and are dispatched through HandleEvent.
type HTTPTransport struct {
	baseURL *url.URL
	client  *http.Client
	clock   clockwork.Clock

	mu        sync.Mutex
	lost      map[string]func()
	published map[string]func(domain.TrackInfo)
	// channel -> connection ids, so a track event can reach subscribers.
	channels map[string]map[string]struct{}
}

var _ domain.MediaTransport = (*HTTPTransport)(nil)

func NewHTTPTransport(baseURL string, clock clockwork.Clock) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid media url: %w", err)
	}
	return &HTTPTransport{
		baseURL:   u,
		client:    &http.Client{Timeout: httpCallTimeout},
		clock:     clock,
		lost:      make(map[string]func()),
		published: make(map[string]func(domain.TrackInfo)),
		channels:  make(map[string]map[string]struct{}),
	}, nil
}

func (t *HTTPTransport) OpenChannel(ctx context.Context, channelID string, role domain.MediaRole) (domain.ConnectionHandle, error) {
	body := map[string]string{"role": string(role)}
	var resp struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := t.do(ctx, http.MethodPost, t.path("channels", channelID, "connections"), body, &resp); err != nil {
		return domain.ConnectionHandle{}, fmt.Errorf("open channel: %w", err)
	}
	if resp.ConnectionID == "" {
		return domain.ConnectionHandle{}, fmt.Errorf("open channel: empty connection id")
	}

	t.mu.Lock()
	conns, ok := t.channels[channelID]
	if !ok {
		conns = make(map[string]struct{})
		t.channels[channelID] = conns
	}
	conns[resp.ConnectionID] = struct{}{}
	t.mu.Unlock()

	return domain.ConnectionHandle{
		ChannelID:    channelID,
		ConnectionID: resp.ConnectionID,
		Role:         role,
		OpenedAt:     t.clock.Now(),
	}, nil
}

func (t *HTTPTransport) CloseChannel(ctx context.Context, h domain.ConnectionHandle) error {
	err := t.do(ctx, http.MethodDelete, t.path("channels", h.ChannelID, "connections", h.ConnectionID), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("close channel: %w", err)
	}

	t.mu.Lock()
	delete(t.lost, h.ConnectionID)
	delete(t.published, h.ConnectionID)
	if conns := t.channels[h.ChannelID]; conns != nil {
		delete(conns, h.ConnectionID)
		if len(conns) == 0 {
			delete(t.channels, h.ChannelID)
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) PublishLocalTracks(ctx context.Context, h domain.ConnectionHandle) error {
	if h.Role != domain.MediaPublisher {
		return fmt.Errorf("%w: only publishers publish tracks", ErrRejected)
	}
	if err := t.do(ctx, http.MethodPost, t.path("channels", h.ChannelID, "connections", h.ConnectionID, "tracks"), nil, nil); err != nil {
		return fmt.Errorf("publish tracks: %w", err)
	}
	return nil
}

func (t *HTTPTransport) OnRemoteTrackPublished(h domain.ConnectionHandle, fn func(domain.TrackInfo)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published[h.ConnectionID] = fn
}

func (t *HTTPTransport) OnPublisherLost(h domain.ConnectionHandle, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lost[h.ConnectionID] = fn
}

// HandleEvent dispatches a webhook from the SFU. Unknown connections are
// ignored; they belong to channels this instance does not hold.
func (t *HTTPTransport) HandleEvent(ev WebhookEvent) {
	switch ev.Type {
	case EventPublisherLost:
		t.mu.Lock()
		fn := t.lost[ev.ConnectionID]
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	case EventTrackPublished:
		t.mu.Lock()
		var fns []func(domain.TrackInfo)
		for conn := range t.channels[ev.ChannelID] {
			if conn == ev.ConnectionID {
				continue
			}
			if fn := t.published[conn]; fn != nil {
				fns = append(fns, fn)
			}
		}
		t.mu.Unlock()
		for _, fn := range fns {
			fn(domain.TrackInfo{TrackID: ev.TrackID, Kind: ev.Kind})
		}
	default:
		slog.Debug("Ignoring media event", "type", ev.Type)
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("media api returned status %d", e.code) }

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (t *HTTPTransport) path(parts ...string) string {
	return t.baseURL.JoinPath(parts...).String()
}

func (t *HTTPTransport) do(ctx context.Context, method, target string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &statusError{code: resp.StatusCode}
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %w", ErrRejected, &statusError{code: resp.StatusCode})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
