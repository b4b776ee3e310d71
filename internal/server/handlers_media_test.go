package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/media"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(srv *Server, timestamp, signature, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/media", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if timestamp != "" {
		req.Header.Set(headerMediaTimestamp, timestamp)
	}
	if signature != "" {
		req.Header.Set(headerMediaSignature, signature)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandleMediaWebhook(t *testing.T) {
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	body := `{"type":"publisher_lost","channel_id":"ch-1","connection_id":"conn-9"}`

	tests := []struct {
		name       string
		timestamp  string
		signature  func(ts string) string
		wantStatus int
		wantEvents int
	}{
		{
			name:       "valid",
			timestamp:  now.Format(time.RFC3339),
			signature:  func(ts string) string { return sign(testWebhookSecret, ts, body) },
			wantStatus: http.StatusNoContent,
			wantEvents: 1,
		},
		{
			name:       "wrong secret",
			timestamp:  now.Format(time.RFC3339),
			signature:  func(ts string) string { return sign("other", ts, body) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing prefix",
			timestamp:  now.Format(time.RFC3339),
			signature:  func(ts string) string { return strings.TrimPrefix(sign(testWebhookSecret, ts, body), "sha256=") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "stale timestamp",
			timestamp:  now.Add(-time.Hour).Format(time.RFC3339),
			signature:  func(ts string) string { return sign(testWebhookSecret, ts, body) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing timestamp",
			signature:  func(ts string) string { return sign(testWebhookSecret, ts, body) },
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &mockMediaEvents{}
			srv := newTestServer(t, &mockAppService{}, withMedia(events), withClock(clockwork.NewFakeClockAt(now)))

			rec := postWebhook(srv, tt.timestamp, tt.signature(tt.timestamp), body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			require.Len(t, events.events, tt.wantEvents)
			if tt.wantEvents > 0 {
				assert.Equal(t, media.WebhookEvent{Type: "publisher_lost", ChannelID: "ch-1", ConnectionID: "conn-9"}, events.events[0])
			}
		})
	}
}

func TestHandleMediaWebhook_BadPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	events := &mockMediaEvents{}
	srv := newTestServer(t, &mockAppService{}, withMedia(events), withClock(clockwork.NewFakeClockAt(now)))
	ts := now.Format(time.RFC3339)

	rec := postWebhook(srv, ts, sign(testWebhookSecret, ts, "not json"), "not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, events.events)
}

func TestHandleMediaWebhook_Disabled(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})
	ts := time.Now().UTC().Format(time.RFC3339)

	rec := postWebhook(srv, ts, sign(testWebhookSecret, ts, "{}"), "{}")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifySignature_EmptySecret(t *testing.T) {
	assert.False(t, verifySignature("", "ts", []byte("{}"), sign("", "ts", "{}")))
}
