package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cyrongau/fudaydiye-live/internal/media"
	"github.com/labstack/echo/v4"
)

const (
	headerMediaTimestamp = "X-Media-Timestamp"
	headerMediaSignature = "X-Media-Signature"
	maxWebhookBody       = 16 << 10
	maxWebhookAge        = 10 * time.Minute
)

// handleMediaWebhook receives publisher-lost and track-published callbacks
// from the SFU. The signature is HMAC-SHA256 over timestamp+body.
func (s *Server) handleMediaWebhook(c echo.Context) error {
	if s.media == nil {
		return echo.NewHTTPError(http.StatusNotFound, "media webhooks are not enabled")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body").SetInternal(err)
	}

	timestamp := c.Request().Header.Get(headerMediaTimestamp)
	if !s.freshTimestamp(timestamp) {
		return echo.NewHTTPError(http.StatusUnauthorized, "stale or missing timestamp")
	}
	if !verifySignature(s.config.MediaWebhookSecret, timestamp, body, c.Request().Header.Get(headerMediaSignature)) {
		slog.WarnContext(c.Request().Context(), "Media webhook signature rejected", "remote_addr", c.RealIP())
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var ev media.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload").SetInternal(err)
	}

	slog.DebugContext(c.Request().Context(), "Media event received", "type", ev.Type, "channel_id", ev.ChannelID)
	s.media.HandleEvent(ev)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) freshTimestamp(raw string) bool {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	age := s.clock.Since(ts)
	return age < maxWebhookAge && age > -maxWebhookAge
}

func verifySignature(secret, timestamp string, body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || secret == "" {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
