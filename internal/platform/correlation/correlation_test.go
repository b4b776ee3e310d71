package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewID_UniqueAndSortable(t *testing.T) {
	first := NewID()
	ids := map[string]struct{}{first: {}}
	for range 99 {
		ids[NewID()] = struct{}{}
	}
	assert.Len(t, ids, 100)
	assert.Len(t, first, 26)
}

func TestFromInbound(t *testing.T) {
	assert.Equal(t, "req-42", FromInbound("  req-42 "))
	assert.Len(t, FromInbound(""), 26)
	assert.Len(t, FromInbound(strings.Repeat("a", 65)), 26)
	assert.Len(t, FromInbound("bad id\n"), 26)
}

func TestID_Missing(t *testing.T) {
	id, ok := ID(context.Background())
	assert.False(t, ok)
	assert.Empty(t, id)

	_, ok = ID(WithID(context.Background(), ""))
	assert.False(t, ok)
}

func TestHandler_AddsCorrelationAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	sid := uuid.New()
	ctx := WithSession(WithID(context.Background(), "test1234"), sid)
	logger.InfoContext(ctx, "chat sent", "seq", 7)

	output := buf.String()
	assert.Contains(t, output, "correlation_id=test1234")
	assert.Contains(t, output, "session_id="+sid.String())
	assert.Contains(t, output, "seq=7")
}

func TestHandler_NoAttributesWhenMissing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no correlation")

	assert.NotContains(t, buf.String(), "correlation_id")
	assert.NotContains(t, buf.String(), "session_id")
}

func TestHandler_WithAttrsPreservesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&buf, nil))).With("component", "hub")

	logger.InfoContext(WithID(context.Background(), "attr1234"), "with attrs")

	assert.Contains(t, buf.String(), "component=hub")
	assert.Contains(t, buf.String(), "correlation_id=attr1234")
}
