package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleChatHistory_Limit(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"default", "", http.StatusOK, 50},
		{"explicit", "?limit=10", http.StatusOK, 10},
		{"capped", "?limit=500", http.StatusOK, 50},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"not a number", "?limit=ten", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLimit := 0
			srv := newTestServer(t, &mockAppService{
				chatHistoryFn: func(_ context.Context, _ uuid.UUID, limit int) ([]domain.ChatMessage, error) {
					gotLimit = limit
					return nil, nil
				},
			})

			rec := doRequest(t, srv, testViewer, http.MethodGet, "/api/v1/sessions/"+uuid.NewString()+"/chat"+tt.query, "")

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantLimit, gotLimit)
			if tt.wantCode == http.StatusOK {
				assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
			} else {
				assert.Equal(t, map[string]any{"field": "limit"}, decodeError(t, rec)["context"])
			}
		})
	}
}

func TestHandleSendChat(t *testing.T) {
	sid := uuid.New()
	srv := newTestServer(t, &mockAppService{
		sendChatFn: func(_ context.Context, caller app.Caller, sessionID uuid.UUID, text string) (*domain.ChatMessage, error) {
			if text == "" {
				return nil, domain.Invalid("text", "required")
			}
			return &domain.ChatMessage{
				ID:         "01HZX",
				SessionID:  sessionID,
				Seq:        7,
				AuthorID:   caller.ID,
				AuthorName: caller.Name,
				Role:       domain.RoleViewer,
				Text:       text,
			}, nil
		},
	})
	target := "/api/v1/sessions/" + sid.String() + "/chat"

	rec := doRequest(t, srv, testViewer, http.MethodPost, target, `{"text":"is the blue one in stock?"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, int64(7), msg.Seq)
	assert.Equal(t, "Ayaan", msg.AuthorName)

	rec = doRequest(t, srv, testViewer, http.MethodPost, target, `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSendChat_EndedSession(t *testing.T) {
	srv := newTestServer(t, &mockAppService{
		sendChatFn: func(context.Context, app.Caller, uuid.UUID, string) (*domain.ChatMessage, error) {
			return nil, domain.ErrSessionNotLive
		},
	})

	rec := doRequest(t, srv, testViewer, http.MethodPost, "/api/v1/sessions/"+uuid.NewString()+"/chat", `{"text":"hello?"}`)

	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "session_not_live", decodeError(t, rec)["code"])
}

func TestHandleReact(t *testing.T) {
	var gotOffset *float64
	srv := newTestServer(t, &mockAppService{
		reactFn: func(_ context.Context, sessionID uuid.UUID, offset *float64) (*domain.Reaction, error) {
			gotOffset = offset
			return &domain.Reaction{SessionID: sessionID}, nil
		},
		recentFn: func(uuid.UUID) []domain.Reaction { return nil },
	})
	sid := uuid.NewString()

	rec := doRequest(t, srv, testViewer, http.MethodPost, "/api/v1/sessions/"+sid+"/reactions", `{"offset":0.25}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, gotOffset)
	assert.InDelta(t, 0.25, *gotOffset, 1e-9)

	rec = doRequest(t, srv, testViewer, http.MethodPost, "/api/v1/sessions/"+sid+"/reactions", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Nil(t, gotOffset)

	rec = doRequest(t, srv, testViewer, http.MethodGet, "/api/v1/sessions/"+sid+"/reactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reactions":[]}`, rec.Body.String())
}
