package server

import (
	"net/http"
	"strconv"

	apperrors "github.com/cyrongau/fudaydiye-live/internal/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerChatRoutes(api *echo.Group) {
	api.GET("/sessions/:id/chat", s.handleChatHistory)
	api.POST("/sessions/:id/chat", s.handleSendChat)
	api.GET("/sessions/:id/reactions", s.handleRecentReactions)
	api.POST("/sessions/:id/reactions", s.handleReact)
}

type chatRequest struct {
	Text string `json:"text"`
}

type reactionRequest struct {
	Offset *float64 `json:"offset,omitempty"`
}

func (s *Server) handleChatHistory(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	limit := s.config.ChatHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperrors.ValidationError("limit must be a positive integer").WithContext("field", "limit")
		}
		limit = min(n, s.config.ChatHistoryLimit)
	}

	messages, err := s.app.ChatHistory(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"messages": nonNil(messages)})
}

func (s *Server) handleSendChat(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	msg, err := s.app.SendChat(c.Request().Context(), mustCaller(c), id, req.Text)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, msg)
}

func (s *Server) handleRecentReactions(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"reactions": nonNil(s.app.RecentReactions(id))})
}

func (s *Server) handleReact(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req reactionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	r, err := s.app.React(c.Request().Context(), id, req.Offset)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, r)
}
