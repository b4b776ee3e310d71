package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	"github.com/cyrongau/fudaydiye-live/internal/domain"
	apperrors "github.com/cyrongau/fudaydiye-live/internal/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerSessionRoutes(api *echo.Group) {
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/live", s.handleListLive)
	api.GET("/hosts/:hostID/sessions", s.handleListHostSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleDeleteSession)
	api.POST("/sessions/:id/go-live", s.handleGoLive)
	api.POST("/sessions/:id/end", s.handleEndSession)
	api.POST("/sessions/:id/reconnect", s.handleReconnect)
	api.PUT("/sessions/:id/promoted", s.handleSetPromoted)
	api.GET("/sessions/:id/live", s.handleLive)
}

// createSessionResponse flags a session that was stored but whose media
// channel could not be opened; the host retries with reconnect.
type createSessionResponse struct {
	*domain.Session
	MediaUnavailable bool `json:"media_unavailable,omitempty"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req app.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	sess, err := s.app.CreateSession(c.Request().Context(), mustCaller(c), req)
	if err != nil && !(sess != nil && errors.Is(err, domain.ErrTransportUnavailable)) {
		return err
	}

	return writeJSON(c, http.StatusCreated, createSessionResponse{Session: sess, MediaUnavailable: err != nil})
}

func (s *Server) handleListLive(c echo.Context) error {
	sessions, err := s.app.ListLive(c.Request().Context())
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

func (s *Server) handleListHostSessions(c echo.Context) error {
	sessions, err := s.app.ListHostSessions(c.Request().Context(), c.Param("hostID"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

func (s *Server) handleGetSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sess, err := s.app.GetSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.app.DeleteSession(c.Request().Context(), mustCaller(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGoLive(c echo.Context) error {
	return s.transition(c, s.app.GoLive)
}

func (s *Server) handleEndSession(c echo.Context) error {
	return s.transition(c, s.app.EndSession)
}

func (s *Server) handleReconnect(c echo.Context) error {
	return s.transition(c, s.app.Reconnect)
}

type transitionFunc func(ctx context.Context, caller app.Caller, id uuid.UUID) (*domain.Session, error)

func (s *Server) transition(c echo.Context, fn transitionFunc) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sess, err := fn(c.Request().Context(), mustCaller(c), id)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, sess)
}

type promotedRequest struct {
	Promoted *bool `json:"promoted"`
}

func (s *Server) handleSetPromoted(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req promotedRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Promoted == nil {
		return domain.Invalid("promoted", "required")
	}

	sess, err := s.app.SetPromoted(c.Request().Context(), mustCaller(c), id, *req.Promoted)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, sess)
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, domain.Invalid(name, "must be a UUID")
	}
	return id, nil
}

func writeJSON(c echo.Context, status int, v any) error {
	if err := c.JSON(status, v); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// nonNil keeps empty lists as [] on the wire.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
