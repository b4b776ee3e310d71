package server

import (
	"net/http"

	"github.com/cyrongau/fudaydiye-live/internal/domain"
	apperrors "github.com/cyrongau/fudaydiye-live/internal/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerCommerceRoutes(api *echo.Group) {
	api.GET("/catalog", s.handleSellerItems)
	api.GET("/sessions/:id/featured", s.handleGetFeatured)
	api.PUT("/sessions/:id/featured", s.handlePinItem)
	api.DELETE("/sessions/:id/featured", s.handleClearItem)

	api.POST("/sessions/:id/reservations", s.handleReserve)
	api.GET("/reservations/:id", s.handleGetReservation)
	api.DELETE("/reservations/:id", s.handleReleaseReservation)

	api.POST("/sessions/:id/checkout", s.handleOpenCheckout)
	api.GET("/checkout/:id", s.handleGetCheckout)
	api.POST("/checkout/:id/submit", s.handleSubmitCheckout)
	api.POST("/checkout/:id/cancel", s.handleCancelCheckout)
}

type itemRequest struct {
	ItemID string `json:"item_id"`
}

func (s *Server) handleSellerItems(c echo.Context) error {
	items, err := s.app.SellerItems(c.Request().Context(), mustCaller(c))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (s *Server) handleGetFeatured(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	item, err := s.app.FeaturedItem(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"featured": item})
}

func (s *Server) handlePinItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	item, err := s.app.PinItem(c.Request().Context(), mustCaller(c), id, req.ItemID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, map[string]any{"featured": item})
}

func (s *Server) handleClearItem(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.app.ClearItem(c.Request().Context(), mustCaller(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReserve(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	view, err := s.app.Reserve(c.Request().Context(), mustCaller(c), id, req.ItemID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, view)
}

func (s *Server) handleGetReservation(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	view, err := s.app.GetReservation(c.Request().Context(), mustCaller(c), id)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, view)
}

func (s *Server) handleReleaseReservation(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := s.app.ReleaseReservation(c.Request().Context(), mustCaller(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleOpenCheckout(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	intent, err := s.app.OpenCheckout(c.Request().Context(), mustCaller(c), id, req.ItemID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, intent)
}

func (s *Server) handleGetCheckout(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	intent, err := s.app.GetCheckout(c.Request().Context(), mustCaller(c), id)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, intent)
}

type submitCheckoutRequest struct {
	Buyer         domain.BuyerDetails  `json:"buyer"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
}

// handleSubmitCheckout attaches the FAILED intent to the error body when the
// order was rejected or the hold lapsed, so the buyer sees the reason.
func (s *Server) handleSubmitCheckout(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req submitCheckoutRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	intent, err := s.app.SubmitCheckout(c.Request().Context(), mustCaller(c), id, req.Buyer, req.PaymentMethod)
	if err != nil {
		if intent != nil {
			return apperrors.AsStructuredError(err).WithContext("checkout", intent)
		}
		return err
	}
	return writeJSON(c, http.StatusOK, intent)
}

func (s *Server) handleCancelCheckout(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	intent, err := s.app.CancelCheckout(c.Request().Context(), mustCaller(c), id)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, intent)
}
