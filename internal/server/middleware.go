package server

import (
	"github.com/cyrongau/fudaydiye-live/internal/platform/correlation"
	"github.com/labstack/echo/v4"
)

// correlationMiddleware accepts an inbound X-Request-ID or mints one, stores
// it on the request context and echoes it back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromInbound(c.Request().Header.Get(correlation.Header))
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}
