package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cyrongau/fudaydiye-live/internal/app"
	apperrors "github.com/cyrongau/fudaydiye-live/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const callerKey = "caller"

// Claims are issued by the marketplace's identity service. Role defaults to
// viewer when absent.
type Claims struct {
	Name string   `json:"name"`
	Role app.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errInvalidRole = errors.New("unknown role")

// requireAuth verifies an HS256 bearer token and stores the caller. Browsers
// cannot set headers on a WebSocket upgrade, so the live route also accepts
// the token as a query parameter.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := bearerToken(c.Request())
		if raw == "" && websocketUpgrade(c.Request()) {
			raw = c.QueryParam("token")
		}
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}

		caller, err := s.parseToken(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token").SetInternal(err)
		}

		c.Set(callerKey, caller)
		c.Set(apperrors.UserIDKey, caller.ID)
		return next(c)
	}
}

func (s *Server) parseToken(raw string) (app.Caller, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(s.config.JWTSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return app.Caller{}, err
	}
	if claims.Subject == "" {
		return app.Caller{}, jwt.ErrTokenInvalidSubject
	}

	role := claims.Role
	switch role {
	case "":
		role = app.RoleViewer
	case app.RoleViewer, app.RoleHost, app.RoleModerator:
	default:
		return app.Caller{}, errInvalidRole
	}

	return app.Caller{ID: claims.Subject, Name: claims.Name, Role: role}, nil
}

func callerFrom(c echo.Context) (app.Caller, bool) {
	caller, ok := c.Get(callerKey).(app.Caller)
	return caller, ok
}

// mustCaller is for handlers mounted behind requireAuth.
func mustCaller(c echo.Context) app.Caller {
	caller, _ := callerFrom(c)
	return caller
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
