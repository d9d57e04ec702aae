package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Skotchmaster/storefront/internal/models"
	"github.com/Skotchmaster/storefront/internal/service"
	"github.com/Skotchmaster/storefront/internal/tokens"
	"github.com/Skotchmaster/storefront/pkg/logging"
)

const (
	userContextKey = "user"

	detailNoCredentials = "Authentication credentials were not provided."
	detailBadToken      = "Given token not valid for any token type"
)

// BearerAuth accepts HS256 access tokens from the Authorization header and
// stores the parsed *jwt.Token under "user".
func BearerAuth(secret []byte) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    secret,
		SigningMethod: "HS256",
		ContextKey:    userContextKey,
		TokenLookup:   "header:Authorization:Bearer ",
		NewClaimsFunc: func(echo.Context) jwt.Claims { return new(tokens.AccessClaims) },
		ErrorHandler: func(c echo.Context, err error) error {
			l := logging.FromContext(c.Request().Context())
			if c.Request().Header.Get(echo.HeaderAuthorization) == "" {
				l.Info("auth_rejected", "status", 401, "reason", "missing token")
				return echo.NewHTTPError(http.StatusUnauthorized, detailNoCredentials)
			}
			l.Info("auth_rejected", "status", 401, "reason", "invalid token", "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, detailBadToken)
		},
	})
}

func actorFrom(c echo.Context) (service.Actor, error) {
	tok, ok := c.Get(userContextKey).(*jwt.Token)
	if !ok {
		return service.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, detailNoCredentials)
	}
	claims, ok := tok.Claims.(*tokens.AccessClaims)
	if !ok {
		return service.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, detailBadToken)
	}
	id, err := claims.UserID()
	if err != nil {
		return service.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, detailBadToken)
	}
	return service.Actor{ID: id, Role: claims.Role}, nil
}

// RequireAdmin rejects callers whose access token does not carry the admin
// role. It must run after BearerAuth.
func RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := actorFrom(c)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleAdmin {
			logging.FromContext(c.Request().Context()).Info("auth_rejected", "status", 403, "reason", "not an admin", "user_id", actor.ID)
			return echo.NewHTTPError(http.StatusForbidden, "You do not have permission to perform this action.")
		}
		return next(c)
	}
}

// RequestLogger puts a request-scoped logger into the request context and
// writes one line per request once the error handler has run.
func RequestLogger(base *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		HandleError:     true,
		LogStatus:       true,
		LogLatency:      true,
		LogError:        true,
		LogResponseSize: true,
		BeforeNextFunc: func(c echo.Context) {
			req := c.Request()
			l := base.With("method", req.Method, "route", c.Path(), "remote_ip", c.RealIP())
			if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" {
				l = l.With("request_id", rid)
			}
			c.SetRequest(req.WithContext(logging.IntoContext(req.Context(), l)))
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l := logging.FromContext(c.Request().Context())
			attrs := []any{"status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			switch {
			case v.Status >= http.StatusInternalServerError:
				l.Error("request_failed", append(attrs, "error", v.Error)...)
			case v.Status >= http.StatusBadRequest:
				l.Info("request_rejected", attrs...)
			default:
				l.Info("request_served", append(attrs, "bytes", v.ResponseSize)...)
			}
			return nil
		},
	})
}

// ErrorHandler renders validation failures as a field map and every other
// error as {"detail": "..."}.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var body any
	code := http.StatusInternalServerError
	detail := "A server error occurred."

	var fe *fieldError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &fe):
		code = http.StatusBadRequest
		body = fe.fields
	case errors.As(err, &he):
		code = he.Code
		switch m := he.Message.(type) {
		case string:
			detail = m
		case error:
			detail = m.Error()
		default:
			detail = http.StatusText(code)
		}
	}
	if body == nil {
		body = echo.Map{"detail": detail}
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, body)
	}
	if werr != nil {
		logging.FromContext(c.Request().Context()).Error("error_response_failed", "error", werr)
	}
}
