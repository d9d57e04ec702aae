package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/storefront/internal/service"
	"github.com/Skotchmaster/storefront/pkg/logging"
)

type AuthHTTP struct {
	Svc *service.AuthService
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type googleLoginRequest struct {
	Token string `json:"token"`
}

func (h *AuthHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	pair, err := h.Svc.Login(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "No active account found with the given credentials")
		}
		return failure(err)
	}

	return c.JSON(http.StatusOK, pair)
}

func (h *AuthHTTP) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("refresh_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	access, err := h.Svc.Refresh(ctx, req.Refresh)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) {
			return echo.NewHTTPError(http.StatusUnauthorized, "Token is invalid or expired")
		}
		return failure(err)
	}

	return c.JSON(http.StatusOK, echo.Map{"access": access})
}

func (h *AuthHTTP) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	actor, err := actorFrom(c)
	if err != nil {
		return err
	}

	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("logout_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := h.Svc.Logout(ctx, actor.ID, req.Refresh); err != nil {
		switch {
		case errors.Is(err, service.ErrRefreshRequired):
			return echo.NewHTTPError(http.StatusBadRequest, "Refresh token required.")
		case errors.Is(err, service.ErrInvalidRefreshToken):
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid token.")
		}
		return failure(err)
	}

	return c.JSON(http.StatusOK, echo.Map{"detail": "Logout successful."})
}

func (h *AuthHTTP) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req registerRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	user, err := h.Svc.Register(ctx, service.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		return failure(err)
	}

	return c.JSON(http.StatusCreated, user)
}

func (h *AuthHTTP) GoogleLogin(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_google_login")

	var req googleLoginRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("google_login_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	pair, err := h.Svc.GoogleLogin(ctx, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidGoogleToken):
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Google token")
		case errors.Is(err, service.ErrGoogleDisabled):
			return echo.NewHTTPError(http.StatusNotImplemented, "Google login is not available")
		}
		return failure(err)
	}

	return c.JSON(http.StatusOK, pair)
}

// failure maps errors shared by every handler. Validation problems are
// written as a field map, anything unknown becomes a 500.
func failure(err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return &fieldError{fields: verr.Fields}
	case errors.Is(err, service.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "You do not have permission to perform this action.")
	case errors.Is(err, service.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not found.")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "A server error occurred.").SetInternal(err)
}

// fieldError is rendered by ErrorHandler as a 400 with the field map as body.
type fieldError struct {
	fields map[string][]string
}

func (e *fieldError) Error() string { return "validation failed" }
