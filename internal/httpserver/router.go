package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/Skotchmaster/storefront/internal/service"
)

type Deps struct {
	DB           *gorm.DB
	Auth         *service.AuthService
	Users        *service.UserService
	AccessSecret []byte
	Logger       *slog.Logger
}

// New returns an echo instance with the shared middleware and every route
// registered.
func New(d *Deps) *echo.Echo {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID(), middleware.Secure(), RequestLogger(l))

	Register(e, d)
	return e
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", d.ready)

	authH := &AuthHTTP{Svc: d.Auth}
	usersH := &UsersHTTP{Svc: d.Users}
	bearer := BearerAuth(d.AccessSecret)

	api := e.Group("/api")

	api.POST("/token", authH.Login)
	api.POST("/token/refresh", authH.Refresh)
	api.POST("/logout", authH.Logout, bearer)

	api.POST("/users", authH.Register)
	api.POST("/users/google-login", authH.GoogleLogin)

	users := api.Group("/users", bearer)

	users.GET("", usersH.List, RequireAdmin)
	users.GET("/me", usersH.Me)
	users.GET("/:id", usersH.Get)
	users.PUT("/:id", usersH.Update)
	users.PATCH("/:id", usersH.Update)
	users.DELETE("/:id", usersH.Delete)
}

func (d *Deps) ready(c echo.Context) error {
	if d.DB == nil {
		return c.NoContent(http.StatusOK)
	}
	sqlDB, err := d.DB.DB()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
	}
	if err := sqlDB.PingContext(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
	}
	return c.NoContent(http.StatusOK)
}
