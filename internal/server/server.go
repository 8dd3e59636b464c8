package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/app"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/broadcast"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/config"
	apperrors "github.com/Marcelo-Nobre/virtual-book-catalog/internal/errors"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/platform/correlation"
)

const correlationHeader = "X-Correlation-ID"

// prometheusMiddleware registers its collectors on the default registry, so
// it is created once even when multiple servers exist (tests).
var prometheusMiddleware = echoprometheus.NewMiddleware("virtual_book_catalog")

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	app         *app.Service
	broadcaster *broadcast.Broadcaster
	limits      *ConnectionLimits
	startTime   time.Time
}

func NewServer(cfg *config.Config, appService *app.Service, broadcaster *broadcast.Broadcaster) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(correlationMiddleware())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(prometheusMiddleware)
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:        e,
		config:      cfg,
		app:         appService,
		broadcaster: broadcaster,
		limits: NewConnectionLimits(
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRatePerSecond,
			cfg.ConnectionRateBurst,
		),
		startTime: time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// correlationMiddleware tags every request with a correlation ID, reusing the
// caller's when one is supplied.
func correlationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(correlationHeader)
			if id == "" {
				id = correlation.NewID()
			}

			ctx := correlation.WithID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(correlationHeader, id)

			return next(c)
		}
	}
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
