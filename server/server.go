// Package server exposes the callback pipeline over HTTP with echo.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-wecom/core"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Config struct {
	Address      string
	BodyLimit    int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       core.Logger
}

// ConfigFrom maps the http section of the service config.
func ConfigFrom(cfg core.HTTPConfig, logger core.Logger) Config {
	return Config{
		Address:      cfg.Address(),
		BodyLimit:    cfg.BodyLimitBytes,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		Logger:       logger,
	}
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger core.Logger
}

func New(processor CallbackProcessor, cfg Config) (*Server, error) {
	handler, err := NewCallbackHandler(processor, cfg.BodyLimit, cfg.Logger)
	if err != nil {
		return nil, err
	}
	addr := cfg.Address
	if addr == "" {
		addr = ":8000"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]any{
				"method":  v.Method,
				"path":    v.URIPath,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}
			if v.Error != nil {
				fields = core.ErrorFields(v.Error, fields)
			}
			core.Log(c.Request().Context(), cfg.Logger, "debug", "server: request", fields)
			return nil
		},
	}))
	handler.Register(e)

	return &Server{echo: e, addr: addr, logger: cfg.Logger}, nil
}

// Handler returns the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks until the listener fails or Shutdown is called. A graceful
// shutdown is not reported as an error.
func (s *Server) Start() error {
	core.LogInfo(context.Background(), s.logger, "server: listening", map[string]any{"address": s.addr})
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return core.WrapError(err, goerrors.CategoryInternal, "server: listen", http.StatusInternalServerError, core.ErrorInternal, map[string]any{"address": s.addr})
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
