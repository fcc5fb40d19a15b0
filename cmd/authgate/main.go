package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"authgate/internal/auth"
	"authgate/internal/client"
	"authgate/internal/config"
	"authgate/internal/handler"
	"authgate/internal/metrics"
	"authgate/internal/middleware"
	"authgate/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminEcho is the optional listener for health, status and metrics. It is
// kept apart from the gateway so every gateway path reaches the upstream.
type adminEcho struct {
	*echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("authgate"),
		kong.Description("Token-checking reverse proxy for a single upstream."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newAdminEcho,
			client.NewUpstreamClient,
			func(c *client.UpstreamClient) service.Dispatcher { return c },
			auth.NewValidator,
			service.NewGateway,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerAdminRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch cfg.Log.Format {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.PlainTextErrorHandler

	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	// Read and write deadlines stay off: request and response bodies are
	// streamed and may legitimately run long.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))

	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(middleware.BodyLimit(cfg.Server.BodyMaxBytes))
		logger.Info("body limit enabled", "max_bytes", cfg.Server.BodyMaxBytes)
	}
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho() *adminEcho {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Use(echomw.Recover())
	e.Use(middleware.SecurityHeaders())
	return &adminEcho{Echo: e}
}

func registerAdminRoutes(a *adminEcho, h *handler.HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	if !cfg.Admin.Enabled {
		return
	}
	handler.RegisterAdminRoutes(a.Echo, h, m, cfg.Admin.MetricsPath)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, admin *adminEcho, cfg *config.Config, logger *slog.Logger) {
	serve := func(srv *echo.Echo, addr, name string) error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind %s: %w", addr, err)
		}
		go func() {
			if err := srv.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "listener", name, "err", err)
			}
		}()
		return nil
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.BindAddr
			if err := serve(e, addr, "gateway"); err != nil {
				return err
			}
			logger.Info("Listening on http://"+addr, "upstream", cfg.Upstream.URL)

			if cfg.Admin.Enabled {
				if err := serve(admin.Echo, cfg.Admin.BindAddr, "admin"); err != nil {
					_ = e.Close()
					return err
				}
				logger.Info("admin listener started", "addr", cfg.Admin.BindAddr)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			var errs []error
			if cfg.Admin.Enabled {
				errs = append(errs, admin.Shutdown(ctx))
			}
			errs = append(errs, e.Shutdown(ctx))
			return errors.Join(errs...)
		},
	})
}
