package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"adk-router/internal/client"
	"adk-router/internal/config"
	"adk-router/internal/handler"
	"adk-router/internal/hooks"
	"adk-router/internal/keystore"
	"adk-router/internal/metrics"
	"adk-router/internal/middleware"
	"adk-router/internal/service"
)

type serveCmd struct{}

func (serveCmd) Run(cli *config.CLI) error {
	app := fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newKeystore,
			newInterceptors,
			newHookRunner,
			client.NewBackendClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetrics, warnConfigPermissions, startServer),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// No WriteTimeout: agent runs stream over SSE for as long as the backend
	// keeps producing events.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m, func(c echo.Context) bool {
		return cfg.Metrics.Enabled && c.Request().URL.Path == cfg.Metrics.Path
	}))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders(isRelayed))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, isProbe))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// isProbe reports whether the request is a health or status probe.
func isProbe(c echo.Context) bool {
	switch c.Request().URL.Path {
	case "/healthz", "/proxy/status", "/api/adk-router-health":
		return true
	}
	return false
}

// isRelayed reports whether the request is forwarded to the backend.
func isRelayed(c echo.Context) bool {
	return strings.HasPrefix(c.Request().URL.Path, handler.RouterPrefix+"/")
}

func newKeystore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (keystore.Store, error) {
	store, err := keystore.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	logger.Info("provider key store ready", "driver", cfg.Keystore.Driver)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newInterceptors(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) hooks.Interceptor {
	var chain hooks.Chain
	if cfg.HookEnabled(config.HookLogging) {
		chain = append(chain, hooks.NewLogging(logger))
	}
	if cfg.HookEnabled(config.HookMetrics) {
		chain = append(chain, hooks.NewMetrics(m))
	}
	return chain
}

func newHookRunner(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *hooks.Runner {
	r := hooks.NewRunner(logger, m, time.Duration(cfg.Hooks.TimeoutSeconds)*time.Second)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Wait(ctx)
		},
	})
	return r
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"backend", cfg.Backend.BaseURL,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
