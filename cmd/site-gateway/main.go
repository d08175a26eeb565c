package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"site-gateway-go/internal/client"
	"site-gateway-go/internal/config"
	"site-gateway-go/internal/functions"
	"site-gateway-go/internal/handler"
	"site-gateway-go/internal/metrics"
	"site-gateway-go/internal/middleware"
	"site-gateway-go/internal/model"
	"site-gateway-go/internal/service"
	"site-gateway-go/internal/site"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("site-gateway"),
		kong.Description("Same-origin gateway for the site's assistant widget: API and CDN proxy plus static site."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			client.NewUpstreamClient,
			newDispatcher,
			newFunctionsHandler,
			newSiteServer,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; consumers treat nil as off.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newDispatcher(cfg *config.Config, c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) (*service.Dispatcher, error) {
	settings, err := service.NewSettings(cfg, "")
	if err != nil {
		return nil, err
	}
	return service.NewDispatcher(c, settings, logger, m), nil
}

func newFunctionsHandler(cfg *config.Config, c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) (*functions.Handler, error) {
	if !cfg.Functions.Enabled {
		return nil, nil
	}
	return functions.NewHandler(cfg, c, logger, m)
}

func newSiteServer(cfg *config.Config, logger *slog.Logger) (*site.Server, error) {
	if !cfg.Site.Enabled {
		return nil, nil
	}
	return site.NewServer(cfg, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: streamed CDN assets can legitimately outlast any
	// fixed bound. The upstream client timeout covers stalled upstreams.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	// Proxy routes own their response headers and enforce the body cap in the
	// dispatcher, where a rejection can still carry CORS headers.
	proxyRoutes := middleware.PrefixSkipper(model.APIPrefix, model.AvatarPrefix)
	e.Use(echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Skipper: proxyRoutes,
		Limit:   fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes),
	}))
	e.Use(middleware.SecurityHeadersWithConfig(middleware.SecurityConfig{
		Skipper: proxyRoutes,
	}))

	return e
}

func registerRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	proxy *handler.ProxyHandler,
	health *handler.HealthHandler,
	fn *functions.Handler,
	st *site.Server,
	logger *slog.Logger,
) {
	r := handler.Routes{
		Proxy:     proxy,
		Health:    health,
		Functions: fn,
		Site:      st,
	}
	if m != nil {
		r.Metrics = promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
		r.MetricsPath = cfg.Metrics.Path
	}
	handler.RegisterRoutes(e, r)

	logger.Info("routes registered",
		"metrics", m != nil,
		"functions", fn != nil,
		"site", st != nil,
	)
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
				"api_upstream", cfg.Upstream.APIBaseURL,
				"cdn_upstream", cfg.Upstream.CDNBaseURL+cfg.Upstream.CDNPathPrefix,
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
