package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hlsgate/hlsgate/internal/cache"
	internalhttp "github.com/hlsgate/hlsgate/internal/http"
	"github.com/hlsgate/hlsgate/internal/http/handlers"
	"github.com/hlsgate/hlsgate/internal/prefetch"
	"github.com/hlsgate/hlsgate/internal/resolver"
	"github.com/hlsgate/hlsgate/internal/scheduler"
	"github.com/hlsgate/hlsgate/internal/upstream"
	"github.com/hlsgate/hlsgate/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hlsgate server",
	Long: `Start the hlsgate HTTP server.

The server provides:
- /proxy, /proxy/m3u, /proxy/ts, /proxy/key proxy endpoints
- Cache operations at /cache/stats and /cache/clear
- Health, status, and prometheus metrics endpoints
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	landingOrigin := strings.TrimSuffix(cfg.Resolver.LandingFallback, "/")
	policy := upstream.NewPolicy(cfg.Upstream, cfg.Resolver.UserAgent, landingOrigin)
	client := upstream.New(cfg.Upstream, policy, logger)

	landing := resolver.NewLandingBase(client,
		cfg.Resolver.LandingSourceURL, cfg.Resolver.LandingFallback,
		cfg.Resolver.RefreshInterval, logger)
	res := resolver.New(client, landing, cfg.Resolver, logger)

	caches := cache.NewManager(cfg.Cache, logger)
	defer caches.Close()

	maxItem := cfg.Cache.SegmentMaxItem.Int64()
	prefetcher := prefetch.New(cfg.Prefetch, maxItem, client, caches.Segment, logger)

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	// Docs-only huma registrations go first; the raw chi routes for the same
	// paths are mounted after and take over the traffic.
	proxyHandler := handlers.NewProxyHandler(client, res, caches, prefetcher,
		strings.TrimSuffix(cfg.Server.BaseURL, "/"), cfg.Rewrite.BypassHosts, maxItem, logger)
	proxyHandler.Register(server.API())
	proxyHandler.RegisterChiRoutes(server.Router())

	cacheHandler := handlers.NewCacheHandler(caches, logger)
	cacheHandler.Register(server.API())
	cacheHandler.RegisterChiRoutes(server.Router())

	healthHandler := handlers.NewHealthHandler()
	healthHandler.Register(server.API())
	healthHandler.RegisterChiRoutes(server.Router())

	statusHandler := handlers.NewStatusHandler(version.Version, caches, landing)
	statusHandler.Register(server.API())

	landingHandler := handlers.NewLandingHandler(version.Version)
	landingHandler.RegisterChiRoutes(server.Router())

	docsHandler := handlers.NewDocsHandler("hlsgate API", "/openapi.json")
	server.Router().Get("/docs", docsHandler.ServeHTTP)

	server.Router().Handle("/metrics", promhttp.Handler())

	sched := scheduler.New(logger)
	if err := sched.Add("cache-sweep", fmt.Sprintf("@every %s", cfg.Cache.SweepInterval.Duration()), func(ctx context.Context) {
		caches.Sweep()
	}); err != nil {
		return fmt.Errorf("registering cache sweep: %w", err)
	}
	if cfg.Resolver.LandingSourceURL != "" {
		if err := sched.Add("landing-refresh", fmt.Sprintf("@every %s", cfg.Resolver.RefreshInterval), func(ctx context.Context) {
			if _, err := landing.Refresh(ctx); err != nil {
				logger.Warn("landing refresh failed", slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("registering landing refresh: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("starting hlsgate server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}
