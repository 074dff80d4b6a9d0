package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/discernus/discernus/api/handlers"
	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/metrics"
	"github.com/discernus/discernus/internal/server"
)

// publicPaths 不需要认证
var publicPaths = []string{"/health", "/ready", "/version"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ops HTTP API",
	Long: `Serve health checks, run manifests, the run ledger and artifacts over HTTP.
Prometheus metrics are exposed on a separate port.

Routes:
  GET /health                      liveness
  GET /ready                       Redis and ledger database reachability
  GET /version                     build information
  GET /api/v1/runs                 run ledger (?run_id=&limit=)
  GET /api/v1/runs/{id}/manifest   run manifest
  GET /api/v1/artifacts/{hash}     raw artifact bytes`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// routerDeps 是 API 路由需要的依赖
type routerDeps struct {
	cfg       config.ServerConfig
	store     artifact.Store
	manifests handlers.ManifestLoader
	attempts  handlers.AttemptLister
	checks    []handlers.HealthCheck
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// newRouter 组装路由与中间件链。ctx 结束时限流器停止清理。
func newRouter(ctx context.Context, d routerDeps) http.Handler {
	health := handlers.NewHealthHandler(d.logger)
	for _, c := range d.checks {
		health.RegisterCheck(c)
	}
	runs := handlers.NewRunHandler(d.manifests, d.attempts, d.logger)
	artifacts := handlers.NewArtifactHandler(d.store, d.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.HandleFunc("GET /api/v1/runs", runs.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}/manifest", runs.HandleManifest)
	mux.HandleFunc("GET /api/v1/artifacts/{hash}", artifacts.HandleGet)

	chain := []Middleware{
		Recovery(d.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(d.metrics),
		RequestLogger(d.logger),
	}
	switch {
	case d.cfg.JWT.Enabled():
		chain = append(chain, JWTAuth(d.cfg.JWT, publicPaths, d.logger))
	case len(d.cfg.APIKeys) > 0:
		chain = append(chain, APIKeyAuth(d.cfg.APIKeys, publicPaths))
	default:
		d.logger.Warn("ops API has no authentication configured")
	}
	if d.cfg.RateLimitRPS > 0 {
		burst := d.cfg.RateLimitBurst
		if burst <= 0 {
			burst = d.cfg.RateLimitRPS
		}
		chain = append(chain, RateLimiter(ctx, float64(d.cfg.RateLimitRPS), burst))
	}

	return Chain(mux, chain...)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, appOptions{component: "serve", redis: true, ledger: true})
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting discernus serve",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	d := routerDeps{
		cfg:       a.cfg.Server,
		store:     a.store,
		manifests: a.manifests,
		checks:    []handlers.HealthCheck{handlers.NewCheck("redis", a.cache.Ping)},
		metrics:   a.metrics,
		logger:    a.logger,
	}
	if a.ledger != nil {
		d.attempts = a.ledger
		d.checks = append(d.checks, handlers.NewCheck("database", a.pool.Ping))
	}

	g, gctx := errgroup.WithContext(ctx)

	api := server.NewManager(newRouter(gctx, d), server.FromServerConfig(a.cfg.Server), a.logger)
	g.Go(func() error { return api.Serve(gctx) })

	if a.metrics != nil && a.cfg.Server.MetricsPort > 0 {
		mcfg := server.FromServerConfig(a.cfg.Server)
		mcfg.Addr = fmt.Sprintf(":%d", a.cfg.Server.MetricsPort)
		mcfg.CertFile, mcfg.KeyFile = "", ""

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		ms := server.NewManager(mux, mcfg, a.logger.With(zap.String("server", "metrics")))
		g.Go(func() error { return ms.Serve(gctx) })
	}

	return g.Wait()
}
