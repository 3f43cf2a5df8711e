package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/splax/localvercel/edge/internal/app/migrate"
	httpx "github.com/splax/localvercel/edge/internal/http"
	"github.com/splax/localvercel/edge/internal/repository"
	"github.com/splax/localvercel/edge/internal/repository/memory"
	"github.com/splax/localvercel/edge/internal/repository/postgres"
	redisrepo "github.com/splax/localvercel/edge/internal/repository/redis"
	"github.com/splax/localvercel/edge/internal/service/archive"
	"github.com/splax/localvercel/edge/internal/service/registrar"
	"github.com/splax/localvercel/edge/internal/service/routes"
	"github.com/splax/localvercel/edge/internal/service/telemetry"
	"github.com/splax/localvercel/edge/internal/service/watcher"
	"github.com/splax/localvercel/edge/internal/supervisor"
	"github.com/splax/localvercel/edge/internal/supervisor/docker"
	"github.com/splax/localvercel/edge/internal/workspace"
	"github.com/splax/localvercel/edge/internal/ws"
	"github.com/splax/localvercel/edge/pkg/config"
	"github.com/splax/localvercel/edge/pkg/logger"
	runtimetelemetry "github.com/splax/localvercel/edge/pkg/runtime/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	reaperInterval  = time.Minute
)

func main() {
	cfg := config.LoadEdgeConfig()
	var noWatch bool

	flags := pflag.NewFlagSet("edge", pflag.ExitOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "public listener address")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin listener address")
	flags.StringVarP(&cfg.WatchRoot, "root", "r", cfg.WatchRoot, "deployment watch root")
	flags.StringVar(&cfg.RouteStore, "route-store", cfg.RouteStore, "route store backend (redis|memory)")
	flags.StringVar(&cfg.StatusStore, "status-store", cfg.StatusStore, "status store backend (postgres|memory)")
	flags.StringVar(&cfg.Supervisor, "supervisor", cfg.Supervisor, "compute supervisor (docker|none)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	flags.IntVarP(&cfg.DeployWorkers, "workers", "w", cfg.DeployWorkers, "concurrent deployment pipelines")
	flags.BoolVar(&noWatch, "no-watch", !cfg.WatchNotify, "disable filesystem notifications; rely on the startup scan and admin triggers")
	_ = flags.Parse(os.Args[1:])
	cfg.WatchNotify = !noWatch

	log := logger.New("edge", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("edge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.EdgeConfig, log *slog.Logger) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	health := make(map[string]func(context.Context) error)

	recorder := telemetry.NewRecorder(log, newForwarder(cfg, log), cfg.TelemetryFlush)
	go recorder.Run(ctx)

	var (
		store   repository.RouteRepository
		limiter httpx.RateLimiter
	)
	switch strings.ToLower(cfg.RouteStore) {
	case "memory":
		store = memory.NewRouteStore()
	case "redis":
		redisStore, err := redisrepo.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
		limiter = httpx.NewRedisRateLimiter(redisStore.Client(), log)
	default:
		return fmt.Errorf("unknown route store %q", cfg.RouteStore)
	}
	health["route_store"] = store.Ping

	var statuses repository.StatusRepository
	switch strings.ToLower(cfg.StatusStore) {
	case "memory":
		statuses = memory.NewStatusStore()
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		runner, err := migrate.New(pool, cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		statuses = postgres.New(pool)
		health["status_store"] = pool.Ping
	default:
		return fmt.Errorf("unknown status store %q", cfg.StatusStore)
	}

	var sup supervisor.Supervisor = supervisor.Disabled{}
	switch strings.ToLower(cfg.Supervisor) {
	case "none":
		log.Warn("compute supervisor disabled; compute deployments will fail to activate")
	case "docker":
		client, err := docker.NewClient(cfg.DockerHost)
		if err != nil {
			return fmt.Errorf("docker client: %w", err)
		}
		defer client.Close()
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("docker ping: %w", err)
		}
		dockerSup := docker.New(client, docker.Config{Host: cfg.ComputeHost, IdleTimeout: cfg.ComputeIdleTimeout}, log)
		go dockerSup.RunReaper(ctx, reaperInterval)
		sup = dockerSup
		health["docker"] = client.Ping
	default:
		return fmt.Errorf("unknown supervisor %q", cfg.Supervisor)
	}

	manager, err := workspace.New(cfg.WatchRoot)
	if err != nil {
		return err
	}

	resolver := routes.NewResolver(store, recorder, log, cfg.RouteCacheTTL)
	go func() {
		if err := resolver.Run(ctx); err != nil {
			log.Error("route invalidation loop stopped", "error", err)
		}
	}()

	hub := ws.NewHub()
	defer hub.Close()

	deployer := watcher.New(watcher.Dependencies{
		Workspace: manager,
		Registrar: registrar.New(resolver, sup, log),
		Routes:    resolver,
		Extractor: archive.New(log),
		Statuses:  statuses,
		Publisher: hub,
		Sink:      recorder,
		Logger:    log,
	}, watcher.Config{
		Debounce:     cfg.WatchDebounce,
		Workers:      cfg.DeployWorkers,
		BuildTimeout: cfg.BuildTimeout,
		HealthEvery:  cfg.HealthEvery,
		Notify:       cfg.WatchNotify,
	})
	watcherDone := make(chan error, 1)
	go func() { watcherDone <- deployer.Run(ctx) }()

	dispatcher := httpx.NewDispatcher(resolver, sup, recorder, log, httpx.DispatcherOptions{UpstreamTimeout: cfg.UpstreamTimeout})
	router := httpx.NewRouter(httpx.RouterOptions{
		Logger:       log,
		Routes:       resolver,
		Deployments:  deployer,
		Hub:          hub,
		Workspace:    manager,
		Limiter:      limiter,
		RateLimit:    cfg.AdminRateLimit,
		AdminToken:   cfg.AdminToken,
		UploadMaxMB:  cfg.UploadMaxMB,
		HealthChecks: health,
	})
	defer router.Close()

	public := &http.Server{
		Addr:              cfg.Addr,
		Handler:           dispatcher,
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 2)
	go func() {
		log.Info("edge listener starting", "addr", cfg.Addr)
		errorCh <- public.ListenAndServe()
	}()
	go func() {
		log.Info("admin listener starting", "addr", cfg.AdminAddr, "watch_root", manager.Root())
		errorCh <- admin.ListenAndServe()
	}()

	var serveErr error
	watcherStopped := false
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case err := <-watcherDone:
		watcherStopped = true
		if err != nil {
			serveErr = fmt.Errorf("watcher stopped: %w", err)
		}
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{public, admin} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	if !watcherStopped {
		select {
		case <-watcherDone:
		case <-shutdownCtx.Done():
			log.Warn("deployment pipelines still running at shutdown")
		}
	}
	if serveErr != nil {
		return serveErr
	}
	log.Info("edge stopped")
	return nil
}

func newForwarder(cfg config.EdgeConfig, log *slog.Logger) telemetry.Forwarder {
	if strings.TrimSpace(cfg.TelemetryURL) == "" {
		return nil
	}
	emitter, err := runtimetelemetry.NewEmitter(cfg.TelemetryURL, cfg.TelemetryToken, nil)
	if err != nil {
		log.Warn("telemetry forwarding disabled", "error", err)
		return nil
	}
	return emitter
}
