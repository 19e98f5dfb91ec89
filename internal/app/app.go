package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/probeswarm/internal/automation"
	"github.com/MrSnakeDoc/probeswarm/internal/config"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver"
	"github.com/MrSnakeDoc/probeswarm/internal/httpserver/deps"
	"github.com/MrSnakeDoc/probeswarm/internal/logger"
	"github.com/MrSnakeDoc/probeswarm/internal/metrics"
	"github.com/MrSnakeDoc/probeswarm/internal/pool"
	"github.com/MrSnakeDoc/probeswarm/internal/probe"
	"github.com/MrSnakeDoc/probeswarm/internal/redis"
	"github.com/MrSnakeDoc/probeswarm/internal/scanner"
	"github.com/MrSnakeDoc/probeswarm/internal/scheduler"
	redisstore "github.com/MrSnakeDoc/probeswarm/internal/store/redis"
	"github.com/MrSnakeDoc/probeswarm/internal/version"
	"github.com/MrSnakeDoc/probeswarm/internal/workerclient"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	redisClient *goredis.Client
	server      *httpserver.Server

	store      *redisstore.Store
	pool       *pool.Pool
	scanner    *scanner.Service
	automation *automation.Controller
	scheduler  *scheduler.Automation
	monitor    *scheduler.HealthMonitor
	reloader   *scheduler.PoolReloader
	gc         *scheduler.GarbageCollector
}

// New loads the configuration, connects to Redis and wires the process.
// It exits when Redis cannot be reached.
func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Initialize Redis early - fail fast if unavailable
	loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
	redisClient, err := redis.New(context.Background(), redis.OptionsFromConfig(cfg), loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("Redis initialized successfully")

	return Build(cfg, loggerClient, redisClient)
}

// Build wires every component on an existing Redis client.
func Build(cfg *config.Config, loggerClient logger.Logger, redisClient *goredis.Client) *App {
	store := redisstore.NewStore(redisClient)

	workers := workerclient.New(workerclient.Options{
		HealthTimeout: cfg.WorkerHealthTimeout,
		CallTimeout:   cfg.WorkerCallTimeout,
		UserAgent:     cfg.ProbeUserAgent,
	})
	classifier := workerclient.MustDefaultClassifier()

	workerPool := pool.New(store, workers, classifier, loggerClient, pool.Options{
		DefaultQuota: cfg.WorkerDefaultQuota,
	})

	local := probe.NewController(probe.NewHTTPProber(probe.HTTPProberOptions{
		Method:       cfg.ProbeMethod,
		Retries:      cfg.ProbeRetries,
		PreviewBytes: cfg.ProbePreviewBytes,
		UserAgent:    cfg.ProbeUserAgent,
		RateLimit:    cfg.LocalRateLimit,
	}), cfg.ProbeTimeout)

	controller := automation.New(store, loggerClient)

	scan := scanner.New(store, workerPool, workers, local, controller, loggerClient, scanner.Options{
		DefaultConcurrency: cfg.ScanConcurrency,
		MaxAttempts:        cfg.WorkerMaxAttempts,
		Probe: workerclient.ProbeOptions{
			Method:       cfg.ProbeMethod,
			Timeout:      cfg.ProbeTimeout,
			Retries:      cfg.ProbeRetries,
			PreviewBytes: cfg.ProbePreviewBytes,
		},
	})

	sched := scheduler.NewAutomation(store, scan, controller, loggerClient, scheduler.AutomationOptions{
		Tick:        cfg.AutomationTick,
		Template:    cfg.AutomationTemplate,
		Concurrency: cfg.ScanConcurrency,
		Defaults: scheduler.Config{
			IncrementalEnabled:  cfg.IncrementalEnabled,
			RescanEnabled:       cfg.RescanEnabled,
			IncrementalInterval: cfg.IncrementalInterval,
			RescanInterval:      cfg.RescanInterval,
		},
	})

	monitor := scheduler.NewHealthMonitor(workerPool, loggerClient, cfg.WorkerHealthEvery)
	reloader := scheduler.NewPoolReloader(cfg.PoolFile, workerPool, classifier, loggerClient, cfg.PoolReloadInterval)
	gc := scheduler.NewGarbageCollector(scan, loggerClient, cfg.TaskGCInterval, cfg.TaskRetention)

	// pool gauges are read at scrape time from a per-process registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewPoolCollector(workerPool.Stats))

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:          loggerClient,
		StartTime:       time.Now(),
		Version:         version.Version,
		Commit:          version.Commit,
		BuildDate:       version.BuildDate,
		GoVersion:       version.GoVersion,
		TimeNow:         time.Now,
		AllowedHosts:    cfg.AllowedHosts,
		AllowedCIDRS:    cfg.AllowedCIDRS,
		TrustProxy:      cfg.TrustProxy,
		RateLimitBurst:  cfg.RateLimitBurst,
		RateLimitPerMin: cfg.RateLimitPerMin,
		RedisClient:     redisClient,
		Gatherer:        prometheus.Gatherers{prometheus.DefaultGatherer, reg},
		Store:           store,
		Pool:            workerPool,
		WorkerClient:    workers,
		Scanner:         scan,
		Automation:      controller,
		Scheduler:       sched,
		PoolReloader:    reloader,
	}

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		redisClient: redisClient,
		server:      httpserver.New(cfg, loggerClient, d),
		store:       store,
		pool:        workerPool,
		scanner:     scan,
		automation:  controller,
		scheduler:   sched,
		monitor:     monitor,
		reloader:    reloader,
		gc:          gc,
	}
}

// Handler is the HTTP API, for serving outside Run.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Init restores persisted state: stale running tasks are failed, then the
// automation switch and scheduler policy are loaded and the pool is synced.
func (a *App) Init(ctx context.Context) error {
	n, err := a.scanner.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	if n > 0 {
		a.logger.Warn("recovered interrupted tasks", logger.Int("count", n))
	}

	if err := a.automation.Init(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Init(ctx); err != nil {
		return err
	}
	if err := a.pool.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load workers: %w", err)
	}
	return nil
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting probeswarm v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Infof("probeswarm %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Init(ctx); err != nil {
		return err
	}

	// Start pool reloader (applies the pool file and starts periodic refresh)
	if err := a.reloader.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pool reloader: %w", err)
	}
	a.logger.Info("pool reloader started",
		logger.Duration("interval", a.cfg.PoolReloadInterval))

	a.monitor.Start(ctx)
	a.logger.Info("health monitor started",
		logger.Duration("interval", a.cfg.WorkerHealthEvery))

	a.gc.Start(ctx)
	a.logger.Info("task garbage collector started",
		logger.Duration("retention", a.cfg.TaskRetention))

	a.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("failed to stop server", logger.Error(err))
	}

	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops the loops, waits for running scans within ctx and closes
// Redis.
func (a *App) Shutdown(ctx context.Context) error {
	a.scheduler.Stop()
	a.reloader.Stop()
	a.monitor.Stop()
	a.gc.Stop()

	var errs []error
	if err := a.scanner.Shutdown(ctx); err != nil {
		errs = append(errs, err)
		a.logger.Warn("scan executions did not finish in time", logger.Error(err))
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.logger.Info("✅ probeswarm stopped cleanly")
	return errors.Join(errs...)
}
