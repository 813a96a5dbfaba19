package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/shehryarbajwa/browserbase-geo/internal/api"
	"github.com/shehryarbajwa/browserbase-geo/internal/browser"
	"github.com/shehryarbajwa/browserbase-geo/internal/config"
	"github.com/shehryarbajwa/browserbase-geo/internal/events"
	"github.com/shehryarbajwa/browserbase-geo/internal/geo"
	"github.com/shehryarbajwa/browserbase-geo/internal/health"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/migration"
	"github.com/shehryarbajwa/browserbase-geo/internal/ratelimit"
	"github.com/shehryarbajwa/browserbase-geo/internal/region"
	"github.com/shehryarbajwa/browserbase-geo/internal/routing"
	"github.com/shehryarbajwa/browserbase-geo/internal/session"
	"github.com/shehryarbajwa/browserbase-geo/internal/snapshot"
	"github.com/shehryarbajwa/browserbase-geo/internal/stream"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// limiterIdle is how long a client's bucket survives without requests
const limiterIdle = time.Hour

type App struct {
	cfg     *config.Config
	logger  logger.Logger
	version string

	regions   *region.Manager
	monitor   *health.Monitor
	engine    *routing.Engine
	bus       *events.Bus
	forwarder *events.KafkaForwarder
	sessions  *session.Manager
	runtime   *browser.Runtime
	pools     []*browser.Pool
	migrator  *migration.Orchestrator
	limiter   *ratelimit.Limiter
	server    *api.Server

	redisClient *goredis.Client
	reaper      *events.Subscription
}

// New builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, version string) (*App, error) {
	a := &App{cfg: cfg, logger: log, version: version}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	defs, err := region.LoadFile(cfg.RegionsFile)
	if err != nil {
		return err
	}
	a.regions = region.NewManager()
	for _, r := range defs {
		if err := a.regions.AddOrUpdate(r); err != nil {
			return err
		}
	}
	log.Info("regions loaded",
		logger.String("file", cfg.RegionsFile),
		logger.Int("count", len(defs)))

	a.bus = events.NewBus()

	a.monitor = health.NewMonitor(a.regions, log.With(logger.String("component", "health")), health.Options{
		Interval:    cfg.HealthCheckInterval,
		Timeout:     cfg.HealthCheckTimeout,
		MaxFailures: cfg.MaxConsecutiveFailures,
	})
	a.monitor.OnChange(func(id string, healthy bool) {
		a.bus.Publish(events.Event{
			Name:     events.RegionHealthChanged,
			RegionID: id,
			Data:     map[string]any{"healthy": healthy},
		})
	})

	httpClient := &http.Client{Timeout: cfg.GeoTimeout}
	resolver := geo.NewResolver(log.With(logger.String("component", "geo")), cfg.GeoTimeout,
		geo.ProvidersByName(cfg.GeoProviders, httpClient)...)

	var cache routing.Cache
	if cfg.RedisAddr != "" {
		a.redisClient, err = routing.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return err
		}
		cache = routing.NewRedisCache(a.redisClient)
	}
	a.engine = routing.NewEngine(a.regions, a.monitor, resolver, cache, cfg.RouteCacheTTL, log)

	if len(cfg.KafkaBrokers) > 0 {
		client, err := events.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		a.forwarder = events.NewKafkaForwarder(a.bus, client, cfg.KafkaTopic, log)
		log.Info("forwarding events to kafka",
			logger.String("topic", cfg.KafkaTopic),
			logger.Int("brokers", len(cfg.KafkaBrokers)))
	}

	a.sessions = session.NewManager(a.bus, log.With(logger.String("component", "sessions")))

	store, err := a.snapshotStore(ctx)
	if err != nil {
		return err
	}
	a.runtime = browser.NewRuntime(store, cfg.ProfileDir, log.With(logger.String("component", "browser")))
	if cfg.DockerEnabled {
		if err := a.startPools(ctx, defs); err != nil {
			return err
		}
	}

	a.migrator = migration.NewOrchestrator(a.engine, a.sessions, a.runtime, a.bus,
		cfg.MigrationConcurrency, log.With(logger.String("component", "migration")))

	a.limiter = ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)

	handler := api.NewHandler(api.Deps{
		Engine:      a.engine,
		Sessions:    a.sessions,
		Migrator:    a.migrator,
		Provisioner: a.runtime,
		Defaults:    migration.Options{Timeout: cfg.MigrationTimeout, MaxRetries: cfg.MigrationRetries},
		Logger:      log,
		Version:     a.version,
	})
	router := handler.SetupRoutes(stream.NewServer(a.bus, log), api.RouteLimit{
		Limiter:         a.limiter,
		RequestsPerHour: cfg.RateLimitPerHour,
	})
	a.server = api.NewServer(cfg.ListenAddr, router, log)
	return nil
}

func (a *App) snapshotStore(ctx context.Context) (snapshot.Store, error) {
	switch a.cfg.SnapshotBackend {
	case "s3":
		a.logger.Info("snapshots stored in s3", logger.String("bucket", a.cfg.S3Bucket))
		return snapshot.NewS3Store(ctx, snapshot.S3Config{
			Bucket:       a.cfg.S3Bucket,
			Region:       a.cfg.S3Region,
			Endpoint:     a.cfg.S3Endpoint,
			UsePathStyle: a.cfg.S3PathStyle,
		})
	default:
		a.logger.Info("snapshots stored on disk", logger.String("dir", a.cfg.SnapshotDir))
		return snapshot.NewFileStore(a.cfg.SnapshotDir)
	}
}

// startPools opens one docker pool per region and makes sure the browser image is present
func (a *App) startPools(ctx context.Context, defs []models.Region) error {
	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	for i, r := range defs {
		pool, err := browser.NewPool(r.ID, browser.DefaultImage, a.logger)
		if err != nil {
			return err
		}
		a.pools = append(a.pools, pool)
		if i == 0 {
			a.logger.Info("ensuring browser image is available")
			if err := pool.EnsureImage(pullCtx); err != nil {
				return fmt.Errorf("failed to ensure browser image: %w", err)
			}
		}
		a.runtime.AddPool(r.ID, pool)
	}
	a.logger.Info("browser pools ready", logger.Int("regions", len(a.pools)))
	return nil
}

// Run starts background work and serves until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting fleet router",
		logger.String("version", a.version),
		logger.String("addr", a.cfg.ListenAddr))

	a.monitor.Start(ctx)
	a.sessions.StartExpiry(ctx, a.cfg.SessionSweepInterval)
	a.startReaper()
	go a.pruneLimiter(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop server: %w", err)
	}

	a.migrator.Stop()
	a.sessions.Stop()
	a.close()

	a.logger.Info("stopped cleanly")
	return runErr
}

// startReaper releases browsers of sessions the expiry sweep terminated
func (a *App) startReaper() {
	a.reaper = a.bus.Subscribe(16)
	go func() {
		for e := range a.reaper.C() {
			if e.Name != events.SessionTerminated || e.Data["reason"] != session.ReasonExpired {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			if err := a.runtime.Release(ctx, e.SessionID); err != nil {
				a.logger.Warn("failed to release expired session", logger.String("session", e.SessionID), logger.Error(err))
			}
			cancel()
		}
	}()
}

func (a *App) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.limiter.Prune(limiterIdle); n > 0 {
				a.logger.Debug("pruned idle rate limit buckets", logger.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// close releases everything New acquired. Safe on a partially built App.
func (a *App) close() {
	if a.engine != nil {
		a.engine.Stop()
	} else if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.reaper != nil {
		a.reaper.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.forwarder.Close(ctx); err != nil {
			a.logger.Warn("failed to flush kafka events", logger.Error(err))
		}
		cancel()
	}
	for _, p := range a.pools {
		if err := p.Close(); err != nil {
			a.logger.Warn("failed to close docker client", logger.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", logger.Error(err))
		}
	}
}
