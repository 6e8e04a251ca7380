package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/forestwatch-vn/forestwatch/pkg/api"
	"github.com/forestwatch-vn/forestwatch/pkg/audit"
	"github.com/forestwatch-vn/forestwatch/pkg/config"
	"github.com/forestwatch-vn/forestwatch/pkg/gate"
	"github.com/forestwatch-vn/forestwatch/pkg/gis"
	"github.com/forestwatch-vn/forestwatch/pkg/middleware"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
	"github.com/forestwatch-vn/forestwatch/pkg/scope"
	"github.com/forestwatch-vn/forestwatch/pkg/storage/postgres"
)

var (
	migrate        = flag.Bool("migrate", false, "Run database migrations and seed built-in roles, then continue")
	migrateOnly    = flag.Bool("migrate-only", false, "Run migrations and exit")
	auditRetention = flag.Duration("audit-retention", 90*24*time.Hour, "How long audit log entries are kept")
	purgeSchedule  = flag.String("audit-purge-schedule", "30 2 * * *", "Cron schedule for audit log purging (default: 02:30 daily)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "forestwatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout)
	logger.Info("forestwatch starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		AuthURL:     cfg.Database.AuthURL,
		BoundaryURL: cfg.Database.BoundaryURL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		return err
	}
	defer conns.Close()

	catalog := rbac.NewCatalog(conns.Auth())
	if *migrate || *migrateOnly {
		if err := rbac.RunMigrations(ctx, conns.Auth(), logger); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		if err := rbac.SeedBuiltInRoles(ctx, conns.Auth(), catalog); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		logger.Info("migrations and seed complete")
		if *migrateOnly {
			return nil
		}
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		client, err := postgres.NewRedisClient(postgres.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, continuing with local cache only")
		} else {
			redisClient = client
			defer redisClient.Close()
		}
	}

	local := rbac.NewMemoryCache(cfg.Auth.CacheTTL, metrics)
	var cache rbac.Cache = local
	if redisClient != nil {
		cache = rbac.NewTieredCache(local, rbac.NewRedisCache(redisClient, cfg.Auth.CacheTTL, logger, metrics))
	}

	resolver := rbac.NewResolver(conns.Auth(), cache, logger, metrics)
	store := rbac.NewStore(conns.Auth())
	auditor, err := audit.NewDBLogger(conns.Auth())
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}

	boundary := scope.NewPostgresBoundaryStore(conns.Boundary(), cfg.Database.SpatialQueryTimeout, logger, metrics)
	scopeResolver := scope.NewResolver(resolver, boundary, nil, cfg.Auth.CacheTTL, logger, metrics)
	queryGate := gate.New(resolver, scopeResolver, logger, metrics)

	rbacMw := rbac.NewMiddleware(resolver, logger, metrics)
	rbacHandlers := rbac.NewHandlers(store, catalog, resolver, auditor, logger)
	featureStore := gis.NewFeatureStore(conns.Boundary(), logger)
	gisHandlers := gis.NewHandlers(featureStore, queryGate, auditor, logger)

	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, nil, logger)
	}

	scheduler := cron.New()
	sweepSpec := fmt.Sprintf("@every %s", cfg.Auth.SweepInterval)
	if _, err := scheduler.AddFunc(sweepSpec, func() {
		defer observability.RecoverPanic(logger, "cache sweep")
		if evicted := resolver.Sweep(context.Background()); evicted > 0 {
			logger.WithField("evicted", evicted).Debug("permission cache sweep")
		}
	}); err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	if _, err := scheduler.AddFunc(*purgeSchedule, func() {
		defer observability.RecoverPanic(logger, "audit purge")
		purged, err := auditor.Purge(context.Background(), *auditRetention)
		if err != nil {
			logger.WithError(err).Error("audit purge failed")
			return
		}
		logger.WithField("purged", purged).Info("audit log purged")
	}); err != nil {
		return fmt.Errorf("purge schedule: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(cfg, api.Dependencies{
		RBACHandlers: rbacHandlers,
		RBACMw:       rbacMw,
		GISHandlers:  gisHandlers,
		Health:       observability.NewHealthChecker(conns.Auth(), conns.Boundary(), redisClient),
		Registry:     registry,
		RateLimiter:  limiter,
	}, logger)

	return server.Start(ctx)
}
