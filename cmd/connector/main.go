// Command connector runs the ERP connection pool as a long-lived process:
// it warms the configured tenants, exports pool telemetry and disposes every
// backend session on shutdown.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/connector/internal/application/connector"
	"github.com/erp/connector/internal/domain/erp"
	"github.com/erp/connector/internal/infrastructure/authcache"
	"github.com/erp/connector/internal/infrastructure/config"
	"github.com/erp/connector/internal/infrastructure/erpfake"
	"github.com/erp/connector/internal/infrastructure/erppool"
	"github.com/erp/connector/internal/infrastructure/gateway"
	"github.com/erp/connector/internal/infrastructure/logger"
	"github.com/erp/connector/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Connector stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	tel := cfg.Telemetry

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           tel.Enabled,
		CollectorEndpoint: tel.CollectorEndpoint,
		SamplingRatio:     tel.SamplingRatio,
		ServiceName:       tel.ServiceName,
		Insecure:          tel.Insecure,
	}, log)
	if err != nil {
		return err
	}
	defer shutdown(log, "tracer provider", tp.Shutdown)

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           tel.Enabled,
		CollectorEndpoint: tel.CollectorEndpoint,
		ExportInterval:    tel.MetricsExportInterval,
		ServiceName:       tel.ServiceName,
		Insecure:          tel.Insecure,
	}, log)
	if err != nil {
		return err
	}
	defer shutdown(log, "meter provider", mp.Shutdown)

	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           tel.Enabled && tel.LogsEnabled,
		CollectorEndpoint: tel.CollectorEndpoint,
		ServiceName:       tel.ServiceName,
		Insecure:          tel.Insecure,
	}, log)
	if err != nil {
		return err
	}
	defer shutdown(log, "logger provider", lp.Shutdown)
	log = telemetry.Bridge(log, lp, tel.ServiceName, logger.ParseLevel(cfg.Log.Level))

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         tel.ProfilingEnabled,
		ServerAddress:   tel.ProfilingServer,
		ApplicationName: tel.ServiceName,
		Contention:      true,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Error("Error stopping profiler", zap.Error(err))
		}
	}()
	if profiler.IsEnabled() {
		if err := tp.EnableSpanProfiles(); err != nil {
			log.Warn("Failed to enable span profiles", zap.Error(err))
		}
	}

	log.Info("Starting ERP connector",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("backend", cfg.Backend.Driver),
		zap.Int("tenants", len(cfg.Tenants)),
	)

	metrics, err := telemetry.NewPoolMetrics(mp.Meter("erp-connector/pool"),
		telemetry.PoolMetricsConfig{StatsInterval: cfg.Pool.StatsInterval}, log)
	if err != nil {
		return err
	}
	defer metrics.Stop()

	factory, closeBackend, err := openBackend(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer closeBackend()

	registry := erppool.NewRegistry(factory,
		erppool.WithConfig(erppool.Config{
			WarmSize:           cfg.Pool.WarmSize,
			WaitTimeout:        cfg.Pool.WaitTimeout,
			IdleTimeout:        cfg.Pool.IdleTimeout,
			MaxAge:             cfg.Pool.MaxAge,
			HealthCheck:        cfg.Pool.HealthCheck,
			HealthCheckTimeout: cfg.Pool.HealthCheckTimeout,
			MinIdle:            cfg.Pool.MinIdle,
			SweepInterval:      cfg.Pool.SweepInterval,
		}),
		erppool.WithLogger(log),
		erppool.WithRecorder(metrics),
	)
	metrics.StartStatsCollection(ctx, registry)

	cache, err := openAuthCache(ctx, cfg, log)
	if err != nil {
		_ = registry.DisposeAll()
		return err
	}

	svc := connector.NewService(registry, cache, connector.ServiceConfig{AuthCacheTTL: cfg.AuthCache.TTL}, log)
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error("Error closing connector", zap.Error(err))
		}
	}()

	creds := make([]erp.Credentials, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		creds = append(creds, erp.Credentials{
			TenantID:     t.TenantID,
			BusinessUnit: t.BusinessUnit,
			Username:     t.Username,
			Password:     t.Password,
		})
	}
	if err := svc.Warmup(ctx, creds...); err != nil {
		log.Warn("Some tenant pools failed to warm up", zap.Error(err))
	}
	checkTenants(ctx, svc, creds, log)

	log.Info("Connector ready")
	<-ctx.Done()
	log.Info("Shutting down connector")
	return nil
}

// openBackend returns the connection factory for the configured driver and
// a function releasing what it opened.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger, metrics *telemetry.PoolMetrics) (erp.ConnectionFactory, func(), error) {
	if cfg.Backend.Driver == config.DriverFake {
		log.Warn("Using the in-memory fake backend")
		return erpfake.New(), func() {}, nil
	}

	tracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBSystem:        dbSystem(cfg.Backend.Driver),
	}, log)

	db, err := gateway.Open(cfg.Backend, log,
		gateway.WithTracing(tracing),
		gateway.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
	)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing backend database", zap.Error(err))
		}
	}

	if err := db.Migrate(ctx); err != nil {
		closeDB()
		return nil, nil, err
	}
	sqlDB, err := db.SQLDB()
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	metrics.SetSQLDB(sqlDB)

	factory, err := gateway.NewFactory(db.DB, log)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	log.Info("Backend database connected", zap.String("driver", cfg.Backend.Driver))
	return factory, closeDB, nil
}

func dbSystem(driver string) string {
	if driver == config.DriverSQLite {
		return "sqlite"
	}
	return "postgresql"
}

// openAuthCache returns nil when the cache is disabled.
func openAuthCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (authcache.Store, error) {
	if !cfg.AuthCache.Enabled {
		return nil, nil
	}
	if !cfg.AuthCache.Redis {
		return authcache.NewMemoryStore(time.Minute), nil
	}
	store, err := authcache.NewRedisStore(ctx, authcache.RedisConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.AuthCache.KeyPrefix)
	if err != nil {
		return nil, err
	}
	log.Info("Auth cache connected to redis", zap.String("addr", cfg.Redis.Addr()))
	return store, nil
}

// checkTenants pings the backend once per warmed tenant so configuration
// mistakes surface at startup instead of on the first request.
func checkTenants(ctx context.Context, svc *connector.Service, creds []erp.Credentials, log *zap.Logger) {
	for _, c := range creds {
		err := svc.Do(ctx, c, func(ctx context.Context, sc *erppool.Scope) error {
			hc, err := erppool.CreateComponent[erp.HealthChecker](ctx, sc)
			if err != nil {
				return err
			}
			return hc.Ping(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Tenant health check failed",
				zap.String("tenant_id", c.TenantID),
				zap.String("username", c.Username),
				zap.Error(err))
		}
	}
}

func shutdown(log *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error("Error shutting down "+name, zap.Error(err))
	}
}
