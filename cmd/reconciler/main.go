package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/batbern/identity-reconciler/pkg/api"
	"github.com/batbern/identity-reconciler/pkg/config"
	"github.com/batbern/identity-reconciler/pkg/idp"
	"github.com/batbern/identity-reconciler/pkg/observability"
	"github.com/batbern/identity-reconciler/pkg/reconcile"
	"github.com/batbern/identity-reconciler/pkg/storage/postgres"
	usersync "github.com/batbern/identity-reconciler/pkg/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx := context.Background()

	// Storage
	connCfg := postgres.DefaultConnectionConfig(cfg.Database.URL)
	connCfg.MaxConns = cfg.Database.MaxConns
	connCfg.MinConns = cfg.Database.MinConns
	connCfg.Timeout = cfg.Database.Timeout
	db, err := postgres.Connect(connCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database ready")

	users := postgres.NewUserStore(db)
	comp := postgres.NewCompensationStore(db)
	reports := postgres.NewReportStore(db)

	// Redis backs the reconciliation lease
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Identity provider gateway
	var provider idp.Provider
	switch cfg.Provider.Type {
	case config.ProviderMemory:
		provider = idp.NewMemory()
		logger.Warn("using in-memory identity provider, for development only")
	default:
		cogCfg := idp.DefaultCognitoConfig()
		cogCfg.UserPoolID = cfg.Provider.UserPoolID
		cogCfg.Region = cfg.Provider.Region
		cogCfg.CallTimeout = cfg.Provider.CallTimeout
		cogCfg.PageSize = int32(cfg.Provider.PageSize)
		cognito, err := idp.NewCognito(ctx, cogCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create cognito gateway: %w", err)
		}
		provider = cognito
	}
	provider = idp.WithMetrics(provider, metrics)

	// Sync pathways share one per-user lock pool with the reconciler
	locks := usersync.NewKeyedMutex(cfg.Job.LockShards)
	registration := usersync.NewRegistrationHandler(users, comp, locks, metrics, logger, cfg.Job.DefaultRole)
	enricher, err := usersync.NewClaimEnricher(users, cfg.Job.ClaimCacheSize, cfg.Job.ClaimTimeout, metrics, logger)
	if err != nil {
		return err
	}
	saga := usersync.NewRoleSyncSaga(users, comp, provider, locks, usersync.DefaultPushPolicy(), metrics, logger)

	// Reconciliation job
	engineCfg := reconcile.Config{
		MaxRetries:  cfg.Job.MaxRetries,
		DefaultRole: cfg.Job.DefaultRole,
		Workers:     cfg.Job.Workers,
	}
	engine := reconcile.NewReconciler(users, comp, reports, provider, locks, engineCfg, metrics, logger)
	lease := reconcile.NewLease(redisClient, cfg.Job.LeaseKey, cfg.Job.LeaseTTL)
	scheduler, err := reconcile.NewScheduler(engine, lease, cfg.Job.Schedule, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	// API server
	server := api.NewServer(registration, enricher, saga, scheduler, users, comp, reports, cfg.Server.InternalAPIKey, logger)
	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics server on a separate port for probes
	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", health.Liveness)
	healthMux.HandleFunc("/health/ready", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("scheduler", func(ctx context.Context) error {
		scheduler.Stop()
		return nil
	})
	shutdown.Register("api-server", apiServer.Shutdown)
	shutdown.Register("health-server", healthServer.Shutdown)
	shutdown.Register("redis", func(ctx context.Context) error {
		return redisClient.Close()
	})
	shutdown.Register("postgres", func(ctx context.Context) error {
		return db.Close()
	})

	select {
	case err := <-errCh:
		logger.WithError(err).Error("server failed, shutting down")
		if shutdownErr := shutdown.Shutdown(); shutdownErr != nil {
			logger.WithError(shutdownErr).Error("graceful shutdown failed")
		}
		return err
	case err := <-waitForSignal(shutdown):
		return err
	}
}

func waitForSignal(shutdown *observability.ShutdownManager) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- shutdown.WaitForShutdown()
	}()
	return ch
}
