package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mole_automation/internal/domainstore"
	"mole_automation/internal/events"
	"mole_automation/internal/eventtypes"
	"mole_automation/internal/hooks"
	apphttp "mole_automation/internal/http"
	"mole_automation/internal/http/router"
	"mole_automation/internal/scheduler"
	"mole_automation/internal/scripts"
	"mole_automation/migrations"
	"mole_automation/platform/broker"
	"mole_automation/platform/config"
	"mole_automation/platform/db"
	"mole_automation/platform/logger"
	"mole_automation/platform/retry"
	"mole_automation/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type redisHealth struct{ rdb redis.UniversalClient }

func (h redisHealth) Ping(ctx context.Context) error { return broker.Ping(ctx, h.rdb) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.GetHTTPAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	var pool *pgxpool.Pool
	if err := retry.Attempts(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	if err := retry.Attempts(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool, migrations.FS)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	rdb, err := broker.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to configure redis", "error", err)
		panic("failed to configure redis: " + err.Error())
	}
	defer func() { _ = rdb.Close() }()

	publisher, err := scheduler.NewClient(cfg, rdb, log.WithComponent("publisher"))
	if err != nil {
		log.Error("failed to initialize scheduled event publisher", "error", err)
		panic("failed to initialize scheduled event publisher: " + err.Error())
	}
	defer func() { _ = publisher.Close() }()

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// ========================================================================
	// Domain Layer
	// ========================================================================

	store := domainstore.NewClient(cfg, log.WithComponent("domainstore"))
	resolver := eventtypes.NewResolver(rdb, store, log.WithComponent("eventtypes"))
	scriptScheduler := scripts.NewScheduler(
		scripts.NewRepository(pool),
		publisher,
		store.TrialURL,
		log.WithComponent("scripts"),
	)

	hooksModule := hooks.NewModule(hooks.Deps{
		Scheduler:   scriptScheduler,
		Bus:         eventBus,
		Invalidator: resolver,
		Signal: func(ctx context.Context, reason string) error {
			return eventtypes.Signal(ctx, rdb, reason)
		},
		Streams:        broker.NewStreams(rdb),
		EventLogStream: cfg.GetEventLogStream(),
		Validator:      validator.New(),
		Logger:         log,
	})

	app := &apphttp.App{
		Config: cfg,
		Logger: log,
		Health: map[string]apphttp.HealthChecker{
			"database": pool,
			"redis":    redisHealth{rdb: rdb},
		},
		Modules: []apphttp.Module{hooksModule},
	}

	srv := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
		eventBus.Wait()
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}
