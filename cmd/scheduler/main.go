package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mole_automation/internal/domainstore"
	"mole_automation/internal/eventtypes"
	"mole_automation/internal/scheduler"
	"mole_automation/platform/broker"
	"mole_automation/platform/config"
	"mole_automation/platform/logger"
	"mole_automation/platform/metrics"
	"mole_automation/platform/retry"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env, "queue", cfg.GetAsynqQueueName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if err := retry.Attempts(ctx, log, "redis connection", 5, 2*time.Second, func() error {
		c, err := broker.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		if err := broker.Ping(ctx, c); err != nil {
			_ = c.Close()
			return err
		}
		rdb = c
		return nil
	}); err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	defer func() { _ = rdb.Close() }()

	store := domainstore.NewClient(cfg, log.WithComponent("domainstore"))
	resolver := eventtypes.NewResolver(rdb, store, log.WithComponent("eventtypes"))
	go func() {
		if err := resolver.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("event type invalidation watcher stopped", "error", err)
		}
	}()

	worker, err := scheduler.NewWorker(cfg, rdb, resolver, store, log.WithComponent("worker"))
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	cleanup := scheduler.NewRegistryCleanup(
		scheduler.NewRegistry(rdb),
		worker.Inspector(),
		log.WithComponent("registry_cleanup"),
		getDurationEnv("REGISTRY_CLEANUP_INTERVAL", time.Hour),
		getDurationEnv("REGISTRY_CLEANUP_GRACE", 24*time.Hour),
	)
	go cleanup.Run(ctx)

	go func() {
		if err := metrics.Serve(ctx, cfg.GetMetricsAddr()); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	worker.Run(ctx)
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}
