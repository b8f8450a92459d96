package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"mole_automation/internal/domainstore"
	"mole_automation/internal/eventtypes"
	"mole_automation/internal/topiccache"
	"mole_automation/internal/triggers"
	"mole_automation/platform/broker"
	"mole_automation/platform/config"
	"mole_automation/platform/logger"
	"mole_automation/platform/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting event generator", "env", cfg.Env, "consumer", cfg.GetConsumerName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := broker.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to configure redis", "error", err)
		panic("failed to configure redis: " + err.Error())
	}
	defer func() { _ = rdb.Close() }()

	streams := broker.NewStreams(rdb)
	store := domainstore.NewClient(cfg, log.WithComponent("domainstore"))
	resolver := eventtypes.NewResolver(rdb, store, log.WithComponent("eventtypes"))
	index := triggers.NewIndex(rdb, log.WithComponent("index"))
	cache := topiccache.New(rdb)

	evaluator := triggers.NewEvaluator(index, cache, store, resolver, log.WithComponent("evaluator"),
		triggers.WithResponses(streams, cfg.GetTriggerResponsesStream()),
	)

	boot := topiccache.NewBootstrap(rdb, streams, store, index, topiccache.BootstrapOptions{
		StreamPrefix: cfg.GetTopicStreamPrefix(),
		Group:        cfg.GetCacheGroup(),
		FunctionName: cfg.GetEvaluatorGroup(),
		OutputStream: cfg.GetTriggerResponsesStream(),
	}, log.WithComponent("bootstrap"))

	sub := topiccache.NewSubscriber(streams, cache, evaluator, topiccache.SubscriberOptions{
		StreamPrefix: cfg.GetTopicStreamPrefix(),
		Group:        cfg.GetCacheGroup(),
		Consumer:     cfg.GetConsumerName(),
		Block:        cfg.GetReadBlock(),
	}, log.WithComponent("subscriber"))

	changes := topiccache.WatchChanges(ctx, rdb, eventtypes.InvalidationChannel)
	svc := topiccache.NewService(boot, sub, changes, log)

	go func() {
		if err := resolver.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("event type invalidation watcher stopped", "error", err)
		}
	}()

	go func() {
		if err := metrics.Serve(ctx, cfg.GetMetricsAddr()); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	if err := svc.Run(ctx); err != nil {
		log.Error("event generator stopped", "error", err)
		os.Exit(1)
	}
	log.Info("event generator stopped")
}
