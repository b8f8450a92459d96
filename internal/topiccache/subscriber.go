package topiccache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mole_automation/internal/triggers"
	"mole_automation/platform/broker"
	"mole_automation/platform/logger"
	"mole_automation/platform/metrics"

	"golang.org/x/sync/errgroup"
)

// Downstream receives every message after it is cached and acknowledged.
type Downstream interface {
	Handle(ctx context.Context, msg triggers.Message) ([]triggers.Firing, error)
}

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	StreamPrefix string
	Group        string
	Consumer     string
	Block        time.Duration
}

// Subscriber reads every topic stream, caches each message and forwards it
// downstream. Each topic has its own reader so per-topic order holds while
// topics proceed in parallel.
type Subscriber struct {
	streams *broker.Streams
	cache   *Cache
	next    Downstream
	opts    SubscriberOptions
	log     *logger.Logger
}

func NewSubscriber(streams *broker.Streams, cache *Cache, next Downstream, opts SubscriberOptions, log *logger.Logger) *Subscriber {
	return &Subscriber{streams: streams, cache: cache, next: next, opts: opts, log: log}
}

// Run consumes topics until ctx ends. An empty topic set idles.
func (s *Subscriber) Run(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		s.log.Info("no topics referenced by triggers, idling")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		g.Go(func() error { return s.consume(gctx, topic) })
	}
	return g.Wait()
}

// Stream returns the upstream stream name of topic.
func (s *Subscriber) Stream(topic string) string {
	return s.opts.StreamPrefix + topic
}

func (s *Subscriber) consume(ctx context.Context, topic string) error {
	stream := s.Stream(topic)
	if err := s.streams.EnsureGroup(ctx, stream, s.opts.Group); err != nil {
		return fmt.Errorf("consumer group on %s: %w", stream, err)
	}

	log := s.log.WithTopic(topic)
	log.Info("subscribed", "stream", stream)

	return s.streams.Consume(ctx, broker.ConsumeOptions{
		Stream:   stream,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Block:    s.opts.Block,
	}, func(ctx context.Context, msg broker.Message) error {
		return s.handle(ctx, log, topic, msg)
	})
}

func (s *Subscriber) handle(ctx context.Context, log *logger.Logger, topic string, msg broker.Message) error {
	if _, err := s.cache.Append(ctx, topic, msg.Payload, msg.PublishMillis); err != nil {
		reason := skipReason(err)
		if reason == "" {
			// Left unacknowledged so it is replayed after restart.
			return fmt.Errorf("cache %s: %w", msg.ID, err)
		}
		log.Warn("skipping message", "id", msg.ID, "reason", reason, "error", err)
		metrics.MessagesSkipped.WithLabelValues(topic, reason).Inc()
		return s.streams.Ack(ctx, s.opts.Group, msg)
	}

	if err := s.streams.Ack(ctx, s.opts.Group, msg); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}

	if s.next == nil {
		return nil
	}
	ctx = context.WithValue(ctx, logger.TopicKey, topic)
	if _, err := s.next.Handle(ctx, triggers.Message{
		Topic:         topic,
		PublishMillis: msg.PublishMillis,
		Payload:       msg.Payload,
	}); err != nil {
		log.Warn("trigger evaluation failed", "id", msg.ID, "error", err)
	}
	return nil
}


// skipReason names permanent append failures. Those messages are acked and
// dropped; anything else stays pending.
func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	default:
		return ""
	}
}
