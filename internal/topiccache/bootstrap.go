package topiccache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"mole_automation/internal/domainstore"
	"mole_automation/platform/broker"
	"mole_automation/platform/logger"
	"mole_automation/platform/retry"

	"github.com/redis/go-redis/v9"
)

// FunctionsKey holds one registration record per evaluator function.
const FunctionsKey = "event_gen:functions"

// TriggerSource lists every configured trigger.
type TriggerSource interface {
	ListTriggers(ctx context.Context) ([]domainstore.TriggerDTO, error)
}

// TopicIndex rebuilds the topic index and returns the subscription set.
type TopicIndex interface {
	Rebuild(ctx context.Context, dtos []domainstore.TriggerDTO) ([]string, error)
}

// FunctionDefinition records the evaluator and the topics it consumes.
type FunctionDefinition struct {
	Name   string   `json:"name"`
	Inputs []string `json:"inputs"`
	Output string   `json:"output"`
	Group  string   `json:"group"`
}

// BootstrapOptions names what the bootstrap creates.
type BootstrapOptions struct {
	StreamPrefix string
	Group        string
	FunctionName string
	OutputStream string
}

// Bootstrap prepares the cache for consumption: it waits for Redis and the
// domain store, rebuilds the topic index and creates consumer groups.
type Bootstrap struct {
	rdb     redis.UniversalClient
	streams *broker.Streams
	store   TriggerSource
	index   TopicIndex
	opts    BootstrapOptions
	sleep   retry.Sleeper
	log     *logger.Logger
}

func NewBootstrap(rdb redis.UniversalClient, streams *broker.Streams, store TriggerSource, index TopicIndex, opts BootstrapOptions, log *logger.Logger) *Bootstrap {
	return &Bootstrap{
		rdb:     rdb,
		streams: streams,
		store:   store,
		index:   index,
		opts:    opts,
		sleep:   retry.ContextSleep,
		log:     log,
	}
}

// WithSleeper replaces the backoff sleeper.
func (b *Bootstrap) WithSleeper(s retry.Sleeper) *Bootstrap {
	b.sleep = s
	return b
}

// Run blocks until both collaborators answer, then returns the topics to
// subscribe to. An empty result is valid.
func (b *Bootstrap) Run(ctx context.Context) ([]string, error) {
	if err := retry.Until(ctx, b.log, "redis ping", b.sleep, func() error {
		return broker.Ping(ctx, b.rdb)
	}); err != nil {
		return nil, err
	}

	var dtos []domainstore.TriggerDTO
	if err := retry.Until(ctx, b.log, "list triggers", b.sleep, func() error {
		var err error
		dtos, err = b.store.ListTriggers(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	topics, err := b.index.Rebuild(ctx, dtos)
	if err != nil {
		return nil, err
	}

	for _, topic := range topics {
		if err := b.streams.EnsureGroup(ctx, b.opts.StreamPrefix+topic, b.opts.Group); err != nil {
			return nil, fmt.Errorf("consumer group on %s: %w", topic, err)
		}
	}

	if err := b.register(ctx, topics); err != nil {
		return nil, err
	}
	return topics, nil
}

// register records the evaluator definition once. A definition that already
// exists is left untouched.
func (b *Bootstrap) register(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		b.log.Info("no inputs detected, skipping evaluator registration")
		return nil
	}

	inputs := make([]string, len(topics))
	for i, topic := range topics {
		inputs[i] = b.opts.StreamPrefix + topic
	}
	def, err := json.Marshal(FunctionDefinition{
		Name:   b.opts.FunctionName,
		Inputs: inputs,
		Output: b.opts.OutputStream,
		Group:  b.opts.Group,
	})
	if err != nil {
		return err
	}

	created, err := b.rdb.HSetNX(ctx, FunctionsKey, b.opts.FunctionName, def).Result()
	if err != nil {
		return fmt.Errorf("register %s: %w", b.opts.FunctionName, err)
	}
	if created {
		b.log.Info("evaluator registered", "function", b.opts.FunctionName, "inputs", len(inputs))
	} else {
		b.log.Info("evaluator already registered", "function", b.opts.FunctionName)
	}
	return nil
}

// Service runs the subscriber and restarts it with a fresh topic set
// whenever configuration changes.
type Service struct {
	boot    *Bootstrap
	sub     *Subscriber
	changes <-chan struct{}
	log     *logger.Logger
}

func NewService(boot *Bootstrap, sub *Subscriber, changes <-chan struct{}, log *logger.Logger) *Service {
	return &Service{boot: boot, sub: sub, changes: changes, log: log}
}

// Run blocks until ctx ends or the subscriber fails.
func (s *Service) Run(ctx context.Context) error {
	var current []string
	for {
		topics, err := s.boot.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if current != nil && slices.Equal(current, topics) {
			s.log.Info("topic set unchanged after configuration change")
		}
		current = topics

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.sub.Run(runCtx, topics) }()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		case err := <-done:
			cancel()
			return err
		case <-s.changes:
			s.log.Info("configuration changed, resubscribing")
			cancel()
			<-done
		}
	}
}

// WatchChanges forwards configuration-change signals on channel to the
// returned channel until ctx ends. Bursts collapse into one pending signal.
func WatchChanges(ctx context.Context, rdb redis.UniversalClient, channel string) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := rdb.Subscribe(ctx, channel)

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
