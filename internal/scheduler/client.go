package scheduler

import (
	"context"
	"fmt"
	"time"

	"mole_automation/platform/broker"
	"mole_automation/platform/config"
	"mole_automation/platform/logger"
	"mole_automation/platform/metrics"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const defaultQueue = "_create_script_event"

// Client publishes scripted event messages.
type Client struct {
	client   *asynq.Client
	queue    string
	registry *Registry
	log      *logger.Logger
}

func NewClient(cfg config.SchedulerConfig, rdb redis.UniversalClient, log *logger.Logger) (*Client, error) {
	opt, err := broker.AsynqClientOpt(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		client:   asynq.NewClient(opt),
		queue:    queueName(cfg),
		registry: NewRegistry(rdb),
		log:      log,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Publish enqueues a create message. A non-zero DeliverAt schedules it for
// that epoch millisecond and records it in the registry so it can be
// cancelled.
func (c *Client) Publish(ctx context.Context, payload ScriptEventPayload) error {
	task, err := NewScriptEventTask(payload)
	if err != nil {
		return err
	}

	if payload.DeliverAt == 0 {
		if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue)); err != nil {
			return fmt.Errorf("enqueue script event: %w", err)
		}
		metrics.ScriptedEventsScheduled.WithLabelValues("immediate").Inc()
		return nil
	}

	id, err := c.registry.NewID()
	if err != nil {
		return err
	}
	if err := c.registry.Add(ctx, id, Handle{Queue: c.queue, TaskID: id, DeliverAt: payload.DeliverAt}); err != nil {
		return fmt.Errorf("record scheduled message: %w", err)
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(id),
		asynq.ProcessAt(time.UnixMilli(payload.DeliverAt)),
	)
	if err != nil {
		if _, rerr := c.registry.Remove(ctx, id); rerr != nil {
			c.log.Warn("failed to drop registry entry after enqueue failure", "id", id, "error", rerr)
		}
		return fmt.Errorf("enqueue delayed script event: %w", err)
	}

	metrics.ScriptedEventsScheduled.WithLabelValues("delayed").Inc()
	c.log.Info("scripted event scheduled", "id", id, "event_type", payload.EventType, "deliver_at", payload.DeliverAt)
	return nil
}

// CancelAll enqueues one cancel-all message.
func (c *Client) CancelAll(ctx context.Context) error {
	task, err := NewScriptEventTask(ScriptEventPayload{Cancel: CancelAll})
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue)); err != nil {
		return fmt.Errorf("enqueue cancel: %w", err)
	}
	return nil
}

func queueName(cfg config.SchedulerConfig) string {
	if q := cfg.GetAsynqQueueName(); q != "" {
		return q
	}
	return defaultQueue
}
