package scheduler

import (
	"context"
	"errors"
	"time"

	"mole_automation/platform/logger"

	"github.com/hibiken/asynq"
)

const (
	defaultRegistryCleanupInterval = time.Hour
	defaultRegistryGrace           = 24 * time.Hour
)

// TaskInspector looks up a scheduled task.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// RegistryCleanup periodically removes registry entries whose message will
// never be delivered: the task is gone from the broker or was archived after
// exhausting its retries.
type RegistryCleanup struct {
	registry *Registry
	tasks    TaskInspector
	log      *logger.Logger
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
}

func NewRegistryCleanup(registry *Registry, tasks TaskInspector, log *logger.Logger, interval, grace time.Duration) *RegistryCleanup {
	if interval <= 0 {
		interval = defaultRegistryCleanupInterval
	}
	if grace <= 0 {
		grace = defaultRegistryGrace
	}

	return &RegistryCleanup{
		registry: registry,
		tasks:    tasks,
		log:      log,
		interval: interval,
		grace:    grace,
		now:      time.Now,
	}
}

func (c *RegistryCleanup) Run(ctx context.Context) {
	if c == nil || c.registry == nil {
		return
	}

	c.cleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

// cleanup only looks at entries whose delivery time is more than grace in the
// past; younger entries may still be in flight.
func (c *RegistryCleanup) cleanup(ctx context.Context) int {
	entries, err := c.registry.List(ctx)
	if err != nil {
		c.log.Warn("registry cleanup failed", "error", err)
		return 0
	}

	cutoff := c.now().Add(-c.grace).UnixMilli()
	removed := 0
	for _, e := range entries {
		if e.Handle.DeliverAt > cutoff {
			continue
		}

		info, err := c.tasks.GetTaskInfo(e.Handle.Queue, e.Handle.TaskID)
		switch {
		case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			c.log.Warn("registry cleanup lookup failed", "id", e.ID, "error", err)
			continue
		case info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted:
			continue
		}

		if ok, err := c.registry.Remove(ctx, e.ID); err == nil && ok {
			removed++
		}
	}

	if removed > 0 {
		c.log.Info("registry cleanup removed stale entries", "removed", removed)
	}
	return removed
}
