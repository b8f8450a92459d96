package scheduler

import (
	"context"
	"errors"
	"fmt"

	"mole_automation/internal/domainstore"
	"mole_automation/internal/eventtypes"
	"mole_automation/platform/broker"
	"mole_automation/platform/config"
	"mole_automation/platform/logger"
	"mole_automation/platform/metrics"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// TypeResolver maps event type names to ids.
type TypeResolver interface {
	EnsureLoaded(ctx context.Context) error
	Resolve(ctx context.Context, name string) (int64, error)
}

// EventCreator posts events to the domain store.
type EventCreator interface {
	CreateEvent(ctx context.Context, req domainstore.CreateEventRequest) (domainstore.EventResponse, error)
	EventTypeURL(id int64) string
}

// TaskDeleter removes a scheduled task from the broker.
type TaskDeleter interface {
	DeleteTask(queue, id string) error
}

// Processor holds the handling logic for script event messages.
type Processor struct {
	registry *Registry
	tasks    TaskDeleter
	types    TypeResolver
	store    EventCreator
	log      *logger.Logger
}

func NewProcessor(registry *Registry, tasks TaskDeleter, types TypeResolver, store EventCreator, log *logger.Logger) *Processor {
	return &Processor{registry: registry, tasks: tasks, types: types, store: store, log: log}
}

// Process handles one message. taskID is the broker id of the task being
// processed, which equals its registry id when it was scheduled.
func (p *Processor) Process(ctx context.Context, taskID string, payload ScriptEventPayload) error {
	if payload.IsCancel() {
		_, err := p.CancelAll(ctx)
		return err
	}

	if err := p.types.EnsureLoaded(ctx); err != nil {
		return fmt.Errorf("load event types: %w", err)
	}

	typeID, err := p.types.Resolve(ctx, payload.EventType)
	if errors.Is(err, eventtypes.ErrNotFound) {
		p.log.Warn("dropping scripted event with unknown type", "event_type", payload.EventType, "task_id", taskID)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		return err
	}

	resp, err := p.store.CreateEvent(ctx, domainstore.CreateEventRequest{
		EventType: p.store.EventTypeURL(typeID),
		Trial:     payload.Trial,
		Metadata:  payload.Metadata,
	})
	if err != nil {
		p.log.Warn("scripted event post failed", "event_type", payload.EventType, "error", err)
		return err
	}
	metrics.EventsCreated.WithLabelValues("script").Inc()
	p.log.Info("scripted event created", "event_type", payload.EventType, "url", resp.URL)

	if taskID != "" {
		if _, err := p.registry.Remove(ctx, taskID); err != nil {
			p.log.Warn("failed to remove delivered message from registry", "id", taskID, "error", err)
		}
	}
	return nil
}

// CancelAll deletes every registered scheduled message from the broker,
// oldest first, and returns how many were cancelled. Messages already gone
// from the broker are removed from the registry without error.
func (p *Processor) CancelAll(ctx context.Context) (int, error) {
	entries, err := p.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list scheduled messages: %w", err)
	}

	cancelled := 0
	for _, e := range entries {
		err := p.tasks.DeleteTask(e.Handle.Queue, e.Handle.TaskID)
		if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			return cancelled, fmt.Errorf("cancel %s: %w", e.ID, err)
		}

		removed, rerr := p.registry.Remove(ctx, e.ID)
		if rerr != nil {
			return cancelled, fmt.Errorf("remove %s: %w", e.ID, rerr)
		}
		if !removed {
			continue
		}
		cancelled++
		metrics.ScheduledCancellations.Inc()
		p.log.Info("scheduled message cancelled", "id", e.ID, "deliver_at", e.Handle.DeliverAt)
	}
	return cancelled, nil
}

// Worker runs the asynq server for the script event queue.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	processor *Processor
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, rdb redis.UniversalClient, types TypeResolver, store EventCreator, log *logger.Logger) (*Worker, error) {
	opt, err := broker.AsynqClientOpt(cfg)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})
	inspector := asynq.NewInspector(opt)

	mux := asynq.NewServeMux()
	w := &Worker{
		server:    server,
		mux:       mux,
		inspector: inspector,
		processor: NewProcessor(NewRegistry(rdb), inspector, types, store, log),
		log:       log,
	}

	mux.HandleFunc(TaskCreateScriptEvent, w.handleScriptEvent)

	return w, nil
}

// Inspector exposes the broker inspector for registry maintenance.
func (w *Worker) Inspector() *asynq.Inspector {
	return w.inspector
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
		_ = w.inspector.Close()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleScriptEvent(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseScriptEventPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	return w.processor.Process(ctx, taskID, payload)
}
