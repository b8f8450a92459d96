// Package service implements the hook endpoints' business logic.
package service

import (
	"context"

	"mole_automation/internal/events"
	"mole_automation/internal/hooks/transport"
	"mole_automation/internal/scripts"
	"mole_automation/platform/apperr"
	"mole_automation/platform/logger"
	"mole_automation/platform/sanitize"
)

const warnBrokerUnavailable = "scripted events not scheduled: broker unavailable"

// Scheduler runs automation scripts for a recorded event.
type Scheduler interface {
	Schedule(ctx context.Context, ev scripts.Event) (scripts.Result, error)
}

// Invalidator drops cached configuration.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Signaller tells other processes that configuration changed.
type Signaller func(ctx context.Context, reason string) error

// Service handles event and configuration hooks.
type Service struct {
	scheduler   Scheduler
	bus         events.Bus
	invalidator Invalidator
	signal      Signaller
	log         *logger.Logger
}

// New creates a new hooks service
func New(scheduler Scheduler, bus events.Bus, invalidator Invalidator, signal Signaller, log *logger.Logger) *Service {
	return &Service{
		scheduler:   scheduler,
		bus:         bus,
		invalidator: invalidator,
		signal:      signal,
		log:         log,
	}
}

// RecordEvent schedules the event's scripted follow-ups and announces the
// event on the bus. An unavailable broker is reported as a warning so the
// domain store's save still succeeds.
func (s *Service) RecordEvent(ctx context.Context, req transport.EventHookRequest) (transport.EventHookResponse, error) {
	ev := scripts.Event{
		ID:            req.ID,
		TrialID:       req.TrialID,
		EventTypeID:   req.EventTypeID,
		EventTypeName: req.EventType,
		Metadata:      req.Metadata,
		Modified:      req.ModifiedDatetime,
	}

	res, err := s.scheduler.Schedule(ctx, ev)
	resp := transport.EventHookResponse{
		Immediate: res.Immediate,
		Delayed:   res.Delayed,
		Cancels:   res.Cancels,
		Runs:      res.Runs,
	}
	switch {
	case apperr.Is(err, apperr.KindUnavailable):
		s.log.UpstreamError("schedule scripted events", err)
		resp.Warning = warnBrokerUnavailable
	case err != nil:
		return resp, err
	}

	s.bus.Publish(ctx, events.EventRecorded{
		BaseEvent:        events.NewBaseEvent(),
		ID:               req.ID,
		URL:              req.URL,
		TrialID:          req.TrialID,
		TrialURL:         req.Trial,
		EventTypeID:      req.EventTypeID,
		EventTypeName:    req.EventType,
		StartDatetime:    req.StartDatetime,
		EndDatetime:      req.EndDatetime,
		ModifiedDatetime: req.ModifiedDatetime,
		ProvidedPK:       req.ProvidedPK,
		Metadata:         req.Metadata,
		Update:           req.Update,
	})

	return resp, nil
}

// ConfigurationChanged clears the local event type cache and signals the
// trigger pipeline to rebuild its topic index. caller names the authenticated
// service that reported the change.
func (s *Service) ConfigurationChanged(ctx context.Context, caller string, req transport.ConfigChangedRequest) error {
	reason := sanitize.Text(req.Reason)
	if reason == "" {
		reason = "configuration changed"
	}

	if err := s.invalidator.Invalidate(ctx); err != nil {
		return apperr.Unavailable("invalidate event types", err)
	}
	if err := s.signal(ctx, reason); err != nil {
		return apperr.Unavailable("signal configuration change", err)
	}

	s.bus.Publish(ctx, events.ConfigurationChanged{
		BaseEvent:   events.NewBaseEvent(),
		Reason:      reason,
		RequestedBy: caller,
	})
	s.log.Info("configuration change signalled", "reason", reason, "caller", caller)
	return nil
}
