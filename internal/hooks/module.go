// Package hooks provides the endpoints the domain store calls after events or
// configuration are saved.
package hooks

import (
	"mole_automation/internal/events"
	"mole_automation/internal/hooks/handler"
	"mole_automation/internal/hooks/service"
	apphttp "mole_automation/internal/http"
	"mole_automation/platform/logger"
	"mole_automation/platform/validator"
)

// Deps collects the collaborators the hooks module needs.
type Deps struct {
	Scheduler      service.Scheduler
	Bus            events.Bus
	Invalidator    service.Invalidator
	Signal         service.Signaller
	Streams        service.StreamPublisher
	EventLogStream string
	Validator      *validator.Validator
	Logger         *logger.Logger
}

// Module represents the hooks module
type Module struct {
	handler *handler.Handler
	Service *service.Service
}

// NewModule wires the hooks service and subscribes the event log forwarder
// to recorded events.
func NewModule(deps Deps) *Module {
	log := deps.Logger.WithComponent("hooks")
	svc := service.New(deps.Scheduler, deps.Bus, deps.Invalidator, deps.Signal, log)

	if deps.Streams != nil && deps.EventLogStream != "" {
		eventLog := service.NewEventLog(deps.Streams, deps.EventLogStream, log)
		deps.Bus.Subscribe(events.EventRecorded{}.EventName(), eventLog)
	}

	return &Module{
		handler: handler.New(svc, deps.Validator),
		Service: svc,
	}
}

// Name returns the module name for logging
func (m *Module) Name() string {
	return "hooks"
}

// RegisterRoutes registers the module's routes under /api/v1/hooks
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Hooks)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
