// Package events re-exports the platform event bus so modules depend on
// internal/events only.
package events

import (
	platformevents "mole_automation/platform/events"
	"mole_automation/platform/logger"
)

// InMemoryBus is a type alias to the platform InMemoryBus
type InMemoryBus = platformevents.InMemoryBus

// NewInMemoryBus creates a new in-memory event bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return platformevents.NewInMemoryBus(log)
}
