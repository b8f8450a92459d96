// Package events defines the domain events exchanged between the hook
// endpoints and their subscribers.
package events

import (
	"encoding/json"
	"time"

	"mole_automation/platform/events"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Domain Store Events
// =============================================================================

// EventRecorded is published when the domain store reports a created or
// updated event.
type EventRecorded struct {
	BaseEvent
	ID               int64           `json:"id"`
	URL              string          `json:"url"`
	TrialID          int64           `json:"trial_id"`
	TrialURL         string          `json:"trial"`
	EventTypeID      int64           `json:"event_type_id"`
	EventTypeName    string          `json:"event_type"`
	StartDatetime    *time.Time      `json:"start_datetime,omitempty"`
	EndDatetime      *time.Time      `json:"end_datetime,omitempty"`
	ModifiedDatetime time.Time       `json:"modified_datetime"`
	ProvidedPK       *string         `json:"provided_pk,omitempty"`
	Metadata         json.RawMessage `json:"metadata"`
	Update           bool            `json:"update"`
}

func (e EventRecorded) EventName() string { return "domain.event.recorded" }

// ConfigurationChanged is published when triggers or event types were edited
// in the domain store.
type ConfigurationChanged struct {
	BaseEvent
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (e ConfigurationChanged) EventName() string { return "domain.configuration.changed" }
