// Package scripts schedules chains of follow-up events when a domain event is
// created.
package scripts

import (
	"encoding/json"
	"slices"
	"time"
)

// Event is the triggering domain event.
type Event struct {
	ID            int64
	TrialID       int64
	EventTypeID   int64
	EventTypeName string
	Metadata      json.RawMessage
	Modified      time.Time
}

// Condition is one predicate over the trial's history and the triggering
// event. Each populated clause can make it pass on its own.
type Condition struct {
	ID                      int64
	TrialHasEvent           *int64
	TrialMissingEvent       *int64
	EventMetadataContains   string
	EventMetadataExcludes   string
	TriggerMetadataContains string
	TriggerMetadataExcludes string
}

// ConditionSet combines conditions with OR when PassIfAny, else AND. An empty
// set passes.
type ConditionSet struct {
	Conditions []Condition
	PassIfAny  bool
}

// ScriptedEvent is one node of a script's chain.
type ScriptedEvent struct {
	ID                  int64
	EventTypeName       string
	Conditions          ConditionSet
	DelaySeconds        int64
	AddEventMetadata    map[string]any
	CopyTriggerMetadata bool
	NextID              *int64
}

// Script reacts to initiating event types by scheduling its chain.
type Script struct {
	ID                    int64
	Name                  string
	InitiatingEventTypes  []int64
	CancellingEventTypeID *int64
	Conditions            ConditionSet
	RunLimit              *int
	AutoRepeatCount       int
	// Chain is the flattened scripted event list starting at the head.
	Chain []ScriptedEvent
}

// Initiates reports whether eventTypeID starts the script.
func (s Script) Initiates(eventTypeID int64) bool {
	return slices.Contains(s.InitiatingEventTypes, eventTypeID)
}

// Cancels reports whether eventTypeID cancels pending scheduled messages.
func (s Script) Cancels(eventTypeID int64) bool {
	return s.CancellingEventTypeID != nil && *s.CancellingEventTypeID == eventTypeID
}

// LimitReached reports whether count has hit the run limit.
func (s Script) LimitReached(count int) bool {
	return s.RunLimit != nil && count >= *s.RunLimit
}
