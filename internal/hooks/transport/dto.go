package transport

import (
	"encoding/json"
	"time"
)

// EventHookRequest is the event record the domain store posts after saving
// an event.
type EventHookRequest struct {
	ID               int64           `json:"id" validate:"required,gt=0"`
	URL              string          `json:"url" validate:"omitempty,url"`
	Trial            string          `json:"trial" validate:"omitempty,url"`
	TrialID          int64           `json:"trial_id" validate:"required,gt=0"`
	EventType        string          `json:"event_type" validate:"max=255"`
	EventTypeID      int64           `json:"event_type_id" validate:"required,gt=0"`
	StartDatetime    *time.Time      `json:"start_datetime"`
	EndDatetime      *time.Time      `json:"end_datetime"`
	ModifiedDatetime time.Time       `json:"modified_datetime" validate:"required"`
	ProvidedPK       *string         `json:"provided_pk"`
	Metadata         json.RawMessage `json:"metadata"`
	Update           bool            `json:"update"`
}

// EventHookResponse summarises the scheduling done for one event.
type EventHookResponse struct {
	Immediate int    `json:"immediate"`
	Delayed   int    `json:"delayed"`
	Cancels   int    `json:"cancels"`
	Runs      int    `json:"runs"`
	Warning   string `json:"warning,omitempty"`
}

// ConfigChangedRequest is posted after triggers or event types change.
type ConfigChangedRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}
