package domainstore

import "encoding/json"

// TriggerDTO mirrors GET /triggers/ entries.
type TriggerDTO struct {
	Key               string             `json:"key"`
	URL               string             `json:"url"`
	Name              string             `json:"name,omitempty"`
	Condition         string             `json:"condition"`
	CondVars          []string           `json:"cond_vars"`
	ConvertedCondVars []string           `json:"converted_cond_vars"`
	ReqData           []RequestedDataDTO `json:"req_data"`
	EventType         string             `json:"event_type"`
	CreatesEvent      bool               `json:"creates_event"`
	IsActive          bool               `json:"is_active"`
	TriggerTransport  string             `json:"trigger_transport"`
}

// RequestedDataDTO mirrors one requested data entry of a trigger.
type RequestedDataDTO struct {
	Name           string            `json:"name,omitempty"`
	DestinationURL string            `json:"destination_url"`
	Payload        map[string]string `json:"payload"`
}

// EventTypeDTO mirrors GET /event_types/ entries.
type EventTypeDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CreateEventRequest is the POST /events/ body.
type CreateEventRequest struct {
	EventType     string         `json:"event_type"`
	Trigger       string         `json:"trigger,omitempty"`
	Trial         string         `json:"trial,omitempty"`
	StartDatetime string         `json:"start_datetime,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EventResponse is the subset of an event representation the engine reads.
type EventResponse struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

type patchMetadataRequest struct {
	Metadata json.RawMessage `json:"metadata"`
}
