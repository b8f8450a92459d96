package service

import (
	"context"
	"encoding/json"
	"fmt"

	"mole_automation/internal/events"
	"mole_automation/platform/logger"
)

// StreamPublisher appends a payload to a named stream.
type StreamPublisher interface {
	Publish(ctx context.Context, stream string, payload []byte) (string, error)
}

// EventLog forwards recorded events to the event log stream so triggers can
// react to events created outside the trigger pipeline.
type EventLog struct {
	streams StreamPublisher
	stream  string
	log     *logger.Logger
}

func NewEventLog(streams StreamPublisher, stream string, log *logger.Logger) *EventLog {
	return &EventLog{streams: streams, stream: stream, log: log}
}

// Handle implements events.Handler.
func (l *EventLog) Handle(ctx context.Context, event events.Event) error {
	recorded, ok := event.(events.EventRecorded)
	if !ok {
		return nil
	}

	payload, err := json.Marshal(eventLogEntry(recorded))
	if err != nil {
		return fmt.Errorf("encode event log entry: %w", err)
	}
	if _, err := l.streams.Publish(ctx, l.stream, payload); err != nil {
		return fmt.Errorf("publish event %d to %s: %w", recorded.ID, l.stream, err)
	}
	l.log.Debug("event logged", "event_id", recorded.ID, "stream", l.stream)
	return nil
}

// eventLogEntry drops the bus timestamp; consumers key on the event's own
// datetimes.
func eventLogEntry(e events.EventRecorded) map[string]any {
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return map[string]any{
		"url":               e.URL,
		"id":                e.ID,
		"trial":             e.TrialURL,
		"event_type":        e.EventTypeName,
		"event_type_id":     e.EventTypeID,
		"start_datetime":    e.StartDatetime,
		"end_datetime":      e.EndDatetime,
		"modified_datetime": e.ModifiedDatetime,
		"provided_pk":       e.ProvidedPK,
		"metadata":          metadata,
		"update":            e.Update,
	}
}
