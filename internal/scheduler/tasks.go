package scheduler

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const TaskCreateScriptEvent = "create_script_event"

// CancelAll is the only cancel scope supported.
const CancelAll = "all"

// ScriptEventPayload is either a create request (EventType set) or a
// cancel-all request (Cancel == "all").
type ScriptEventPayload struct {
	EventType string         `json:"event_type,omitempty"`
	Trial     string         `json:"trial,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	DeliverAt int64          `json:"deliver_at,omitempty"`
	Cancel    string         `json:"cancel,omitempty"`
}

// IsCancel reports whether the payload asks to cancel pending messages.
func (p ScriptEventPayload) IsCancel() bool {
	return p.Cancel != ""
}

func NewScriptEventTask(payload ScriptEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCreateScriptEvent, data), nil
}

func ParseScriptEventPayload(task *asynq.Task) (ScriptEventPayload, error) {
	var payload ScriptEventPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ScriptEventPayload{}, err
	}
	if !payload.IsCancel() && payload.EventType == "" {
		return ScriptEventPayload{}, errors.New("script event payload has neither event_type nor cancel")
	}
	return payload, nil
}
