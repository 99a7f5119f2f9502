package domain

import "time"

// EventType identifies a service-level event.
type EventType string

const (
	EventTypeRunSubmitted EventType = "run.submitted"
	EventTypeRunStarted   EventType = "run.started"
	EventTypeRunCompleted EventType = "run.completed"
	EventTypeRunFailed    EventType = "run.failed"
	EventTypeRunCancelled EventType = "run.cancelled"
	EventTypeRunCancel    EventType = "run.cancel"

	EventTypeObjectStatus   EventType = "object.status"
	EventTypeObjectText     EventType = "object.text"
	EventTypeObjectAnnotate EventType = "object.annotate"
)

// Topics used on the event bus.
const (
	TopicRunQueue   = "run.queue"
	TopicRunControl = "run.control"
	TopicRunEvents  = "run.events"
)

// Event is a message carried by the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	ObjectID  string                 `json:"object_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventTypeForStatus returns the lifecycle event matching a final run status.
func EventTypeForStatus(status RunStatus) EventType {
	switch status {
	case RunStatusCompleted:
		return EventTypeRunCompleted
	case RunStatusCancelled:
		return EventTypeRunCancelled
	default:
		return EventTypeRunFailed
	}
}
