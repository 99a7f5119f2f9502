package domain

// Status is the lifecycle state of a graph object.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusComplete  Status = "complete"
	StatusRejected  Status = "rejected"
	StatusError     Status = "error"

	// Event-only statuses. They are emitted but never stored on an object.
	StatusWarning         Status = "warning"
	StatusVersionComplete Status = "version_complete"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusExecuting, StatusComplete, StatusRejected, StatusError},
	StatusExecuting: {StatusComplete, StatusRejected, StatusError, StatusPending},
	StatusComplete:  {StatusPending},
	StatusRejected:  {StatusPending},
	StatusError:     {},
}

// CanTransition reports whether an object may move from one stored status to
// another. Resetting (anything but Error back to Pending) is allowed so loop
// groups can re-run their members.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends an object's participation in a run.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusRejected
}

// IsEventOnly reports whether the status is only ever emitted, never stored.
func (s Status) IsEventOnly() bool {
	return s == StatusWarning || s == StatusVersionComplete
}
