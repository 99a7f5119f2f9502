package domain

import "time"

// StopReason explains why a run ended.
type StopReason string

const (
	StopReasonUser     StopReason = "user"
	StopReasonError    StopReason = "error"
	StopReasonComplete StopReason = "complete"
)

// ModelUsage aggregates the calls made against one model during a run.
type ModelUsage struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Stoppage is the terminal report of a run.
type Stoppage struct {
	Reason    StopReason             `json:"reason"`
	Usage     map[string]*ModelUsage `json:"usage"`
	TotalCost float64                `json:"total_cost"`
	Results   map[string]string      `json:"results"`
	Message   string                 `json:"message,omitempty"`
}

// ObjectState is a snapshot of one object at the end of a run.
type ObjectState struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Content string `json:"content,omitempty"`
}

// RunStatus is the lifecycle of a submitted run in the service layer.
type RunStatus string

const (
	RunStatusSubmitted RunStatus = "submitted"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunState is the persisted record of a submitted run.
type RunState struct {
	RunID       string        `json:"run_id"`
	Document    *Document     `json:"document"`
	Status      RunStatus     `json:"status"`
	Stoppage    *Stoppage     `json:"stoppage,omitempty"`
	Objects     []ObjectState `json:"objects,omitempty"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// RunStatusFor maps a stop reason onto the service-level run status.
func RunStatusFor(reason StopReason) RunStatus {
	switch reason {
	case StopReasonComplete:
		return RunStatusCompleted
	case StopReasonUser:
		return RunStatusCancelled
	default:
		return RunStatusFailed
	}
}
