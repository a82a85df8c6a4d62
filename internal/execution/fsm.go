package execution

import (
	"slices"

	"github.com/rendis/houndflow/pkg/schema"
)

// Status is the lifecycle state of one run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TransitionHook is called after a successful status transition.
type TransitionHook func(from, to Status)

// ValidTransitions defines the allowed status transitions for a run.
var ValidTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func isValidTransition(from, to Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func invalidTransition(executionID string, from, to Status) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// TransitionEvent names the log event for a status change, or "" if none.
func TransitionEvent(from, to Status) string {
	switch to {
	case StatusRunning:
		if from == StatusPaused {
			return schema.EventWorkflowResumed
		}
		return schema.EventWorkflowStarted
	case StatusPaused:
		return schema.EventWorkflowPaused
	case StatusCompleted:
		return schema.EventWorkflowCompleted
	case StatusFailed:
		return schema.EventWorkflowFailed
	case StatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}
