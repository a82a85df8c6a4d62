package streaming

import (
	"context"
	"time"
)

// RunEvent is a status change of one execution.
type RunEvent struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	EventType   string    `json:"event_type"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	At          time.Time `json:"at"`
}

// Terminal reports whether the run can no longer change status.
func (e RunEvent) Terminal() bool {
	switch e.To {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// EventFilter selects events for a subscriber. Empty fields match anything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub fans run events out to subscribers.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
