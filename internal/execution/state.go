package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/pkg/schema"
)

// StateStore is the persistence collaborator for run snapshots. Load must
// return a NOT_FOUND *schema.Error for an unknown id.
type StateStore interface {
	SaveState(ctx context.Context, executionID string, snapshot []byte) error
	LoadState(ctx context.Context, executionID string) ([]byte, error)
}

// State is the persisted form of a Context.
type State struct {
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      Status                `json:"status"`
	Variables   map[string]any        `json:"variables"`
	StepResults map[string]StepResult `json:"step_results"`
	Evidence    []EvidenceItem        `json:"evidence,omitempty"`
	Logs        []LogEntry            `json:"logs,omitempty"`
	StartTime   *time.Time            `json:"start_time,omitempty"`
	EndTime     *time.Time            `json:"end_time,omitempty"`
	Failure     *schema.Error         `json:"failure,omitempty"`
	SavedAt     time.Time             `json:"saved_at"`
}

// Export is the plain snapshot handed to callers once a run ends, or at any
// point for partial results.
type Export struct {
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      Status                `json:"status"`
	Variables   map[string]any        `json:"variables"`
	StepResults map[string]StepResult `json:"step_results"`
	Evidence    []EvidenceItem        `json:"evidence"`
	DurationMs  int64                 `json:"duration_ms"`
	Error       *schema.Error         `json:"error,omitempty"`
}

// Snapshot captures the full state as copies.
func (c *Context) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := State{
		ExecutionID: c.executionID,
		WorkflowID:  c.workflowID,
		Status:      c.status,
		Variables:   expressions.DeepCopyMap(c.variables),
		StepResults: copyStepResults(c.stepResults),
		Evidence:    copyEvidence(c.evidence),
		Logs:        append([]LogEntry(nil), c.logs...),
		Failure:     c.failure,
		SavedAt:     c.now(),
	}
	if !c.startTime.IsZero() {
		t := c.startTime
		st.StartTime = &t
	}
	if !c.endTime.IsZero() {
		t := c.endTime
		st.EndTime = &t
	}
	return st
}

// Export returns a detached snapshot for external consumption.
func (c *Context) Export() Export {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Export{
		ExecutionID: c.executionID,
		WorkflowID:  c.workflowID,
		Status:      c.status,
		Variables:   expressions.DeepCopyMap(c.variables),
		StepResults: copyStepResults(c.stepResults),
		Evidence:    copyEvidence(c.evidence),
		DurationMs:  c.durationLocked().Milliseconds(),
		Error:       c.failure,
	}
}

// SaveState writes the snapshot to the configured store under the
// execution id.
func (c *Context) SaveState(ctx context.Context) error {
	if c.store == nil {
		return schema.NewError(schema.ErrCodeStore, "no state store configured")
	}

	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal execution state: %s", err.Error()).WithCause(err)
	}
	if err := c.store.SaveState(ctx, c.executionID, data); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save execution %s: %s", c.executionID, err.Error()).WithCause(err)
	}
	return nil
}

// LoadState rebuilds a Context from the snapshot stored under executionID.
// The context re-enters the saved status and keeps store for later saves.
func LoadState(ctx context.Context, store StateStore, executionID string, opts ...Option) (*Context, error) {
	if store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "no state store configured")
	}

	data, err := store.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode execution %s: %s", executionID, err.Error()).WithCause(err)
	}
	if _, ok := ValidTransitions[st.Status]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "execution %s has unknown status %q", executionID, st.Status)
	}

	opts = append([]Option{WithStore(store)}, opts...)
	return FromState(st, opts...), nil
}

// FromState rebuilds a Context from a decoded State.
func FromState(st State, opts ...Option) *Context {
	c := New(st.WorkflowID, opts...)
	c.executionID = st.ExecutionID
	c.status = st.Status
	if st.Variables != nil {
		c.variables = st.Variables
	}
	if st.StepResults != nil {
		c.stepResults = st.StepResults
	}
	c.evidence = st.Evidence
	c.logs = st.Logs
	c.failure = st.Failure
	if st.StartTime != nil {
		c.startTime = *st.StartTime
	}
	if st.EndTime != nil {
		c.endTime = *st.EndTime
	}
	return c
}
