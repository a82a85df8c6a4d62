package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/pkg/schema"
)

// Store persists workflow definitions and execution snapshots.
// All implementations must be safe for concurrent use.
type Store interface {
	// Execution snapshots. LoadState returns NOT_FOUND for unknown ids.
	execution.StateStore
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionSummary, error)

	// Workflow definitions. PutWorkflow inserts or replaces by id.
	PutWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)

	// Lifecycle
	Close() error
}

// WorkflowFilter narrows ListWorkflows. Empty fields match everything.
type WorkflowFilter struct {
	Category string
}

// ExecutionFilter narrows ListExecutions. Empty fields match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     string
	Limit      int
}

// ExecutionSummary is the listing view of a saved snapshot.
type ExecutionSummary struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      string    `json:"status"`
	SavedAt     time.Time `json:"saved_at"`
}

// summarize reads the index fields of a snapshot without decoding it.
func summarize(executionID string, snapshot []byte) *ExecutionSummary {
	fields := gjson.GetManyBytes(snapshot, "workflow_id", "status", "saved_at")
	sum := &ExecutionSummary{
		ExecutionID: executionID,
		WorkflowID:  fields[0].String(),
		Status:      fields[1].String(),
	}
	if fields[2].Exists() {
		sum.SavedAt = fields[2].Time()
	}
	return sum
}

func (f ExecutionFilter) match(s *ExecutionSummary) bool {
	if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// sortExecutions orders newest first and applies the limit.
func sortExecutions(list []*ExecutionSummary, limit int) []*ExecutionSummary {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].SavedAt.Equal(list[j].SavedAt) {
			return list[i].ExecutionID < list[j].ExecutionID
		}
		return list[i].SavedAt.After(list[j].SavedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// sortWorkflows orders oldest first, then by id.
func sortWorkflows(list []*schema.Workflow) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func validSnapshot(executionID string, snapshot []byte) error {
	if executionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	if !gjson.ValidBytes(snapshot) {
		return schema.NewErrorf(schema.ErrCodeValidation, "snapshot for %s is not valid JSON", executionID)
	}
	return nil
}

func encodeWorkflow(wf *schema.Workflow) ([]byte, error) {
	if wf == nil || wf.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal workflow %s: %s", wf.ID, err.Error()).WithCause(err)
	}
	return data, nil
}

func decodeWorkflow(id string, data []byte) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode workflow %s: %s", id, err.Error()).WithCause(err)
	}
	return &wf, nil
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
