package store

import (
	"context"
	"sync"

	"github.com/rendis/houndflow/pkg/schema"
)

// MemoryStore keeps everything in process memory. Workflows are stored
// encoded so callers never share the stored value.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string][]byte
	executions map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string][]byte),
		executions: make(map[string][]byte),
	}
}

func (s *MemoryStore) SaveState(_ context.Context, executionID string, snapshot []byte) error {
	if err := validSnapshot(executionID, snapshot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[executionID] = append([]byte(nil), snapshot...)
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context, executionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.executions[executionID]
	if !ok {
		return nil, storeNotFound("execution", executionID)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionSummary
	for id, data := range s.executions {
		if sum := summarize(id, data); filter.match(sum) {
			out = append(out, sum)
		}
	}
	return sortExecutions(out, filter.Limit), nil
}

func (s *MemoryStore) PutWorkflow(_ context.Context, wf *schema.Workflow) error {
	data, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = data
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	data, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return decodeWorkflow(id, data)
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Workflow, 0, len(s.workflows))
	for id, data := range s.workflows {
		wf, err := decodeWorkflow(id, data)
		if err != nil {
			return nil, err
		}
		if filter.Category != "" && wf.Category != filter.Category {
			continue
		}
		out = append(out, wf)
	}
	sortWorkflows(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
