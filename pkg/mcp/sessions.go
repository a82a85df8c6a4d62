package mcp

import "sync"

// SessionRegistry remembers which MCP session started each async run, so
// progress and completion notifications reach only that client.
type SessionRegistry struct {
	mu          sync.RWMutex
	byExecution map[string]string
	bySession   map[string]map[string]struct{}
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byExecution: make(map[string]string),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// Register ties executionID to sessionID, replacing any earlier owner.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(executionID)
	r.byExecution[executionID] = sessionID
	runs := r.bySession[sessionID]
	if runs == nil {
		runs = make(map[string]struct{})
		r.bySession[sessionID] = runs
	}
	runs[executionID] = struct{}{}
}

func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byExecution[executionID]
	return sid, ok
}

// Forget drops one execution once its final notification is sent.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(executionID)
}

// Remove drops every execution owned by a disconnected session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid := range r.bySession[sessionID] {
		delete(r.byExecution, eid)
	}
	delete(r.bySession, sessionID)
}

// Len reports how many executions are tracked.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byExecution)
}

// unlink removes executionID from both indexes. Callers hold mu.
func (r *SessionRegistry) unlink(executionID string) {
	sid, ok := r.byExecution[executionID]
	if !ok {
		return
	}
	delete(r.byExecution, executionID)
	if runs := r.bySession[sid]; runs != nil {
		delete(runs, executionID)
		if len(runs) == 0 {
			delete(r.bySession, sid)
		}
	}
}
