package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/host"
	"github.com/rendis/houndflow/pkg/schema"
)

// hostCall is one command seen by recordingHost.
type hostCall struct {
	StepType string
	Params   map[string]any
}

// recordingHost records every command and answers through respond. A nil
// respond succeeds with no outputs.
type recordingHost struct {
	mu      sync.Mutex
	calls   []hostCall
	respond func(stepType string, params map[string]any, n int) (*host.Response, error)
}

func (h *recordingHost) Execute(_ context.Context, stepType string, params map[string]any) (*host.Response, error) {
	h.mu.Lock()
	h.calls = append(h.calls, hostCall{StepType: stepType, Params: params})
	n := len(h.calls)
	respond := h.respond
	h.mu.Unlock()

	if respond == nil {
		return &host.Response{Success: true}, nil
	}
	return respond(stepType, params, n)
}

func (h *recordingHost) Calls() []hostCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostCall(nil), h.calls...)
}

// memStore is an in-memory execution.StateStore.
type memStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) SaveState(_ context.Context, id string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append([]byte(nil), snapshot...)
	m.saves++
	return nil
}

func (m *memStore) LoadState(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return d, nil
}

func (m *memStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, h host.Host, store execution.StateStore, cfg Config) *Executor {
	t.Helper()
	cond, err := expressions.NewConditionEvaluator()
	require.NoError(t, err)
	return NewExecutor(NewStepExecutor(h, 0, discardLogger()), cond, store, cfg, discardLogger())
}

func timeoutResponse(string, map[string]any, int) (*host.Response, error) {
	return &host.Response{Success: false, Error: "Timeout waiting for element"}, nil
}
