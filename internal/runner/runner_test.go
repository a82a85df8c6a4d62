package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/host"
	"github.com/rendis/houndflow/internal/manager"
	"github.com/rendis/houndflow/internal/store"
	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/pkg/schema"
)

type fixture struct {
	runner   *Runner
	manager  *manager.Manager
	store    *store.MemoryStore
	executor *engine.Executor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, h host.Host) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	cond, err := expressions.NewConditionEvaluator()
	require.NoError(t, err)
	ex := engine.NewExecutor(
		engine.NewStepExecutor(h, 0, quietLogger()),
		cond, st,
		engine.Config{Checkpoint: true, Retry: engine.RetryConfig{MaxRetries: 0}},
		quietLogger(),
	)
	m := manager.New(st, manager.WithLogger(quietLogger()))
	r := New(m, ex, st, WithPoolSize(2), WithLogger(quietLogger()))
	t.Cleanup(r.Shutdown)
	return &fixture{runner: r, manager: m, store: st, executor: ex}
}

func (f *fixture) create(t *testing.T, steps ...schema.Step) string {
	t.Helper()
	wf, err := f.manager.Create(context.Background(), &schema.Workflow{
		Name:    "runner test",
		Steps:   steps,
		Outputs: []schema.OutputSpec{{Name: "title"}},
	})
	require.NoError(t, err)
	return wf.ID
}

func titleHost() host.Host {
	return host.Func(func(_ context.Context, stepType string, _ map[string]any) (*host.Response, error) {
		if stepType == "get_content" {
			return &host.Response{Success: true, Outputs: map[string]any{"title": "Example"}}, nil
		}
		return &host.Response{Success: true}, nil
	})
}

// gateHost blocks every command until released or ctx ends.
type gateHost struct {
	entered chan struct{}
	release chan struct{}
}

func newGateHost() *gateHost {
	return &gateHost{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gateHost) Execute(ctx context.Context, _ string, _ map[string]any) (*host.Response, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return &host.Response{Success: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitEntered(t *testing.T, g *gateHost) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("host was never called")
	}
}

var twoSteps = []schema.Step{
	{ID: "open", Type: schema.StepTypeNavigate, Params: map[string]any{"url": "https://example.com"}},
	{ID: "read", Type: schema.StepTypeGetContent},
}

func TestRunWorkflow(t *testing.T) {
	f := newFixture(t, titleHost())
	id := f.create(t, twoSteps...)

	res, err := f.runner.RunWorkflow(context.Background(), id, map[string]any{"user": "ana"})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"title": "Example"}, res.Outputs)
	assert.Equal(t, id, res.WorkflowID)

	// Final snapshot is in the store.
	st, err := f.runner.Status(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.False(t, st.Running)
	require.NotNil(t, st.Export)
	assert.Equal(t, "ana", st.Export.Variables["user"])
}

func TestRunWorkflow_UnknownWorkflow(t *testing.T) {
	f := newFixture(t, titleHost())
	_, err := f.runner.RunWorkflow(context.Background(), "missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = f.runner.Start(context.Background(), "missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = f.runner.Restore(context.Background(), "missing", "e1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRunWorkflow_FailureIsInResult(t *testing.T) {
	f := newFixture(t, host.Func(func(context.Context, string, map[string]any) (*host.Response, error) {
		return &host.Response{Success: false, Error: "element not found"}, nil
	}))
	id := f.create(t, twoSteps...)

	res, err := f.runner.RunWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
}

func TestEventHub_PublishesTransitions(t *testing.T) {
	f := newFixture(t, titleHost())
	id := f.create(t, twoSteps...)
	ctx := context.Background()

	hub := streaming.NewMemoryHub(0)
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: id})
	require.NoError(t, err)
	defer cancel()

	r := New(f.manager, f.executor, f.store, WithEventHub(hub), WithLogger(quietLogger()))
	t.Cleanup(r.Shutdown)

	res, err := r.RunWorkflow(ctx, id, nil)
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, res.Status)

	var got []streaming.RunEvent
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	assert.Equal(t, res.ExecutionID, got[0].ExecutionID)
	assert.Equal(t, schema.EventWorkflowStarted, got[0].EventType)
	assert.Equal(t, "running", got[0].To)
	assert.Equal(t, schema.EventWorkflowCompleted, got[1].EventType)
	assert.True(t, got[1].Terminal())
}

func TestStartAndWait(t *testing.T) {
	f := newFixture(t, titleHost())
	id := f.create(t, twoSteps...)
	ctx := context.Background()

	execID, err := f.runner.Start(ctx, id, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, execID)

	res, err := f.runner.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execID, res.ExecutionID)
	assert.Equal(t, execution.StatusCompleted, res.Status)

	st, err := f.runner.Status(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Same(t, res, st.Result)

	assert.EqualValues(t, 1, f.runner.Metrics().Completed)
}

func TestStart_StatusAndCancel(t *testing.T) {
	g := newGateHost()
	f := newFixture(t, g)
	id := f.create(t, twoSteps...)
	ctx := context.Background()

	execID, err := f.runner.Start(ctx, id, nil)
	require.NoError(t, err)
	waitEntered(t, g)

	st, err := f.runner.Status(ctx, execID)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, execution.StatusRunning, st.Status)
	assert.Equal(t, []string{execID}, f.runner.Background())

	require.NoError(t, f.runner.Cancel(execID))
	close(g.release)

	res, err := f.runner.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, res.Status)
	assert.True(t, res.Export.StepResults["open"].Success)
	assert.NotContains(t, res.Export.StepResults, "read")
	assert.EqualValues(t, 1, f.runner.Metrics().Failed)
}

func TestStart_PauseResume(t *testing.T) {
	g := newGateHost()
	f := newFixture(t, g)
	id := f.create(t, twoSteps...)
	ctx := context.Background()

	execID, err := f.runner.Start(ctx, id, nil)
	require.NoError(t, err)
	waitEntered(t, g)

	require.NoError(t, f.runner.Pause(execID))
	st, err := f.runner.Status(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPaused, st.Status)

	close(g.release)
	require.NoError(t, f.runner.Resume(execID))

	res, err := f.runner.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
}

func TestShutdown_CancelsBackgroundRuns(t *testing.T) {
	g := newGateHost()
	f := newFixture(t, g)
	id := f.create(t, twoSteps...)

	execID, err := f.runner.Start(context.Background(), id, nil)
	require.NoError(t, err)
	waitEntered(t, g)

	f.runner.Shutdown()

	res, err := f.runner.Wait(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, res.Status)

	_, err = f.runner.Start(context.Background(), id, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestWait_Errors(t *testing.T) {
	g := newGateHost()
	f := newFixture(t, g)
	_, err := f.runner.Wait(context.Background(), "unknown")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	id := f.create(t, twoSteps...)
	execID, err := f.runner.Start(context.Background(), id, nil)
	require.NoError(t, err)
	waitEntered(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.runner.Wait(ctx, execID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestStatus_NotFound(t *testing.T) {
	f := newFixture(t, titleHost())
	_, err := f.runner.Status(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	bare := New(f.manager, f.executor, nil, WithLogger(quietLogger()))
	defer bare.Shutdown()
	_, err = bare.Status(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestFinishedResults_AreBounded(t *testing.T) {
	f := newFixture(t, titleHost())
	r := New(f.manager, f.executor, f.store, WithRetention(2, time.Hour), WithLogger(quietLogger()))
	t.Cleanup(r.Shutdown)
	id := f.create(t, twoSteps...)
	ctx := context.Background()

	var ids []string
	for range 3 {
		execID, err := r.Start(ctx, id, nil)
		require.NoError(t, err)
		_, err = r.Wait(ctx, execID)
		require.NoError(t, err)
		ids = append(ids, execID)
	}
	assert.Equal(t, 2, r.Retained())

	_, err := r.Wait(ctx, ids[0])
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	// Evicted runs are still reported from the checkpoint store.
	st, err := r.Status(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, st.Status)
	assert.Nil(t, st.Result)

	res, err := r.Wait(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids[2], res.ExecutionID)
}

func TestFinishedResults_ExpireAfterRetention(t *testing.T) {
	f := newFixture(t, titleHost())
	r := New(f.manager, f.executor, f.store, WithRetention(0, time.Minute), WithLogger(quietLogger()))
	t.Cleanup(r.Shutdown)
	now := time.Now()
	r.now = func() time.Time { return now }
	id := f.create(t, twoSteps...)
	ctx := context.Background()

	execID, err := r.Start(ctx, id, nil)
	require.NoError(t, err)
	_, err = r.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Retained())

	now = now.Add(2 * time.Minute)
	_, err = r.Wait(ctx, execID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Zero(t, r.Retained())
}
