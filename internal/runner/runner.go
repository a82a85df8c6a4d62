package runner

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultPoolSize bounds background runs when no size is given.
const DefaultPoolSize = 4

// Defaults for how many finished background results are kept, and for how
// long. Older runs are answered from the state store.
const (
	DefaultRetainedResults = 256
	DefaultResultRetention = 15 * time.Minute
)

// WorkflowSource looks up stored definitions. It returns nil, nil for
// unknown ids. *manager.Manager satisfies it.
type WorkflowSource interface {
	Get(ctx context.Context, id string) (*schema.Workflow, error)
}

// ExecutionStatus describes a run, live or saved.
type ExecutionStatus struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	Status      execution.Status  `json:"status"`
	Running     bool              `json:"running"`
	Export      *execution.Export `json:"export,omitempty"`
	Result      *engine.Result    `json:"result,omitempty"`
}

// Runner resolves stored workflows and runs them, in the foreground or on a
// bounded pool.
type Runner struct {
	workflows WorkflowSource
	executor  *engine.Executor
	states    execution.StateStore
	pool      *Pool
	events    streaming.EventHub
	logger    *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	finished map[string]finishedRun
	order    []string // finished ids, oldest first
	waiters  map[string]chan struct{}

	keep   int
	retain time.Duration
	now    func() time.Time
}

type finishedRun struct {
	result *engine.Result
	at     time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithPoolSize sets how many background runs may execute at once.
func WithPoolSize(n int) Option {
	return func(r *Runner) { r.pool = NewPool(n) }
}

// WithEventHub publishes every run's status changes to hub.
func WithEventHub(hub streaming.EventHub) Option {
	return func(r *Runner) { r.events = hub }
}

// WithRetention bounds the finished background results kept in memory to the
// newest keep, each for at most ttl. Zero values keep the defaults.
func WithRetention(keep int, ttl time.Duration) Option {
	return func(r *Runner) {
		if keep > 0 {
			r.keep = keep
		}
		if ttl > 0 {
			r.retain = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Runner. states may be nil; Status then only sees live and
// finished background runs. It should be the store the executor
// checkpoints to.
func New(workflows WorkflowSource, executor *engine.Executor, states execution.StateStore, opts ...Option) *Runner {
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		workflows: workflows,
		executor:  executor,
		states:    states,
		logger:    slog.Default(),
		base:      base,
		cancel:    cancel,
		finished:  make(map[string]finishedRun),
		waiters:   make(map[string]chan struct{}),
		keep:      DefaultRetainedResults,
		retain:    DefaultResultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool == nil {
		r.pool = NewPool(DefaultPoolSize)
	}
	return r
}

// RunWorkflow runs a stored workflow to completion.
func (r *Runner) RunWorkflow(ctx context.Context, workflowID string, vars map[string]any) (*engine.Result, error) {
	wf, err := r.lookup(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, wf, vars)
}

// Run executes a definition that need not be stored. The runner assigns the
// execution id.
func (r *Runner) Run(ctx context.Context, wf *schema.Workflow, vars map[string]any, opts ...engine.RunOption) (*engine.Result, error) {
	return r.run(ctx, wf, vars, uuid.NewString(), opts...)
}

func (r *Runner) run(ctx context.Context, wf *schema.Workflow, vars map[string]any, id string, opts ...engine.RunOption) (*engine.Result, error) {
	runOpts := append([]engine.RunOption{engine.WithRunID(id)}, opts...)
	if r.events != nil && wf != nil {
		runOpts = append(runOpts, engine.WithRunHook(r.publisher(id, wf.ID)))
	}
	res, err := r.executor.Execute(ctx, wf, vars, runOpts...)
	if err != nil {
		return nil, err
	}
	r.logger.Info("run finished",
		"execution_id", res.ExecutionID,
		"workflow_id", res.WorkflowID,
		"status", res.Status,
		"executed_steps", res.ExecutedSteps,
	)
	return res, nil
}

// Start queues a stored workflow on the pool and returns its execution id.
// The run is detached from ctx; stop it with Cancel or Shutdown.
func (r *Runner) Start(ctx context.Context, workflowID string, vars map[string]any) (string, error) {
	wf, err := r.lookup(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if err := engine.ValidateWorkflow(wf); err != nil {
		return "", err
	}

	id := uuid.NewString()
	done := make(chan struct{})
	r.mu.Lock()
	r.waiters[id] = done
	r.mu.Unlock()

	run := func() error {
		res, err := r.run(r.base, wf, vars, id)
		if err != nil {
			return err
		}
		r.remember(id, res)
		if res.Error != nil {
			return res.Error
		}
		return nil
	}
	onDone := func(err error) {
		if err != nil {
			r.logger.Warn("background run ended with error", "execution_id", id, "error", err)
		}
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
		close(done)
	}

	if err := r.pool.Submit(ctx, Task{ID: id, Run: run, Done: onDone}); err != nil {
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeExecution, "queue workflow %s: %s", workflowID, err.Error()).WithCause(err)
	}
	r.logger.Info("run queued", "execution_id", id, "workflow_id", workflowID)
	return id, nil
}

// Wait blocks until a background run ends and returns its result. Runs that
// failed before producing a result, or whose result has aged out, return
// NOT_FOUND; Status still reports them from the state store.
func (r *Runner) Wait(ctx context.Context, executionID string) (*engine.Result, error) {
	r.mu.Lock()
	done, pending := r.waiters[executionID]
	r.mu.Unlock()

	if pending {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, schema.AsError(ctx.Err())
		}
	}

	res, ok := r.result(executionID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no result for execution %s", executionID)
	}
	return res, nil
}

// remember keeps res for Wait and Status, evicting results past the
// retention bounds.
func (r *Runner) remember(id string, res *engine.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = finishedRun{result: res, at: r.now()}
	r.order = append(r.order, id)
	r.evictLocked()
}

func (r *Runner) result(id string) (*engine.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	run, ok := r.finished[id]
	return run.result, ok
}

// evictLocked drops the oldest results while there are more than keep or
// they are older than retain. Callers hold mu.
func (r *Runner) evictLocked() {
	cutoff := r.now().Add(-r.retain)
	n := 0
	for n < len(r.order) {
		run := r.finished[r.order[n]]
		if len(r.order)-n <= r.keep && run.at.After(cutoff) {
			break
		}
		delete(r.finished, r.order[n])
		n++
	}
	if n > 0 {
		r.order = slices.Delete(r.order, 0, n)
	}
}

// Retained reports how many finished results are held in memory.
func (r *Runner) Retained() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

// Status reports a run from, in order: the executor's live runs, finished
// background runs, and the state store.
func (r *Runner) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	if st, err := r.executor.Status(executionID); err == nil {
		return &ExecutionStatus{ExecutionID: executionID, Status: st, Running: true}, nil
	}

	res, ok := r.result(executionID)
	r.mu.Lock()
	_, queued := r.waiters[executionID]
	r.mu.Unlock()
	if ok {
		exp := res.Export
		return &ExecutionStatus{
			ExecutionID: executionID,
			WorkflowID:  res.WorkflowID,
			Status:      res.Status,
			Export:      &exp,
			Result:      res,
		}, nil
	}
	if queued {
		return &ExecutionStatus{ExecutionID: executionID, Status: execution.StatusPending}, nil
	}

	if r.states == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	ec, err := execution.LoadState(ctx, r.states, executionID)
	if err != nil {
		return nil, err
	}
	exp := ec.Export()
	return &ExecutionStatus{
		ExecutionID: executionID,
		WorkflowID:  ec.WorkflowID(),
		Status:      ec.Status(),
		Export:      &exp,
	}, nil
}

// Cancel stops a live run at its next step boundary.
func (r *Runner) Cancel(executionID string) error { return r.executor.Cancel(executionID) }

// Pause pauses a live run at its next step boundary.
func (r *Runner) Pause(executionID string) error { return r.executor.Pause(executionID) }

// Resume continues a paused live run.
func (r *Runner) Resume(executionID string) error { return r.executor.Resume(executionID) }

// Restore continues a saved, non-terminal run of a stored workflow.
func (r *Runner) Restore(ctx context.Context, workflowID, executionID string) (*engine.Result, error) {
	wf, err := r.lookup(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return r.executor.Restore(ctx, wf, executionID)
}

// Metrics returns the pool counters.
func (r *Runner) Metrics() PoolMetrics { return r.pool.Metrics() }

// Background returns the execution ids of runs holding a pool slot.
func (r *Runner) Background() []string { return r.pool.Running() }

// Shutdown cancels background runs and waits for them to stop.
func (r *Runner) Shutdown() {
	r.cancel()
	r.pool.Shutdown()
}

// publisher returns a transition hook that forwards to the event hub.
func (r *Runner) publisher(executionID, workflowID string) execution.TransitionHook {
	return func(from, to execution.Status) {
		err := r.events.Publish(r.base, streaming.RunEvent{
			ExecutionID: executionID,
			WorkflowID:  workflowID,
			EventType:   execution.TransitionEvent(from, to),
			From:        string(from),
			To:          string(to),
			At:          time.Now().UTC(),
		})
		if err != nil {
			r.logger.Debug("run event dropped", "execution_id", executionID, "error", err)
		}
	}
}

func (r *Runner) lookup(ctx context.Context, workflowID string) (*schema.Workflow, error) {
	wf, err := r.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}
	return wf, nil
}
