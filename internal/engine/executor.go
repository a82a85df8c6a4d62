package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/logging"
	"github.com/rendis/houndflow/pkg/schema"
)

// Config holds the executor's run-level policy.
type Config struct {
	Retry RetryConfig
	// Checkpoint saves the execution state after every top-level step when
	// a store is configured.
	Checkpoint bool
}

// Result is the outcome of one run. Execute returns a Result for every run
// that got past validation, whatever its terminal status.
type Result struct {
	ExecutionID   string               `json:"execution_id"`
	WorkflowID    string               `json:"workflow_id"`
	Status        execution.Status     `json:"status"`
	Export        execution.Export     `json:"export"`
	Outputs       map[string]any       `json:"outputs"`
	Logs          []execution.LogEntry `json:"logs,omitempty"`
	ErrorLog      []ErrorLogEntry      `json:"error_log,omitempty"`
	ErrorStats    ErrorStats           `json:"error_stats"`
	RetryAttempts map[string]int       `json:"retry_attempts,omitempty"`
	ExecutedSteps int                  `json:"executed_steps"`
	TotalSteps    int                  `json:"total_steps"`
	Error         *schema.Error        `json:"error,omitempty"`
}

// RunOption configures a single Execute call.
type RunOption func(*runOptions)

type runOptions struct {
	executionID string
	hooks       []execution.TransitionHook
}

// WithRunID fixes the execution id so callers can address the run with
// Cancel, Pause or Resume before Execute returns.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.executionID = id }
}

// WithRunHook registers a transition hook on the run's context.
func WithRunHook(h execution.TransitionHook) RunOption {
	return func(o *runOptions) { o.hooks = append(o.hooks, h) }
}

// Executor walks workflow step trees. One Executor serves many concurrent
// runs; each run owns its own execution context and error handler.
type Executor struct {
	steps      *StepExecutor
	conditions *expressions.ConditionEvaluator
	jq         *expressions.GoJQEngine
	store      execution.StateStore
	cfg        Config
	logger     *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]*workflowRun
}

// workflowRun tracks a single in-flight run.
type workflowRun struct {
	ec     *execution.Context
	errors *ErrorHandler
	skip   map[string]bool

	cancel     chan struct{}
	cancelOnce sync.Once
	wake       chan struct{}

	executed int
}

func (r *workflowRun) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

// NewExecutor creates an Executor. store may be nil, which disables
// checkpoints and Restore.
func NewExecutor(steps *StepExecutor, conditions *expressions.ConditionEvaluator, store execution.StateStore, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = BackoffExponential
	}
	return &Executor{
		steps:      steps,
		conditions: conditions,
		jq:         expressions.NewGoJQEngine(),
		store:      store,
		cfg:        cfg,
		logger:     logger,
		running:    make(map[string]*workflowRun),
	}
}

// ValidateWorkflow checks the shape Execute needs, in order: present, has an
// id, has a steps array.
func ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	if wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if wf.Steps == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no steps array", wf.ID)
	}
	return nil
}

// Execute runs wf with vars as the initial variables. A malformed workflow
// is returned as a VALIDATION_ERROR with a nil Result; every other outcome,
// including step failures and cancellation, is reported in the Result.
func (e *Executor) Execute(ctx context.Context, wf *schema.Workflow, vars map[string]any, opts ...RunOption) (*Result, error) {
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	plan, err := compilePlan(wf.Steps, e.cfg.Retry)
	if err != nil {
		return nil, err
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	ecOpts := []execution.Option{execution.WithVariables(vars)}
	if o.executionID != "" {
		ecOpts = append(ecOpts, execution.WithExecutionID(o.executionID))
	}
	if e.store != nil {
		ecOpts = append(ecOpts, execution.WithStore(e.store))
	}
	for _, h := range o.hooks {
		ecOpts = append(ecOpts, execution.WithTransitionHook(h))
	}

	ec := execution.New(wf.ID, ecOpts...)
	return e.run(ctx, wf, plan, ec, nil)
}

// Restore continues the run saved under executionID. Top-level steps that
// already succeeded are skipped. A paused snapshot is resumed; a terminal
// one is a CONFLICT.
func (e *Executor) Restore(ctx context.Context, wf *schema.Workflow, executionID string) (*Result, error) {
	if e.store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "no state store configured")
	}
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	plan, err := compilePlan(wf.Steps, e.cfg.Retry)
	if err != nil {
		return nil, err
	}

	ec, err := execution.LoadState(ctx, e.store, executionID)
	if err != nil {
		return nil, err
	}
	if ec.WorkflowID() != wf.ID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s belongs to workflow %s, not %s", executionID, ec.WorkflowID(), wf.ID)
	}
	if ec.Status().IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s already %s", executionID, ec.Status())
	}

	skip := make(map[string]bool)
	for id, res := range ec.StepResults() {
		if res.Success {
			skip[id] = true
		}
	}
	return e.run(ctx, wf, plan, ec, skip)
}

// Cancel stops the run at its next step boundary, interrupting a pending
// retry wait.
func (e *Executor) Cancel(executionID string) error {
	run, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	if run.ec.Status().IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s already %s", executionID, run.ec.Status())
	}
	run.requestCancel()
	return nil
}

// Pause marks the run paused. It stops at its next step boundary,
// checkpoints, and waits for Resume or Cancel.
func (e *Executor) Pause(executionID string) error {
	run, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	return run.ec.Pause()
}

// Resume continues a paused run.
func (e *Executor) Resume(executionID string) error {
	run, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	if err := run.ec.Resume(); err != nil {
		return err
	}
	select {
	case run.wake <- struct{}{}:
	default:
	}
	return nil
}

// Status returns the status of an in-flight run.
func (e *Executor) Status(executionID string) (execution.Status, error) {
	run, err := e.lookup(executionID)
	if err != nil {
		return "", err
	}
	return run.ec.Status(), nil
}

// Running lists the ids of in-flight runs.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) lookup(executionID string) (*workflowRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.running[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", executionID)
	}
	return run, nil
}

func (e *Executor) run(ctx context.Context, wf *schema.Workflow, plan []*planNode, ec *execution.Context, skip map[string]bool) (*Result, error) {
	run := &workflowRun{
		ec:     ec,
		errors: NewErrorHandler(e.cfg.Retry, e.logger),
		skip:   skip,
		cancel: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}

	e.mu.Lock()
	if _, dup := e.running[ec.ExecutionID()]; dup {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", ec.ExecutionID())
	}
	e.running[ec.ExecutionID()] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, ec.ExecutionID())
		e.mu.Unlock()
	}()

	ctx = logging.WithRun(ctx, ec.ExecutionID(), wf.ID)
	log := logging.LogWith(ctx, e.logger)

	if ec.Status() != execution.StatusRunning {
		if err := ec.Start(); err != nil {
			return nil, err
		}
	}
	log.Info("workflow started", "steps", len(plan))

	runErr := e.runSteps(ctx, run, plan, true)
	if runErr == nil {
		runErr = e.boundary(ctx, run)
	}

	var result *schema.Error
	switch {
	case runErr == nil:
		if err := ec.Complete(); err != nil {
			return nil, err
		}
		log.Info("workflow completed", "duration", ec.Duration())
	case schema.IsCode(runErr, schema.ErrCodeCancelled):
		result = schema.AsError(runErr)
		if !ec.Status().IsTerminal() {
			_ = ec.Cancel()
		}
		log.Info("workflow cancelled")
	default:
		result = schema.AsError(runErr)
		if !ec.Status().IsTerminal() {
			_ = ec.Fail(result)
		}
		log.Error("workflow failed", "error", result.Error())
	}

	if e.store != nil && e.cfg.Checkpoint {
		if err := ec.SaveState(ctx); err != nil {
			log.Warn("final checkpoint failed", "error", err)
		}
	}

	return &Result{
		ExecutionID:   ec.ExecutionID(),
		WorkflowID:    wf.ID,
		Status:        ec.Status(),
		Export:        ec.Export(),
		Outputs:       ExtractOutputs(wf, ec),
		Logs:          ec.Logs(),
		ErrorLog:      run.errors.ErrorLog(),
		ErrorStats:    run.errors.ErrorStats(),
		RetryAttempts: run.errors.RetryAttempts(),
		ExecutedSteps: run.executed,
		TotalSteps:    CountSteps(wf.Steps),
		Error:         result,
	}, nil
}

// runSteps executes nodes in order, stopping at the first error.
func (e *Executor) runSteps(ctx context.Context, run *workflowRun, nodes []*planNode, topLevel bool) error {
	for _, n := range nodes {
		if err := e.boundary(ctx, run); err != nil {
			return err
		}
		if topLevel && run.skip[n.step.ID] {
			run.ec.Log(slog.LevelInfo, schema.EventStepSkipped, n.step.ID, "already completed", nil)
			continue
		}

		if err := e.runNode(ctx, run, n); err != nil {
			return err
		}

		if topLevel && e.cfg.Checkpoint && e.store != nil {
			if err := run.ec.SaveState(ctx); err != nil {
				logging.LogWith(ctx, e.logger).Warn("checkpoint failed", "step_id", n.step.ID, "error", err)
			}
		}
	}
	return nil
}

func (e *Executor) runNode(ctx context.Context, run *workflowRun, n *planNode) error {
	run.executed++
	switch n.kind {
	case nodeConditional:
		return e.runConditional(ctx, run, n)
	case nodeLoop:
		return e.runLoop(ctx, run, n)
	default:
		return e.runLeaf(ctx, run, n)
	}
}

// boundary is checked between steps: a cancelled run stops, a paused run
// checkpoints and blocks until resumed.
func (e *Executor) boundary(ctx context.Context, run *workflowRun) error {
	if err := cancelled(ctx, run); err != nil {
		return err
	}
	if run.ec.Status() != execution.StatusPaused {
		return nil
	}

	if e.store != nil {
		if err := run.ec.SaveState(ctx); err != nil {
			logging.LogWith(ctx, e.logger).Warn("pause checkpoint failed", "error", err)
		}
	}
	logging.LogWith(ctx, e.logger).Info("workflow paused")

	for run.ec.Status() == execution.StatusPaused {
		select {
		case <-run.wake:
		case <-run.cancel:
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled while paused")
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "execution cancelled while paused").WithCause(ctx.Err())
		}
	}
	logging.LogWith(ctx, e.logger).Info("workflow resumed")
	return nil
}

func cancelled(ctx context.Context, run *workflowRun) error {
	select {
	case <-run.cancel:
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(ctx.Err())
	default:
		return nil
	}
}

// runLeaf executes one leaf step, retrying retryable failures while the
// step's retry budget lasts.
func (e *Executor) runLeaf(ctx context.Context, run *workflowRun, n *planNode) error {
	step := n.step
	ec := run.ec
	base := run.errors.RetryAttemptCount(step.ID)

	ec.Log(slog.LevelInfo, schema.EventStepStarted, step.ID, string(step.Type), nil)

	attempts := 0
	for {
		res := e.steps.Execute(ctx, step, ec)
		attempts++
		res.Attempts = attempts

		if res.Success {
			ec.RecordStepResult(step.ID, res)
			ec.Log(slog.LevelInfo, schema.EventStepCompleted, step.ID, "", map[string]any{"attempts": attempts})
			return nil
		}

		run.errors.LogError(res.Error, ec, step)
		retries := run.errors.RetryAttemptCount(step.ID) - base
		if !run.errors.IsRetryable(res.Error) || retries >= n.retry.MaxRetries {
			if retries > 0 {
				res.Error = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"step %s failed after %d retries: %s", step.ID, retries, res.Error.Message).
					WithStep(step.ID).WithCause(res.Error)
			}
			return e.stepFailed(run, step, res)
		}

		delay := run.errors.CalculateRetryDelay(retries)
		if step.Retry != nil {
			delay = ComputeBackoff(n.retry.Backoff, n.retry.RetryDelay, retries)
		}
		run.errors.IncrementRetryAttempt(step.ID)
		ec.Log(slog.LevelWarn, schema.EventStepRetrying, step.ID, res.Error.Message, map[string]any{
			"attempt": retries + 1,
			"delay":   delay.String(),
		})

		if err := WaitForBackoff(ctx, delay, run.cancel); err != nil {
			res.Error = schema.AsError(err).WithStep(step.ID)
			ec.RecordStepResult(step.ID, res)
			return err
		}
	}
}

// stepFailed records a failed result. Non-fatal steps are absorbed; anything
// else becomes the error that aborts the enclosing step list.
func (e *Executor) stepFailed(run *workflowRun, step *schema.Step, res execution.StepResult) error {
	if res.Error == nil {
		res.Error = schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed", step.ID).WithStep(step.ID)
	}
	res.Success = false
	res.Outputs = nil
	run.ec.RecordStepResult(step.ID, res)
	run.ec.Log(slog.LevelError, schema.EventStepFailed, step.ID, res.Error.Message, map[string]any{
		"non_fatal": step.NonFatal,
		"code":      res.Error.Code,
	})

	if step.NonFatal && !schema.IsCode(res.Error, schema.ErrCodeCancelled) {
		return nil
	}
	if res.Error.Code == schema.ErrCodeCancelled {
		return res.Error
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed: %s", step.ID, res.Error.Message).
		WithStep(step.ID).WithCause(res.Error)
}

// containerDone records the result of a conditional or loop once its
// children have run.
func (e *Executor) containerDone(run *workflowRun, step *schema.Step, start time.Time, childErr error) error {
	res := execution.StepResult{
		Success:    childErr == nil,
		Attempts:   1,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if childErr == nil {
		run.ec.RecordStepResult(step.ID, res)
		run.ec.Log(slog.LevelInfo, schema.EventStepCompleted, step.ID, "", nil)
		return nil
	}

	var he *schema.Error
	if !errors.As(childErr, &he) {
		he = schema.AsError(childErr)
	}
	res.Error = he
	return e.stepFailed(run, step, res)
}

// ExtractOutputs copies the workflow's declared outputs that are set in ec.
// Undeclared variables are never exposed.
func ExtractOutputs(wf *schema.Workflow, ec *execution.Context) map[string]any {
	out := make(map[string]any, len(wf.Outputs))
	for _, spec := range wf.Outputs {
		if v, ok := ec.GetVariable(spec.Name); ok {
			out[spec.Name] = expressions.DeepCopy(v)
		}
	}
	return out
}
