package execution

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/pkg/schema"
)

// StepResult is the outcome of one step. Outputs of a successful step are
// merged into the run's variables when recorded.
type StepResult struct {
	Success    bool           `json:"success"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      *schema.Error  `json:"error,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// EvidenceItem is an artifact captured during a run, e.g. a screenshot.
type EvidenceItem struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"type"`
	Data        string         `json:"data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CapturedAt  time.Time      `json:"captured_at"`
}

// LogEntry is one line of a run's own log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Event     string         `json:"event,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Context is the mutable state of a single workflow run. It is safe for
// concurrent use, but a run is expected to have one writer.
type Context struct {
	mu sync.RWMutex

	executionID string
	workflowID  string
	status      Status
	variables   map[string]any
	stepResults map[string]StepResult
	evidence    []EvidenceItem
	logs        []LogEntry
	startTime   time.Time
	endTime     time.Time
	failure     *schema.Error

	store StateStore
	now   func() time.Time
	hooks []TransitionHook
}

// Option configures a Context.
type Option func(*Context)

// WithExecutionID overrides the generated execution id.
func WithExecutionID(id string) Option {
	return func(c *Context) { c.executionID = id }
}

// WithStore sets the persistence collaborator used by SaveState.
func WithStore(s StateStore) Option {
	return func(c *Context) { c.store = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// WithTransitionHook registers a hook run after every status change.
func WithTransitionHook(h TransitionHook) Option {
	return func(c *Context) { c.hooks = append(c.hooks, h) }
}

// WithVariables seeds the variable map with a JSON-shaped copy of vars.
func WithVariables(vars map[string]any) Option {
	return func(c *Context) {
		for k, v := range vars {
			c.variables[k] = expressions.JSONValue(v)
		}
	}
}

// New creates a PENDING context for a run of workflowID.
func New(workflowID string, opts ...Option) *Context {
	c := &Context{
		executionID: uuid.NewString(),
		workflowID:  workflowID,
		status:      StatusPending,
		variables:   make(map[string]any),
		stepResults: make(map[string]StepResult),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecutionID returns the run's unique id.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowID returns the id of the workflow being run.
func (c *Context) WorkflowID() string { return c.workflowID }

// Status returns the current lifecycle status.
func (c *Context) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Failure returns the error the run failed with, if any.
func (c *Context) Failure() *schema.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failure
}

// --- Transitions ---

// Start moves PENDING or PAUSED to RUNNING, setting the start time once.
func (c *Context) Start() error {
	return c.transition(StatusRunning, nil)
}

// Pause moves RUNNING to PAUSED.
func (c *Context) Pause() error {
	return c.transition(StatusPaused, nil)
}

// Resume moves PAUSED to RUNNING.
func (c *Context) Resume() error {
	c.mu.RLock()
	from := c.status
	c.mu.RUnlock()
	if from != StatusPaused {
		return invalidTransition(c.executionID, from, StatusRunning)
	}
	return c.transition(StatusRunning, nil)
}

// Complete moves RUNNING or PAUSED to COMPLETED.
func (c *Context) Complete() error {
	return c.transition(StatusCompleted, nil)
}

// Fail moves RUNNING or PAUSED to FAILED and records the cause.
func (c *Context) Fail(cause error) error {
	return c.transition(StatusFailed, cause)
}

// Cancel moves a non-terminal run to CANCELLED.
func (c *Context) Cancel() error {
	return c.transition(StatusCancelled, nil)
}

func (c *Context) transition(to Status, cause error) error {
	c.mu.Lock()
	from := c.status
	if !isValidTransition(from, to) {
		c.mu.Unlock()
		return invalidTransition(c.executionID, from, to)
	}

	now := c.now()
	c.status = to
	if to == StatusRunning && c.startTime.IsZero() {
		c.startTime = now
	}
	if to.IsTerminal() {
		if now.Before(c.startTime) {
			now = c.startTime
		}
		c.endTime = now
	}
	if cause != nil {
		c.failure = schema.AsError(cause)
	}
	if event := TransitionEvent(from, to); event != "" {
		c.appendLogLocked(LogEntry{
			Timestamp: now,
			Level:     levelName(slog.LevelInfo),
			Event:     event,
			Message:   string(from) + " -> " + string(to),
		})
	}
	hooks := c.hooks
	c.mu.Unlock()

	for _, h := range hooks {
		h(from, to)
	}
	return nil
}

// --- Variables ---

// SetVariable sets name to value. Values are stored in their JSON shape
// (numbers as float64, containers as map[string]any and []any) so a saved
// and reloaded context holds exactly the same variables.
func (c *Context) SetVariable(name string, value any) {
	value = expressions.JSONValue(value)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// GetVariable returns the value stored under name.
func (c *Context) GetVariable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// HasVariable reports whether name is set.
func (c *Context) HasVariable(name string) bool {
	_, ok := c.GetVariable(name)
	return ok
}

// ResolveVariable looks up a dot-delimited path, e.g. "user.email".
func (c *Context) ResolveVariable(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expressions.Resolve(c.variables, path)
}

// Variables returns a deep copy of the variable map.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expressions.DeepCopyMap(c.variables)
}

// SubstituteVariables replaces ${path} references in input. It does not
// modify the variables or the input.
func (c *Context) SubstituteVariables(input any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expressions.Substitute(input, c.variables)
}

// --- Step results ---

// RecordStepResult stores result under stepID and merges its outputs into
// the variables. Outputs are kept in their JSON shape, as SetVariable does.
func (c *Context) RecordStepResult(stepID string, result StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result = copyStepResult(result)
	result.Outputs = expressions.JSONMap(result.Outputs)
	c.stepResults[stepID] = result
	for k, v := range result.Outputs {
		c.variables[k] = expressions.JSONValue(v)
	}
}

// StepResult returns the recorded result for stepID.
func (c *Context) StepResult(stepID string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.stepResults[stepID]
	if !ok {
		return StepResult{}, false
	}
	return copyStepResult(r), true
}

// StepResults returns a copy of all recorded results.
func (c *Context) StepResults() map[string]StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyStepResults(c.stepResults)
}

// --- Evidence and logs ---

// AddEvidence stamps the item with this run's id and appends it.
func (c *Context) AddEvidence(item EvidenceItem) EvidenceItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	item.ExecutionID = c.executionID
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = c.now()
	}
	item.Metadata = expressions.DeepCopyMap(item.Metadata)
	c.evidence = append(c.evidence, item)
	c.appendLogLocked(LogEntry{
		Timestamp: item.CapturedAt,
		Level:     levelName(slog.LevelInfo),
		Event:     schema.EventEvidenceAdded,
		StepID:    item.StepID,
		Message:   item.Type,
	})
	return item
}

// Evidence returns a copy of the captured evidence.
func (c *Context) Evidence() []EvidenceItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyEvidence(c.evidence)
}

// Log appends an entry to the run log.
func (c *Context) Log(level slog.Level, event, stepID, message string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLogLocked(LogEntry{
		Timestamp: c.now(),
		Level:     levelName(level),
		Event:     event,
		StepID:    stepID,
		Message:   message,
		Fields:    expressions.DeepCopyMap(fields),
	})
}

// Logs returns a copy of the run log.
func (c *Context) Logs() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LogEntry, len(c.logs))
	for i, e := range c.logs {
		e.Fields = expressions.DeepCopyMap(e.Fields)
		out[i] = e
	}
	return out
}

func (c *Context) appendLogLocked(e LogEntry) {
	c.logs = append(c.logs, e)
}

// --- Timing ---

// StartTime returns when the run first entered RUNNING.
func (c *Context) StartTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTime
}

// EndTime returns when the run reached a terminal status.
func (c *Context) EndTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endTime
}

// Duration is (end or now) - start, or 0 before the run started.
func (c *Context) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.durationLocked()
}

func (c *Context) durationLocked() time.Duration {
	if c.startTime.IsZero() {
		return 0
	}
	end := c.endTime
	if end.IsZero() {
		end = c.now()
	}
	if d := end.Sub(c.startTime); d > 0 {
		return d
	}
	return 0
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func copyStepResult(r StepResult) StepResult {
	r.Outputs = expressions.DeepCopyMap(r.Outputs)
	if r.Error != nil {
		e := *r.Error
		e.Details = expressions.DeepCopyMap(e.Details)
		r.Error = &e
	}
	return r
}

func copyStepResults(m map[string]StepResult) map[string]StepResult {
	out := make(map[string]StepResult, len(m))
	for k, r := range m {
		out[k] = copyStepResult(r)
	}
	return out
}

func copyEvidence(items []EvidenceItem) []EvidenceItem {
	out := make([]EvidenceItem, len(items))
	for i, item := range items {
		item.Metadata = expressions.DeepCopyMap(item.Metadata)
		out[i] = item
	}
	return out
}
