package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due jobs.
const DefaultInterval = time.Minute

// WorkflowRunner runs a stored workflow. Satisfied by *runner.Runner.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID string, vars map[string]any) (*engine.Result, error)
}

// Job is a cron-triggered run of a stored workflow.
type Job struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Cron            string         `json:"cron"`
	Variables       map[string]any `json:"variables,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
}

// Scheduler keeps a set of jobs and runs the due ones on every tick.
type Scheduler struct {
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*entry
	cancel context.CancelFunc
	done   chan struct{}
	runs   sync.WaitGroup
}

// entry is a registered job plus whether a run of it is in flight.
type entry struct {
	Job
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler that runs jobs through runner.
func New(runner WorkflowRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   slog.Default(),
		interval: DefaultInterval,
		now:      time.Now,
		jobs:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseJobSpec parses "workflow_id=cron expression" into an enabled job.
func ParseJobSpec(spec string) (Job, error) {
	workflowID, expr, ok := strings.Cut(spec, "=")
	workflowID, expr = strings.TrimSpace(workflowID), strings.TrimSpace(expr)
	if !ok || workflowID == "" || expr == "" {
		return Job{}, schema.NewErrorf(schema.ErrCodeValidation, "schedule %q must look like workflow_id=\"cron expression\"", spec)
	}
	return Job{WorkflowID: workflowID, Cron: expr, Enabled: true}, nil
}

// AddJob registers a job and computes its first run time. A missing id is
// generated.
func (s *Scheduler) AddJob(job Job) (Job, error) {
	if job.WorkflowID == "" {
		return Job{}, schema.NewError(schema.ErrCodeValidation, "job workflow_id is required")
	}
	next, err := s.CalculateNextRun(job.Cron, s.now().UTC())
	if err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.NextRunAt = &next
	job.Variables = expressions.DeepCopyMap(job.Variables)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.ID]; dup {
		return Job{}, schema.NewErrorf(schema.ErrCodeConflict, "job %q already exists", job.ID)
	}
	s.jobs[job.ID] = &entry{Job: job}
	s.logger.Info("job scheduled",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
		slog.String("cron", job.Cron),
		slog.Time("next_run_at", next),
	)
	return job, nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled turns a job on or off. Re-enabling recomputes the next run.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	if enabled && !job.Enabled {
		next, err := s.CalculateNextRun(job.Cron, s.now().UTC())
		if err != nil {
			return err
		}
		job.NextRunAt = &next
	}
	job.Enabled = enabled
	return nil
}

// Jobs returns copies of all jobs ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.Job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Job returns a copy of one job.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.Job, true
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled job whose next run is due, each on its own
// goroutine. A job still running from an earlier tick is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, job := range s.claimDue(now) {
		s.runs.Add(1)
		go func(job Job) {
			defer s.runs.Done()
			status, execID := s.runJob(ctx, job)
			s.finish(job, now, status, execID)
		}(job)
	}
}

// claimDue marks due, idle jobs as running and returns copies of them.
func (s *Scheduler) claimDue(now time.Time) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, e := range s.jobs {
		if !e.Enabled || e.running {
			continue
		}
		if e.NextRunAt != nil && e.NextRunAt.After(now) {
			continue
		}
		e.running = true
		due = append(due, e.Job)
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ID < due[k].ID })
	return due
}

// runJob executes one run of job and reports its status and execution id.
func (s *Scheduler) runJob(ctx context.Context, job Job) (string, string) {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("workflow_id", job.WorkflowID))
	log.Info("running scheduled job")

	res, err := s.runner.RunWorkflow(ctx, job.WorkflowID, expressions.DeepCopyMap(job.Variables))
	if err != nil {
		log.Error("scheduled job execution failed", slog.String("error", err.Error()))
		return "error", ""
	}
	if res.Error != nil {
		log.Warn("scheduled run did not complete",
			slog.String("execution_id", res.ExecutionID),
			slog.String("error", res.Error.Error()),
		)
	}
	return string(res.Status), res.ExecutionID
}

// finish records a run's outcome and schedules the next one. Jobs removed
// while running are left alone.
func (s *Scheduler) finish(job Job, startedAt time.Time, status, execID string) {
	next, nextErr := s.CalculateNextRun(job.Cron, startedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[job.ID]
	if !ok {
		return
	}
	e.running = false
	e.LastRunAt = &startedAt
	e.LastRunStatus = status
	e.LastExecutionID = execID
	if nextErr == nil {
		e.NextRunAt = &next
	}
}

// CalculateNextRun computes the next run time for a 5-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for in-flight runs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.runs.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}
