package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/pkg/schema"
)

// RetryConfig is the run-level retry policy.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	Backoff    BackoffMode
	// RetryableErrors lists error kinds retried in addition to TimeoutError,
	// e.g. "HostError" or "Error".
	RetryableErrors []string
}

// ErrorLogEntry is one structured entry of a handler's error log.
type ErrorLogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	ExecutionID  string    `json:"execution_id"`
	WorkflowID   string    `json:"workflow_id"`
	StepID       string    `json:"step_id,omitempty"`
	ErrorType    string    `json:"error_type"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message"`
	Stack        []string  `json:"stack,omitempty"`
}

// ErrorStats aggregates an error log.
type ErrorStats struct {
	TotalErrors     int            `json:"total_errors"`
	ErrorsByType    map[string]int `json:"errors_by_type"`
	MostCommonError string         `json:"most_common_error,omitempty"`
}

// ErrorHandler classifies step failures, computes retry delays, and keeps
// per-step retry counters and an error log. One handler serves one run.
type ErrorHandler struct {
	mu        sync.Mutex
	cfg       RetryConfig
	retryable map[string]bool
	attempts  map[string]int
	log       []ErrorLogEntry
	logger    *slog.Logger
	now       func() time.Time
}

// NewErrorHandler creates a handler with zeroed counters.
func NewErrorHandler(cfg RetryConfig, logger *slog.Logger) *ErrorHandler {
	if cfg.Backoff == "" {
		cfg.Backoff = BackoffExponential
	}
	if logger == nil {
		logger = slog.Default()
	}

	retryable := map[string]bool{schema.KindTimeout: true}
	for _, kind := range cfg.RetryableErrors {
		retryable[kind] = true
	}

	return &ErrorHandler{
		cfg:       cfg,
		retryable: retryable,
		attempts:  make(map[string]int),
		logger:    logger,
		now:       time.Now,
	}
}

// IsRetryable reports whether err's kind is in the retryable set.
// Validation errors, invalid transitions and cancellations never are.
func (h *ErrorHandler) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind := schema.KindOf(err)
	switch kind {
	case schema.KindValidation, schema.KindInvalidTransition, schema.KindCancelled:
		return false
	}
	return h.retryable[kind]
}

// CalculateRetryDelay returns the delay before retry number attempt (0-indexed).
func (h *ErrorHandler) CalculateRetryDelay(attempt int) time.Duration {
	return ComputeBackoff(h.cfg.Backoff, h.cfg.RetryDelay, attempt)
}

// MaxRetries returns the configured retry limit.
func (h *ErrorHandler) MaxRetries() int {
	return h.cfg.MaxRetries
}

// IncrementRetryAttempt bumps the counter for stepID and returns the new value.
func (h *ErrorHandler) IncrementRetryAttempt(stepID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[stepID]++
	return h.attempts[stepID]
}

// RetryAttemptCount returns the counter for stepID, 0 if never incremented.
func (h *ErrorHandler) RetryAttemptCount(stepID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[stepID]
}

// ResetRetryAttempt zeroes the counter for stepID.
func (h *ErrorHandler) ResetRetryAttempt(stepID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, stepID)
}

// RetryAttempts returns a copy of all non-zero counters.
func (h *ErrorHandler) RetryAttempts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.attempts))
	for k, v := range h.attempts {
		out[k] = v
	}
	return out
}

// LogError appends a structured entry for err to the handler's error log.
// The execution context's own log is left alone. ec and step may be nil.
func (h *ErrorHandler) LogError(err error, ec *execution.Context, step *schema.Step) ErrorLogEntry {
	entry := ErrorLogEntry{
		Timestamp: h.now(),
		ErrorType: schema.KindOf(err),
		Stack:     errorChain(err),
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	var he *schema.Error
	if errors.As(err, &he) {
		entry.ErrorCode = he.Code
	}
	if ec != nil {
		entry.ExecutionID = ec.ExecutionID()
		entry.WorkflowID = ec.WorkflowID()
	}
	if step != nil {
		entry.StepID = step.ID
	}

	h.mu.Lock()
	h.log = append(h.log, entry)
	h.mu.Unlock()

	h.logger.Warn("step error",
		"execution_id", entry.ExecutionID,
		"workflow_id", entry.WorkflowID,
		"step_id", entry.StepID,
		"error_type", entry.ErrorType,
		"error", entry.ErrorMessage,
	)
	return entry
}

// ErrorLog returns a copy of the error log.
func (h *ErrorHandler) ErrorLog() []ErrorLogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ErrorLogEntry(nil), h.log...)
}

// ErrorStats aggregates the error log. Ties for the most common type go to
// the type seen first.
func (h *ErrorHandler) ErrorStats() ErrorStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := ErrorStats{
		TotalErrors:  len(h.log),
		ErrorsByType: make(map[string]int),
	}
	var order []string
	for _, e := range h.log {
		if _, seen := stats.ErrorsByType[e.ErrorType]; !seen {
			order = append(order, e.ErrorType)
		}
		stats.ErrorsByType[e.ErrorType]++
	}

	best := 0
	for _, kind := range order {
		if n := stats.ErrorsByType[kind]; n > best {
			best = n
			stats.MostCommonError = kind
		}
	}
	return stats
}

// errorChain renders err and each wrapped cause, outermost first.
func errorChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	return chain
}
