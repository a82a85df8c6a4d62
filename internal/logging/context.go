package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Correlation identifies the run, workflow and step a log line belongs to.
type Correlation struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
}

// Attrs returns the non-empty ids as slog attributes.
func (c Correlation) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 3)
	for _, kv := range [...]struct{ key, val string }{
		{"execution_id", c.ExecutionID},
		{"workflow_id", c.WorkflowID},
		{"step_id", c.StepID},
	} {
		if kv.val != "" {
			attrs = append(attrs, slog.String(kv.key, kv.val))
		}
	}
	return attrs
}

type correlationKey struct{}

// FromContext returns the correlation carried by ctx, zero when unset.
func FromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func withCorrelation(ctx context.Context, update func(*Correlation)) context.Context {
	c := FromContext(ctx)
	update(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

func WithExecutionID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *Correlation) { c.ExecutionID = id })
}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *Correlation) { c.WorkflowID = id })
}

func WithStepID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *Correlation) { c.StepID = id })
}

// WithRun starts a run scope. Any step id from an outer scope is dropped.
func WithRun(ctx context.Context, executionID, workflowID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, Correlation{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
	})
}

func ExecutionID(ctx context.Context) string { return FromContext(ctx).ExecutionID }
func WorkflowID(ctx context.Context) string { return FromContext(ctx).WorkflowID }
func StepID(ctx context.Context) string { return FromContext(ctx).StepID }

// LogWith returns logger with the correlation ids of ctx attached.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := FromContext(ctx).Attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation ids of the record's context to
// every record, so logger.InfoContext(ctx, ...) needs no extra attributes.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(FromContext(ctx).Attrs()...)
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a level name to an slog.Level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l
	}
	return slog.LevelInfo
}

// New builds a correlation-aware logger writing to w. format "json" selects
// the JSON handler; anything else is text.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(h))
}
