package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/internal/host"
	"github.com/rendis/houndflow/internal/logging"
	"github.com/rendis/houndflow/pkg/schema"
)

// leafFunc runs one leaf step with already-substituted params.
type leafFunc func(ctx context.Context, step *schema.Step, params map[string]any, ec *execution.Context) (map[string]any, error)

// StepExecutor runs exactly one leaf step. Failures come back inside the
// StepResult; retry decisions belong to the caller.
type StepExecutor struct {
	host        host.Host
	jq          *expressions.GoJQEngine
	stepTimeout time.Duration
	logger      *slog.Logger
	handlers    map[schema.StepType]leafFunc
}

// NewStepExecutor creates a StepExecutor. stepTimeout applies to steps
// without their own timeout; zero means none. h may be nil when workflows
// only use builtin steps.
func NewStepExecutor(h host.Host, stepTimeout time.Duration, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	se := &StepExecutor{
		host:        h,
		jq:          expressions.NewGoJQEngine(),
		stepTimeout: stepTimeout,
		logger:      logger,
	}
	se.handlers = map[schema.StepType]leafFunc{
		schema.StepTypeSetVariable: se.setVariable,
		schema.StepTypeTransform:   se.transform,
		schema.StepTypeWait:        se.wait,
		schema.StepTypeScreenshot:  se.screenshot,
	}
	return se
}

// Execute substitutes the step's params from ec, dispatches by step type,
// and returns the result. It never returns a Go error.
func (se *StepExecutor) Execute(ctx context.Context, step *schema.Step, ec *execution.Context) execution.StepResult {
	start := time.Now()
	ctx = logging.WithStepID(ctx, step.ID)

	outputs, err := se.run(ctx, step, ec)
	result := execution.StepResult{
		Success:    err == nil,
		Outputs:    outputs,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Outputs = nil
		result.Error = schema.AsError(err)
		if result.Error.StepID == "" {
			result.Error.StepID = step.ID
		}
		logging.LogWith(ctx, se.logger).Debug("step failed", "type", step.Type, "error", result.Error.Error())
	}
	return result
}

func (se *StepExecutor) run(ctx context.Context, step *schema.Step, ec *execution.Context) (map[string]any, error) {
	timeout := se.stepTimeout
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", step.Timeout).WithStep(step.ID)
		}
		timeout = d
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	params, _ := ec.SubstituteVariables(step.Params).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	handler, ok := se.handlers[step.Type]
	if !ok {
		handler = se.dispatch
	}
	return handler(ctx, step, params, ec)
}

// dispatch forwards a step to the automation host under its type name.
func (se *StepExecutor) dispatch(ctx context.Context, step *schema.Step, params map[string]any, _ *execution.Context) (map[string]any, error) {
	if se.host == nil {
		return nil, schema.NewErrorf(schema.ErrCodeHost, "no automation host configured for %s step", step.Type)
	}
	stepType := string(step.Type)

	resp, err := se.host.Execute(ctx, stepType, params)
	if err != nil {
		return nil, host.TransportError(stepType, err)
	}
	if resp == nil || !resp.Success {
		return nil, host.ResponseError(stepType, resp)
	}
	return resp.Outputs, nil
}

// screenshot captures the image as evidence instead of a variable. The
// outputs keep the evidence id so later steps can reference it.
func (se *StepExecutor) screenshot(ctx context.Context, step *schema.Step, params map[string]any, ec *execution.Context) (map[string]any, error) {
	outputs, err := se.dispatch(ctx, step, params, ec)
	if err != nil {
		return nil, err
	}

	data, _ := outputs["screenshot"].(string)
	meta := map[string]any{}
	for k, v := range outputs {
		if k != "screenshot" {
			meta[k] = v
		}
	}
	if f, ok := params["format"]; ok {
		meta["format"] = f
	}

	item := ec.AddEvidence(execution.EvidenceItem{
		StepID:   step.ID,
		Type:     "screenshot",
		Data:     data,
		Metadata: meta,
	})

	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["evidence_id"] = item.ID
	return out, nil
}

// setVariable exposes its substituted params as outputs.
func (se *StepExecutor) setVariable(_ context.Context, _ *schema.Step, params map[string]any, _ *execution.Context) (map[string]any, error) {
	return params, nil
}

// transform runs params.query (jq) over the variables and stores the result
// under params.output, "result" by default. The query is taken from the
// unsubstituted params.
func (se *StepExecutor) transform(ctx context.Context, step *schema.Step, params map[string]any, ec *execution.Context) (map[string]any, error) {
	query, _ := step.Params["query"].(string)
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform step requires a query").WithStep(step.ID)
	}
	output, _ := params["output"].(string)
	if output == "" {
		output = "result"
	}

	val, err := se.jq.Query(ctx, query, ec.Variables())
	if err != nil {
		return nil, err
	}
	return map[string]any{output: val}, nil
}

// wait sleeps for params.duration_ms.
func (se *StepExecutor) wait(ctx context.Context, step *schema.Step, params map[string]any, _ *execution.Context) (map[string]any, error) {
	var ms float64
	switch v := params["duration_ms"].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "wait step requires numeric duration_ms").WithStep(step.ID)
	}

	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, host.TransportError(string(step.Type), ctx.Err())
	}
}
