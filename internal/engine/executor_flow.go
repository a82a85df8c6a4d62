package engine

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/rendis/houndflow/internal/expressions"
	"github.com/rendis/houndflow/pkg/schema"
)

// runConditional evaluates the condition against the current variables and
// runs the matching branch. A missing else branch is a no-op.
func (e *Executor) runConditional(ctx context.Context, run *workflowRun, n *planNode) error {
	start := time.Now()
	step := n.step
	run.ec.Log(slog.LevelInfo, schema.EventStepStarted, step.ID, string(step.Type), nil)

	ok, err := e.conditions.Evaluate(ctx, n.cond.Condition, n.cond.Engine, run.ec.Variables())
	if err != nil {
		return e.containerDone(run, step, start, schema.AsError(err).WithStep(step.ID))
	}

	branch, nodes := "then", n.then
	if !ok {
		branch, nodes = "else", n.els
	}
	run.ec.Log(slog.LevelInfo, schema.EventBranchTaken, step.ID, branch, map[string]any{
		"condition": n.cond.Condition,
		"steps":     len(nodes),
	})

	return e.containerDone(run, step, start, e.runSteps(ctx, run, nodes, false))
}

// runLoop binds each item to the loop variable (and the index variable, if
// any) and runs the body once per item, in order.
func (e *Executor) runLoop(ctx context.Context, run *workflowRun, n *planNode) error {
	start := time.Now()
	step := n.step
	p := n.loop
	run.ec.Log(slog.LevelInfo, schema.EventStepStarted, step.ID, string(step.Type), nil)

	items, err := e.loopItems(ctx, run, n)
	if err != nil {
		return e.containerDone(run, step, start, err)
	}
	if p.MaxIterations > 0 && len(items) > p.MaxIterations {
		items = items[:p.MaxIterations]
	}

	for i, item := range items {
		if i > 0 {
			if err := e.boundary(ctx, run); err != nil {
				return e.containerDone(run, step, start, err)
			}
		}
		run.ec.SetVariable(p.Variable, item)
		if p.IndexVariable != "" {
			run.ec.SetVariable(p.IndexVariable, float64(i))
		}
		run.ec.Log(slog.LevelDebug, schema.EventLoopIteration, step.ID, "", map[string]any{
			"index": i,
			"total": len(items),
		})

		if err := e.runSteps(ctx, run, n.body, false); err != nil {
			return e.containerDone(run, step, start, err)
		}
	}
	return e.containerDone(run, step, start, nil)
}

// loopItems resolves the loop's sequence. items_query runs jq over the
// variables; items may be a literal array, a ${path} reference or a bare
// variable name.
func (e *Executor) loopItems(ctx context.Context, run *workflowRun, n *planNode) ([]any, error) {
	p := n.loop
	stepID := n.step.ID

	if p.ItemsQuery != "" {
		val, err := e.jq.Query(ctx, p.ItemsQuery, run.ec.Variables())
		if err != nil {
			return nil, schema.AsError(err).WithStep(stepID)
		}
		if val == nil {
			return nil, nil
		}
		if items, ok := toSlice(val); ok {
			return items, nil
		}
		return []any{val}, nil
	}

	var val any
	switch v := p.Items.(type) {
	case string:
		path, ok := expressions.Reference(v)
		if !ok {
			path = strings.TrimSpace(v)
		}
		resolved, found := run.ec.ResolveVariable(path)
		if !found {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "loop items %q not found", v).WithStep(stepID)
		}
		val = resolved
	default:
		val = run.ec.SubstituteVariables(v)
	}

	items, ok := toSlice(val)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "loop items resolved to %T, not a list", val).WithStep(stepID)
	}
	return items, nil
}

// toSlice converts any slice or array to []any. nil is an empty list.
func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, true
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
