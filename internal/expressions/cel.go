package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/houndflow/pkg/schema"
)

// celVars is the single CEL variable holding the run's variables:
// `vars.count > 3`.
const celVars = "vars"

// CELEngine evaluates conditions written in CEL.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	// Variables hold every number as a double, so `vars.count > 3` compares
	// double with int.
	env, err := cel.NewEnv(
		cel.Variable(celVars, cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return EngineCEL }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{celVars: widenForCEL(vars)})
	if err != nil {
		return nil, expressionError(EngineCEL, "evaluation of", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, expressionError(EngineCEL, "compile of", src, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, expressionError(EngineCEL, "program for", src, err)
	}
	return prg, nil
}

// widenForCEL turns Go ints into int64 and typed slices of maps into []any,
// shapes CEL's default type adapter rejects.
func widenForCEL(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = widenForCEL(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = widenForCEL(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = widenForCEL(item)
		}
		return out
	case int:
		return int64(val)
	}
	return v
}

var _ Engine = (*CELEngine)(nil)
