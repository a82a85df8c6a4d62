package expressions

import (
	"context"
	"errors"

	"github.com/itchyny/gojq"

	"github.com/rendis/houndflow/pkg/schema"
)

// GoJQEngine runs jq queries over a run's variables. It backs the transform
// step and loop items_query. Queries cannot read the process environment.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate satisfies Engine; it is Query.
func (e *GoJQEngine) Evaluate(ctx context.Context, query string, vars map[string]any) (any, error) {
	return e.Query(ctx, query, vars)
}

// Query runs query with the variables as input. No output is nil, one
// output is returned as is, several are returned as []any.
func (e *GoJQEngine) Query(ctx context.Context, query string, vars map[string]any) (any, error) {
	results, err := e.QueryAll(ctx, query, vars)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// QueryAll returns every output of query.
func (e *GoJQEngine) QueryAll(ctx context.Context, query string, vars map[string]any) ([]any, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq query")
	}
	code, err := e.cache.get(query, compileJQ)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, jqInput(vars))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := val.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				return results, nil
			}
			return nil, expressionError("jq", "evaluation of", query, err)
		}
		results = append(results, val)
	}
}

func compileJQ(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, expressionError("jq", "parse of", src, err)
	}
	code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, expressionError("jq", "compile of", src, err)
	}
	return code, nil
}

// jqInput converts variables into the JSON value model gojq expects: numbers
// are float64 and only maps, slices, strings, bools and nil remain. Host
// outputs are already in that shape; Go-typed values set by callers are not.
func jqInput(vars map[string]any) any {
	if vars == nil {
		return map[string]any{}
	}
	return JSONValue(vars)
}

var _ Engine = (*GoJQEngine)(nil)
