package expressions

import "context"

// Engine evaluates one expression language against a run's variables.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}
