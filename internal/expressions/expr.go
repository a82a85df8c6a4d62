package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/houndflow/pkg/schema"
)

// ExprEngine is the default condition language. Variables are top-level
// identifiers, e.g. `count > 3 && user?.role == "admin"`; unknown names
// evaluate to nil.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return EngineExpr }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.cache.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := vm.Run(prg, vars)
	if err != nil {
		return nil, expressionError(EngineExpr, "evaluation of", expression, err)
	}
	return out, nil
}

// compileExpr compiles against an untyped environment so one program serves
// runs whose variables have different types.
func compileExpr(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, expressionError(EngineExpr, "compile of", src, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
