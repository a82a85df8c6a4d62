package expressions

import (
	"context"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/houndflow/pkg/schema"
)

// Condition engine names accepted by ConditionEvaluator.
const (
	EngineExpr = "expr"
	EngineCEL  = "cel"
)

// refPrefix names the variables ${path} references are bound to.
const refPrefix = "_ref"

// ConditionEvaluator decides the branch of a conditional step.
//
// A condition that is exactly one ${path} reference is the truthiness of the
// referenced value (missing is false). In any other condition each ${path}
// becomes a lookup of a bound variable holding the resolved value, so values
// are data and never condition text. A reference inside a string literal is
// spliced in as its string form; a missing one there stays as written.
type ConditionEvaluator struct {
	expr *ExprEngine
	cel  *CELEngine
}

// NewConditionEvaluator creates an evaluator with both engines ready.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{expr: NewExprEngine(), cel: celEngine}, nil
}

// Evaluate returns the truthiness of condition against vars.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, condition, engine string, vars map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}

	if path, ok := Reference(condition); ok {
		val, found := Resolve(vars, path)
		if !found {
			return false, nil
		}
		return Truthy(val), nil
	}

	var (
		eng    Engine
		lookup func(name string) string
	)
	switch engine {
	case "", EngineExpr:
		eng = c.expr
		lookup = func(name string) string { return name }
	case EngineCEL:
		eng = c.cel
		lookup = func(name string) string { return celVars + "." + name }
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition engine %q", engine)
	}

	rewritten, env := bindReferences(condition, vars, lookup)
	out, err := eng.Evaluate(ctx, rewritten, env)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// bindReferences rewrites every ${path} in condition into lookup(name) and
// returns an environment where name holds the resolved value (nil when
// missing). Inside a quoted literal the reference splits the literal and is
// concatenated as marshalInline text. vars is not mutated.
func bindReferences(condition string, vars map[string]any, lookup func(string) string) (string, map[string]any) {
	if !strings.Contains(condition, "${") {
		return condition, vars
	}

	var (
		b     strings.Builder
		bound map[string]any
		quote byte
	)
	bind := func(val any) string {
		if bound == nil {
			bound = make(map[string]any, len(vars)+2)
			for k, v := range vars {
				bound[k] = v
			}
		}
		name := refName(bound)
		bound[name] = val
		return lookup(name)
	}

	for i := 0; i < len(condition); i++ {
		ch := condition[i]
		switch {
		case quote != 0 && ch == '\\' && quote != '`' && i+1 < len(condition):
			b.WriteByte(ch)
			i++
			b.WriteByte(condition[i])
			continue
		case quote != 0 && ch == quote:
			quote = 0
		case quote == 0 && (ch == '"' || ch == '\'' || ch == '`'):
			quote = ch
		case ch == '$' && strings.HasPrefix(condition[i:], "${"):
			end := strings.IndexByte(condition[i:], '}')
			if end < 0 {
				b.WriteString(condition[i:])
				i = len(condition)
				continue
			}
			token := condition[i : i+end+1]
			path := strings.TrimSpace(token[2 : len(token)-1])
			i += end
			val, found := Resolve(vars, path)
			switch {
			case path == "" || (quote != 0 && !found):
				b.WriteString(token)
			case quote != 0:
				q := string(quote)
				b.WriteString(q + " + " + bind(marshalInline(val)) + " + " + q)
			default:
				b.WriteString(bind(val))
			}
			continue
		}
		b.WriteByte(ch)
	}

	if bound == nil {
		return b.String(), vars
	}
	return b.String(), bound
}

// refName returns the first refPrefix<n> name not yet present in env.
func refName(env map[string]any) string {
	for n := 0; ; n++ {
		name := refPrefix + strconv.Itoa(n)
		if _, taken := env[name]; !taken {
			return name
		}
	}
}

// Truthy applies loose truthiness: nil, false, zero numbers, empty strings
// ("false" and "0" included) and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		return s != "" && s != "false" && s != "0" && s != "null" && s != "undefined"
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
