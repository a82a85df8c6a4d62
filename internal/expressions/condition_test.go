package expressions

import (
	"context"
	"testing"

	"github.com/rendis/houndflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	c, err := NewConditionEvaluator()
	require.NoError(t, err)
	return c
}

func TestCondition_SingleReference(t *testing.T) {
	c := newEvaluator(t)
	ctx := context.Background()
	vars := map[string]any{
		"logged_in": true,
		"empty":     "",
		"zero":      float64(0),
		"items":     []any{"a"},
		"user":      map[string]any{"email": "x@y"},
	}

	cases := map[string]bool{
		"${logged_in}":  true,
		"${empty}":      false,
		"${zero}":       false,
		"${items}":      true,
		"${user.email}": true,
		"${missing}":    false,
	}
	for cond, want := range cases {
		got, err := c.Evaluate(ctx, cond, "", vars)
		require.NoError(t, err, cond)
		assert.Equal(t, want, got, cond)
	}
}

func TestCondition_ExprWithReferences(t *testing.T) {
	c := newEvaluator(t)
	ctx := context.Background()
	vars := map[string]any{"count": float64(5), "status": "ok", "user": map[string]any{"role": "admin"}}

	got, err := c.Evaluate(ctx, "${count} > 3", "", vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = c.Evaluate(ctx, `"${status}" == "ok"`, "", vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = c.Evaluate(ctx, `user.role == "admin" && count < 3`, "expr", vars)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = c.Evaluate(ctx, "undefined_var == nil", "", vars)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCondition_ReferencesBindAsValues(t *testing.T) {
	c := newEvaluator(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		condition string
		engine    string
		vars      map[string]any
		want      bool
	}{
		{"unquoted string", `${name} == "bob"`, "", map[string]any{"name": "bob"}, true},
		{"quote in value", `"${name}" == "x"`, "", map[string]any{"name": `O"Brien`}, false},
		{"quote in value matches", `"${name}" == 'O"Brien'`, "", map[string]any{"name": `O"Brien`}, true},
		{"value looks like code", `${name} == "x"`, "", map[string]any{"name": `x" || true || "`}, false},
		{"quoted value looks like code", `"${name}" == "x"`, "", map[string]any{"name": `x" || true || "`}, false},
		{"list value", `len(${ids}) == 2`, "", map[string]any{"ids": []any{1.0, 2.0}}, true},
		{"literal around reference", `"id-${n}-x" == "id-7-x"`, "", map[string]any{"n": 7.0}, true},
		{"missing inside literal stays text", `"${missing}" != ""`, "", nil, true},
		{"existing _ref0 is untouched", `${a} == 1 && _ref0 == "keep"`, "", map[string]any{"a": 1.0, "_ref0": "keep"}, true},
		{"cel unquoted string", `${name} == "bob"`, "cel", map[string]any{"name": "bob"}, true},
		{"cel quote in value", `"${name}" == "x"`, "cel", map[string]any{"name": `O"Brien`}, false},
		{"cel number", `${count} >= 2`, "cel", map[string]any{"count": 2.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Evaluate(ctx, tt.condition, tt.engine, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindReferences_LeavesVarsAlone(t *testing.T) {
	vars := map[string]any{"name": "bob"}
	rewritten, env := bindReferences(`${name} == "bob" && "${name}" != ""`, vars, func(n string) string { return n })

	assert.Equal(t, `_ref0 == "bob" && "" + _ref1 + "" != ""`, rewritten)
	assert.Equal(t, "bob", env["_ref0"])
	assert.Equal(t, "bob", env["_ref1"])
	assert.Equal(t, map[string]any{"name": "bob"}, vars)

	same, env := bindReferences(`name == "bob"`, vars, func(n string) string { return n })
	assert.Equal(t, `name == "bob"`, same)
	assert.Len(t, env, 1)
}

func TestCondition_Literals(t *testing.T) {
	c := newEvaluator(t)
	got, err := c.Evaluate(context.Background(), "true", "", nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = c.Evaluate(context.Background(), "false", "", nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCondition_CEL(t *testing.T) {
	c := newEvaluator(t)
	vars := map[string]any{"count": 5, "tags": []any{"osint", "web"}}

	got, err := c.Evaluate(context.Background(), `vars.count > 3 && "web" in vars.tags`, "cel", vars)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCondition_Errors(t *testing.T) {
	c := newEvaluator(t)
	ctx := context.Background()

	_, err := c.Evaluate(ctx, "  ", "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = c.Evaluate(ctx, "1 > 0", "lua", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = c.Evaluate(ctx, "${missing} > 3", "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
	assert.Equal(t, schema.KindExpression, schema.KindOf(err))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy("0"))
	assert.False(t, Truthy(map[string]any{}))
	assert.False(t, Truthy([]string{}))
	assert.False(t, Truthy(int32(0)))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(int64(2)))
	assert.True(t, Truthy(struct{}{}))
}
