package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/pkg/schema"
)

// cliEnv runs the root command against a libSQL file in a temp dir.
type cliEnv struct {
	dir      string
	settings string
	db       string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{"breaker_threshold": 0}`), 0o644))
	return &cliEnv{dir: dir, settings: settings, db: filepath.Join(dir, "data", "houndflow.db")}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.Writer = &out
	root.ErrWriter = io.Discard

	full := append([]string{"houndflow", "--config", e.settings, "--store", "libsql", "--db-path", e.db}, args...)
	err := root.Run(context.Background(), full)
	return out.String(), err
}

func (e *cliEnv) writeFile(t *testing.T, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func greetingWorkflow() map[string]any {
	return map[string]any{
		"name":     "Greeter",
		"category": "demo",
		"tags":     []string{"hello"},
		"steps": []any{
			map[string]any{"id": "greet", "type": "set_variable", "params": map[string]any{"greeting": "Hello ${who}"}},
		},
		"outputs": []any{map[string]any{"name": "greeting"}},
	}
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"who=world", "count=3", `tags=["a","b"]`, "flag=true", "empty="})
	require.NoError(t, err)
	assert.Equal(t, "world", vars["who"])
	assert.Equal(t, float64(3), vars["count"])
	assert.Equal(t, []any{"a", "b"}, vars["tags"])
	assert.Equal(t, true, vars["flag"])
	assert.Equal(t, "", vars["empty"])

	_, err = parseVars([]string{"novalue"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = parseVars([]string{"=x"})
	assert.Error(t, err)
}

func TestRunCommand_OutputOnly(t *testing.T) {
	e := newCLIEnv(t)
	file := e.writeFile(t, "greeter.json", greetingWorkflow())

	out, err := e.run(t, "run", "--var", "who=world", "--output-only", file)
	require.NoError(t, err)

	var outputs map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &outputs))
	assert.Equal(t, map[string]any{"greeting": "Hello world"}, outputs)

	// The run was checkpointed under the file name as workflow id.
	out, err = e.run(t, "status", "--workflow", "greeter")
	require.NoError(t, err)
	assert.Contains(t, out, "\tgreeter\tcompleted\t")
}

func TestRunCommand_InvalidFile(t *testing.T) {
	e := newCLIEnv(t)
	file := e.writeFile(t, "broken.json", map[string]any{"name": "x", "steps": []any{map[string]any{"id": "a"}}})

	_, err := e.run(t, "run", file)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestWorkflowsCommands(t *testing.T) {
	e := newCLIEnv(t)
	file := e.writeFile(t, "greeter.json", greetingWorkflow())

	out, err := e.run(t, "workflows", "import", file)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = e.run(t, "workflows", "list", "--tag", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, id+"\tGreeter\t")

	out, err = e.run(t, "workflows", "search", "greet")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = e.run(t, "workflows", "get", id)
	require.NoError(t, err)
	var wf schema.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &wf))
	assert.Equal(t, "Greeter", wf.Name)

	exported := filepath.Join(e.dir, "exported.json")
	_, err = e.run(t, "workflows", "export", "--out", exported, id)
	require.NoError(t, err)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "created_at")

	out, err = e.run(t, "workflows", "clone", "--name", "Greeter 2", id)
	require.NoError(t, err)
	cloneID := strings.TrimSpace(out)
	assert.NotEqual(t, id, cloneID)

	_, err = e.run(t, "workflows", "delete", id)
	require.NoError(t, err)
	_, err = e.run(t, "workflows", "get", id)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	out, err = e.run(t, "workflows", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Greeter 2")
	assert.NotContains(t, out, id+"\t")
}

func TestStatusCommand_NotFound(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "status", "no-such-run")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSetup_RejectsBadStore(t *testing.T) {
	e := newCLIEnv(t)
	root := newRootCommand()
	root.Writer = io.Discard
	root.ErrWriter = io.Discard
	err := root.Run(context.Background(), []string{"houndflow", "--config", e.settings, "--store", "etcd", "workflows", "list"})
	assert.ErrorContains(t, err, "unknown store")
}
