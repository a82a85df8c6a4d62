package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/houndflow/internal/execution"
	"github.com/rendis/houndflow/internal/host"
	"github.com/rendis/houndflow/pkg/schema"
)

// parseWorkflow decodes a workflow from JSON, the way definitions arrive.
func parseWorkflow(t *testing.T, raw string) *schema.Workflow {
	t.Helper()
	var wf schema.Workflow
	require.NoError(t, json.Unmarshal([]byte(raw), &wf))
	return &wf
}

func TestExecutor_SingleStepCompletes(t *testing.T) {
	h := &recordingHost{}
	ex := newTestExecutor(t, h, nil, Config{})
	wf := parseWorkflow(t, `{"id":"wf1","steps":[{"id":"s1","type":"navigate","params":{"url":"https://x"}}]}`)

	res, err := ex.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Nil(t, res.Error)
	require.Contains(t, res.Export.StepResults, "s1")
	assert.True(t, res.Export.StepResults["s1"].Success)
	assert.Equal(t, 1, res.ExecutedSteps)
	assert.Equal(t, 1, res.TotalSteps)
	assert.NotEmpty(t, res.ExecutionID)

	calls := h.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://x", calls[0].Params["url"])
}

func TestExecutor_Validation(t *testing.T) {
	ex := newTestExecutor(t, &recordingHost{}, nil, Config{})

	tests := []struct {
		name string
		wf   *schema.Workflow
		msg  string
	}{
		{"absent", nil, "workflow is required"},
		{"no id", &schema.Workflow{Steps: []schema.Step{}}, "workflow id is required"},
		// id is checked before steps.
		{"no id no steps", &schema.Workflow{}, "workflow id is required"},
		{"no steps", &schema.Workflow{ID: "wf"}, "no steps array"},
		{"step without id", &schema.Workflow{ID: "wf", Steps: []schema.Step{{Type: "click"}}}, "has no id"},
		{"duplicate id", &schema.Workflow{ID: "wf", Steps: []schema.Step{{ID: "a", Type: "click"}, {ID: "a", Type: "fill"}}}, "duplicate step id"},
		{"no type", &schema.Workflow{ID: "wf", Steps: []schema.Step{{ID: "a"}}}, "has no type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ex.Execute(context.Background(), tt.wf, nil)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestExecutor_NestedDefinitionErrors(t *testing.T) {
	ex := newTestExecutor(t, &recordingHost{}, nil, Config{})

	for name, raw := range map[string]string{
		"empty condition":  `{"id":"wf","steps":[{"id":"c","type":"conditional","params":{"condition":"  ","then":[]}}]}`,
		"loop variable":    `{"id":"wf","steps":[{"id":"l","type":"loop","params":{"items":[1],"steps":[]}}]}`,
		"loop items":       `{"id":"wf","steps":[{"id":"l","type":"loop","params":{"variable":"x","steps":[]}}]}`,
		"nested duplicate": `{"id":"wf","steps":[{"id":"a","type":"click"},{"id":"c","type":"conditional","params":{"condition":"${x}","then":[{"id":"a","type":"click"}]}}]}`,
		"bad retry":        `{"id":"wf","steps":[{"id":"a","type":"click","retry":{"max":1,"backoff":"random"}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ex.Execute(context.Background(), parseWorkflow(t, raw), nil)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestExecutor_RetryTimeoutThenFail(t *testing.T) {
	h := &recordingHost{respond: timeoutResponse}
	ex := newTestExecutor(t, h, nil, Config{Retry: RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}})
	wf := parseWorkflow(t, `{"id":"wf","steps":[
		{"id":"wait","type":"wait_for_element","params":{"selector":".slow"}},
		{"id":"after","type":"click"}
	]}`)

	res, err := ex.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.Equal(t, map[string]int{"wait": 2}, res.RetryAttempts)
	assert.Len(t, h.Calls(), 3, "one attempt plus two retries; later steps never run")

	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
	assert.True(t, schema.IsCode(res.Error, schema.ErrCodeRetryExhausted))
	assert.True(t, schema.IsCode(res.Error, schema.ErrCodeTimeout))

	sr := res.Export.StepResults["wait"]
	assert.False(t, sr.Success)
	assert.Equal(t, 3, sr.Attempts)
	assert.NotContains(t, res.Export.StepResults, "after")

	assert.Equal(t, 3, res.ErrorStats.TotalErrors)
	assert.Equal(t, schema.KindTimeout, res.ErrorStats.MostCommonError)
	assert.Equal(t, execution.StatusFailed, res.Export.Status)
	assert.NotNil(t, res.Export.Error)
}

func TestExecutor_RetryThenSucceed(t *testing.T) {
	h := &recordingHost{respond: func(_ string, _ map[string]any, n int) (*host.Response, error) {
		if n < 3 {
			return &host.Response{Success: false, Error: "navigation timed out"}, nil
		}
		return &host.Response{Success: true, Outputs: map[string]any{"title": "ok"}}, nil
	}}
	ex := newTestExecutor(t, h, nil, Config{Retry: RetryConfig{MaxRetries: 5, RetryDelay: time.Millisecond, Backoff: BackoffLinear}})
	wf := parseWorkflow(t, `{"id":"wf","steps":[{"id":"nav","type":"navigate"}],"outputs":[{"name":"title","type":"string"}]}`)

	res, err := ex.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.RetryAttempts["nav"])
	assert.Equal(t, 3, res.Export.StepResults["nav"].Attempts)
	assert.Equal(t, map[string]any{"title": "ok"}, res.Outputs)
}

func TestExecutor_NonRetryableFailsImmediately(t *testing.T) {
	h := &recordingHost{respond: func(string, map[string]any, int) (*host.Response, error) {
		return &host.Response{Success: false, Error: "Element not found"}, nil
	}}
	ex := newTestExecutor(t, h, nil, Config{Retry: RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}})

	res, err := ex.Execute(context.Background(), parseWorkflow(t, `{"id":"wf","steps":[{"id":"c","type":"click"}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, res.Status)
	assert.Len(t, h.Calls(), 1)
	assert.Empty(t, res.RetryAttempts)
	assert.False(t, schema.IsCode(res.Error, schema.ErrCodeRetryExhausted))
	assert.True(t, schema.IsCode(res.Error, schema.ErrCodeHost))
}

func TestExecutor_ConfiguredRetryableKind(t *testing.T) {
	h := &recordingHost{respond: func(string, map[string]any, int) (*host.Response, error) {
		return &host.Response{Success: false, Error: "Element not found"}, nil
	}}
	ex := newTestExecutor(t, h, nil, Config{Retry: RetryConfig{MaxRetries: 1, RetryableErrors: []string{schema.KindHost}}})

	res, err := ex.Execute(context.Background(), parseWorkflow(t, `{"id":"wf","steps":[{"id":"c","type":"click"}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RetryAttempts["c"])
	assert.Len(t, h.Calls(), 2)
}

func TestExecutor_StepRetryOverride(t *testing.T) {
	h := &recordingHost{respond: timeoutResponse}
	ex := newTestExecutor(t, h, nil, Config{Retry: RetryConfig{MaxRetries: 5, RetryDelay: time.Hour}})
	wf := parseWorkflow(t, `{"id":"wf","steps":[{"id":"s","type":"click","retry":{"max":1,"delay":"1ms"}}]}`)

	res, err := ex.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RetryAttempts["s"])
	assert.Len(t, h.Calls(), 2)
}

func TestExecutor_NonFatalStepContinues(t *testing.T) {
	h := &recordingHost{respond: func(stepType string, _ map[string]any, _ int) (*host.Response, error) {
		if stepType == "click" {
			return &host.Response{Success: false, Error: "Element not found: .cookie-banner"}, nil
		}
		return &host.Response{Success: true}, nil
	}}
	ex := newTestExecutor(t, h, nil, Config{})
	wf := parseWorkflow(t, `{"id":"wf","steps":[
		{"id":"dismiss","type":"click","non_fatal":true},
		{"id":"read","type":"get_content"}
	]}`)

	res, err := ex.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.False(t, res.Export.StepResults["dismiss"].Success)
	assert.True(t, res.Export.StepResults["read"].Success)
	assert.Equal(t, 1, res.ErrorStats.TotalErrors)
}

func TestExecutor_OutputsChainBetweenSteps(t *testing.T) {
	h := &recordingHost{respond: func(stepType string, params map[string]any, _ int) (*host.Response, error) {
		if stepType == "get_content" {
			return &host.Response{Success: true, Outputs: map[string]any{"profile": map[string]any{"email": "ada@example.com"}}}, nil
		}
		return &host.Response{Success: true}, nil
	}}
	ex := newTestExecutor(t, h, nil, Config{})
	wf := parseWorkflow(t, `{"id":"wf","steps":[
		{"id":"read","type":"get_content"},
		{"id":"type","type":"fill","params":{"selector":"#email","value":"${profile.email}"}},
		{"id":"note","type":"set_variable","params":{"internal":"x"}}
	],"outputs":[{"name":"profile","type":"object"},{"name":"never_set","type":"string"}]}`)

	res, err := ex.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", h.Calls()[1].Params["value"])

	assert.Equal(t, map[string]any{"profile": map[string]any{"email": "ada@example.com"}}, res.Outputs)
	assert.NotContains(t, res.Outputs, "internal")
	assert.Equal(t, "x", res.Export.Variables["internal"])
}

func TestExecutor_InitialVariablesNotAliased(t *testing.T) {
	ex := newTestExecutor(t, &recordingHost{}, nil, Config{})
	vars := map[string]any{"cfg": map[string]any{"mode": "fast"}}
	wf := parseWorkflow(t, `{"id":"wf","steps":[{"id":"s","type":"set_variable","params":{"cfg":"overwritten"}}]}`)

	_, err := ex.Execute(context.Background(), wf, vars)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mode": "fast"}, vars["cfg"])
}

func TestExecutor_EmptyStepsCompletes(t *testing.T) {
	ex := newTestExecutor(t, &recordingHost{}, nil, Config{})
	res, err := ex.Execute(context.Background(), &schema.Workflow{ID: "wf", Steps: []schema.Step{}}, nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, 0, res.TotalSteps)
}

func TestExecutor_CancelDuringRetryWait(t *testing.T) {
	h := &recordingHost{respond: timeoutResponse}
	ex := newTestExecutor(t, h, nil, Config{Retry: RetryConfig{MaxRetries: 3, RetryDelay: time.Hour}})
	wf := parseWorkflow(t, `{"id":"wf","steps":[{"id":"s","type":"click"},{"id":"t","type":"click"}]}`)

	done := make(chan *Result, 1)
	go func() {
		res, err := ex.Execute(context.Background(), wf, nil, WithRunID("exec-cancel"))
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(h.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ex.Cancel("exec-cancel") == nil }, 2*time.Second, 5*time.Millisecond)

	select {
	case res := <-done:
		assert.Equal(t, execution.StatusCancelled, res.Status)
		assert.True(t, schema.IsCode(res.Error, schema.ErrCodeCancelled))
		assert.Len(t, h.Calls(), 1)
		assert.NotContains(t, res.Export.StepResults, "t")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	assert.Empty(t, ex.Running())
	err := ex.Cancel("exec-cancel")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestExecutor_ContextCancelled(t *testing.T) {
	ex := newTestExecutor(t, &recordingHost{}, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ex.Execute(ctx, parseWorkflow(t, `{"id":"wf","steps":[{"id":"s","type":"click"}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, res.Status)
	assert.Empty(t, res.Export.StepResults)
}

func TestExecutor_PauseResume(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	h := &recordingHost{respond: func(_ string, _ map[string]any, n int) (*host.Response, error) {
		if n == 1 {
			<-release
		}
		return &host.Response{Success: true}, nil
	}}
	ex := newTestExecutor(t, h, store, Config{})
	wf := parseWorkflow(t, `{"id":"wf","steps":[{"id":"a","type":"click"},{"id":"b","type":"click"}]}`)

	done := make(chan *Result, 1)
	go func() {
		res, err := ex.Execute(context.Background(), wf, nil, WithRunID("exec-pause"))
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(h.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ex.Pause("exec-pause"))
	close(release)

	// The paused run checkpoints at the boundary and does not start step b.
	require.Eventually(t, func() bool { return store.Saves() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.Calls(), 1)
	status, err := ex.Status("exec-pause")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPaused, status)

	require.NoError(t, ex.Resume("exec-pause"))
	assert.Error(t, ex.Resume("exec-pause"), "resume requires a paused run")

	select {
	case res := <-done:
		assert.Equal(t, execution.StatusCompleted, res.Status)
		assert.Len(t, h.Calls(), 2)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestExecutor_CancelWhilePaused(t *testing.T) {
	release := make(chan struct{})
	h := &recordingHost{respond: func(_ string, _ map[string]any, n int) (*host.Response, error) {
		if n == 1 {
			<-release
		}
		return &host.Response{Success: true}, nil
	}}
	ex := newTestExecutor(t, h, nil, Config{})
	wf := parseWorkflow(t, `{"id":"wf","steps":[{"id":"a","type":"click"},{"id":"b","type":"click"}]}`)

	done := make(chan *Result, 1)
	go func() {
		res, _ := ex.Execute(context.Background(), wf, nil, WithRunID("exec-pc"))
		done <- res
	}()

	require.Eventually(t, func() bool { return len(h.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ex.Pause("exec-pc"))
	close(release)
	require.NoError(t, ex.Cancel("exec-pc"))

	select {
	case res := <-done:
		assert.Equal(t, execution.StatusCancelled, res.Status)
		assert.True(t, res.Export.StepResults["a"].Success, "partial results survive cancellation")
		assert.Len(t, h.Calls(), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("paused run did not stop after cancel")
	}
}

func TestExecutor_CheckpointAndRestore(t *testing.T) {
	store := newMemStore()
	h := &recordingHost{respond: func(stepType string, _ map[string]any, _ int) (*host.Response, error) {
		return &host.Response{Success: true, Outputs: map[string]any{stepType + "_done": true}}, nil
	}}
	ex := newTestExecutor(t, h, store, Config{Checkpoint: true})
	wf := parseWorkflow(t, `{"id":"wf","steps":[
		{"id":"open","type":"navigate"},
		{"id":"type","type":"fill"}
	]}`)

	// A run saved mid-way: open succeeded and the run was paused.
	ec := execution.New("wf", execution.WithExecutionID("exec-r"), execution.WithStore(store))
	require.NoError(t, ec.Start())
	ec.RecordStepResult("open", execution.StepResult{Success: true, Outputs: map[string]any{"navigate_done": true}})
	require.NoError(t, ec.Pause())
	require.NoError(t, ec.SaveState(context.Background()))

	res, err := ex.Restore(context.Background(), wf, "exec-r")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, "exec-r", res.ExecutionID)

	calls := h.Calls()
	require.Len(t, calls, 1, "completed steps are not re-run")
	assert.Equal(t, "fill", calls[0].StepType)
	assert.Equal(t, true, res.Export.Variables["navigate_done"])
	assert.Equal(t, true, res.Export.Variables["fill_done"])

	// The final checkpoint is terminal and cannot be restored again.
	_, err = ex.Restore(context.Background(), wf, "exec-r")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = ex.Restore(context.Background(), wf, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = ex.Restore(context.Background(), &schema.Workflow{ID: "other", Steps: []schema.Step{}}, "exec-r")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestExecutor_RestoreWithoutStore(t *testing.T) {
	ex := newTestExecutor(t, &recordingHost{}, nil, Config{})
	_, err := ex.Restore(context.Background(), &schema.Workflow{ID: "wf", Steps: []schema.Step{}}, "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestExecutor_CheckpointsEachTopLevelStep(t *testing.T) {
	store := newMemStore()
	ex := newTestExecutor(t, &recordingHost{}, store, Config{Checkpoint: true})
	wf := parseWorkflow(t, `{"id":"wf","steps":[{"id":"a","type":"click"},{"id":"b","type":"click"}]}`)

	res, err := ex.Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	// Two step checkpoints plus the final one.
	assert.Equal(t, 3, store.Saves())

	loaded, err := execution.LoadState(context.Background(), store, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, loaded.Status())
}

func TestExecutor_CheckpointedLoopVariablesReload(t *testing.T) {
	store := newMemStore()
	ex := newTestExecutor(t, &recordingHost{}, store, Config{Checkpoint: true})
	wf := parseWorkflow(t, `{"id":"wf","steps":[
		{"id":"each","type":"loop","params":{"items":["a","b","c"],"variable":"item","index_variable":"i",
			"steps":[{"id":"visit","type":"click"}]}}
	]}`)

	res, err := ex.Execute(context.Background(), wf, map[string]any{"limit": 3})
	require.NoError(t, err)
	assert.Equal(t, float64(2), res.Export.Variables["i"])
	assert.Equal(t, float64(3), res.Export.Variables["limit"])

	loaded, err := execution.LoadState(context.Background(), store, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, res.Export.Variables, loaded.Variables())
}

func TestExecutor_TransitionHook(t *testing.T) {
	ex := newTestExecutor(t, &recordingHost{}, nil, Config{})
	var seen []execution.Status
	_, err := ex.Execute(context.Background(), parseWorkflow(t, `{"id":"wf","steps":[{"id":"a","type":"click"}]}`), nil,
		WithRunHook(func(_, to execution.Status) { seen = append(seen, to) }))
	require.NoError(t, err)
	assert.Equal(t, []execution.Status{execution.StatusRunning, execution.StatusCompleted}, seen)
}

func TestExtractOutputs(t *testing.T) {
	ec := execution.New("wf", execution.WithVariables(map[string]any{
		"email":    "a@b.c",
		"internal": "secret",
		"zero":     0,
	}))
	wf := &schema.Workflow{Outputs: []schema.OutputSpec{{Name: "email"}, {Name: "zero"}, {Name: "absent"}}}

	assert.Equal(t, map[string]any{"email": "a@b.c", "zero": float64(0)}, ExtractOutputs(wf, ec))
	assert.Empty(t, ExtractOutputs(&schema.Workflow{}, ec))
}
