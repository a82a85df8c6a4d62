package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

const highRetryCount = 10

// stepIssues records issues against one step of the tree.
type stepIssues struct {
	result *schema.ValidationResult
	path   string
	id     string
}

func (s stepIssues) errorf(field, format string, args ...any) {
	s.result.Add(schema.SeverityError, s.path+field, s.id, fmt.Sprintf(format, args...))
}

func (s stepIssues) warnf(field, format string, args ...any) {
	s.result.Add(schema.SeverityWarning, s.path+field, s.id, fmt.Sprintf(format, args...))
}

// checker walks a step tree once, remembering where each id was first seen.
type checker struct {
	result *schema.ValidationResult
	seen   map[string]string
}

// validateSemantic checks what the schema cannot express: step ids unique
// across the whole tree, parseable container params, retry and timeout
// values, output names, and step types the engine does not know about.
func validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	c := &checker{result: &schema.ValidationResult{}, seen: make(map[string]string)}
	c.steps(wf.Steps, "steps")

	declared := make(map[string]bool, len(wf.Outputs))
	for i, out := range wf.Outputs {
		path := fmt.Sprintf("outputs[%d].name", i)
		switch {
		case out.Name == "":
			c.result.Errorf(path, "output name is required")
		case declared[out.Name]:
			c.result.Warnf(path, "output %q declared more than once", out.Name)
		}
		declared[out.Name] = true
	}
	return c.result
}

func (c *checker) steps(steps []schema.Step, path string) {
	for i := range steps {
		c.step(&steps[i], fmt.Sprintf("%s[%d]", path, i))
	}
}

func (c *checker) step(step *schema.Step, path string) {
	is := stepIssues{result: c.result, path: path, id: step.ID}

	if step.ID == "" {
		is.errorf(".id", "step id is required")
	} else if first, dup := c.seen[step.ID]; dup {
		is.errorf(".id", "duplicate step id %q (first defined at %s)", step.ID, first)
	} else {
		c.seen[step.ID] = path
	}

	switch {
	case step.Type == "":
		is.errorf(".type", "step type is required")
	case !step.Type.IsKnown():
		is.warnf(".type", "unknown step type %q is forwarded to the automation host as is", step.Type)
	}

	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
			is.errorf(".timeout", "invalid timeout %q", step.Timeout)
		}
	}
	if step.Retry != nil {
		checkRetry(step.Retry, is)
	}

	switch step.Type {
	case schema.StepTypeConditional:
		c.conditional(step, is)
	case schema.StepTypeLoop:
		c.loop(step, is)
	}
}

func checkRetry(r *schema.RetryPolicy, is stepIssues) {
	if r.Max < 0 {
		is.errorf(".retry.max", "retry max must not be negative")
	} else if r.Max > highRetryCount {
		is.warnf(".retry.max", "high retry count (%d) may cause excessive delays", r.Max)
	}
	switch strings.ToLower(r.Backoff) {
	case "", "linear", "exponential":
	default:
		is.errorf(".retry.backoff", "unknown backoff mode %q", r.Backoff)
	}
	if r.Delay != "" {
		if d, err := time.ParseDuration(r.Delay); err != nil || d < 0 {
			is.errorf(".retry.delay", "invalid delay %q", r.Delay)
		}
	}
}

func (c *checker) conditional(step *schema.Step, is stepIssues) {
	p, err := step.Conditional()
	if err != nil {
		is.errorf(".params", "%s", err.Error())
		return
	}
	if strings.TrimSpace(p.Condition) == "" {
		is.errorf(".params.condition", "condition is required")
	}
	switch p.Engine {
	case "", "expr", "cel":
	default:
		is.errorf(".params.engine", "unknown condition engine %q", p.Engine)
	}
	if len(p.Then) == 0 && len(p.Else) == 0 {
		is.warnf(".params", "conditional has no steps in either branch")
	}
	c.steps(p.Then, is.path+".params.then")
	c.steps(p.Else, is.path+".params.else")
}

func (c *checker) loop(step *schema.Step, is stepIssues) {
	p, err := step.Loop()
	if err != nil {
		is.errorf(".params", "%s", err.Error())
		return
	}
	if p.Variable == "" {
		is.errorf(".params.variable", "loop variable is required")
	}
	switch {
	case p.Items == nil && p.ItemsQuery == "":
		is.errorf(".params", "loop needs items or items_query")
	case p.Items != nil && p.ItemsQuery != "":
		is.warnf(".params.items", "items is ignored when items_query is set")
	}
	if p.IndexVariable != "" && p.IndexVariable == p.Variable {
		is.errorf(".params.index_variable", "index_variable must differ from variable")
	}
	if p.MaxIterations < 0 {
		is.errorf(".params.max_iterations", "max_iterations must not be negative")
	}
	if len(p.Steps) == 0 {
		is.warnf(".params.steps", "loop body is empty")
	}
	c.steps(p.Steps, is.path+".params.steps")
}
