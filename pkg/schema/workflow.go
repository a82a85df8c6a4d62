package schema

import (
	"encoding/json"
	"time"
)

// Workflow is the JSON-serializable workflow definition.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Category    string       `json:"category,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Version     string       `json:"version,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Steps       []Step       `json:"steps"`
	Outputs     []OutputSpec `json:"outputs,omitempty"`
}

// OutputSpec names a variable surfaced when a run completes.
type OutputSpec struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Step describes a single step in a workflow. Params is interpreted per Type:
// leaf steps forward it to the automation host after substitution, while
// conditional and loop steps decode it into ConditionalParams/LoopParams.
type Step struct {
	ID       string         `json:"id"`
	Type     StepType       `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	NonFatal bool           `json:"non_fatal,omitempty"`
	Retry    *RetryPolicy   `json:"retry,omitempty"`
	Timeout  string         `json:"timeout,omitempty"` // e.g. "30s", "500ms"
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeNavigate       StepType = "navigate"
	StepTypeClick          StepType = "click"
	StepTypeFill           StepType = "fill"
	StepTypeFillForm       StepType = "fill_form"
	StepTypeScreenshot     StepType = "screenshot"
	StepTypeGetContent     StepType = "get_content"
	StepTypeWaitForElement StepType = "wait_for_element"
	StepTypeGetPageState   StepType = "get_page_state"
	StepTypeExecuteScript  StepType = "execute_script"

	// Host-less steps handled by the engine itself.
	StepTypeSetVariable StepType = "set_variable"
	StepTypeTransform   StepType = "transform"
	StepTypeWait        StepType = "wait"

	// Containers.
	StepTypeConditional StepType = "conditional"
	StepTypeLoop        StepType = "loop"
)

// IsContainer reports whether the step type nests other steps.
func (t StepType) IsContainer() bool {
	return t == StepTypeConditional || t == StepTypeLoop
}

// IsKnown reports whether the type is one of the declared step types. Unknown
// types are still valid and are forwarded to the automation host.
func (t StepType) IsKnown() bool {
	switch t {
	case StepTypeNavigate, StepTypeClick, StepTypeFill, StepTypeFillForm,
		StepTypeScreenshot, StepTypeGetContent, StepTypeWaitForElement,
		StepTypeGetPageState, StepTypeExecuteScript,
		StepTypeSetVariable, StepTypeTransform, StepTypeWait,
		StepTypeConditional, StepTypeLoop:
		return true
	}
	return false
}

// RetryPolicy overrides the engine retry configuration for one step.
type RetryPolicy struct {
	Max     int    `json:"max"`
	Backoff string `json:"backoff,omitempty"` // linear | exponential (default: exponential)
	Delay   string `json:"delay,omitempty"`   // base delay (e.g. "1s", "500ms")
}

// ConditionalParams is the params block of a conditional step.
type ConditionalParams struct {
	Condition string `json:"condition"`
	Engine    string `json:"engine,omitempty"` // expr (default) | cel
	Then      []Step `json:"then"`
	Else      []Step `json:"else,omitempty"`
}

// LoopParams is the params block of a loop step. Items is either a literal
// array or a variable reference ("name" or "${a.b}").
type LoopParams struct {
	Items         any    `json:"items,omitempty"`
	ItemsQuery    string `json:"items_query,omitempty"` // jq query over variables
	Variable      string `json:"variable"`
	IndexVariable string `json:"index_variable,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Steps         []Step `json:"steps"`
}

// Conditional decodes the params of a conditional step.
func (s *Step) Conditional() (*ConditionalParams, error) {
	var p ConditionalParams
	if err := decodeParams(s.Params, &p); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid conditional params: %s", err.Error()).WithStep(s.ID).WithCause(err)
	}
	return &p, nil
}

// Loop decodes the params of a loop step.
func (s *Step) Loop() (*LoopParams, error) {
	var p LoopParams
	if err := decodeParams(s.Params, &p); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid loop params: %s", err.Error()).WithStep(s.ID).WithCause(err)
	}
	return &p, nil
}

func decodeParams(params map[string]any, dst any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
