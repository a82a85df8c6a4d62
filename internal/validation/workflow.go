package validation

import (
	"encoding/json"

	"github.com/rendis/houndflow/pkg/schema"
)

// WorkflowValidator checks a workflow against the JSON Schema first and,
// when that passes, against the semantic rules: ids unique across the tree,
// container params, retry and timeout values.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate runs both stages and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.Errorf("/", "workflow is nil")
		return r
	}

	data, err := json.Marshal(wf)
	if err != nil {
		r := &schema.ValidationResult{}
		r.Errorf("/", "workflow does not encode to JSON: %s", err.Error())
		return r
	}
	result := wv.jsonSchema.Check(data)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(wf))
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).Err()
}

// ValidateDocument checks raw JSON against the schema only. Callers decode
// the document and call ValidateWorkflow for the semantic stage.
func (wv *WorkflowValidator) ValidateDocument(data []byte) error {
	return wv.jsonSchema.ValidateDocument(data)
}
