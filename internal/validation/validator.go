package validation

import "github.com/rendis/houndflow/pkg/schema"

// Validator checks workflow definitions before they are stored or run.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateDocument(data []byte) error
}
