package validation

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/houndflow/pkg/schema"
)

const workflowSchemaURL = "https://houndflow.dev/schemas/workflow.json"

//go:embed schemas/workflow.schema.json
var workflowSchemaJSON []byte

var printer = message.NewPrinter(language.English)

// JSONSchemaValidator checks workflow documents against the embedded schema.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse workflow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("register workflow schema: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// Check validates raw workflow JSON and reports one issue per failing leaf,
// located by JSON pointer.
func (v *JSONSchemaValidator) Check(data []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		result.Errorf("/", "workflow document is not valid JSON: %s", err.Error())
		return result
	}

	err = v.workflowSchema.Validate(doc)
	var verr *jsonschema.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		addLeaves(result, verr)
	default:
		result.Errorf("/", "%s", err.Error())
	}
	return result
}

// ValidateDocument is Check reduced to a VALIDATION_ERROR.
func (v *JSONSchemaValidator) ValidateDocument(data []byte) error {
	return v.Check(data).Err()
}

func addLeaves(result *schema.ValidationResult, verr *jsonschema.ValidationError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			addLeaves(result, cause)
		}
		return
	}
	result.Errorf(pointer(verr.InstanceLocation), "%s", verr.ErrorKind.LocalizedString(printer))
}

func pointer(tokens []string) string {
	return "/" + strings.Join(tokens, "/")
}
