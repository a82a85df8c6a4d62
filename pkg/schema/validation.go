package schema

import (
	"fmt"
	"strings"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow definition. Path is a
// dotted location such as "steps[1].params.then[0].id".
type ValidationIssue struct {
	Path     string             `json:"path"`
	StepID   string             `json:"step_id,omitempty"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one validation pass. Warnings
// never make a definition invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Add records an issue. stepID may be empty for workflow-level issues.
func (r *ValidationResult) Add(sev ValidationSeverity, path, stepID, message string) {
	issue := ValidationIssue{Path: path, StepID: stepID, Message: message, Severity: sev}
	if sev == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	r.Errors = append(r.Errors, issue)
}

func (r *ValidationResult) Errorf(path, format string, args ...any) {
	r.Add(SeverityError, path, "", fmt.Sprintf(format, args...))
}

func (r *ValidationResult) Warnf(path, format string, args ...any) {
	r.Add(SeverityWarning, path, "", fmt.Sprintf(format, args...))
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Err returns nil for a valid result. Otherwise it returns a
// VALIDATION_ERROR whose message lists up to three issues and whose details
// carry all of them. A single failing step is recorded as the error's step.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}

	const shown = 3
	parts := make([]string, 0, shown)
	for i, issue := range r.Errors {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(r.Errors)-shown))
			break
		}
		parts = append(parts, issue.String())
	}

	err := NewError(ErrCodeValidation, strings.Join(parts, "; ")).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
	if id := r.soleStep(); id != "" {
		err = err.WithStep(id)
	}
	return err
}

// soleStep returns the step id shared by every error, or "".
func (r *ValidationResult) soleStep() string {
	id := r.Errors[0].StepID
	for _, issue := range r.Errors[1:] {
		if issue.StepID != id {
			return ""
		}
	}
	return id
}
