package models

// Validation issue codes.
const (
	CodeWorkflowNotFound          = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInactive          = "WORKFLOW_INACTIVE"
	CodeEngineWorkflowUnavailable = "ENGINE_WORKFLOW_UNAVAILABLE"
	CodeEngineWorkflowEmpty       = "ENGINE_WORKFLOW_EMPTY"
	CodeEngineWorkflowNoTrigger   = "ENGINE_WORKFLOW_NO_TRIGGER"
	CodeEngineWorkflowInactive    = "ENGINE_WORKFLOW_INACTIVE"
	CodeWorkflowFailingRepeatedly = "WORKFLOW_FAILING_REPEATEDLY"
)

// ValidationIssue is a single validator finding.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of checking whether a workflow is runnable.
// Warnings never block execution.
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// HasError reports whether an error with the given code was recorded.
func (r *ValidationResult) HasError(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether a warning with the given code was recorded.
func (r *ValidationResult) HasWarning(code string) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}
