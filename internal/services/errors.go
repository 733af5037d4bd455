package services

import (
	"errors"
	"fmt"
	"strings"

	"funnel-automation/backend/internal/engine"
	"funnel-automation/backend/pkg/models"
)

var (
	// ErrValidationFailed matches a *ValidationError.
	ErrValidationFailed = errors.New("workflow validation failed")
	// ErrEngineUnavailable matches any failed call to the automation engine.
	ErrEngineUnavailable = engine.ErrUnavailable
	// ErrInvalidStateTransition matches a *TransitionError.
	ErrInvalidStateTransition = errors.New("invalid execution state transition")
	// ErrWorkflowNotFound is returned when a trigger names no known workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowInactive is returned when a trigger names a workflow that is not active.
	ErrWorkflowInactive = errors.New("workflow is not active")
)

// ValidationError carries the checks that made a workflow not runnable.
type ValidationError struct {
	WorkflowID string
	Errors     []models.ValidationIssue
	Warnings   []models.ValidationIssue
}

func (e *ValidationError) Error() string {
	codes := make([]string, len(e.Errors))
	for i, issue := range e.Errors {
		codes[i] = issue.Code
	}
	return fmt.Sprintf("workflow %s validation failed: %s", e.WorkflowID, strings.Join(codes, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

// TransitionError is returned when an execution cannot move to Target from
// its Current status.
type TransitionError struct {
	ExecutionID string
	Current     models.ExecutionStatus
	Target      models.ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s cannot move from %s to %s", e.ExecutionID, e.Current, e.Target)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidStateTransition }

// SubmissionError is returned by Create when the engine rejected the
// submission. Execution is the persisted record, already terminal.
type SubmissionError struct {
	Execution *models.WorkflowExecution
	Cause     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("execution %s submission failed: %v", e.Execution.ID, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }
