package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"
)

// Default thresholds for the repeated failure warning.
const (
	DefaultFailureWindow    = time.Hour
	DefaultFailureThreshold = 3
)

// Validator checks that a workflow is runnable before it is submitted.
type Validator struct {
	workflows  repository.WorkflowStore
	executions repository.ExecutionStore
	engine     EngineClient
	logger     Logger
	now        func() time.Time

	failureWindow    time.Duration
	failureThreshold int
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithFailureThreshold sets how many failures within window raise a warning.
func WithFailureThreshold(window time.Duration, threshold int) ValidatorOption {
	return func(v *Validator) {
		if window > 0 {
			v.failureWindow = window
		}
		if threshold > 0 {
			v.failureThreshold = threshold
		}
	}
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// WithValidatorClock replaces time.Now.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a new Validator.
func NewValidator(workflows repository.WorkflowStore, executions repository.ExecutionStore, engine EngineClient, opts ...ValidatorOption) *Validator {
	v := &Validator{
		workflows:        workflows,
		executions:       executions,
		engine:           engine,
		logger:           nopLogger{},
		now:              time.Now,
		failureWindow:    DefaultFailureWindow,
		failureThreshold: DefaultFailureThreshold,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check against workflowID. Errors are accumulated; only
// a missing workflow stops the checks early. The returned error is reserved
// for store failures.
func (v *Validator) Validate(ctx context.Context, workflowID string) (*models.ValidationResult, error) {
	_, result, err := v.validate(ctx, workflowID)
	return result, err
}

func (v *Validator) validate(ctx context.Context, workflowID string) (*models.Workflow, *models.ValidationResult, error) {
	result := &models.ValidationResult{
		Errors:   []models.ValidationIssue{},
		Warnings: []models.ValidationIssue{},
	}

	wf, err := v.workflows.GetWorkflow(ctx, workflowID)
	if errors.Is(err, repository.ErrNotFound) {
		result.Errors = append(result.Errors, models.ValidationIssue{
			Code:    models.CodeWorkflowNotFound,
			Message: fmt.Sprintf("workflow %s does not exist", workflowID),
		})
		return nil, result, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if !wf.IsActive() {
		result.Errors = append(result.Errors, models.ValidationIssue{
			Code:    models.CodeWorkflowInactive,
			Message: fmt.Sprintf("workflow status is %s, expected active", wf.Status),
		})
	}

	v.checkEngineDefinition(ctx, wf, result)
	v.checkRecentFailures(ctx, wf, result)

	result.IsValid = len(result.Errors) == 0
	return wf, result, nil
}

func (v *Validator) checkEngineDefinition(ctx context.Context, wf *models.Workflow, result *models.ValidationResult) {
	if wf.EngineWorkflowID == "" {
		result.Errors = append(result.Errors, models.ValidationIssue{
			Code:    models.CodeEngineWorkflowUnavailable,
			Message: "workflow is not linked to an engine workflow",
		})
		return
	}

	def, err := v.engine.GetWorkflow(ctx, wf.EngineWorkflowID)
	if err != nil {
		v.logger.Warn("engine workflow lookup failed", "workflow_id", wf.ID, "engine_workflow_id", wf.EngineWorkflowID, "error", err)
		result.Errors = append(result.Errors, models.ValidationIssue{
			Code:    models.CodeEngineWorkflowUnavailable,
			Message: "the automation engine could not return the workflow definition",
		})
		return
	}

	if len(def.Nodes) == 0 {
		result.Errors = append(result.Errors, models.ValidationIssue{
			Code:    models.CodeEngineWorkflowEmpty,
			Message: "engine workflow has no steps",
		})
		return
	}

	hasTrigger := false
	for _, n := range def.Nodes {
		if isTriggerNode(n.Type) {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger {
		result.Warnings = append(result.Warnings, models.ValidationIssue{
			Code:    models.CodeEngineWorkflowNoTrigger,
			Message: "engine workflow has no trigger or webhook step",
		})
	}
	if !def.Active {
		result.Warnings = append(result.Warnings, models.ValidationIssue{
			Code:    models.CodeEngineWorkflowInactive,
			Message: "engine workflow is not marked active",
		})
	}
}

func (v *Validator) checkRecentFailures(ctx context.Context, wf *models.Workflow, result *models.ValidationResult) {
	failures, err := v.executions.CountExecutions(ctx, repository.ExecutionFilter{
		WorkflowID:   wf.ID,
		Statuses:     []models.ExecutionStatus{models.ExecutionStatusFailed},
		StartedAfter: v.now().Add(-v.failureWindow),
	})
	if err != nil {
		v.logger.Warn("failed to count recent failures", "workflow_id", wf.ID, "error", err)
		return
	}
	if failures >= v.failureThreshold {
		result.Warnings = append(result.Warnings, models.ValidationIssue{
			Code:    models.CodeWorkflowFailingRepeatedly,
			Message: fmt.Sprintf("workflow failed %d times in the last %s", failures, v.failureWindow),
		})
	}
}

func isTriggerNode(nodeType string) bool {
	t := strings.ToLower(nodeType)
	return strings.Contains(t, "trigger") || strings.Contains(t, "webhook")
}
