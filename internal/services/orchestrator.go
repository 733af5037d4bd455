package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funnel-automation/backend/internal/engine"
	"funnel-automation/backend/internal/events"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MetadataKey holds submission metadata inside trigger data.
	MetadataKey = "_metadata"
	// ContextKey holds request context added by ingress inside trigger data.
	ContextKey = "_context"

	defaultFailureMessage = "Workflow execution failed"
	defaultListLimit      = 50
	maxListLimit          = 500
)

// Trigger sources recorded in trigger metadata.
const (
	SourceAPI     = "api"
	SourceWebhook = "webhook"
	SourceMCP     = "mcp"
)

// CreateOptions describes who submitted an execution and how.
type CreateOptions struct {
	TestMode    bool
	Source      string
	SubmittedBy string
}

// OrchestratorStore is the persistence the orchestrator needs.
type OrchestratorStore interface {
	repository.WorkflowStore
	repository.ExecutionStore
}

// Orchestrator creates, submits, reconciles and cancels workflow executions.
// It holds no per-execution state; concurrent operations on one execution
// are serialized by conditional updates in the store.
type Orchestrator struct {
	store     OrchestratorStore
	engine    EngineClient
	validator *Validator
	publisher Publisher
	recorder  Recorder
	logger    Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPublisher sets where status transitions are published.
func WithPublisher(p Publisher) OrchestratorOption {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(store OrchestratorStore, engine EngineClient, validator *Validator, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		engine:    engine,
		validator: validator,
		publisher: nopPublisher{},
		recorder:  nopRecorder{},
		logger:    nopLogger{},
		tracer:    otel.Tracer("funnel-automation/services"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate exposes the validator used before every submission.
func (o *Orchestrator) Validate(ctx context.Context, workflowID string) (*models.ValidationResult, error) {
	return o.validator.Validate(ctx, workflowID)
}

// ResolveComponent returns the id of the workflow bound to a trigger component.
func (o *Orchestrator) ResolveComponent(ctx context.Context, componentID string) (string, error) {
	wf, err := o.store.GetWorkflowByComponent(ctx, componentID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("component %s: %w", componentID, ErrWorkflowNotFound)
	}
	if err != nil {
		return "", err
	}
	return wf.ID, nil
}

// Create validates the workflow, persists a pending execution and submits it
// to the engine. On success the returned execution is running. A rejected
// submission leaves the execution failed and returns a *SubmissionError.
func (o *Orchestrator) Create(ctx context.Context, workflowID string, triggerData map[string]any, opts CreateOptions) (*models.WorkflowExecution, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Create", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Bool("execution.test_mode", opts.TestMode),
	))
	defer span.End()

	wf, result, err := o.validator.validate(ctx, workflowID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !result.IsValid {
		verr := &ValidationError{WorkflowID: workflowID, Errors: result.Errors, Warnings: result.Warnings}
		o.logger.Info("workflow validation failed", "workflow_id", workflowID, "errors", verr.Error())
		return nil, spanError(span, verr)
	}

	exec := &models.WorkflowExecution{
		TenantID:    wf.TenantID,
		WorkflowID:  wf.ID,
		Status:      models.ExecutionStatusPending,
		StartedAt:   o.now().UTC(),
		TriggerData: o.withMetadata(triggerData, opts),
		TestMode:    opts.TestMode,
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to create execution: %w", err))
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID))
	o.transitioned(ctx, exec, "")

	// Once the pending row exists it must reach running or failed even if
	// the caller goes away while the engine call is in flight.
	record := context.WithoutCancel(ctx)

	mode := engine.ModeTrigger
	if opts.TestMode {
		mode = engine.ModeManual
	}
	handle, submitErr := o.engine.Submit(ctx, wf.EngineWorkflowID, exec.TriggerData, mode)
	if submitErr != nil {
		return nil, spanError(span, o.failSubmission(record, exec, submitErr))
	}

	running := exec.Clone()
	running.Status = models.ExecutionStatusRunning
	running.EngineExecutionID = &handle.ID
	running.EngineResponse = handle.Raw
	err = o.store.UpdateExecution(record, running, models.ExecutionStatusPending)
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, spanError(span, o.abandonSubmission(record, exec, handle.ID))
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to record submission of %s: %w", exec.ID, err))
	}

	o.transitioned(record, running, models.ExecutionStatusPending)
	return running, nil
}

// failSubmission marks a pending execution failed after the engine rejected it.
func (o *Orchestrator) failSubmission(ctx context.Context, exec *models.WorkflowExecution, cause error) error {
	o.logger.Error("engine submission failed", "execution_id", exec.ID, "workflow_id", exec.WorkflowID, "error", cause)

	failed := exec.Clone()
	completedAt := o.now().UTC()
	msg := cause.Error()
	failed.Status = models.ExecutionStatusFailed
	failed.CompletedAt = &completedAt
	failed.ErrorMessage = &msg

	err := o.store.UpdateExecution(ctx, failed, models.ExecutionStatusPending)
	switch {
	case err == nil:
		o.transitioned(ctx, failed, models.ExecutionStatusPending)
	case errors.Is(err, repository.ErrStatusConflict):
		// Cancelled while the submission was in flight.
		if current, getErr := o.store.GetExecution(ctx, exec.ID); getErr == nil {
			failed = current
		}
	default:
		o.logger.Error("failed to record submission failure", "execution_id", exec.ID, "error", err)
	}
	return &SubmissionError{Execution: failed, Cause: cause}
}

// abandonSubmission handles an engine run whose local execution was
// cancelled before the submission could be recorded.
func (o *Orchestrator) abandonSubmission(ctx context.Context, exec *models.WorkflowExecution, engineExecutionID string) error {
	o.logger.Warn("execution changed during submission, cancelling engine run",
		"execution_id", exec.ID, "engine_execution_id", engineExecutionID)
	if err := o.engine.Cancel(ctx, engineExecutionID); err != nil {
		o.logger.Warn("engine cancel failed", "execution_id", exec.ID, "engine_execution_id", engineExecutionID, "error", err)
	}

	current := models.ExecutionStatusCancelled
	if stored, err := o.store.GetExecution(ctx, exec.ID); err == nil {
		current = stored.Status
	}
	return &TransitionError{ExecutionID: exec.ID, Current: current, Target: models.ExecutionStatusRunning}
}

// Reconcile applies the engine's status to a running execution. Engine
// failures are logged and the record is returned unchanged; calling
// Reconcile again is always safe.
func (o *Orchestrator) Reconcile(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Reconcile", trace.WithAttributes(
		attribute.String("execution.id", executionID),
	))
	defer span.End()

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if exec.Status != models.ExecutionStatusRunning || exec.EngineExecutionID == nil {
		return exec, nil
	}

	snap, err := o.engine.FetchStatus(ctx, *exec.EngineExecutionID)
	if err != nil {
		o.logger.Debug("reconciliation skipped", "execution_id", exec.ID, "engine_execution_id", *exec.EngineExecutionID, "error", err)
		o.recorder.RecordReconcileSkipped()
		span.AddEvent("reconciliation skipped")
		return exec, nil
	}
	if !snap.Finished {
		return exec, nil
	}

	next := exec.Clone()
	completedAt := o.now().UTC()
	if snap.StoppedAt != nil {
		completedAt = snap.StoppedAt.UTC()
	}
	next.CompletedAt = &completedAt
	if snap.Failed() {
		msg := defaultFailureMessage
		if snap.ErrorMessage != nil && *snap.ErrorMessage != "" {
			msg = *snap.ErrorMessage
		}
		next.Status = models.ExecutionStatusFailed
		next.ErrorMessage = &msg
	} else {
		next.Status = models.ExecutionStatusCompleted
	}

	err = o.store.UpdateExecution(ctx, next, models.ExecutionStatusRunning)
	if errors.Is(err, repository.ErrStatusConflict) {
		// Another reconcile or a cancel got there first.
		return o.store.GetExecution(ctx, executionID)
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to record reconciliation of %s: %w", exec.ID, err))
	}

	o.transitioned(ctx, next, models.ExecutionStatusRunning)
	return next, nil
}

// Cancel moves a pending or running execution to cancelled. The engine is
// asked to stop the run, but a failed engine call does not block the local
// transition.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Cancel", trace.WithAttributes(
		attribute.String("execution.id", executionID),
	))
	defer span.End()

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if exec.Status.IsTerminal() {
		return nil, spanError(span, &TransitionError{ExecutionID: exec.ID, Current: exec.Status, Target: models.ExecutionStatusCancelled})
	}

	if exec.EngineExecutionID != nil {
		if err := o.engine.Cancel(ctx, *exec.EngineExecutionID); err != nil {
			o.logger.Warn("engine cancel failed", "execution_id", exec.ID, "engine_execution_id", *exec.EngineExecutionID, "error", err)
		}
	}

	// The engine has been told to stop; the local write must follow.
	record := context.WithoutCancel(ctx)

	next := exec.Clone()
	completedAt := o.now().UTC()
	next.Status = models.ExecutionStatusCancelled
	next.CompletedAt = &completedAt

	err = o.store.UpdateExecution(record, next, exec.Status)
	if errors.Is(err, repository.ErrStatusConflict) {
		current := exec.Status
		if stored, getErr := o.store.GetExecution(record, executionID); getErr == nil {
			current = stored.Status
		}
		return nil, spanError(span, &TransitionError{ExecutionID: exec.ID, Current: current, Target: models.ExecutionStatusCancelled})
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to cancel %s: %w", exec.ID, err))
	}

	o.transitioned(record, next, exec.Status)
	return next, nil
}

// Get returns an execution without contacting the engine.
func (o *Orchestrator) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return o.store.GetExecution(ctx, executionID)
}

// List returns the executions of a workflow, newest first.
func (o *Orchestrator) List(ctx context.Context, workflowID string, statuses []models.ExecutionStatus, limit int) ([]*models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	for _, s := range statuses {
		if !s.IsValid() {
			return nil, fmt.Errorf("unknown execution status %q", s)
		}
	}
	return o.store.ListExecutions(ctx, repository.ExecutionFilter{
		WorkflowID: workflowID,
		Statuses:   statuses,
		Limit:      limit,
	})
}

func (o *Orchestrator) withMetadata(triggerData map[string]any, opts CreateOptions) map[string]any {
	data := make(map[string]any, len(triggerData)+1)
	for k, v := range triggerData {
		data[k] = v
	}
	source := opts.Source
	if source == "" {
		source = SourceAPI
	}
	data[MetadataKey] = map[string]any{
		"test_mode":    opts.TestMode,
		"source":       source,
		"submitted_by": opts.SubmittedBy,
		"submitted_at": o.now().UTC().Format(time.RFC3339),
	}
	return data
}

func (o *Orchestrator) transitioned(ctx context.Context, exec *models.WorkflowExecution, from models.ExecutionStatus) {
	o.logger.Info("execution transitioned",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "from", string(from), "to", string(exec.Status))

	t := events.Transition{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		TenantID:    exec.TenantID,
		From:        from,
		To:          exec.Status,
		At:          o.now().UTC(),
		TestMode:    exec.TestMode,
	}
	if exec.CompletedAt != nil {
		t.DurationSeconds = exec.Duration().Seconds()
	}
	if err := o.publisher.Publish(ctx, t); err != nil {
		o.logger.Warn("failed to publish transition", "execution_id", exec.ID, "error", err)
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
