package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"funnel-automation/backend/internal/engine"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_CreateSubmitsToEngine(t *testing.T) {
	f := newFixture(t)
	f.runnableDefinition("eng-w1")
	f.engine.On("Submit", mock.Anything, "eng-w1", mock.Anything, engine.ModeTrigger).
		Return(&engine.ExecutionHandle{ID: "eng-exec-1", Raw: map[string]any{"id": "eng-exec-1"}}, nil)

	exec, err := f.orch.Create(f.ctx(), "w1", map[string]any{"email": "lead@example.com"}, CreateOptions{SubmittedBy: "user-7"})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)
	require.NotNil(t, exec.EngineExecutionID)
	assert.Equal(t, "eng-exec-1", *exec.EngineExecutionID)
	assert.Equal(t, "eng-exec-1", exec.EngineResponse["id"])
	assert.Nil(t, exec.CompletedAt)
	assert.Equal(t, f.tenantID, exec.TenantID)

	stored, err := f.store.GetExecution(f.ctx(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)
	assert.Equal(t, "lead@example.com", stored.TriggerData["email"])

	meta, ok := stored.TriggerData[MetadataKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, meta["test_mode"])
	assert.Equal(t, SourceAPI, meta["source"])
	assert.Equal(t, "user-7", meta["submitted_by"])
	assert.Equal(t, fixedNow.Format(time.RFC3339), meta["submitted_at"])

	assert.Equal(t, []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}, f.publisher.targets())
	f.assertCompletedAtInvariant(t)
}

func TestOrchestrator_CreateTestModeRunsManually(t *testing.T) {
	f := newFixture(t)
	f.runnableDefinition("eng-w1")
	f.engine.On("Submit", mock.Anything, "eng-w1", mock.Anything, engine.ModeManual).
		Return(&engine.ExecutionHandle{ID: "eng-exec-1"}, nil)

	exec, err := f.orch.Create(f.ctx(), "w1", nil, CreateOptions{TestMode: true})
	require.NoError(t, err)
	assert.True(t, exec.TestMode)
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)
	f.engine.AssertExpectations(t)
}

func TestOrchestrator_CreateRejectsInvalidWorkflows(t *testing.T) {
	tests := []struct {
		name       string
		workflowID string
		code       string
	}{
		{name: "inactive workflow", workflowID: "w2", code: models.CodeWorkflowInactive},
		{name: "unknown workflow", workflowID: "missing", code: models.CodeWorkflowNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runnableDefinition("eng-w2")

			exec, err := f.orch.Create(f.ctx(), tt.workflowID, map[string]any{"k": "v"}, CreateOptions{})
			assert.Nil(t, exec)
			require.ErrorIs(t, err, ErrValidationFailed)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			codes := make([]string, len(verr.Errors))
			for i, issue := range verr.Errors {
				codes[i] = issue.Code
			}
			assert.Contains(t, codes, tt.code)

			assert.Zero(t, f.executionCount(t))
			f.engine.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestOrchestrator_CreateSubmissionTimeout(t *testing.T) {
	f := newFixture(t)
	f.runnableDefinition("eng-w1")
	timeout := &engine.Error{Op: "submit", Cause: context.DeadlineExceeded}
	f.engine.On("Submit", mock.Anything, "eng-w1", mock.Anything, engine.ModeTrigger).Return(nil, timeout)

	exec, err := f.orch.Create(f.ctx(), "w1", map[string]any{"email": "lead@example.com"}, CreateOptions{})
	assert.Nil(t, exec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, models.ExecutionStatusFailed, subErr.Execution.Status)

	stored, err := f.store.GetExecution(f.ctx(), subErr.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, fixedNow, *stored.CompletedAt)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "deadline exceeded")
	assert.Nil(t, stored.EngineExecutionID)

	assert.Equal(t, 1, f.executionCount(t))
	f.engine.AssertNumberOfCalls(t, "Submit", 1)
	f.assertCompletedAtInvariant(t)
}

func TestOrchestrator_ReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	exec := f.createRunning(t, "eng-exec-1")

	f.engine.On("FetchStatus", mock.Anything, "eng-exec-1").Return(&engine.ExecutionSnapshot{Finished: false}, nil).Twice()
	for i := 0; i < 2; i++ {
		got, err := f.orch.Reconcile(f.ctx(), exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec, got)
	}

	stoppedAt := fixedNow.Add(42 * time.Second)
	f.engine.On("FetchStatus", mock.Anything, "eng-exec-1").
		Return(&engine.ExecutionSnapshot{Finished: true, StoppedAt: &stoppedAt, Mode: "trigger"}, nil).Once()

	got, err := f.orch.Reconcile(f.ctx(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, stoppedAt, *got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)

	again, err := f.orch.Reconcile(f.ctx(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	f.engine.AssertNumberOfCalls(t, "FetchStatus", 3)

	assert.Equal(t, []models.ExecutionStatus{
		models.ExecutionStatusPending,
		models.ExecutionStatusRunning,
		models.ExecutionStatusCompleted,
	}, f.publisher.targets())
	f.assertCompletedAtInvariant(t)
}

func TestOrchestrator_ReconcileEngineFailure(t *testing.T) {
	tests := []struct {
		name    string
		snap    *engine.ExecutionSnapshot
		message string
	}{
		{
			name:    "engine error detail",
			snap:    &engine.ExecutionSnapshot{Finished: true, Mode: engine.ModeError, ErrorMessage: strPtr("SMTP refused")},
			message: "SMTP refused",
		},
		{
			name:    "no detail",
			snap:    &engine.ExecutionSnapshot{Finished: true, Mode: engine.ModeError},
			message: defaultFailureMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			exec := f.createRunning(t, "eng-exec-1")
			f.engine.On("FetchStatus", mock.Anything, "eng-exec-1").Return(tt.snap, nil)

			got, err := f.orch.Reconcile(f.ctx(), exec.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ExecutionStatusFailed, got.Status)
			require.NotNil(t, got.ErrorMessage)
			assert.Equal(t, tt.message, *got.ErrorMessage)
			require.NotNil(t, got.CompletedAt)
			assert.Equal(t, fixedNow, *got.CompletedAt)
			f.assertCompletedAtInvariant(t)
		})
	}
}

func TestOrchestrator_ReconcileSwallowsFetchErrors(t *testing.T) {
	f := newFixture(t)
	exec := f.createRunning(t, "eng-exec-1")
	f.engine.On("FetchStatus", mock.Anything, "eng-exec-1").
		Return(nil, &engine.Error{Op: "fetch", StatusCode: 503})

	got, err := f.orch.Reconcile(f.ctx(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 1, f.recorder.skipped)
}

func TestOrchestrator_ReconcileSkipsNonRunning(t *testing.T) {
	f := newFixture(t)
	pending := &models.WorkflowExecution{
		TenantID:   f.tenantID,
		WorkflowID: "w1",
		Status:     models.ExecutionStatusPending,
		StartedAt:  fixedNow,
	}
	require.NoError(t, f.store.CreateExecution(f.ctx(), pending))

	got, err := f.orch.Reconcile(f.ctx(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, got.Status)
	f.engine.AssertNotCalled(t, "FetchStatus", mock.Anything, mock.Anything)

	_, err = f.orch.Reconcile(f.ctx(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOrchestrator_CancelPendingTwice(t *testing.T) {
	f := newFixture(t)
	pending := &models.WorkflowExecution{
		TenantID:   f.tenantID,
		WorkflowID: "w1",
		Status:     models.ExecutionStatusPending,
		StartedAt:  fixedNow,
	}
	require.NoError(t, f.store.CreateExecution(f.ctx(), pending))

	got, err := f.orch.Cancel(f.ctx(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = f.orch.Cancel(f.ctx(), pending.ID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, models.ExecutionStatusCancelled, terr.Current)

	f.engine.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	assert.Equal(t, []models.ExecutionStatus{models.ExecutionStatusCancelled}, f.publisher.targets())
	f.assertCompletedAtInvariant(t)
}

func TestOrchestrator_CancelRunningIgnoresEngineFailure(t *testing.T) {
	f := newFixture(t)
	exec := f.createRunning(t, "eng-exec-1")
	f.engine.On("Cancel", mock.Anything, "eng-exec-1").Return(&engine.Error{Op: "cancel", StatusCode: 500})

	got, err := f.orch.Cancel(f.ctx(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
	assert.Equal(t, fixedNow, *got.CompletedAt)
	f.engine.AssertCalled(t, "Cancel", mock.Anything, "eng-exec-1")

	// A later reconcile must not touch the cancelled record.
	again, err := f.orch.Reconcile(f.ctx(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, again.Status)
	f.engine.AssertNotCalled(t, "FetchStatus", mock.Anything, mock.Anything)
	f.assertCompletedAtInvariant(t)
}

func TestOrchestrator_CancelTerminal(t *testing.T) {
	for _, status := range []models.ExecutionStatus{
		models.ExecutionStatusCompleted,
		models.ExecutionStatusFailed,
		models.ExecutionStatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			done := fixedNow.Add(time.Minute)
			exec := &models.WorkflowExecution{
				TenantID:    f.tenantID,
				WorkflowID:  "w1",
				Status:      status,
				StartedAt:   fixedNow,
				CompletedAt: &done,
			}
			if status == models.ExecutionStatusFailed {
				exec.ErrorMessage = strPtr("boom")
			}
			require.NoError(t, f.store.CreateExecution(f.ctx(), exec))

			_, err := f.orch.Cancel(f.ctx(), exec.ID)
			require.ErrorIs(t, err, ErrInvalidStateTransition)

			stored, err := f.store.GetExecution(f.ctx(), exec.ID)
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			assert.Equal(t, done, *stored.CompletedAt)
		})
	}
}

func TestOrchestrator_CancelWinsRaceAgainstSubmission(t *testing.T) {
	f := newFixture(t)
	f.runnableDefinition("eng-w1")
	f.engine.On("Submit", mock.Anything, "eng-w1", mock.Anything, engine.ModeTrigger).
		Run(func(args mock.Arguments) {
			pending, err := f.store.ListExecutions(context.Background(), repository.ExecutionFilter{
				Statuses: []models.ExecutionStatus{models.ExecutionStatusPending},
			})
			require.NoError(t, err)
			require.Len(t, pending, 1)
			_, err = f.orch.Cancel(f.ctx(), pending[0].ID)
			require.NoError(t, err)
		}).
		Return(&engine.ExecutionHandle{ID: "eng-exec-1"}, nil)
	f.engine.On("Cancel", mock.Anything, "eng-exec-1").Return(nil)

	exec, err := f.orch.Create(f.ctx(), "w1", nil, CreateOptions{})
	assert.Nil(t, exec)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, models.ExecutionStatusCancelled, terr.Current)
	f.engine.AssertCalled(t, "Cancel", mock.Anything, "eng-exec-1")

	stored, err := f.store.GetExecution(f.ctx(), terr.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.Nil(t, stored.EngineExecutionID)
	f.assertCompletedAtInvariant(t)
}

func TestOrchestrator_ResolveComponent(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.ResolveComponent(f.ctx(), "signup-form")
	require.NoError(t, err)
	assert.Equal(t, "w1", id)

	_, err = f.orch.ResolveComponent(f.ctx(), "no-such-component")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestOrchestrator_List(t *testing.T) {
	f := newFixture(t)
	f.createRunning(t, "eng-exec-1")
	f.createRunning(t, "eng-exec-2")

	all, err := f.orch.List(f.ctx(), "w1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := f.orch.List(f.ctx(), "w1", []models.ExecutionStatus{models.ExecutionStatusRunning}, 1)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	_, err = f.orch.List(f.ctx(), "w1", []models.ExecutionStatus{"exploded"}, 10)
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }

// ctxBoundStore fails writes and reads once their context is done, the way
// a database driver does.
type ctxBoundStore struct {
	OrchestratorStore
}

func (s ctxBoundStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.OrchestratorStore.GetExecution(ctx, id)
}

func (s ctxBoundStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution, expected ...models.ExecutionStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.OrchestratorStore.UpdateExecution(ctx, exec, expected...)
}

func TestOrchestrator_CallerCancellationDuringSubmission(t *testing.T) {
	tests := []struct {
		name       string
		handle     *engine.ExecutionHandle
		submitErr  error
		wantStatus models.ExecutionStatus
	}{
		{
			name:       "engine call aborted",
			submitErr:  &engine.Error{Op: "submit", Cause: context.Canceled},
			wantStatus: models.ExecutionStatusFailed,
		},
		{
			name:       "engine accepted before caller left",
			handle:     &engine.ExecutionHandle{ID: "eng-exec-1"},
			wantStatus: models.ExecutionStatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runnableDefinition("eng-w1")
			orch := NewOrchestrator(ctxBoundStore{f.store}, f.engine,
				NewValidator(f.store, f.store, f.engine, WithValidatorClock(func() time.Time { return fixedNow })),
				WithClock(func() time.Time { return fixedNow }),
			)

			ctx, cancel := context.WithCancel(f.ctx())
			defer cancel()
			f.engine.On("Submit", mock.Anything, "eng-w1", mock.Anything, engine.ModeTrigger).
				Run(func(mock.Arguments) { cancel() }).
				Return(tt.handle, tt.submitErr)

			exec, err := orch.Create(ctx, "w1", nil, CreateOptions{})

			var id string
			if tt.submitErr != nil {
				var subErr *SubmissionError
				require.True(t, errors.As(err, &subErr))
				id = subErr.Execution.ID
			} else {
				require.NoError(t, err)
				id = exec.ID
			}

			stored, err := f.store.GetExecution(f.ctx(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.handle != nil, stored.EngineExecutionID != nil)
			f.assertCompletedAtInvariant(t)
		})
	}
}

func TestOrchestrator_CancelCompletesAfterCallerLeaves(t *testing.T) {
	f := newFixture(t)
	exec := f.createRunning(t, "eng-exec-1")
	orch := NewOrchestrator(ctxBoundStore{f.store}, f.engine, NewValidator(f.store, f.store, f.engine))

	ctx, cancel := context.WithCancel(f.ctx())
	defer cancel()
	f.engine.On("Cancel", mock.Anything, "eng-exec-1").Run(func(mock.Arguments) { cancel() }).Return(nil)

	got, err := orch.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)

	stored, err := f.store.GetExecution(f.ctx(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	f.assertCompletedAtInvariant(t)
}
