package repository

import (
	"context"
	"testing"
	"time"

	"funnel-automation/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// testStoreContract exercises behavior every Repository implementation must share.
func testStoreContract(t *testing.T, store Repository) {
	ctx := context.Background()

	tenant := &models.Tenant{Name: "Acme", Domain: "acme-" + time.Now().Format("150405.000000") + ".com"}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	require.NotEmpty(t, tenant.ID)

	got, err := store.GetTenantByDomain(ctx, tenant.Domain)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.ID)

	_, err = store.GetTenantByDomain(ctx, "missing.example")
	assert.ErrorIs(t, err, ErrNotFound)

	tenantCtx := WithTenantID(ctx, tenant.ID)
	wf := &models.Workflow{
		EngineWorkflowID:   "engine-wf-1",
		TriggerComponentID: strPtr("component-" + tenant.ID),
		Name:               "Lead magnet",
		Status:             models.WorkflowStatusActive,
		Config:             map[string]any{"redirect_url": "https://example.com/thanks"},
	}
	require.NoError(t, store.CreateWorkflow(tenantCtx, wf))
	assert.Equal(t, tenant.ID, wf.TenantID)

	t.Run("workflow lookups respect tenant scope", func(t *testing.T) {
		got, err := store.GetWorkflow(tenantCtx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/thanks", got.RedirectURL())

		_, err = store.GetWorkflow(WithTenantID(ctx, "other-tenant"), wf.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err = store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)

		got, err = store.GetWorkflowByComponent(tenantCtx, *wf.TriggerComponentID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)

		list, err := store.ListWorkflows(tenantCtx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	now := time.Now().UTC().Truncate(time.Millisecond)
	exec := &models.WorkflowExecution{
		TenantID:    tenant.ID,
		WorkflowID:  wf.ID,
		Status:      models.ExecutionStatusPending,
		StartedAt:   now,
		TriggerData: map[string]any{"email": "lead@example.com"},
	}
	require.NoError(t, store.CreateExecution(tenantCtx, exec))
	require.NotEmpty(t, exec.ID)

	t.Run("conditional update applies when status matches", func(t *testing.T) {
		running := exec.Clone()
		running.Status = models.ExecutionStatusRunning
		running.EngineExecutionID = strPtr("engine-exec-1")
		running.EngineResponse = map[string]any{"id": "engine-exec-1"}
		require.NoError(t, store.UpdateExecution(tenantCtx, running, models.ExecutionStatusPending))

		got, err := store.GetExecution(tenantCtx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusRunning, got.Status)
		require.NotNil(t, got.EngineExecutionID)
		assert.Equal(t, "engine-exec-1", *got.EngineExecutionID)
		assert.Equal(t, "lead@example.com", got.TriggerData["email"])
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("conditional update loses when status moved", func(t *testing.T) {
		stale := exec.Clone()
		stale.Status = models.ExecutionStatusCancelled
		done := time.Now().UTC()
		stale.CompletedAt = &done
		err := store.UpdateExecution(tenantCtx, stale, models.ExecutionStatusPending)
		assert.ErrorIs(t, err, ErrStatusConflict)

		got, err := store.GetExecution(tenantCtx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusRunning, got.Status)
	})

	t.Run("update of unknown execution", func(t *testing.T) {
		ghost := &models.WorkflowExecution{ID: "does-not-exist", Status: models.ExecutionStatusCancelled}
		err := store.UpdateExecution(tenantCtx, ghost, models.ExecutionStatusPending)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("query by workflow and status", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			done := now.Add(time.Duration(i+1) * time.Second)
			failed := &models.WorkflowExecution{
				TenantID:     tenant.ID,
				WorkflowID:   wf.ID,
				Status:       models.ExecutionStatusFailed,
				StartedAt:    now.Add(time.Duration(i) * time.Second),
				CompletedAt:  &done,
				ErrorMessage: strPtr("boom"),
			}
			require.NoError(t, store.CreateExecution(tenantCtx, failed))
		}

		n, err := store.CountExecutions(tenantCtx, ExecutionFilter{
			WorkflowID: wf.ID,
			Statuses:   []models.ExecutionStatus{models.ExecutionStatusFailed},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = store.CountExecutions(tenantCtx, ExecutionFilter{
			WorkflowID:   wf.ID,
			Statuses:     []models.ExecutionStatus{models.ExecutionStatusFailed},
			StartedAfter: now,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		list, err := store.ListExecutions(tenantCtx, ExecutionFilter{WorkflowID: wf.ID, Limit: 2})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.False(t, list[0].StartedAt.Before(list[1].StartedAt))

		oldest, err := store.ListExecutions(tenantCtx, ExecutionFilter{
			WorkflowID:  wf.ID,
			Statuses:    []models.ExecutionStatus{models.ExecutionStatusFailed},
			Limit:       2,
			OldestFirst: true,
		})
		require.NoError(t, err)
		require.Len(t, oldest, 2)
		assert.True(t, oldest[0].StartedAt.Equal(now))
		assert.True(t, oldest[0].StartedAt.Before(oldest[1].StartedAt))

		avg, err := store.AverageDurationSeconds(tenantCtx, ExecutionFilter{
			WorkflowID: wf.ID,
			Statuses:   []models.ExecutionStatus{models.ExecutionStatusFailed},
		})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, avg, 0.001)

		avg, err = store.AverageDurationSeconds(tenantCtx, ExecutionFilter{
			WorkflowID: wf.ID,
			Statuses:   []models.ExecutionStatus{models.ExecutionStatusRunning},
		})
		require.NoError(t, err)
		assert.Zero(t, avg, "running executions have no completion time")

		running, err := store.ListExecutions(ctx, ExecutionFilter{
			Statuses: []models.ExecutionStatus{models.ExecutionStatusRunning},
		})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, exec.ID, running[0].ID)

		other, err := store.ListExecutions(WithTenantID(ctx, "other-tenant"), ExecutionFilter{WorkflowID: wf.ID})
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("webhook events", func(t *testing.T) {
		ev := &models.WebhookEvent{
			TenantID:   tenant.ID,
			WorkflowID: wf.ID,
			EventType:  "webhook",
			Payload:    map[string]any{"email": "lead@example.com"},
			Headers:    map[string]string{"Content-Type": "application/json"},
			Processed:  true,
		}
		require.NoError(t, store.CreateWebhookEvent(ctx, ev))
		require.NotEmpty(t, ev.ID)

		ev.Processed = false
		ev.ErrorMessage = strPtr("engine unavailable")
		require.NoError(t, store.UpdateWebhookEvent(ctx, ev))

		events, err := store.ListWebhookEvents(tenantCtx, wf.ID, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].Processed)
		require.NotNil(t, events[0].ErrorMessage)
		assert.Equal(t, "engine unavailable", *events[0].ErrorMessage)
		assert.Equal(t, "application/json", events[0].Headers["Content-Type"])
	})
}
