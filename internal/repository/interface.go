package repository

import (
	"context"
	"errors"
	"time"

	"funnel-automation/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to another tenant.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned by a conditional update whose expected
	// status no longer matches the stored one.
	ErrStatusConflict = errors.New("execution status changed concurrently")
)

// ExecutionFilter selects executions. Zero values mean "no constraint".
type ExecutionFilter struct {
	WorkflowID   string
	Statuses     []models.ExecutionStatus
	StartedAfter time.Time
	Limit        int
	// OldestFirst orders by started_at ascending instead of newest first.
	OldestFirst bool
}

// WorkflowStore reads workflow definitions.
type WorkflowStore interface {
	// GetWorkflow retrieves a workflow by id.
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// GetWorkflowByComponent retrieves the workflow bound to a trigger component.
	GetWorkflowByComponent(ctx context.Context, componentID string) (*models.Workflow, error)
	// ListWorkflows lists workflows of the current tenant.
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// CreateWorkflow stores a workflow. Only used for seeding.
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
}

// ExecutionStore persists workflow executions.
type ExecutionStore interface {
	// CreateExecution inserts a new execution.
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	// GetExecution retrieves an execution by id.
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// UpdateExecution writes the mutable fields of exec only if the stored
	// status is one of expected. It returns ErrStatusConflict otherwise.
	UpdateExecution(ctx context.Context, exec *models.WorkflowExecution, expected ...models.ExecutionStatus) error
	// ListExecutions returns matching executions, newest first unless
	// filter.OldestFirst is set.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error)
	// CountExecutions counts matching executions.
	CountExecutions(ctx context.Context, filter ExecutionFilter) (int, error)
	// AverageDurationSeconds averages completed_at - started_at over matching
	// executions that have a completion time. It is 0 when none match.
	AverageDurationSeconds(ctx context.Context, filter ExecutionFilter) (float64, error)
}

// WebhookEventStore persists inbound trigger deliveries.
type WebhookEventStore interface {
	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	ListWebhookEvents(ctx context.Context, workflowID string, limit int) ([]*models.WebhookEvent, error)
}

// TenantStore resolves tenants for authenticated callers.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	WorkflowStore
	ExecutionStore
	WebhookEventStore
	TenantStore
	Ping(ctx context.Context) error
	Close()
}

func hasStatus(list []models.ExecutionStatus, s models.ExecutionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
