package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"funnel-automation/backend/pkg/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository used for development and tests.
// Records are copied on the way in and out so callers never share state
// with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*models.Tenant
	workflows  map[string]*models.Workflow
	executions map[string]*models.WorkflowExecution
	events     map[string]*models.WebhookEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]*models.Tenant),
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		events:     make(map[string]*models.WebhookEvent),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

// GetTenantByDomain retrieves a tenant by its email domain.
func (s *MemoryStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tenants {
		if t.Domain == domain {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// CreateTenant stores a tenant, assigning an id if missing.
func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	c := *tenant
	s.tenants[c.ID] = &c
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok || !tenantVisible(ctx, wf.TenantID) {
		return nil, ErrNotFound
	}
	c := *wf
	return &c, nil
}

// GetWorkflowByComponent retrieves the workflow bound to a trigger component.
func (s *MemoryStore) GetWorkflowByComponent(ctx context.Context, componentID string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wf := range s.workflows {
		if wf.TriggerComponentID != nil && *wf.TriggerComponentID == componentID && tenantVisible(ctx, wf.TenantID) {
			c := *wf
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ListWorkflows lists workflows visible to the context, ordered by name.
func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Workflow
	for _, wf := range s.workflows {
		if tenantVisible(ctx, wf.TenantID) {
			c := *wf
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateWorkflow stores a workflow, assigning an id if missing.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if tenantID, ok := TenantIDFromContext(ctx); ok && workflow.TenantID == "" {
		workflow.TenantID = tenantID
	}
	now := time.Now().UTC()
	workflow.CreatedAt, workflow.UpdatedAt = now, now
	c := *workflow
	s.workflows[c.ID] = &c
	return nil
}

// CreateExecution inserts a new execution.
func (s *MemoryStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution retrieves an execution by id.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok || !tenantVisible(ctx, exec.TenantID) {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

// UpdateExecution writes the mutable fields of exec if its stored status is
// one of expected.
func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution, expected ...models.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[exec.ID]
	if !ok || !tenantVisible(ctx, stored.TenantID) {
		return ErrNotFound
	}
	if len(expected) > 0 && !hasStatus(expected, stored.Status) {
		return ErrStatusConflict
	}

	updated := stored.Clone()
	next := exec.Clone()
	updated.Status = next.Status
	updated.CompletedAt = next.CompletedAt
	updated.EngineExecutionID = next.EngineExecutionID
	updated.EngineResponse = next.EngineResponse
	updated.ErrorMessage = next.ErrorMessage
	s.executions[exec.ID] = updated
	return nil
}

// ListExecutions returns matching executions, newest first.
func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.matchExecutions(ctx, filter)
	sort.Slice(out, func(i, j int) bool {
		if filter.OldestFirst {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountExecutions counts matching executions.
func (s *MemoryStore) CountExecutions(ctx context.Context, filter ExecutionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.matchExecutions(ctx, filter)), nil
}

// AverageDurationSeconds averages the run time of matching completed executions.
func (s *MemoryStore) AverageDurationSeconds(ctx context.Context, filter ExecutionFilter) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	var n int
	for _, exec := range s.matchExecutions(ctx, filter) {
		if exec.CompletedAt == nil {
			continue
		}
		total += exec.Duration().Seconds()
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}

func (s *MemoryStore) matchExecutions(ctx context.Context, filter ExecutionFilter) []*models.WorkflowExecution {
	var out []*models.WorkflowExecution
	for _, exec := range s.executions {
		if !tenantVisible(ctx, exec.TenantID) {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, exec.Status) {
			continue
		}
		if !filter.StartedAfter.IsZero() && !exec.StartedAt.After(filter.StartedAfter) {
			continue
		}
		out = append(out, exec.Clone())
	}
	return out
}

// CreateWebhookEvent stores a delivery record.
func (s *MemoryStore) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	event.CreatedAt, event.UpdatedAt = now, now
	c := *event
	s.events[c.ID] = &c
	return nil
}

// UpdateWebhookEvent records the outcome of a delivery.
func (s *MemoryStore) UpdateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.events[event.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Processed = event.Processed
	stored.ErrorMessage = event.ErrorMessage
	stored.ExecutionID = event.ExecutionID
	stored.UpdatedAt = time.Now().UTC()
	event.UpdatedAt = stored.UpdatedAt
	return nil
}

// ListWebhookEvents lists deliveries for a workflow, newest first.
func (s *MemoryStore) ListWebhookEvents(ctx context.Context, workflowID string, limit int) ([]*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WebhookEvent
	for _, ev := range s.events {
		if ev.WorkflowID != workflowID || !tenantVisible(ctx, ev.TenantID) {
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
