package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"funnel-automation/backend/internal/engine"
	"funnel-automation/backend/internal/events"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEngine satisfies EngineClient.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Submit(ctx context.Context, engineWorkflowID string, payload map[string]any, mode engine.Mode) (*engine.ExecutionHandle, error) {
	args := m.Called(ctx, engineWorkflowID, payload, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ExecutionHandle), args.Error(1)
}

func (m *MockEngine) FetchStatus(ctx context.Context, engineExecutionID string) (*engine.ExecutionSnapshot, error) {
	args := m.Called(ctx, engineExecutionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ExecutionSnapshot), args.Error(1)
}

func (m *MockEngine) Cancel(ctx context.Context, engineExecutionID string) error {
	return m.Called(ctx, engineExecutionID).Error(0)
}

func (m *MockEngine) GetWorkflow(ctx context.Context, engineWorkflowID string) (*engine.WorkflowDefinition, error) {
	args := m.Called(ctx, engineWorkflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.WorkflowDefinition), args.Error(1)
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []events.Transition
}

func (p *recordingPublisher) Publish(_ context.Context, t events.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, t)
	return nil
}

func (p *recordingPublisher) targets() []models.ExecutionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.ExecutionStatus
	for _, t := range p.transitions {
		out = append(out, t.To)
	}
	return out
}

type countingRecorder struct {
	mu         sync.Mutex
	deliveries map[string]int
	skipped    int
}

func (r *countingRecorder) RecordDelivery(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliveries == nil {
		r.deliveries = map[string]int{}
	}
	r.deliveries[outcome]++
}

func (r *countingRecorder) RecordReconcileSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store     *repository.MemoryStore
	engine    *MockEngine
	publisher *recordingPublisher
	recorder  *countingRecorder
	orch      *Orchestrator
	ingress   *Ingress

	tenantID string
	active   *models.Workflow
	inactive *models.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:     repository.NewMemoryStore(),
		engine:    new(MockEngine),
		publisher: &recordingPublisher{},
		recorder:  &countingRecorder{},
	}

	tenant := &models.Tenant{Name: "Acme", Domain: "acme.com"}
	require.NoError(t, f.store.CreateTenant(ctx, tenant))
	f.tenantID = tenant.ID

	component := "signup-form"
	f.active = &models.Workflow{
		ID:                 "w1",
		TenantID:           tenant.ID,
		EngineWorkflowID:   "eng-w1",
		TriggerComponentID: &component,
		Name:               "Welcome sequence",
		Status:             models.WorkflowStatusActive,
		Config:             map[string]any{"redirect_url": "/thank-you"},
	}
	f.inactive = &models.Workflow{
		ID:               "w2",
		TenantID:         tenant.ID,
		EngineWorkflowID: "eng-w2",
		Name:             "Paused upsell",
		Status:           models.WorkflowStatusInactive,
	}
	require.NoError(t, f.store.CreateWorkflow(ctx, f.active))
	require.NoError(t, f.store.CreateWorkflow(ctx, f.inactive))

	clock := func() time.Time { return fixedNow }
	validator := NewValidator(f.store, f.store, f.engine, WithValidatorClock(clock))
	f.orch = NewOrchestrator(f.store, f.engine, validator,
		WithPublisher(f.publisher),
		WithRecorder(f.recorder),
		WithClock(clock),
	)
	f.ingress = NewIngress(f.store, f.orch, f.recorder, nil)
	return f
}

func (f *fixture) ctx() context.Context {
	return repository.WithTenantID(context.Background(), f.tenantID)
}

func (f *fixture) runnableDefinition(engineWorkflowID string) {
	f.engine.On("GetWorkflow", mock.Anything, engineWorkflowID).Return(&engine.WorkflowDefinition{
		ID:     engineWorkflowID,
		Active: true,
		Nodes: []engine.Node{
			{ID: "1", Name: "Form submitted", Type: "n8n-nodes-base.webhook"},
			{ID: "2", Name: "Add to list", Type: "n8n-nodes-base.mailchimp"},
		},
	}, nil)
}

// createRunning creates an execution the engine accepted as engineID.
func (f *fixture) createRunning(t *testing.T, engineID string) *models.WorkflowExecution {
	t.Helper()
	f.runnableDefinition(f.active.EngineWorkflowID)
	f.engine.On("Submit", mock.Anything, f.active.EngineWorkflowID, mock.Anything, engine.ModeTrigger).
		Return(&engine.ExecutionHandle{ID: engineID, Raw: map[string]any{"id": engineID}}, nil).Once()

	exec, err := f.orch.Create(f.ctx(), f.active.ID, map[string]any{"email": "lead@example.com"}, CreateOptions{})
	require.NoError(t, err)
	return exec
}

// assertCompletedAtInvariant checks every stored execution carries a
// completion time exactly when it is terminal.
func (f *fixture) assertCompletedAtInvariant(t *testing.T) {
	t.Helper()
	all, err := f.store.ListExecutions(context.Background(), repository.ExecutionFilter{})
	require.NoError(t, err)
	for _, e := range all {
		assert.Equal(t, e.Status.IsTerminal(), e.CompletedAt != nil, "execution %s in %s", e.ID, e.Status)
		assert.Equal(t, e.Status == models.ExecutionStatusFailed, e.ErrorMessage != nil, "execution %s in %s", e.ID, e.Status)
	}
}

func (f *fixture) executionCount(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountExecutions(context.Background(), repository.ExecutionFilter{})
	require.NoError(t, err)
	return n
}
