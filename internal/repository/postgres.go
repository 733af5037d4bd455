package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"funnel-automation/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables used by the store if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

func scopeOf(ctx context.Context) string {
	id, _ := TenantIDFromContext(ctx)
	return id
}

// GetTenantByDomain retrieves a tenant by its email domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx,
		`SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1`, domain,
	).Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateTenant stores a tenant, assigning an id if missing.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO tenants (id, name, domain) VALUES ($1, $2, $3) RETURNING created_at, updated_at`,
		tenant.ID, tenant.Name, tenant.Domain,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
}

const workflowColumns = `id, tenant_id, engine_workflow_id, trigger_component_id, name, status, config, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var wf models.Workflow
	var status string
	err := row.Scan(&wf.ID, &wf.TenantID, &wf.EngineWorkflowID, &wf.TriggerComponentID,
		&wf.Name, &status, &wf.Config, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Status = models.WorkflowStatus(status)
	return &wf, nil
}

// GetWorkflow retrieves a workflow by id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 AND ($2::text = '' OR tenant_id = $2)`,
		id, scopeOf(ctx)))
	if err != nil {
		return nil, notFound(err)
	}
	return wf, nil
}

// GetWorkflowByComponent retrieves the workflow bound to a trigger component.
func (s *PostgresStore) GetWorkflowByComponent(ctx context.Context, componentID string) (*models.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE trigger_component_id = $1 AND ($2::text = '' OR tenant_id = $2)`,
		componentID, scopeOf(ctx)))
	if err != nil {
		return nil, notFound(err)
	}
	return wf, nil
}

// ListWorkflows lists workflows visible to the context, ordered by name.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE ($1::text = '' OR tenant_id = $1) ORDER BY name`,
		scopeOf(ctx))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// CreateWorkflow stores a workflow, assigning an id if missing.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if workflow.TenantID == "" {
		workflow.TenantID = scopeOf(ctx)
	}
	config := workflow.Config
	if config == nil {
		config = map[string]any{}
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO workflows (id, tenant_id, engine_workflow_id, trigger_component_id, name, status, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		workflow.ID, workflow.TenantID, workflow.EngineWorkflowID, workflow.TriggerComponentID,
		workflow.Name, string(workflow.Status), config,
	).Scan(&workflow.CreatedAt, &workflow.UpdatedAt)
}

const executionColumns = `id, tenant_id, workflow_id, status, started_at, completed_at, trigger_data,
	engine_execution_id, engine_response, error_message, test_mode`

func scanExecution(row pgx.Row) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var status string
	err := row.Scan(&e.ID, &e.TenantID, &e.WorkflowID, &status, &e.StartedAt, &e.CompletedAt,
		&e.TriggerData, &e.EngineExecutionID, &e.EngineResponse, &e.ErrorMessage, &e.TestMode)
	if err != nil {
		return nil, err
	}
	e.Status = models.ExecutionStatus(status)
	return &e, nil
}

// CreateExecution inserts a new execution.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	triggerData := exec.TriggerData
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID, exec.TenantID, exec.WorkflowID, string(exec.Status), exec.StartedAt, exec.CompletedAt,
		triggerData, exec.EngineExecutionID, exec.EngineResponse, exec.ErrorMessage, exec.TestMode,
	)
	return err
}

// GetExecution retrieves an execution by id.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	exec, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1 AND ($2::text = '' OR tenant_id = $2)`,
		id, scopeOf(ctx)))
	if err != nil {
		return nil, notFound(err)
	}
	return exec, nil
}

// UpdateExecution writes the mutable fields of exec if its stored status is
// one of expected. The status check and the write happen in one statement.
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution, expected ...models.ExecutionStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_executions
		 SET status = $3, completed_at = $4, engine_execution_id = $5, engine_response = $6, error_message = $7
		 WHERE id = $1 AND ($2::text = '' OR tenant_id = $2)
		   AND (cardinality($8::text[]) = 0 OR status = ANY($8::text[]))`,
		exec.ID, scopeOf(ctx), string(exec.Status), exec.CompletedAt, exec.EngineExecutionID,
		exec.EngineResponse, exec.ErrorMessage, statusStrings(expected),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetExecution(ctx, exec.ID); err != nil {
		return err
	}
	return ErrStatusConflict
}

func buildExecutionWhere(ctx context.Context, filter ExecutionFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if scope := scopeOf(ctx); scope != "" {
		add("tenant_id = $%d", scope)
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d::text[])", statusStrings(filter.Statuses))
	}
	if !filter.StartedAfter.IsZero() {
		add("started_at > $%d", filter.StartedAfter)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListExecutions returns matching executions, newest first unless
// filter.OldestFirst is set.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error) {
	where, args := buildExecutionWhere(ctx, filter)
	order := " ORDER BY started_at DESC"
	if filter.OldestFirst {
		order = " ORDER BY started_at ASC"
	}
	query := `SELECT ` + executionColumns + ` FROM workflow_executions` + where + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*models.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// CountExecutions counts matching executions.
func (s *PostgresStore) CountExecutions(ctx context.Context, filter ExecutionFilter) (int, error) {
	where, args := buildExecutionWhere(ctx, filter)
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM workflow_executions`+where, args...).Scan(&n)
	return n, err
}

// AverageDurationSeconds averages the run time of matching completed executions.
func (s *PostgresStore) AverageDurationSeconds(ctx context.Context, filter ExecutionFilter) (float64, error) {
	where, args := buildExecutionWhere(ctx, filter)
	if where == "" {
		where = " WHERE completed_at IS NOT NULL"
	} else {
		where += " AND completed_at IS NOT NULL"
	}
	var avg float64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at)), 0)::float8 FROM workflow_executions`+where,
		args...,
	).Scan(&avg)
	return avg, err
}

// CreateWebhookEvent stores a delivery record.
func (s *PostgresStore) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	headers := event.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO webhook_events (id, tenant_id, workflow_id, event_type, payload, headers, processed, error_message, execution_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at, updated_at`,
		event.ID, event.TenantID, event.WorkflowID, event.EventType, payload, headers,
		event.Processed, event.ErrorMessage, event.ExecutionID,
	).Scan(&event.CreatedAt, &event.UpdatedAt)
}

// UpdateWebhookEvent records the outcome of a delivery.
func (s *PostgresStore) UpdateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	err := s.db.QueryRow(ctx,
		`UPDATE webhook_events SET processed = $2, error_message = $3, execution_id = $4, updated_at = now()
		 WHERE id = $1 RETURNING updated_at`,
		event.ID, event.Processed, event.ErrorMessage, event.ExecutionID,
	).Scan(&event.UpdatedAt)
	return notFound(err)
}

// ListWebhookEvents lists deliveries for a workflow, newest first.
func (s *PostgresStore) ListWebhookEvents(ctx context.Context, workflowID string, limit int) ([]*models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, workflow_id, event_type, payload, headers, processed, error_message, execution_id, created_at, updated_at
		 FROM webhook_events WHERE workflow_id = $1 AND ($2::text = '' OR tenant_id = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		workflowID, scopeOf(ctx), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		var ev models.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.WorkflowID, &ev.EventType, &ev.Payload, &ev.Headers,
			&ev.Processed, &ev.ErrorMessage, &ev.ExecutionID, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func statusStrings(statuses []models.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

var _ Repository = (*PostgresStore)(nil)
var _ Repository = (*MemoryStore)(nil)
