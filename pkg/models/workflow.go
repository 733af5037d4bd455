// Package models defines the domain models for the funnel automation service
package models

import (
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
)

// Workflow identifies an automation definition hosted by the external engine.
// It is owned by the funnel CRUD layer and is read-only to orchestration.
type Workflow struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	EngineWorkflowID   string         `json:"engine_workflow_id"`
	TriggerComponentID *string        `json:"trigger_component_id,omitempty"`
	Name               string         `json:"name"`
	Status             WorkflowStatus `json:"status"`
	Config             map[string]any `json:"config,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// IsActive reports whether executions may be created for the workflow.
func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}

// RedirectURL returns the post-submission redirect configured on the workflow, if any.
func (w *Workflow) RedirectURL() string {
	if w.Config == nil {
		return ""
	}
	if v, ok := w.Config["redirect_url"].(string); ok {
		return v
	}
	return ""
}
