package models

import "time"

// WebhookEvent records one inbound trigger delivery. It is written before
// orchestration starts and updated once with the outcome.
type WebhookEvent struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	WorkflowID   string            `json:"workflow_id"`
	EventType    string            `json:"event_type"`
	Payload      map[string]any    `json:"payload"`
	Headers      map[string]string `json:"headers"`
	Processed    bool              `json:"processed"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	ExecutionID  *string           `json:"execution_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
