package models

import (
	"time"
)

// ExecutionStatus is the state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// AllExecutionStatuses lists every status in lifecycle order.
var AllExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusRunning,
	ExecutionStatusCompleted,
	ExecutionStatusFailed,
	ExecutionStatusCancelled,
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	for _, v := range AllExecutionStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// WorkflowExecution is one run of a workflow on the external engine.
//
// CompletedAt is set exactly when Status is terminal. EngineExecutionID is set
// once the engine has accepted the submission.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	WorkflowID        string          `json:"workflow_id"`
	Status            ExecutionStatus `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	TriggerData       map[string]any  `json:"trigger_data"`
	EngineExecutionID *string         `json:"engine_execution_id,omitempty"`
	EngineResponse    map[string]any  `json:"engine_response,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	TestMode          bool            `json:"test_mode"`
}

// Duration returns the wall time between start and completion, or zero if
// the execution has not completed.
func (e *WorkflowExecution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// Clone returns a copy that shares no mutable pointers with e. Maps are
// copied one level deep.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.EngineExecutionID != nil {
		s := *e.EngineExecutionID
		c.EngineExecutionID = &s
	}
	if e.ErrorMessage != nil {
		s := *e.ErrorMessage
		c.ErrorMessage = &s
	}
	c.TriggerData = copyMap(e.TriggerData)
	c.EngineResponse = copyMap(e.EngineResponse)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExecutionStats summarizes the executions of a single workflow.
type ExecutionStats struct {
	WorkflowID         string     `json:"workflow_id"`
	Total              int        `json:"total"`
	Succeeded          int        `json:"succeeded"`
	Failed             int        `json:"failed"`
	Running            int        `json:"running"`
	Pending            int        `json:"pending"`
	Cancelled          int        `json:"cancelled"`
	AvgDurationSeconds float64    `json:"avg_duration_seconds"`
	LastStatus         string     `json:"last_status"`
	LastStartedAt      *time.Time `json:"last_started_at,omitempty"`
}
