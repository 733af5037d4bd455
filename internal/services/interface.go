package services

import (
	"context"

	"funnel-automation/backend/internal/engine"
	"funnel-automation/backend/internal/events"
)

// EngineClient is the subset of the automation engine API the services use.
type EngineClient interface {
	// Submit starts a workflow run and returns the engine's handle for it.
	Submit(ctx context.Context, engineWorkflowID string, payload map[string]any, mode engine.Mode) (*engine.ExecutionHandle, error)
	// FetchStatus reads the engine's current view of a run.
	FetchStatus(ctx context.Context, engineExecutionID string) (*engine.ExecutionSnapshot, error)
	// Cancel asks the engine to stop a run.
	Cancel(ctx context.Context, engineExecutionID string) error
	// GetWorkflow fetches a workflow definition.
	GetWorkflow(ctx context.Context, engineWorkflowID string) (*engine.WorkflowDefinition, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Publisher receives execution status transitions.
type Publisher interface {
	Publish(ctx context.Context, t events.Transition) error
}

// Recorder counts ingress and reconciliation outcomes.
type Recorder interface {
	RecordDelivery(outcome string)
	RecordReconcileSkipped()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Transition) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordDelivery(string)   {}
func (nopRecorder) RecordReconcileSkipped() {}
