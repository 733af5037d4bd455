package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"funnel-automation/backend/internal/metrics"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"
)

// DefaultEventType is recorded when a webhook delivery does not name its
// event type. API and MCP deliveries are recorded under their source.
const DefaultEventType = "webhook"

var campaignParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"}

// TriggerRequest is one inbound trigger delivery. Source defaults to
// SourceWebhook; only webhook deliveries get request context in their
// trigger data.
type TriggerRequest struct {
	WorkflowID  string
	EventType   string
	Payload     map[string]any
	Headers     map[string]string
	SourceIP    string
	TestMode    bool
	Source      string
	SubmittedBy string
}

// TriggerResult describes the execution a delivery produced.
type TriggerResult struct {
	ExecutionID    string                 `json:"executionId"`
	Status         models.ExecutionStatus `json:"status"`
	RedirectURL    string                 `json:"redirectUrl,omitempty"`
	WebhookEventID string                 `json:"webhookEventId"`

	Execution *models.WorkflowExecution `json:"-"`
}

// IngressStore is the persistence ingress needs.
type IngressStore interface {
	repository.WorkflowStore
	repository.WebhookEventStore
}

// Ingress logs trigger deliveries and hands them to the orchestrator.
type Ingress struct {
	store        IngressStore
	orchestrator *Orchestrator
	recorder     Recorder
	logger       Logger
}

// NewIngress creates a new Ingress. recorder and logger may be nil.
func NewIngress(store IngressStore, orchestrator *Orchestrator, recorder Recorder, logger Logger) *Ingress {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Ingress{
		store:        store,
		orchestrator: orchestrator,
		recorder:     recorder,
		logger:       logger,
	}
}

// HandleTrigger logs the delivery exactly once and, if the workflow is
// active, creates an execution for it.
func (i *Ingress) HandleTrigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if req.Source == "" {
		req.Source = SourceWebhook
	}
	event := &models.WebhookEvent{
		WorkflowID: req.WorkflowID,
		EventType:  req.EventType,
		Payload:    req.Payload,
		Headers:    req.Headers,
	}
	if event.EventType == "" {
		event.EventType = DefaultEventType
		if req.Source != SourceWebhook {
			event.EventType = req.Source
		}
	}
	if tenantID, ok := repository.TenantIDFromContext(ctx); ok {
		event.TenantID = tenantID
	}

	wf, err := i.store.GetWorkflow(ctx, req.WorkflowID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, i.reject(ctx, event, metrics.OutcomeRejected, fmt.Errorf("%w: %s", ErrWorkflowNotFound, req.WorkflowID))
	case err != nil:
		return nil, i.reject(ctx, event, metrics.OutcomeFailed, fmt.Errorf("failed to load workflow %s: %w", req.WorkflowID, err))
	case !wf.IsActive():
		event.TenantID = wf.TenantID
		return nil, i.reject(ctx, event, metrics.OutcomeRejected, fmt.Errorf("%w: %s is %s", ErrWorkflowInactive, wf.ID, wf.Status))
	}

	event.TenantID = wf.TenantID
	event.Processed = true
	if err := i.store.CreateWebhookEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}

	data := req.Payload
	if req.Source == SourceWebhook {
		data = withRequestContext(req)
	}
	tenantCtx := repository.WithTenantID(ctx, wf.TenantID)
	exec, err := i.orchestrator.Create(tenantCtx, wf.ID, data, CreateOptions{
		TestMode:    req.TestMode,
		Source:      req.Source,
		SubmittedBy: req.SubmittedBy,
	})
	if err != nil {
		msg := err.Error()
		event.Processed = false
		event.ErrorMessage = &msg
		var subErr *SubmissionError
		if errors.As(err, &subErr) {
			event.ExecutionID = &subErr.Execution.ID
		}
		i.updateEvent(ctx, event)
		i.recorder.RecordDelivery(metrics.OutcomeFailed)
		return nil, err
	}

	event.ExecutionID = &exec.ID
	i.updateEvent(ctx, event)
	i.recorder.RecordDelivery(metrics.OutcomeAccepted)

	return &TriggerResult{
		ExecutionID:    exec.ID,
		Status:         exec.Status,
		RedirectURL:    wf.RedirectURL(),
		WebhookEventID: event.ID,
		Execution:      exec,
	}, nil
}

// History lists logged deliveries for a workflow.
func (i *Ingress) History(ctx context.Context, workflowID string, limit int) ([]*models.WebhookEvent, error) {
	return i.store.ListWebhookEvents(ctx, workflowID, limit)
}

// reject logs a delivery that produced no execution.
func (i *Ingress) reject(ctx context.Context, event *models.WebhookEvent, outcome string, reason error) error {
	msg := reason.Error()
	event.ErrorMessage = &msg
	if err := i.store.CreateWebhookEvent(ctx, event); err != nil {
		i.logger.Error("failed to record rejected delivery", "workflow_id", event.WorkflowID, "error", err)
	}
	i.recorder.RecordDelivery(outcome)
	i.logger.Info("delivery rejected", "workflow_id", event.WorkflowID, "reason", msg)
	return reason
}

func (i *Ingress) updateEvent(ctx context.Context, event *models.WebhookEvent) {
	if err := i.store.UpdateWebhookEvent(ctx, event); err != nil {
		i.logger.Error("failed to update delivery", "webhook_event_id", event.ID, "error", err)
	}
}

// withRequestContext copies the payload and adds headers, source address and
// campaign parameters under ContextKey.
func withRequestContext(req TriggerRequest) map[string]any {
	data := make(map[string]any, len(req.Payload)+1)
	for k, v := range req.Payload {
		data[k] = v
	}

	headers := make(map[string]any, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	data[ContextKey] = map[string]any{
		"headers":   headers,
		"source_ip": req.SourceIP,
		"campaign":  campaign(req.Headers, req.Payload),
	}
	return data
}

// campaign reads utm parameters from X-UTM-* headers, falling back to
// utm_* keys in the payload.
func campaign(headers map[string]string, payload map[string]any) map[string]any {
	out := map[string]any{}
	for _, param := range campaignParams {
		header := "x-" + strings.ReplaceAll(param, "_", "-")
		if v := headerValue(headers, header); v != "" {
			out[param] = v
			continue
		}
		if v, ok := payload[param].(string); ok && v != "" {
			out[param] = v
		}
	}
	return out
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
