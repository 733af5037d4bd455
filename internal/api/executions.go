package api

import (
	"net/http"

	"funnel-automation/backend/internal/auth"
	"funnel-automation/backend/internal/services"
	"funnel-automation/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// CreateExecutionRequest triggers a workflow by id or by trigger component.
type CreateExecutionRequest struct {
	WorkflowID  string         `json:"workflowId"`
	ComponentID string         `json:"componentId"`
	TriggerData map[string]any `json:"triggerData"`
	TestMode    bool           `json:"testMode"`
}

// ExecutionResponse is returned by execution endpoints.
type ExecutionResponse struct {
	ExecutionID string                    `json:"executionId"`
	Status      models.ExecutionStatus    `json:"status"`
	Execution   *models.WorkflowExecution `json:"execution"`
}

func newExecutionResponse(exec *models.WorkflowExecution) ExecutionResponse {
	return ExecutionResponse{ExecutionID: exec.ID, Status: exec.Status, Execution: exec}
}

// CreateExecution records the delivery, validates and submits a workflow
// (POST /api/v1/executions)
func (s *Server) CreateExecution(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateExecutionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid request body", err.Error())
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		if req.ComponentID == "" {
			return writeError(c, http.StatusBadRequest, "Invalid request body", "workflowId or componentId is required")
		}
		id, err := s.Orchestrator.ResolveComponent(ctx, req.ComponentID)
		if err != nil {
			return s.writeServiceError(c, err)
		}
		workflowID = id
	}

	res, err := s.Ingress.HandleTrigger(ctx, services.TriggerRequest{
		WorkflowID:  workflowID,
		Payload:     req.TriggerData,
		TestMode:    req.TestMode,
		Source:      services.SourceAPI,
		SubmittedBy: auth.UserFromContext(ctx),
	})
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, newExecutionResponse(res.Execution))
}

// GetExecution returns an execution after reconciling it with the engine
// (GET /api/v1/executions/{id})
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.Orchestrator.Reconcile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, newExecutionResponse(exec))
}

// CancelExecution cancels a pending or running execution
// (POST /api/v1/executions/{id}/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	exec, err := s.Orchestrator.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, newExecutionResponse(exec))
}
