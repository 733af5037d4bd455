// Package api contains the HTTP handlers for the funnel automation service
package api

import (
	"net/http"

	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/internal/services"
	"funnel-automation/backend/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
	defaultEventLimit     = 100
	maxEventLimit         = 500
)

// Server holds the dependencies for the API server.
type Server struct {
	Repo         repository.Repository
	Orchestrator *services.Orchestrator
	Ingress      *services.Ingress
	Stats        *services.StatsAggregator
	Logger       services.Logger
}

// NewServer creates a new Server.
func NewServer(repo repository.Repository, orch *services.Orchestrator, ingress *services.Ingress, stats *services.StatsAggregator, logger services.Logger) *Server {
	return &Server{
		Repo:         repo,
		Orchestrator: orch,
		Ingress:      ingress,
		Stats:        stats,
		Logger:       logger,
	}
}

// RegisterPublicHandlers mounts routes that do not require authentication.
func RegisterPublicHandlers(e *echo.Echo, s *Server) {
	e.GET("/health", s.Health)
	e.POST("/webhooks/:workflowId", s.ReceiveWebhook)
}

// RegisterHandlers mounts the authenticated API on g.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id/stats", s.GetWorkflowStats)
	g.GET("/workflows/:id/validate", s.ValidateWorkflow)
	g.GET("/workflows/:id/executions", s.ListWorkflowExecutions)
	g.GET("/workflows/:id/webhook-events", s.ListWebhookEvents)

	g.POST("/executions", s.CreateExecution)
	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/cancel", s.CancelExecution)
}

// ListWorkflows returns a list of all workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.Repo.ListWorkflows(c.Request().Context())
	if err != nil {
		return s.writeServiceError(c, err)
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, workflows)
}

// GetWorkflowStats returns execution statistics for a workflow
// (GET /api/v1/workflows/{id}/stats)
func (s *Server) GetWorkflowStats(c echo.Context) error {
	wf, err := s.Repo.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}

	stats, err := s.Stats.Stats(c.Request().Context(), wf.ID)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ValidateWorkflow reports whether a workflow can run right now
// (GET /api/v1/workflows/{id}/validate)
func (s *Server) ValidateWorkflow(c echo.Context) error {
	result, err := s.Orchestrator.Validate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ListWorkflowExecutions lists executions of a workflow, newest first. It
// never contacts the engine.
// (GET /api/v1/workflows/{id}/executions?status=running&limit=50)
func (s *Server) ListWorkflowExecutions(c echo.Context) error {
	ctx := c.Request().Context()

	var statuses *[]string
	if err := runtime.BindQueryParameter("form", true, false, "status", c.QueryParams(), &statuses); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid query parameter", err.Error())
	}
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", c.QueryParams(), &limit); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid query parameter", err.Error())
	}

	var filter []models.ExecutionStatus
	if statuses != nil {
		for _, st := range *statuses {
			status := models.ExecutionStatus(st)
			if !status.IsValid() {
				return writeError(c, http.StatusBadRequest, "Invalid query parameter", "unknown status "+st)
			}
			filter = append(filter, status)
		}
	}

	n := defaultExecutionLimit
	if limit != nil {
		if *limit < 1 || *limit > maxExecutionLimit {
			return writeError(c, http.StatusBadRequest, "Invalid query parameter", "limit must be between 1 and 500")
		}
		n = *limit
	}

	wf, err := s.Repo.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}

	execs, err := s.Orchestrator.List(ctx, wf.ID, filter, n)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	if execs == nil {
		execs = []*models.WorkflowExecution{}
	}
	return c.JSON(http.StatusOK, execs)
}

// ListWebhookEvents lists logged trigger deliveries for a workflow
// (GET /api/v1/workflows/{id}/webhook-events)
func (s *Server) ListWebhookEvents(c echo.Context) error {
	ctx := c.Request().Context()

	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", c.QueryParams(), &limit); err != nil {
		return writeError(c, http.StatusBadRequest, "Invalid query parameter", err.Error())
	}
	n := defaultEventLimit
	if limit != nil {
		if *limit < 1 || *limit > maxEventLimit {
			return writeError(c, http.StatusBadRequest, "Invalid query parameter", "limit must be between 1 and 500")
		}
		n = *limit
	}

	wf, err := s.Repo.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return s.writeServiceError(c, err)
	}

	events, err := s.Ingress.History(ctx, wf.ID, n)
	if err != nil {
		return s.writeServiceError(c, err)
	}
	if events == nil {
		events = []*models.WebhookEvent{}
	}
	return c.JSON(http.StatusOK, events)
}
