package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/internal/services"

	"github.com/labstack/echo/v4"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Store     string    `json:"store"`
}

// Health reports service and store status
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "funnel-automation",
		Store:     "ok",
	}
	if err := s.Repo.Ping(c.Request().Context()); err != nil {
		s.Logger.Warn("health check failed", "error", err)
		status.Status = "degraded"
		status.Store = err.Error()
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`

	Errors        any    `json:"errors,omitempty"`
	Warnings      any    `json:"warnings,omitempty"`
	ExecutionID   string `json:"executionId,omitempty"`
	CurrentStatus string `json:"currentStatus,omitempty"`
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, p ProblemDetails) error {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	p.Instance = c.Request().URL.Path
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(p.Status, p)
}

func writeError(c echo.Context, status int, title, detail string) error {
	return writeProblem(c, ProblemDetails{Title: title, Status: status, Detail: detail})
}

// writeServiceError maps service errors onto problem responses.
func (s *Server) writeServiceError(c echo.Context, err error) error {
	var (
		verr   *services.ValidationError
		terr   *services.TransitionError
		subErr *services.SubmissionError
	)

	switch {
	case errors.As(err, &verr):
		return writeProblem(c, ProblemDetails{
			Title:    "Workflow validation failed",
			Status:   http.StatusUnprocessableEntity,
			Detail:   err.Error(),
			Errors:   verr.Errors,
			Warnings: verr.Warnings,
		})
	case errors.Is(err, services.ErrWorkflowNotFound), errors.Is(err, repository.ErrNotFound):
		return writeError(c, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, services.ErrWorkflowInactive):
		return writeError(c, http.StatusBadRequest, "Workflow inactive", err.Error())
	case errors.As(err, &terr):
		return writeProblem(c, ProblemDetails{
			Title:         "Invalid state transition",
			Status:        http.StatusConflict,
			Detail:        err.Error(),
			ExecutionID:   terr.ExecutionID,
			CurrentStatus: string(terr.Current),
		})
	case errors.Is(err, services.ErrEngineUnavailable):
		p := ProblemDetails{
			Title:  "Automation engine unavailable",
			Status: http.StatusBadGateway,
			Detail: err.Error(),
		}
		if errors.As(err, &subErr) {
			p.ExecutionID = subErr.Execution.ID
		}
		return writeProblem(c, p)
	}

	s.Logger.Error("request failed", "path", c.Request().URL.Path, "error", err)
	return writeError(c, http.StatusInternalServerError, "Internal error", "an unexpected error occurred")
}
