// Package mcp exposes execution orchestration as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"funnel-automation/backend/internal/auth"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/internal/services"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type Server struct {
	mcpServer    *server.MCPServer
	orchestrator *services.Orchestrator
	ingress      *services.Ingress
	stats        *services.StatsAggregator
}

func NewServer(orchestrator *services.Orchestrator, ingress *services.Ingress, stats *services.StatsAggregator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Funnel Automation",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		orchestrator: orchestrator,
		ingress:      ingress,
		stats:        stats,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"trigger_workflow",
			mcp.WithDescription("Validate a workflow and submit it to the automation engine"),
			mcp.WithString("workflow_id", mcp.Description("The workflow to run")),
			mcp.WithString("component_id", mcp.Description("A trigger component bound to the workflow, used when workflow_id is empty")),
			mcp.WithObject("trigger_data", mcp.Description("Data handed to the workflow")),
			mcp.WithBoolean("test_mode", mcp.Description("Run as a manual test execution")),
		),
		s.handleTrigger,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution",
			mcp.WithDescription("Get an execution, refreshing its status from the engine"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The ID of the execution")),
		),
		s.handleGetExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_execution",
			mcp.WithDescription("Cancel a pending or running execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The ID of the execution")),
		),
		s.handleCancel,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_stats",
			mcp.WithDescription("Summarize the executions of a workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
		),
		s.handleStats,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"validate_workflow",
			mcp.WithDescription("Check whether a workflow can run right now"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
		),
		s.handleValidate,
	)
}

func (s *Server) handleTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, _ := args["workflow_id"].(string)
	if workflowID == "" {
		componentID, _ := args["component_id"].(string)
		if componentID == "" {
			return mcp.NewToolResultError("Missing required parameter: workflow_id or component_id"), nil
		}
		id, err := s.orchestrator.ResolveComponent(ctx, componentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve component: %v", err)), nil
		}
		workflowID = id
	}

	triggerData, _ := args["trigger_data"].(map[string]interface{})
	testMode, _ := args["test_mode"].(bool)

	res, err := s.ingress.HandleTrigger(ctx, services.TriggerRequest{
		WorkflowID:  workflowID,
		Payload:     triggerData,
		TestMode:    testMode,
		Source:      services.SourceMCP,
		SubmittedBy: auth.UserFromContext(ctx),
	})
	if err != nil {
		return mcp.NewToolResultError(describe("Failed to trigger workflow", err)), nil
	}
	return jsonResult(res.Execution)
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredString(request, "execution_id")
	if errResult != nil {
		return errResult, nil
	}

	exec, err := s.orchestrator.Reconcile(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(describe("Failed to get execution", err)), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredString(request, "execution_id")
	if errResult != nil {
		return errResult, nil
	}

	exec, err := s.orchestrator.Cancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(describe("Failed to cancel execution", err)), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredString(request, "workflow_id")
	if errResult != nil {
		return errResult, nil
	}

	stats, err := s.stats.Stats(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(describe("Failed to compute stats", err)), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requiredString(request, "workflow_id")
	if errResult != nil {
		return errResult, nil
	}

	result, err := s.orchestrator.Validate(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(describe("Failed to validate workflow", err)), nil
	}
	return jsonResult(result)
}

func requiredString(request mcp.CallToolRequest, name string) (string, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", mcp.NewToolResultError("Invalid arguments type")
	}
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError("Missing required parameter: " + name)
	}
	return v, nil
}

// describe renders validation failures with their check codes.
func describe(prefix string, err error) string {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		b, _ := json.Marshal(verr.Errors)
		return fmt.Sprintf("%s: validation failed: %s", prefix, b)
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp. Tenant and user
// scoping from the authenticated request carry over to tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if tenantID, ok := repository.TenantIDFromContext(r.Context()); ok {
				ctx = repository.WithTenantID(ctx, tenantID)
			}
			return auth.WithUser(ctx, auth.UserFromContext(r.Context()))
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
