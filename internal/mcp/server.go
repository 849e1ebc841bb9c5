// SPDX-License-Identifier: Apache-2.0

// Package mcp exposes the pipeline engine as Model Context Protocol tools.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverName = "pipeline-runtime"

// NewServer creates an MCP server with every pipeline tool registered.
func NewServer(svc Pipelines, logger *slog.Logger, version string) *server.MCPServer {
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	registerTools(s, NewToolHandlers(svc, logger))
	return s
}

// NewSSEHandler serves s over SSE with endpoints below basePath.
func NewSSEHandler(s *server.MCPServer, basePath string) *server.SSEServer {
	return server.NewSSEServer(s, server.WithStaticBasePath(basePath))
}

func registerTools(s *server.MCPServer, t *ToolHandlers) {
	s.AddTool(mcp.NewTool("list_templates",
		mcp.WithDescription("List the available workflow templates"),
	), t.ListTemplates)

	s.AddTool(mcp.NewTool("template_details",
		mcp.WithDescription("Get the parameters and steps of a workflow template"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Template name")),
	), t.TemplateDetails)

	s.AddTool(mcp.NewTool("create_pipeline",
		mcp.WithDescription("Create a pipeline from a template"),
		mcp.WithString("template_name", mcp.Required(), mcp.Description("Template to instantiate")),
		mcp.WithString("pipeline_name", mcp.Description("Unique pipeline name; generated when empty")),
		mcp.WithObject("state", mcp.Description("Initial context values overriding template defaults")),
	), t.CreatePipeline)

	s.AddTool(mcp.NewTool("list_pipelines",
		mcp.WithDescription("List pipelines, optionally filtered by id, name, template_name, description or is_cancelled"),
		mcp.WithObject("filters", mcp.Description("Filter values keyed by field")),
	), t.ListPipelines)

	s.AddTool(mcp.NewTool("get_pipeline",
		mcp.WithDescription("Get a pipeline with its steps, state and log"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
	), t.GetPipeline)

	s.AddTool(mcp.NewTool("launch_pipeline",
		mcp.WithDescription("Start a pipeline and return the instructions of its active step"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
	), t.LaunchPipeline)

	s.AddTool(mcp.NewTool("update_pipeline_state",
		mcp.WithDescription("Merge values into the pipeline context and unlock conditional steps"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
		mcp.WithObject("state", mcp.Required(), mcp.Description("Values to merge")),
	), t.UpdatePipelineState)

	s.AddTool(mcp.NewTool("cancel_pipeline",
		mcp.WithDescription("Cancel a pipeline; cancelled pipelines accept no further changes"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
		mcp.WithString("reason", mcp.Description("Why the pipeline is cancelled")),
	), t.CancelPipeline)

	s.AddTool(mcp.NewTool("get_execution_instructions",
		mcp.WithDescription("Get the rendered instructions or action of a step, starting it when pending"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
		mcp.WithString("step_name", mcp.Description("Step to act on; defaults to the running or first pending step")),
	), t.GetExecutionInstructions)

	s.AddTool(mcp.NewTool("complete_step",
		mcp.WithDescription("Mark a step completed and move to the next one"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
		mcp.WithString("step_name", mcp.Description("Step to complete; defaults to the running step")),
		mcp.WithString("result", mcp.Description("Step result; a JSON object is merged into the pipeline context")),
	), t.CompleteStep)

	s.AddTool(mcp.NewTool("complete_current_step",
		mcp.WithDescription("Mark the running step completed"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
	), t.CompleteCurrentStep)

	s.AddTool(mcp.NewTool("fail_step",
		mcp.WithDescription("Mark a step failed and move to the next one"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
		mcp.WithString("step_name", mcp.Description("Step to fail; defaults to the running step")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Failure reason")),
	), t.FailStep)

	s.AddTool(mcp.NewTool("get_logs",
		mcp.WithDescription("Get the pipeline log"),
		mcp.WithString("id", mcp.Required(), mcp.Description(identDescription)),
	), t.GetLogs)
}

const identDescription = "Pipeline id, unique name or a substring of its description"
