// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/adiadia/pipeline-runtime/internal/domain"
	"github.com/adiadia/pipeline-runtime/internal/engine"
)

// Pipelines is the engine surface exposed as tools.
type Pipelines interface {
	Create(ctx context.Context, templateName, pipelineName string, initial map[string]any) (*domain.Pipeline, error)
	Launch(ctx context.Context, ident string) (*engine.LaunchResult, error)
	Advance(ctx context.Context, ident, stepName string) (*engine.ExecutionResult, error)
	CompleteStep(ctx context.Context, ident, stepName string, result any) (*engine.CompletionResult, error)
	FailStep(ctx context.Context, ident, stepName, reason string) (*engine.CompletionResult, error)
	UpdateState(ctx context.Context, ident string, partial map[string]any) (*domain.Pipeline, error)
	Cancel(ctx context.Context, ident, reason string) (*domain.Pipeline, error)
	Get(ctx context.Context, ident string) (*domain.Pipeline, error)
	Logs(ctx context.Context, ident string) ([]domain.LogEntry, error)
	List(ctx context.Context, filter domain.PipelineFilter) ([]domain.PipelineSummary, error)
	Templates() []domain.WorkflowTemplate
	Template(name string) (domain.WorkflowTemplate, error)
}

// ToolHandlers implements one handler per tool. Failures are returned as
// tool error results carrying {"error": ...}; the Go error is always nil.
type ToolHandlers struct {
	svc    Pipelines
	logger *slog.Logger
}

func NewToolHandlers(svc Pipelines, logger *slog.Logger) *ToolHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolHandlers{svc: svc, logger: logger}
}

func (t *ToolHandlers) ListTemplates(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tmpls := t.svc.Templates()
	type templateSummary struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
	}
	out := make([]templateSummary, 0, len(tmpls))
	for _, tmpl := range tmpls {
		out = append(out, templateSummary{Name: tmpl.Name, Description: tmpl.Description, Steps: len(tmpl.Steps)})
	}
	return t.result("list_templates", out)
}

func (t *ToolHandlers) TemplateDetails(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return errorResult("name is required"), nil
	}
	tmpl, err := t.svc.Template(name)
	if err != nil {
		return t.failure("template_details", err), nil
	}
	return t.result("template_details", tmpl)
}

func (t *ToolHandlers) CreatePipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName, err := request.RequireString("template_name")
	if err != nil || strings.TrimSpace(templateName) == "" {
		return errorResult("template_name is required"), nil
	}
	state, err := objectArg(request, "state")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	p, err := t.svc.Create(ctx, strings.TrimSpace(templateName), request.GetString("pipeline_name", ""), state)
	if err != nil {
		return t.failure("create_pipeline", err), nil
	}
	return t.result("create_pipeline", p)
}

func (t *ToolHandlers) ListPipelines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := objectArg(request, "filters")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	filter, err := parseFilter(raw)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	summaries, err := t.svc.List(ctx, filter)
	if err != nil {
		return t.failure("list_pipelines", err), nil
	}
	return t.result("list_pipelines", summaries)
}

func (t *ToolHandlers) GetPipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	p, err := t.svc.Get(ctx, ident)
	if err != nil {
		return t.failure("get_pipeline", err), nil
	}
	return t.result("get_pipeline", p)
}

func (t *ToolHandlers) LaunchPipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	out, err := t.svc.Launch(ctx, ident)
	if err != nil {
		return t.failure("launch_pipeline", err), nil
	}
	return t.result("launch_pipeline", out)
}

func (t *ToolHandlers) UpdatePipelineState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	state, err := objectArg(request, "state")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if state == nil {
		return errorResult("state is required"), nil
	}

	p, err := t.svc.UpdateState(ctx, ident, state)
	if err != nil {
		return t.failure("update_pipeline_state", err), nil
	}
	return t.result("update_pipeline_state", p)
}

func (t *ToolHandlers) CancelPipeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	p, err := t.svc.Cancel(ctx, ident, strings.TrimSpace(request.GetString("reason", "")))
	if err != nil {
		return t.failure("cancel_pipeline", err), nil
	}
	return t.result("cancel_pipeline", p)
}

func (t *ToolHandlers) GetExecutionInstructions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	out, err := t.svc.Advance(ctx, ident, strings.TrimSpace(request.GetString("step_name", "")))
	if err != nil {
		return t.failure("get_execution_instructions", err), nil
	}
	return t.result("get_execution_instructions", out)
}

func (t *ToolHandlers) CompleteStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	out, err := t.svc.CompleteStep(ctx, ident, strings.TrimSpace(request.GetString("step_name", "")), resultArg(request))
	if err != nil {
		return t.failure("complete_step", err), nil
	}
	return t.result("complete_step", out)
}

func (t *ToolHandlers) CompleteCurrentStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	out, err := t.svc.CompleteStep(ctx, ident, "", nil)
	if err != nil {
		return t.failure("complete_current_step", err), nil
	}
	return t.result("complete_current_step", out)
}

func (t *ToolHandlers) FailStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	reason, err := request.RequireString("reason")
	if err != nil || strings.TrimSpace(reason) == "" {
		return errorResult("reason is required"), nil
	}

	out, err := t.svc.FailStep(ctx, ident, strings.TrimSpace(request.GetString("step_name", "")), reason)
	if err != nil {
		return t.failure("fail_step", err), nil
	}
	return t.result("fail_step", out)
}

func (t *ToolHandlers) GetLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, res := requireIdent(request)
	if res != nil {
		return res, nil
	}
	entries, err := t.svc.Logs(ctx, ident)
	if err != nil {
		return t.failure("get_logs", err), nil
	}
	return t.result("get_logs", entries)
}

func (t *ToolHandlers) result(tool string, v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("tool result marshal failed", "tool", tool, "error", err)
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *ToolHandlers) failure(tool string, err error) *mcp.CallToolResult {
	t.logger.Warn("tool call failed", "tool", tool, "error", err)
	return errorResult(err.Error())
}

func errorResult(msg string) *mcp.CallToolResult {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return mcp.NewToolResultError(msg)
	}
	return mcp.NewToolResultError(string(data))
}

func requireIdent(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	ident, err := request.RequireString("id")
	if err != nil || strings.TrimSpace(ident) == "" {
		return "", errorResult("id is required")
	}
	return strings.TrimSpace(ident), nil
}

// objectArg returns the named object argument. A JSON-encoded object string
// is accepted too.
func objectArg(request mcp.CallToolRequest, key string) (map[string]any, error) {
	v, ok := request.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case map[string]any:
		return val, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		out, err := decodeObject(val)
		if err != nil {
			return nil, fmt.Errorf("%s must be an object", key)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be an object", key)
	}
}

// resultArg returns the step result. A string holding a JSON object is
// decoded so that it merges into the pipeline context.
func resultArg(request mcp.CallToolRequest) any {
	v, ok := request.GetArguments()["result"]
	if !ok {
		return nil
	}
	s, isString := v.(string)
	if !isString {
		return v
	}
	if trimmed := strings.TrimSpace(s); strings.HasPrefix(trimmed, "{") {
		if obj, err := decodeObject(trimmed); err == nil {
			return obj
		}
	}
	return s
}

// decodeObject keeps integers exact by decoding numbers as json.Number.
func decodeObject(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseFilter(raw map[string]any) (domain.PipelineFilter, error) {
	var f domain.PipelineFilter
	for key, v := range raw {
		switch key {
		case "id":
			s, _ := v.(string)
			id, err := uuid.Parse(strings.TrimSpace(s))
			if err != nil {
				return f, fmt.Errorf("invalid id filter %v", v)
			}
			f.ID = &id
		case "name", "template_name", "description":
			s, ok := v.(string)
			if !ok {
				return f, fmt.Errorf("filter %s must be a string", key)
			}
			switch key {
			case "name":
				f.Name = &s
			case "template_name":
				f.TemplateName = &s
			default:
				f.Description = &s
			}
		case "is_cancelled":
			b, ok := v.(bool)
			if !ok {
				return f, fmt.Errorf("filter is_cancelled must be a boolean")
			}
			f.IsCancelled = &b
		default:
			return f, fmt.Errorf("unknown filter %q", key)
		}
	}
	return f, nil
}
