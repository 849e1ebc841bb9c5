// SPDX-License-Identifier: Apache-2.0

// Package executors provides engine.ActionExecutor implementations.
package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

const (
	headerPipelineID = "X-Pipeline-Id"
	maxResponseBytes = 1 << 20
)

// HTTPExecutor invokes a tool by POSTing its arguments as JSON to
// <BaseURL>/tools/<tool>. A JSON object response becomes the step's output
// mapping; any other body is returned as text.
type HTTPExecutor struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewHTTPExecutor(baseURL string, client *http.Client, logger *slog.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExecutor{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Client:  client,
		Logger:  logger,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, pipelineID uuid.UUID, action domain.ActionDescriptor) (any, error) {
	args := action.Arguments
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}

	endpoint := e.BaseURL + "/tools/" + url.PathEscape(action.Tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPipelineID, pipelineID.String())

	started := time.Now()
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s/%s: %w", action.Server, action.Tool, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	e.Logger.Info("action executed",
		"pipeline_id", pipelineID,
		"server", action.Server,
		"tool", action.Tool,
		"response_status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%s/%s returned %d: %s", action.Server, action.Tool, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}
	return strings.TrimSpace(string(raw)), nil
}
