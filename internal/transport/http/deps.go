// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/pipeline-runtime/internal/domain"
	"github.com/adiadia/pipeline-runtime/internal/engine"
)

// PipelineService is the engine surface served over HTTP.
type PipelineService interface {
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

type HealthChecker interface {
	Check(ctx context.Context) error
}
