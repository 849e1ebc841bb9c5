// SPDX-License-Identifier: Apache-2.0

// Package engine drives pipelines through their templates: it materializes
// steps whose trigger conditions hold, moves the single step cursor, and
// persists every mutation through a Store under a per-pipeline lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/adiadia/pipeline-runtime/internal/condition"
	"github.com/adiadia/pipeline-runtime/internal/domain"
	"github.com/adiadia/pipeline-runtime/internal/metrics"
)

const tracerName = "github.com/adiadia/pipeline-runtime/internal/engine"

// Store persists pipelines. Reads that find nothing return domain.ErrNotFound.
// Save is an upsert keyed by id and rejects duplicate names with
// domain.ErrStoreConflict.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	GetByName(ctx context.Context, name string) (*domain.Pipeline, error)
	GetByDescription(ctx context.Context, substr string) (*domain.Pipeline, error)
	List(ctx context.Context, filter domain.PipelineFilter) ([]*domain.Pipeline, error)
	Save(ctx context.Context, p *domain.Pipeline) error
	Close()
}

// Catalog resolves workflow templates by name.
type Catalog interface {
	Template(name string) (domain.WorkflowTemplate, bool)
	Templates() []domain.WorkflowTemplate
}

// ActionExecutor runs the action of an automated step. Executors are keyed by
// the action's server.
type ActionExecutor interface {
	Execute(ctx context.Context, pipelineID uuid.UUID, action domain.ActionDescriptor) (any, error)
}

type ActionExecutorFunc func(ctx context.Context, pipelineID uuid.UUID, action domain.ActionDescriptor) (any, error)

func (f ActionExecutorFunc) Execute(ctx context.Context, pipelineID uuid.UUID, action domain.ActionDescriptor) (any, error) {
	return f(ctx, pipelineID, action)
}

// Notifier is told when a pipeline reaches Completed or Cancelled. It must not
// block.
type Notifier interface {
	PipelineFinished(ctx context.Context, summary domain.PipelineSummary)
}

type Deps struct {
	Store     Store
	Templates Catalog
	Logger    *slog.Logger
	Evaluator *condition.Evaluator
	Clock     func() time.Time
	Executors map[string]ActionExecutor
	Notifier  Notifier
	Tracer    trace.Tracer
}

type Engine struct {
	store     Store
	templates Catalog
	logger    *slog.Logger
	eval      *condition.Evaluator
	clock     func() time.Time
	executors map[string]ActionExecutor
	notifier  Notifier
	tracer    trace.Tracer
	locks     *keyedMutex
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Templates == nil {
		return nil, errors.New("engine: template catalog is required")
	}

	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	eval := deps.Evaluator
	if eval == nil {
		eval = condition.New(
			condition.WithClock(clock),
			condition.WithObserver(metrics.IncConditionEvaluation),
		)
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	execs := make(map[string]ActionExecutor, len(deps.Executors))
	for server, ex := range deps.Executors {
		execs[server] = ex
	}

	return &Engine{
		store:     deps.Store,
		templates: deps.Templates,
		logger:    l,
		eval:      eval,
		clock:     clock,
		executors: execs,
		notifier:  deps.Notifier,
		tracer:    tracer,
		locks:     newKeyedMutex(),
	}, nil
}

// Close releases the underlying store.
func (e *Engine) Close() {
	e.store.Close()
}

// StepExecution is the caller-facing payload for one step: rendered
// instructions for manual steps, the rendered action for automated ones.
type StepExecution struct {
	Step         string                   `json:"step"`
	Kind         domain.StepKind          `json:"kind"`
	Status       domain.StepStatus        `json:"status"`
	Description  string                   `json:"description,omitempty"`
	Instructions string                   `json:"instructions,omitempty"`
	Action       *domain.ActionDescriptor `json:"action,omitempty"`
}

type LaunchResult struct {
	Pipeline  *domain.Pipeline `json:"pipeline"`
	Execution *StepExecution   `json:"execution,omitempty"`
}

type ExecutionResult struct {
	Pipeline  *domain.Pipeline `json:"pipeline"`
	Execution StepExecution    `json:"execution"`
	// Completion is set when a registered executor ran the step's action.
	Completion *CompletionResult `json:"completion,omitempty"`
	// ActionError is the executor failure that marked the step Failed.
	ActionError string `json:"action_error,omitempty"`
}

type CompletionResult struct {
	Pipeline  *domain.Pipeline `json:"pipeline"`
	Completed bool             `json:"completed"`
	Next      *StepExecution   `json:"next,omitempty"`
	Summary   *Summary         `json:"summary,omitempty"`
}

// Summary is returned once a pipeline has no step left to run.
type Summary struct {
	PipelineID     uuid.UUID             `json:"pipeline_id"`
	Name           string                `json:"name"`
	Status         domain.PipelineStatus `json:"status"`
	Message        string                `json:"message"`
	StepsTotal     int                   `json:"steps_total"`
	StepsCompleted int                   `json:"steps_completed"`
	StepsFailed    int                   `json:"steps_failed"`
	CompletedAt    time.Time             `json:"completed_at"`
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

// resolve finds a pipeline by id, then unique name, then description
// substring.
func (e *Engine) resolve(ctx context.Context, ident string) (*domain.Pipeline, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil, fmt.Errorf("%w: empty pipeline identifier", domain.ErrNotFound)
	}

	if id, err := uuid.Parse(ident); err == nil {
		p, err := e.store.Get(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	p, err := e.store.GetByName(ctx, ident)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	p, err = e.store.GetByDescription(ctx, ident)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: pipeline %q", domain.ErrNotFound, ident)
	}
	return nil, err
}

func (e *Engine) templateFor(p *domain.Pipeline) (domain.WorkflowTemplate, error) {
	tmpl, ok := e.templates.Template(p.TemplateName)
	if !ok {
		return domain.WorkflowTemplate{}, fmt.Errorf("%w: %q", domain.ErrTemplateNotFound, p.TemplateName)
	}
	return tmpl, nil
}

type snapshot struct {
	status domain.PipelineStatus
	steps  map[string]domain.StepStatus
}

func takeSnapshot(p *domain.Pipeline) snapshot {
	s := snapshot{status: p.Status, steps: make(map[string]domain.StepStatus, len(p.Steps))}
	for _, st := range p.Steps {
		s.steps[st.Name] = st.Status
	}
	return s
}

// mutate runs fn on a freshly loaded copy of the pipeline while holding its
// lock. The pipeline is saved only when fn reports a change.
func (e *Engine) mutate(ctx context.Context, ident string, fn func(p *domain.Pipeline, now time.Time) (bool, error)) (*domain.Pipeline, error) {
	found, err := e.resolve(ctx, ident)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(found.ID)
	defer unlock()

	p, err := e.store.Get(ctx, found.ID)
	if err != nil {
		return nil, fmt.Errorf("reload pipeline: %w", err)
	}

	before := takeSnapshot(p)
	changed, err := fn(p, e.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return p, nil
	}

	if err := e.save(ctx, p, before); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) save(ctx context.Context, p *domain.Pipeline, before snapshot) error {
	if err := e.store.Save(ctx, p); err != nil {
		e.logger.Error("save pipeline failed",
			"pipeline_id", p.ID,
			"error", err,
		)
		return fmt.Errorf("save pipeline: %w", err)
	}

	for _, st := range p.Steps {
		if prev, ok := before.steps[st.Name]; !ok || prev != st.Status {
			metrics.IncStepStatus(st.Status)
		}
	}
	if before.status != p.Status {
		metrics.IncPipelineStatus(p.Status)
		if p.Status == domain.PipelineCompleted || p.Status == domain.PipelineCancelled {
			e.logger.Info("pipeline finished",
				"pipeline_id", p.ID,
				"status", p.Status,
			)
			if e.notifier != nil {
				e.notifier.PipelineFinished(ctx, p.Summary())
			}
		}
	}
	return nil
}
