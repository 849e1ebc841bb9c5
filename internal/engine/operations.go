// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

// descriptionKeys are the state entries folded into a generated description.
var descriptionKeys = []string{"customer_id", "ticket_number", "id", "name"}

// Create instantiates templateName. An empty pipelineName is replaced with a
// generated one.
func (e *Engine) Create(ctx context.Context, templateName, pipelineName string, initial map[string]any) (_ *domain.Pipeline, err error) {
	ctx, end := e.begin(ctx, "create", pipelineName)
	defer func() { end(err) }()

	tmpl, ok := e.templates.Template(templateName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrTemplateNotFound, templateName)
	}

	state := domain.NormalizeMap(tmpl.InitialState(initial))
	if missing := tmpl.MissingRequired(state); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required parameters: %s", domain.ErrValidation, strings.Join(missing, ", "))
	}

	now := e.now()
	p := domain.NewPipeline(strings.TrimSpace(pipelineName), tmpl.Name, describe(tmpl, state), state, now)
	if p.Name == "" {
		p.Name = tmpl.Name + "-" + p.ID.String()[:8]
	}
	p.Logf(domain.LogInfo, now, "Pipeline created from template '%s'", tmpl.Name)

	e.materialize(p, tmpl, now)
	e.promoteNext(p, now)

	before := snapshot{status: "", steps: map[string]domain.StepStatus{}}
	if err := e.save(ctx, p, before); err != nil {
		return nil, err
	}

	e.logger.Info("pipeline created",
		"pipeline_id", p.ID,
		"name", p.Name,
		"template", tmpl.Name,
		"steps", len(p.Steps),
	)
	return p, nil
}

// Launch re-runs materialization and returns the payload of the active step,
// starting the first pending step when none is running.
func (e *Engine) Launch(ctx context.Context, ident string) (_ *LaunchResult, err error) {
	ctx, end := e.begin(ctx, "launch", ident)
	defer func() { end(err) }()

	var exec *StepExecution
	p, err := e.mutate(ctx, ident, func(p *domain.Pipeline, now time.Time) (bool, error) {
		if p.IsCancelled {
			return false, domain.ErrCancelled
		}
		tmpl, err := e.templateFor(p)
		if err != nil {
			return false, err
		}

		e.materialize(p, tmpl, now)
		p.MarkRunning(now)
		p.AddLog(domain.LogInfo, "Pipeline launched", now)

		switch {
		case p.CurrentStep() != nil:
			ex := execution(p, tmpl, p.CurrentStep())
			exec = &ex
		case p.FirstPending() != nil:
			res, err := e.advanceLocked(ctx, p, tmpl, "", now)
			if err != nil {
				return false, err
			}
			exec = &res.Execution
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &LaunchResult{Pipeline: p, Execution: exec}, nil
}

// Advance starts stepName, or the running step, or the first pending step,
// and returns its rendered payload. Asking for the step that is already
// running only reads its payload.
func (e *Engine) Advance(ctx context.Context, ident, stepName string) (_ *ExecutionResult, err error) {
	ctx, end := e.begin(ctx, "advance", ident)
	defer func() { end(err) }()

	var res *advanceOutcome
	p, err := e.mutate(ctx, ident, func(p *domain.Pipeline, now time.Time) (bool, error) {
		if p.IsCancelled {
			return false, domain.ErrCancelled
		}
		tmpl, err := e.templateFor(p)
		if err != nil {
			return false, err
		}
		r, err := e.advanceLocked(ctx, p, tmpl, stepName, now)
		if err != nil {
			return false, err
		}
		res = r
		return r.changed, nil
	})
	if err != nil {
		return nil, err
	}
	res.Pipeline = p
	if res.Completion != nil {
		res.Completion.Pipeline = p
	}
	return &res.ExecutionResult, nil
}

type advanceOutcome struct {
	ExecutionResult
	changed bool
}

func (e *Engine) advanceLocked(ctx context.Context, p *domain.Pipeline, tmpl domain.WorkflowTemplate, stepName string, now time.Time) (*advanceOutcome, error) {
	step, err := targetStep(p, stepName)
	if err != nil {
		return nil, err
	}

	out := &advanceOutcome{}
	switch step.Status {
	case domain.StepRunning:
		out.Execution = execution(p, tmpl, step)
	case domain.StepPending:
		if st, ok := tmpl.Step(step.Name); ok && !e.eval.Evaluate(st.Condition, p) {
			return nil, fmt.Errorf("%w: step %q", domain.ErrConditionNotMet, step.Name)
		}
		if err := p.StartStep(step.Name, now); err != nil {
			return nil, err
		}
		p.MarkRunning(now)
		step = p.Step(step.Name)
		out.Execution = execution(p, tmpl, step)
		out.changed = true
	default:
		return nil, fmt.Errorf("%w: step %q is %s", domain.ErrInvalidState, step.Name, step.Status)
	}

	if step.Kind == domain.StepAutomated && out.Execution.Action != nil {
		ran, err := e.runAction(ctx, p, tmpl, out, now)
		if err != nil {
			return nil, err
		}
		out.changed = out.changed || ran
		if done := p.Step(out.Execution.Step); done != nil {
			out.Execution.Status = done.Status
		}
	}
	return out, nil
}

// runAction executes an automated step through its registered executor and
// completes or fails the step with the outcome.
func (e *Engine) runAction(ctx context.Context, p *domain.Pipeline, tmpl domain.WorkflowTemplate, out *advanceOutcome, now time.Time) (bool, error) {
	action := *out.Execution.Action
	ex, ok := e.executors[action.Server]
	if !ok {
		return false, nil
	}

	e.logger.Info("executing step action",
		"pipeline_id", p.ID,
		"step", out.Execution.Step,
		"server", action.Server,
		"tool", action.Tool,
	)

	result, execErr := ex.Execute(ctx, p.ID, action)
	if execErr != nil {
		e.logger.Warn("step action failed",
			"pipeline_id", p.ID,
			"step", out.Execution.Step,
			"error", execErr,
		)
		if err := p.FailStep(out.Execution.Step, execErr.Error(), now); err != nil {
			return false, err
		}
		out.ActionError = execErr.Error()
		e.materialize(p, tmpl, now)
		out.Completion = e.finishOrPromote(p, tmpl, now)
		return true, nil
	}

	comp, err := e.completeLocked(p, tmpl, out.Execution.Step, result, now)
	if err != nil {
		return false, err
	}
	out.Completion = comp
	return true, nil
}

// CompleteStep completes stepName, or the running step, or the first pending
// step. A mapping result is merged into state and recorded as the step's
// outputs.
func (e *Engine) CompleteStep(ctx context.Context, ident, stepName string, result any) (_ *CompletionResult, err error) {
	ctx, end := e.begin(ctx, "complete_step", ident)
	defer func() { end(err) }()

	var res *CompletionResult
	p, err := e.mutate(ctx, ident, func(p *domain.Pipeline, now time.Time) (bool, error) {
		if p.IsCancelled {
			return false, domain.ErrCancelled
		}
		tmpl, err := e.templateFor(p)
		if err != nil {
			return false, err
		}
		res, err = e.completeLocked(p, tmpl, stepName, result, now)
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	res.Pipeline = p
	return res, nil
}

func (e *Engine) completeLocked(p *domain.Pipeline, tmpl domain.WorkflowTemplate, stepName string, result any, now time.Time) (*CompletionResult, error) {
	if stepName != "" && !p.HasStep(stepName) {
		st, ok := tmpl.Step(stepName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrStepNotFound, stepName)
		}
		if err := p.AddStep(domain.NewStepInstance(st), now); err != nil {
			return nil, err
		}
	}

	step, err := targetStep(p, stepName)
	if err != nil {
		return nil, err
	}
	name := step.Name

	if err := p.CompleteStep(name, result, now); err != nil {
		return nil, err
	}
	p.MarkRunning(now)

	if st, ok := tmpl.Step(name); ok && st.NextStatus != "" {
		p.State["status"] = st.NextStatus
		p.Logf(domain.LogInfo, now, "Pipeline status set to '%s'", st.NextStatus)
	}

	e.materialize(p, tmpl, now)
	return e.finishOrPromote(p, tmpl, now), nil
}

// FailStep marks stepName, or the running step, as Failed and moves the
// cursor on.
func (e *Engine) FailStep(ctx context.Context, ident, stepName, reason string) (_ *CompletionResult, err error) {
	ctx, end := e.begin(ctx, "fail_step", ident)
	defer func() { end(err) }()

	var res *CompletionResult
	p, err := e.mutate(ctx, ident, func(p *domain.Pipeline, now time.Time) (bool, error) {
		if p.IsCancelled {
			return false, domain.ErrCancelled
		}
		tmpl, err := e.templateFor(p)
		if err != nil {
			return false, err
		}
		step, err := targetStep(p, stepName)
		if err != nil {
			return false, err
		}
		if strings.TrimSpace(reason) == "" {
			reason = "no reason given"
		}
		if err := p.FailStep(step.Name, reason, now); err != nil {
			return false, err
		}
		p.MarkRunning(now)
		e.materialize(p, tmpl, now)
		res = e.finishOrPromote(p, tmpl, now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	res.Pipeline = p
	return res, nil
}

// UpdateState merges partial into the pipeline state and materializes any
// step it unlocks. Completed pipelines keep the merged state but gain no
// steps.
func (e *Engine) UpdateState(ctx context.Context, ident string, partial map[string]any) (_ *domain.Pipeline, err error) {
	ctx, end := e.begin(ctx, "update_state", ident)
	defer func() { end(err) }()

	return e.mutate(ctx, ident, func(p *domain.Pipeline, now time.Time) (bool, error) {
		if p.IsCancelled {
			return false, domain.ErrCancelled
		}
		p.MergeState(partial, now)
		if p.Status == domain.PipelineCompleted {
			return len(partial) > 0, nil
		}

		tmpl, err := e.templateFor(p)
		if err != nil {
			return false, err
		}
		e.materialize(p, tmpl, now)
		if p.CurrentStep() == nil {
			if first := p.FirstPending(); first != nil {
				if err := p.StartStep(first.Name, now); err != nil {
					return false, err
				}
			}
		}
		return true, nil
	})
}

// Cancel freezes the pipeline. Cancelling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, ident, reason string) (_ *domain.Pipeline, err error) {
	ctx, end := e.begin(ctx, "cancel", ident)
	defer func() { end(err) }()

	return e.mutate(ctx, ident, func(p *domain.Pipeline, now time.Time) (bool, error) {
		return p.Cancel(reason, now), nil
	})
}

func (e *Engine) Get(ctx context.Context, ident string) (_ *domain.Pipeline, err error) {
	ctx, end := e.begin(ctx, "get", ident)
	defer func() { end(err) }()

	return e.resolve(ctx, ident)
}

func (e *Engine) Logs(ctx context.Context, ident string) ([]domain.LogEntry, error) {
	p, err := e.Get(ctx, ident)
	if err != nil {
		return nil, err
	}
	return p.Log, nil
}

func (e *Engine) List(ctx context.Context, filter domain.PipelineFilter) (_ []domain.PipelineSummary, err error) {
	ctx, end := e.begin(ctx, "list", "")
	defer func() { end(err) }()

	ps, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	out := make([]domain.PipelineSummary, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Summary())
	}
	return out, nil
}

func (e *Engine) Templates() []domain.WorkflowTemplate {
	return e.templates.Templates()
}

func (e *Engine) Template(name string) (domain.WorkflowTemplate, error) {
	tmpl, ok := e.templates.Template(name)
	if !ok {
		return domain.WorkflowTemplate{}, fmt.Errorf("%w: %q", domain.ErrTemplateNotFound, name)
	}
	return tmpl, nil
}

// materialize appends, in template order, every step not yet present whose
// condition holds. A step that cannot be evaluated is logged and skipped.
func (e *Engine) materialize(p *domain.Pipeline, tmpl domain.WorkflowTemplate, now time.Time) []string {
	var added []string
	for _, st := range tmpl.Steps {
		if p.HasStep(st.ID) {
			continue
		}
		ok, err := e.triggered(p, st)
		if err != nil {
			e.logger.Warn("skipping step during materialization",
				"pipeline_id", p.ID,
				"step", st.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}
		if err := p.AddStep(domain.NewStepInstance(st), now); err != nil {
			e.logger.Warn("add step failed",
				"pipeline_id", p.ID,
				"step", st.ID,
				"error", err,
			)
			continue
		}
		added = append(added, st.ID)
	}
	return added
}

func (e *Engine) triggered(p *domain.Pipeline, st domain.StepTemplate) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("evaluate condition: %v", r)
		}
	}()
	if st.ID == "" {
		return false, fmt.Errorf("%w: step without id", domain.ErrValidation)
	}
	if st.Kind != domain.StepManual && st.Kind != domain.StepAutomated {
		return false, fmt.Errorf("%w: step %q has unknown kind", domain.ErrValidation, st.ID)
	}
	return e.eval.Evaluate(st.Condition, p), nil
}

// promoteNext returns the running step, starting the first pending one if
// nothing runs.
func (e *Engine) promoteNext(p *domain.Pipeline, now time.Time) *domain.StepInstance {
	if cur := p.CurrentStep(); cur != nil {
		return cur
	}
	first := p.FirstPending()
	if first == nil {
		return nil
	}
	name := first.Name
	if err := p.StartStep(name, now); err != nil {
		e.logger.Warn("promote step failed",
			"pipeline_id", p.ID,
			"step", name,
			"error", err,
		)
		return nil
	}
	return p.Step(name)
}

func (e *Engine) finishOrPromote(p *domain.Pipeline, tmpl domain.WorkflowTemplate, now time.Time) *CompletionResult {
	if next := e.promoteNext(p, now); next != nil {
		ex := execution(p, tmpl, next)
		return &CompletionResult{Pipeline: p, Next: &ex}
	}

	p.Complete(now)
	return &CompletionResult{
		Pipeline:  p,
		Completed: true,
		Summary: &Summary{
			PipelineID:     p.ID,
			Name:           p.Name,
			Status:         p.Status,
			Message:        "pipeline completed",
			StepsTotal:     len(p.Steps),
			StepsCompleted: p.CountSteps(domain.StepCompleted),
			StepsFailed:    p.CountSteps(domain.StepFailed),
			CompletedAt:    now,
		},
	}
}

// targetStep resolves an explicit step name, else the running step, else the
// first pending one.
func targetStep(p *domain.Pipeline, stepName string) (*domain.StepInstance, error) {
	if stepName != "" {
		if st := p.Step(stepName); st != nil {
			return st, nil
		}
		return nil, fmt.Errorf("%w: %q", domain.ErrStepNotFound, stepName)
	}
	if cur := p.CurrentStep(); cur != nil {
		return cur, nil
	}
	if first := p.FirstPending(); first != nil {
		return first, nil
	}
	return nil, fmt.Errorf("%w: no step to run", domain.ErrStepNotFound)
}

func describe(tmpl domain.WorkflowTemplate, state map[string]any) string {
	if tmpl.Description == "" {
		return ""
	}
	parts := []string{tmpl.Description}
	for _, key := range descriptionKeys {
		v, ok := state[key]
		if !ok || v == nil || v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", titleKey(key), formatValue(v)))
	}
	return strings.Join(parts, " - ")
}

func titleKey(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
