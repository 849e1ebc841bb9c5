// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/pipeline-runtime/internal/condition"
	"github.com/adiadia/pipeline-runtime/internal/domain"
)

func TestNewRequiresStoreAndCatalog(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestCreateMaterializesAndPromotesFirstStep(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "ab", "ab-1", nil)
	require.NoError(t, err)

	require.Len(t, p.Steps, 1)
	assert.Equal(t, "A", p.Steps[0].Name)
	assert.Equal(t, domain.StepRunning, p.Steps[0].Status)
	assert.NotNil(t, p.Steps[0].StartedAt)
	assert.Equal(t, domain.PipelineCreated, p.Status)
	assert.False(t, p.UpdatedAt.Before(p.CreatedAt))
}

func TestCompletingAUnlocksB(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "ab", "ab-1", map[string]any{})
	require.NoError(t, err)

	res, err := e.CompleteStep(ctx, p.ID.String(), "", map[string]any{"x": 1})
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.NotNil(t, res.Next)
	assert.Equal(t, "B", res.Next.Step)
	assert.Equal(t, "do B with 1", res.Next.Instructions)

	got := mustGet(t, e, p.ID)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, domain.StepCompleted, got.Step("A").Status)
	assert.Equal(t, `{"x":1}`, got.Step("A").Result)
	assert.Equal(t, domain.StepRunning, got.Step("B").Status)
	assert.Equal(t, domain.PipelineRunning, got.Status)

	v, ok := got.Output("A", "x")
	require.True(t, ok)
	assert.EqualValues(t, 1, v)

	notCancelled := false
	list, err := e.List(ctx, domain.PipelineFilter{IsCancelled: &notCancelled})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
	assert.Equal(t, "B", list[0].CurrentStep)
}

func TestThreeStepScenario(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "three", "three-1", map[string]any{"customer_id": "C-9"})
	require.NoError(t, err)
	assert.Equal(t, "Three manual steps - Customer Id: C-9", p.Description)

	launched, err := e.Launch(ctx, p.ID.String())
	require.NoError(t, err)
	require.NotNil(t, launched.Execution)
	assert.Equal(t, "s1", launched.Execution.Step)
	assert.Equal(t, "Inspect the widget.", launched.Execution.Instructions)
	assert.Equal(t, domain.PipelineRunning, launched.Pipeline.Status)

	first, err := e.CompleteStep(ctx, p.ID.String(), "", nil)
	require.NoError(t, err)
	require.NotNil(t, first.Next)
	assert.Equal(t, "s2", first.Next.Step)

	second, err := e.CompleteStep(ctx, p.ID.String(), "", "repaired")
	require.NoError(t, err)
	require.NotNil(t, second.Next)
	assert.Equal(t, "Ship the widget to C-9.", second.Next.Instructions)

	third, err := e.CompleteStep(ctx, p.ID.String(), "", nil)
	require.NoError(t, err)
	require.True(t, third.Completed)
	require.NotNil(t, third.Summary)
	assert.Equal(t, "pipeline completed", third.Summary.Message)
	assert.Equal(t, 3, third.Summary.StepsCompleted)

	got := mustGet(t, e, p.ID)
	assert.Equal(t, domain.PipelineCompleted, got.Status)
	assert.False(t, got.IsCancelled)
	assert.Equal(t, "repaired", got.Step("s2").Result)

	finished := e.notifier.all()
	require.Len(t, finished, 1)
	assert.Equal(t, domain.PipelineCompleted, finished[0].Status)

	_, err = e.CompleteStep(ctx, p.ID.String(), "", nil)
	assert.ErrorIs(t, err, domain.ErrStepNotFound)
}

func TestCancelIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "three", "c-1", nil)
	require.NoError(t, err)

	first, err := e.Cancel(ctx, p.Name, "customer withdrew")
	require.NoError(t, err)
	require.True(t, first.IsCancelled)
	require.NotNil(t, first.CancelledAt)

	second, err := e.Cancel(ctx, p.Name, "again")
	require.NoError(t, err)
	assert.True(t, first.CancelledAt.Equal(*second.CancelledAt))
	assert.Equal(t, len(first.Log), len(second.Log))
	assert.Equal(t, domain.PipelineCancelled, second.Status)

	assert.Len(t, e.notifier.all(), 1)
}

func TestCancelThenCompleteFails(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "three", "c-2", nil)
	require.NoError(t, err)
	_, err = e.Cancel(ctx, p.ID.String(), "")
	require.NoError(t, err)

	_, err = e.CompleteStep(ctx, p.ID.String(), "", "late")
	require.ErrorIs(t, err, domain.ErrCancelled)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	for _, op := range []func() error{
		func() error { _, err := e.Advance(ctx, p.ID.String(), ""); return err },
		func() error { _, err := e.Launch(ctx, p.ID.String()); return err },
		func() error { _, err := e.UpdateState(ctx, p.ID.String(), map[string]any{"k": 1}); return err },
		func() error { _, err := e.FailStep(ctx, p.ID.String(), "", "x"); return err },
	} {
		assert.ErrorIs(t, op(), domain.ErrCancelled)
	}

	got := mustGet(t, e, p.ID)
	assert.Equal(t, domain.StepRunning, got.Step("s1").Status)
	assert.Empty(t, got.Step("s1").Result)
}

func TestResolveByNameAndDescription(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "three", "", map[string]any{"customer_id": "ACME"})
	require.NoError(t, err)
	assert.Equal(t, "three-"+p.ID.String()[:8], p.Name)

	byName, err := e.Get(ctx, p.Name)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	byDesc, err := e.Get(ctx, "customer id: acme")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byDesc.ID)

	_, err = e.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.Get(ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.Launch(ctx, "nothing-like-this")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	required := domain.WorkflowTemplate{
		Name:       "req",
		Parameters: map[string]domain.ParameterSpec{"ticket": {Type: "string", Required: true}},
		Steps:      []domain.StepTemplate{manual("only", "handle {ticket}", "")},
	}
	e := newTestEngine(t, nil, required)
	ctx := context.Background()

	_, err := e.Create(ctx, "missing", "x", nil)
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)

	_, err = e.Create(ctx, "req", "x", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Create(ctx, "req", "x", map[string]any{"ticket": "T-1"})
	require.NoError(t, err)

	_, err = e.Create(ctx, "req", "x", map[string]any{"ticket": "T-2"})
	assert.ErrorIs(t, err, domain.ErrStoreConflict)
}

func TestAdvanceRules(t *testing.T) {
	tmpl := domain.WorkflowTemplate{
		Name:       "gated",
		Parameters: map[string]domain.ParameterSpec{},
		Steps: []domain.StepTemplate{
			manual("first", "go", ""),
			manual("second", "then {n}", `{"parameter":"n","operator":">","value":0}`),
		},
	}
	e := newTestEngine(t, nil, tmpl)
	ctx := context.Background()

	p, err := e.Create(ctx, "gated", "g", nil)
	require.NoError(t, err)
	id := p.ID.String()

	read, err := e.Advance(ctx, id, "first")
	require.NoError(t, err)
	assert.Equal(t, domain.StepRunning, read.Execution.Status)
	assert.True(t, p.Step("first").StartedAt.Equal(*read.Pipeline.Step("first").StartedAt), "reading the running step must not re-stamp it")

	_, err = e.Advance(ctx, id, "nope")
	assert.ErrorIs(t, err, domain.ErrStepNotFound)

	_, err = e.UpdateState(ctx, id, map[string]any{"n": 5})
	require.NoError(t, err)

	_, err = e.Advance(ctx, id, "second")
	assert.ErrorIs(t, err, domain.ErrInvalidState, "another step is running")

	_, err = e.UpdateState(ctx, id, map[string]any{"n": 0})
	require.NoError(t, err)
	_, err = e.CompleteStep(ctx, id, "first", nil)
	require.NoError(t, err)

	_, err = e.CompleteStep(ctx, id, "second", nil)
	require.NoError(t, err)
	_, err = e.Advance(ctx, id, "second")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestFailStepPromotesNext(t *testing.T) {
	tmpl := domain.WorkflowTemplate{
		Name:       "gate",
		Parameters: map[string]domain.ParameterSpec{},
		Steps: []domain.StepTemplate{
			manual("a", "a", ""),
			manual("b", "b", `{"parameter":"go","operator":"==","value":true}`),
		},
	}
	e := newTestEngine(t, nil, tmpl)
	ctx := context.Background()

	p, err := e.Create(ctx, "gate", "gate-1", map[string]any{"go": true})
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)

	res, err := e.FailStep(ctx, p.Name, "a", "blocked")
	require.NoError(t, err)
	require.NotNil(t, res.Next)
	assert.Equal(t, "b", res.Next.Step)

	got := mustGet(t, e, p.ID)
	assert.Equal(t, domain.StepFailed, got.Step("a").Status)
	assert.Equal(t, "blocked", got.Step("a").Error)
	assert.Equal(t, domain.StepRunning, got.Step("b").Status)

	_, err = e.FailStep(ctx, p.Name, "a", "twice")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestConditionNotMetOnPendingStep(t *testing.T) {
	tmpl := domain.WorkflowTemplate{
		Name:       "cnm",
		Parameters: map[string]domain.ParameterSpec{},
		Steps: []domain.StepTemplate{
			manual("only", "x", `{"parameter":"ready","operator":"==","value":true}`),
		},
	}
	e := newTestEngine(t, nil, tmpl)
	ctx := context.Background()

	p, err := e.Create(ctx, "cnm", "cnm-1", map[string]any{"ready": true})
	require.NoError(t, err)
	require.Equal(t, domain.StepRunning, p.Step("only").Status)

	// Force the step back to Pending through the store to reach the guard.
	stored := mustGet(t, e, p.ID)
	stored.Steps[0].Status = domain.StepPending
	stored.Steps[0].StartedAt = nil
	stored.State["ready"] = false
	require.NoError(t, e.store.Save(ctx, stored))

	_, err = e.Advance(ctx, p.Name, "")
	assert.ErrorIs(t, err, domain.ErrConditionNotMet)
	assert.Equal(t, domain.StepPending, mustGet(t, e, p.ID).Step("only").Status)
}

func TestNextStatusAndUpdateStatePromotion(t *testing.T) {
	tmpl := domain.WorkflowTemplate{
		Name:       "flow",
		Parameters: map[string]domain.ParameterSpec{},
		Steps: []domain.StepTemplate{
			func() domain.StepTemplate {
				st := manual("intake", "take it in", "")
				st.NextStatus = "triaged"
				return st
			}(),
			manual("escalate", "escalate", `{"parameter":"severity","operator":">=","value":3}`),
		},
	}
	e := newTestEngine(t, nil, tmpl)
	ctx := context.Background()

	p, err := e.Create(ctx, "flow", "f-1", nil)
	require.NoError(t, err)

	res, err := e.CompleteStep(ctx, p.Name, "", nil)
	require.NoError(t, err)
	require.True(t, res.Completed)
	assert.Equal(t, "triaged", res.Pipeline.State["status"])

	// Completed pipelines accept state but gain no steps.
	after, err := e.UpdateState(ctx, p.Name, map[string]any{"severity": 4})
	require.NoError(t, err)
	assert.Len(t, after.Steps, 1)
	assert.Equal(t, domain.PipelineCompleted, after.Status)

	q, err := e.Create(ctx, "flow", "f-2", nil)
	require.NoError(t, err)
	_, err = e.FailStep(ctx, q.Name, "", "no intake")
	require.NoError(t, err)

	// Nothing left: the failed cursor completed the pipeline.
	assert.Equal(t, domain.PipelineCompleted, mustGet(t, e, q.ID).Status)

	r, err := e.Create(ctx, "flow", "f-3", map[string]any{"severity": 1})
	require.NoError(t, err)
	updated, err := e.UpdateState(ctx, r.Name, map[string]any{"severity": 3})
	require.NoError(t, err)
	require.Len(t, updated.Steps, 2)
	assert.Equal(t, domain.StepRunning, updated.Step("intake").Status)
	assert.Equal(t, domain.StepPending, updated.Step("escalate").Status)
	assert.Equal(t, 1, runningCount(updated))
}

func TestOnTheFlyCompletion(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "ab", "fly", nil)
	require.NoError(t, err)

	res, err := e.CompleteStep(ctx, p.Name, "B", "done out of band")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, res.Pipeline.Step("B").Status)
	assert.Equal(t, domain.StepRunning, res.Pipeline.Step("A").Status)

	_, err = e.CompleteStep(ctx, p.Name, "Z", nil)
	assert.ErrorIs(t, err, domain.ErrStepNotFound)
}

func TestAutomatedStepExecutor(t *testing.T) {
	tmpl := domain.WorkflowTemplate{
		Name:       "auto",
		Parameters: map[string]domain.ParameterSpec{"target": {Type: "string", Default: "prod", HasDefault: true}},
		Steps: []domain.StepTemplate{
			{
				ID:   "deploy",
				Kind: domain.StepAutomated,
				Action: &domain.ActionDescriptor{
					Server:    "ci",
					Tool:      "deploy",
					Arguments: map[string]any{"env": "{target}", "note": "to {target} now"},
				},
			},
			{
				ID:        "notify",
				Kind:      domain.StepAutomated,
				Condition: condition.MustParse(`{"output_available":"deploy.version"}`),
				Action:    &domain.ActionDescriptor{Server: "chat", Tool: "post"},
			},
		},
	}

	var seen domain.ActionDescriptor
	execs := map[string]ActionExecutor{
		"ci": ActionExecutorFunc(func(_ context.Context, _ uuid.UUID, a domain.ActionDescriptor) (any, error) {
			seen = a
			return map[string]any{"version": "1.2.3"}, nil
		}),
	}
	e := newTestEngine(t, execs, tmpl)
	ctx := context.Background()

	p, err := e.Create(ctx, "auto", "auto-1", nil)
	require.NoError(t, err)

	res, err := e.Advance(ctx, p.Name, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, res.Execution.Status)
	assert.Equal(t, "prod", seen.Arguments["env"])
	assert.Equal(t, "to prod now", seen.Arguments["note"])
	require.NotNil(t, res.Completion)
	require.NotNil(t, res.Completion.Next)
	assert.Equal(t, "notify", res.Completion.Next.Step)
	assert.Equal(t, "chat", res.Completion.Next.Action.Server)

	// No executor for "chat": the descriptor is handed back to the caller.
	again, err := e.Advance(ctx, p.Name, "")
	require.NoError(t, err)
	assert.Nil(t, again.Completion)
	assert.Equal(t, "post", again.Execution.Action.Tool)
}

func TestAutomatedStepExecutorFailure(t *testing.T) {
	tmpl := domain.WorkflowTemplate{
		Name:       "auto-fail",
		Parameters: map[string]domain.ParameterSpec{},
		Steps: []domain.StepTemplate{
			{ID: "call", Kind: domain.StepAutomated, Action: &domain.ActionDescriptor{Server: "svc", Tool: "t"}},
		},
	}
	execs := map[string]ActionExecutor{
		"svc": ActionExecutorFunc(func(context.Context, uuid.UUID, domain.ActionDescriptor) (any, error) {
			return nil, errors.New("boom")
		}),
	}
	e := newTestEngine(t, execs, tmpl)
	ctx := context.Background()

	p, err := e.Create(ctx, "auto-fail", "af", nil)
	require.NoError(t, err)

	res, err := e.Advance(ctx, p.Name, "")
	require.NoError(t, err)
	assert.Equal(t, "boom", res.ActionError)
	assert.Equal(t, domain.StepFailed, res.Execution.Status)
	got := mustGet(t, e, p.ID)
	assert.Equal(t, domain.StepFailed, got.Step("call").Status)
	assert.Equal(t, domain.PipelineCompleted, got.Status)
}

func TestTemplateRemovedAfterCreate(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "ab", "orphan", nil)
	require.NoError(t, err)

	stored := mustGet(t, e, p.ID)
	stored.TemplateName = "gone"
	require.NoError(t, e.store.Save(ctx, stored))

	_, err = e.CompleteStep(ctx, p.Name, "", nil)
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)

	logs, err := e.Logs(ctx, p.Name)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestUpdateStateOnCompletedPipelineOnlyMergesState(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	p, err := e.Create(ctx, "ab", "done-ab", nil)
	require.NoError(t, err)
	res, err := e.CompleteStep(ctx, p.Name, "", nil)
	require.NoError(t, err)
	require.True(t, res.Completed)

	// x == 1 would unlock B on a live pipeline.
	after, err := e.UpdateState(ctx, p.Name, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineCompleted, after.Status)
	assert.Nil(t, after.Step("B"))
	assert.Equal(t, int64(1), mustGet(t, e, p.ID).State["x"])
}

func TestStateNumbersSurviveStoreRoundTrip(t *testing.T) {
	tmpl := domain.WorkflowTemplate{
		Name: "big",
		Parameters: map[string]domain.ParameterSpec{
			"customer_id": {Type: "integer", Default: 9007199254740993, HasDefault: true},
			"ratio":       {Type: "number", Default: 0.5, HasDefault: true},
		},
		Steps: []domain.StepTemplate{manual("greet", "Customer {customer_id} at {ratio}", "")},
	}
	e := newTestEngine(t, nil, tmpl)
	ctx := context.Background()

	p, err := e.Create(ctx, "big", "big-1", map[string]any{"count": 2.0})
	require.NoError(t, err)

	stored := mustGet(t, e, p.ID)
	assert.Equal(t, p.State, stored.State)
	assert.Equal(t, int64(9007199254740993), stored.State["customer_id"])
	assert.Equal(t, int64(2), stored.State["count"])

	launched, err := e.Launch(ctx, p.Name)
	require.NoError(t, err)
	require.NotNil(t, launched.Execution)
	assert.Equal(t, "Customer 9007199254740993 at 0.5", launched.Execution.Instructions)
}
