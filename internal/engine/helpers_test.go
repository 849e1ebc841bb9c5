// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/pipeline-runtime/internal/condition"
	"github.com/adiadia/pipeline-runtime/internal/domain"
	"github.com/adiadia/pipeline-runtime/internal/store/memory"
	"github.com/adiadia/pipeline-runtime/internal/templates"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []domain.PipelineSummary
}

func (n *recordingNotifier) PipelineFinished(_ context.Context, s domain.PipelineSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
}

func (n *recordingNotifier) all() []domain.PipelineSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.PipelineSummary(nil), n.summaries...)
}

func manual(id, instructions, cond string) domain.StepTemplate {
	st := domain.StepTemplate{ID: id, Kind: domain.StepManual, Instructions: instructions}
	if cond != "" {
		st.Condition = condition.MustParse(cond)
	}
	return st
}

func threeStepTemplate() domain.WorkflowTemplate {
	return domain.WorkflowTemplate{
		Name:        "three",
		Description: "Three manual steps",
		Parameters: map[string]domain.ParameterSpec{
			"thing": {Type: "string", Default: "widget", HasDefault: true},
		},
		Steps: []domain.StepTemplate{
			manual("s1", "Inspect the {thing}.", ""),
			manual("s2", "Repair the {thing}.", ""),
			manual("s3", "Ship the {thing} to {customer_id}.", ""),
		},
	}
}

func abTemplate() domain.WorkflowTemplate {
	return domain.WorkflowTemplate{
		Name:       "ab",
		Parameters: map[string]domain.ParameterSpec{"x": {Type: "integer"}},
		Steps: []domain.StepTemplate{
			manual("A", "do A", ""),
			manual("B", "do B with {x}", `{"parameter":"x","operator":"==","value":1}`),
		},
	}
}

type testEngine struct {
	*Engine
	store    *memory.Store
	notifier *recordingNotifier
}

func newTestEngine(t *testing.T, executors map[string]ActionExecutor, tmpls ...domain.WorkflowTemplate) *testEngine {
	t.Helper()

	if len(tmpls) == 0 {
		tmpls = []domain.WorkflowTemplate{threeStepTemplate(), abTemplate()}
	}

	clock := newFakeClock()
	store := memory.New()
	notifier := &recordingNotifier{}
	eng, err := New(Deps{
		Store:     store,
		Templates: templates.NewRegistry(tmpls...),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     clock.Now,
		Executors: executors,
		Notifier:  notifier,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	return &testEngine{Engine: eng, store: store, notifier: notifier}
}

func runningCount(p *domain.Pipeline) int {
	return p.CountSteps(domain.StepRunning)
}

func mustGet(t *testing.T, e *testEngine, id uuid.UUID) *domain.Pipeline {
	t.Helper()
	p, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}
