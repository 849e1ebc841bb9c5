// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PipelineStatus string

const (
	PipelineCreated   PipelineStatus = "CREATED"
	PipelineRunning   PipelineStatus = "RUNNING"
	PipelineCompleted PipelineStatus = "COMPLETED"
	PipelineCancelled PipelineStatus = "CANCELLED"
)

type LogLevel string

const (
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Pipeline is one instance of a workflow template. It is mutated only through
// the engine, which holds the per-pipeline lock while calling these methods.
type Pipeline struct {
	ID           uuid.UUID                 `json:"id"`
	Name         string                    `json:"name"`
	TemplateName string                    `json:"template_name"`
	Description  string                    `json:"description"`
	Status       PipelineStatus            `json:"status"`
	State        map[string]any            `json:"state"`
	Outputs      map[string]map[string]any `json:"outputs,omitempty"`
	Steps        []StepInstance            `json:"steps"`
	IsCancelled  bool                      `json:"is_cancelled"`
	CancelledAt  *time.Time                `json:"cancelled_at,omitempty"`
	Log          []LogEntry                `json:"log"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// NewPipeline returns an empty pipeline in status Created.
func NewPipeline(name, templateName, description string, state map[string]any, now time.Time) *Pipeline {
	state = NormalizeMap(state)
	if state == nil {
		state = map[string]any{}
	}
	return &Pipeline{
		ID:           uuid.New(),
		Name:         name,
		TemplateName: templateName,
		Description:  description,
		Status:       PipelineCreated,
		State:        state,
		Steps:        []StepInstance{},
		Log:          []LogEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch bumps UpdatedAt, never moving it before CreatedAt.
func (p *Pipeline) Touch(now time.Time) {
	if now.Before(p.CreatedAt) {
		now = p.CreatedAt
	}
	if now.After(p.UpdatedAt) {
		p.UpdatedAt = now
	}
}

func (p *Pipeline) AddLog(level LogLevel, message string, now time.Time) {
	p.Log = append(p.Log, LogEntry{Timestamp: now, Level: level, Message: message})
	p.Touch(now)
}

func (p *Pipeline) Logf(level LogLevel, now time.Time, format string, args ...any) {
	p.AddLog(level, fmt.Sprintf(format, args...), now)
}

// Step returns the instance with the given name, or nil.
func (p *Pipeline) Step(name string) *StepInstance {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

func (p *Pipeline) HasStep(name string) bool {
	return p.Step(name) != nil
}

// CurrentStep returns the Running step, if any.
func (p *Pipeline) CurrentStep() *StepInstance {
	for i := range p.Steps {
		if p.Steps[i].Status == StepRunning {
			return &p.Steps[i]
		}
	}
	return nil
}

// FirstPending returns the earliest discovered Pending step, if any.
func (p *Pipeline) FirstPending() *StepInstance {
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending {
			return &p.Steps[i]
		}
	}
	return nil
}

// CountSteps returns the number of steps in the given status.
func (p *Pipeline) CountSteps(status StepStatus) int {
	n := 0
	for _, st := range p.Steps {
		if st.Status == status {
			n++
		}
	}
	return n
}

// AddStep appends a new instance. Step names are unique per pipeline.
func (p *Pipeline) AddStep(step StepInstance, now time.Time) error {
	if p.HasStep(step.Name) {
		return fmt.Errorf("%w: step %q already exists", ErrInvalidState, step.Name)
	}
	p.Steps = append(p.Steps, step)
	p.Logf(LogInfo, now, "Step '%s' added to steps", step.Name)
	return nil
}

// StartStep moves a Pending step to Running. Only one step may run at a time.
func (p *Pipeline) StartStep(name string, now time.Time) error {
	if p.IsCancelled {
		return ErrCancelled
	}
	step := p.Step(name)
	if step == nil {
		return fmt.Errorf("%w: %q", ErrStepNotFound, name)
	}
	if step.Status != StepPending {
		return fmt.Errorf("%w: step %q is %s, not %s", ErrInvalidState, name, step.Status, StepPending)
	}
	if cur := p.CurrentStep(); cur != nil {
		return fmt.Errorf("%w: step %q is already running", ErrInvalidState, cur.Name)
	}
	step.Status = StepRunning
	step.StartedAt = &now
	p.Logf(LogInfo, now, "Step started: %s", name)
	return nil
}

// CompleteStep records result and marks the step Completed.
func (p *Pipeline) CompleteStep(name string, result any, now time.Time) error {
	if p.IsCancelled {
		return ErrCancelled
	}
	step := p.Step(name)
	if step == nil {
		return fmt.Errorf("%w: %q", ErrStepNotFound, name)
	}
	if step.Status.Terminal() {
		return fmt.Errorf("%w: step %q is already %s", ErrInvalidState, name, step.Status)
	}
	if text := StringifyResult(result); text != "" {
		step.Result = text
	}
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.Status = StepCompleted
	step.CompletedAt = &now
	p.Logf(LogInfo, now, "Step completed: %s", name)

	if out, ok := result.(map[string]any); ok && len(out) > 0 {
		if p.Outputs == nil {
			p.Outputs = map[string]map[string]any{}
		}
		p.Outputs[name] = NormalizeMap(out)
		p.MergeState(out, now)
	}
	return nil
}

// FailStep marks a non-terminal step Failed with reason.
func (p *Pipeline) FailStep(name, reason string, now time.Time) error {
	if p.IsCancelled {
		return ErrCancelled
	}
	step := p.Step(name)
	if step == nil {
		return fmt.Errorf("%w: %q", ErrStepNotFound, name)
	}
	if step.Status.Terminal() {
		return fmt.Errorf("%w: step %q is already %s", ErrInvalidState, name, step.Status)
	}
	step.Status = StepFailed
	step.Error = reason
	step.CompletedAt = &now
	p.Logf(LogError, now, "Step failed: %s - %s", name, reason)
	return nil
}

// MergeState shallow-merges partial into State; keys overwrite. Numbers are
// normalized so the merged state survives a store round trip unchanged.
func (p *Pipeline) MergeState(partial map[string]any, now time.Time) {
	if len(partial) == 0 {
		return
	}
	if p.State == nil {
		p.State = map[string]any{}
	}
	for k, v := range partial {
		p.State[k] = NormalizeValue(v)
	}
	p.Logf(LogInfo, now, "context updated: %v", partial)
}

// MarkRunning moves a Created pipeline to Running.
func (p *Pipeline) MarkRunning(now time.Time) {
	if p.Status == PipelineCreated {
		p.Status = PipelineRunning
		p.Touch(now)
	}
}

// Complete marks the pipeline Completed.
func (p *Pipeline) Complete(now time.Time) {
	p.Status = PipelineCompleted
	p.AddLog(LogInfo, "All steps completed", now)
}

// Cancel freezes the pipeline. It reports false if it was already cancelled.
func (p *Pipeline) Cancel(reason string, now time.Time) bool {
	if p.IsCancelled {
		return false
	}
	p.IsCancelled = true
	p.CancelledAt = &now
	p.Status = PipelineCancelled
	if reason == "" {
		reason = "none given"
	}
	p.Logf(LogWarning, now, "Workflow cancelled. Reason: %s", reason)
	return true
}

// Value implements condition.Snapshot.
func (p *Pipeline) Value(name string) (any, bool) {
	v, ok := p.State[name]
	return v, ok
}

// StepCompleted implements condition.Snapshot.
func (p *Pipeline) StepCompleted(name string) bool {
	st := p.Step(name)
	return st != nil && st.Status == StepCompleted
}

// StepStartedAt implements condition.Snapshot.
func (p *Pipeline) StepStartedAt(name string) (time.Time, bool) {
	st := p.Step(name)
	if st == nil || st.StartedAt == nil {
		return time.Time{}, false
	}
	return *st.StartedAt, true
}

// Output implements condition.Snapshot.
func (p *Pipeline) Output(stepID, key string) (any, bool) {
	out, ok := p.Outputs[stepID]
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// PipelineSummary is the list projection of a pipeline.
type PipelineSummary struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	TemplateName string         `json:"template_name"`
	Status       PipelineStatus `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`
	IsCancelled  bool           `json:"is_cancelled"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (p *Pipeline) Summary() PipelineSummary {
	s := PipelineSummary{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		TemplateName: p.TemplateName,
		Status:       p.Status,
		IsCancelled:  p.IsCancelled,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if cur := p.CurrentStep(); cur != nil {
		s.CurrentStep = cur.Name
	}
	return s
}

// PipelineFilter selects pipelines in List. Nil fields do not filter.
type PipelineFilter struct {
	ID           *uuid.UUID
	Name         *string
	TemplateName *string
	Description  *string
	IsCancelled  *bool
}

// Match reports whether p satisfies every set field of f.
func (f PipelineFilter) Match(p *Pipeline) bool {
	if f.ID != nil && p.ID != *f.ID {
		return false
	}
	if f.Name != nil && p.Name != *f.Name {
		return false
	}
	if f.TemplateName != nil && p.TemplateName != *f.TemplateName {
		return false
	}
	if f.Description != nil && !containsFold(p.Description, *f.Description) {
		return false
	}
	if f.IsCancelled != nil && p.IsCancelled != *f.IsCancelled {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
