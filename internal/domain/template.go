// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"sort"

	"github.com/adiadia/pipeline-runtime/internal/condition"
)

// ParameterSpec declares one entry of a template's parameter schema.
type ParameterSpec struct {
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	HasDefault  bool   `json:"-"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// ActionDescriptor names the tool an automated step invokes.
type ActionDescriptor struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// StepTemplate is the immutable definition of one step.
type StepTemplate struct {
	ID           string            `json:"id"`
	Kind         StepKind          `json:"type"`
	Description  string            `json:"description,omitempty"`
	Condition    condition.Expr    `json:"condition,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Action       *ActionDescriptor `json:"action,omitempty"`
	NextStatus   string            `json:"next_status,omitempty"`
}

// WorkflowTemplate is a validated, reusable workflow definition.
type WorkflowTemplate struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Parameters  map[string]ParameterSpec `json:"parameters"`
	Steps       []StepTemplate           `json:"steps"`
}

// Step returns the step template with the given id.
func (t WorkflowTemplate) Step(id string) (StepTemplate, bool) {
	for _, st := range t.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return StepTemplate{}, false
}

// InitialState merges parameter defaults with overrides; overrides win.
func (t WorkflowTemplate) InitialState(overrides map[string]any) map[string]any {
	state := make(map[string]any, len(t.Parameters)+len(overrides))
	for name, spec := range t.Parameters {
		if spec.HasDefault {
			state[name] = spec.Default
		}
	}
	for k, v := range overrides {
		state[k] = v
	}
	return state
}

// MissingRequired lists required parameters absent from state, sorted.
func (t WorkflowTemplate) MissingRequired(state map[string]any) []string {
	var missing []string
	for name, spec := range t.Parameters {
		if !spec.Required {
			continue
		}
		if _, ok := state[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
