// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

var placeholderRE = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// renderText substitutes {key} placeholders from state. Unknown keys are left
// as written.
func renderText(text string, state map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
		v, ok := state[m[1:len(m)-1]]
		if !ok {
			return m
		}
		return formatValue(v)
	})
}

// renderValue renders placeholders inside an action argument tree. A string
// that is exactly one placeholder takes the raw state value.
func renderValue(v any, state map[string]any) any {
	switch t := v.(type) {
	case string:
		if loc := placeholderRE.FindStringSubmatchIndex(t); loc != nil && loc[0] == 0 && loc[1] == len(t) {
			if raw, ok := state[t[loc[2]:loc[3]]]; ok {
				return raw
			}
			return t
		}
		return renderText(t, state)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = renderValue(item, state)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = renderValue(item, state)
		}
		return out
	default:
		return v
	}
}

func renderAction(a *domain.ActionDescriptor, state map[string]any) *domain.ActionDescriptor {
	if a == nil {
		return nil
	}
	out := &domain.ActionDescriptor{Server: a.Server, Tool: a.Tool}
	if a.Arguments != nil {
		out.Arguments = renderValue(a.Arguments, state).(map[string]any)
	}
	return out
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool, int, int64, int32:
		return fmt.Sprint(t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// execution builds the payload for step from its template.
func execution(p *domain.Pipeline, tmpl domain.WorkflowTemplate, step *domain.StepInstance) StepExecution {
	ex := StepExecution{
		Step:   step.Name,
		Kind:   step.Kind,
		Status: step.Status,
	}
	st, ok := tmpl.Step(step.Name)
	if !ok {
		return ex
	}
	ex.Description = renderText(st.Description, p.State)
	switch st.Kind {
	case domain.StepManual:
		ex.Instructions = renderText(st.Instructions, p.State)
	case domain.StepAutomated:
		ex.Instructions = renderText(st.Instructions, p.State)
		ex.Action = renderAction(st.Action, p.State)
	}
	return ex
}
