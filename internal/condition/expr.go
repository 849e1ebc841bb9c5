// SPDX-License-Identifier: Apache-2.0

// Package condition evaluates step trigger conditions against a pipeline
// snapshot. Conditions are boolean expression trees decoded from workflow
// template files (JSON or YAML); evaluation is total and fail-closed.
package condition

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Expr is a decoded condition tree. The zero value means "always true".
type Expr struct {
	node any
}

// FromValue wraps an already decoded tree (bool, []any, map[string]any).
func FromValue(v any) Expr {
	return Expr{node: normalizeTree(v)}
}

// Parse decodes a JSON condition document.
func Parse(data []byte) (Expr, error) {
	var e Expr
	if err := e.UnmarshalJSON(data); err != nil {
		return Expr{}, err
	}
	return e, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Expr {
	e, err := Parse([]byte(raw))
	if err != nil {
		panic(fmt.Sprintf("condition: %v", err))
	}
	return e
}

// IsZero reports whether the expression is absent, which triggers
// unconditionally. An empty object counts as absent.
func (e Expr) IsZero() bool {
	if e.node == nil {
		return true
	}
	if m, ok := e.node.(map[string]any); ok && len(m) == 0 {
		return true
	}
	return false
}

// Value returns the underlying decoded tree.
func (e Expr) Value() any {
	return e.node
}

func (e Expr) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.node)
}

func (e *Expr) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("condition: decode: %w", err)
	}
	e.node = normalizeTree(v)
	return nil
}

func (e *Expr) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return fmt.Errorf("condition: decode: %w", err)
	}
	e.node = normalizeTree(v)
	return nil
}

// normalizeTree converts YAML-style map[any]any nodes into map[string]any so
// the evaluator only deals with one map shape.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalizeTree(child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = normalizeTree(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = normalizeTree(child)
		}
		return out
	default:
		return v
	}
}
