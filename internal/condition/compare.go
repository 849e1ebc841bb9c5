// SPDX-License-Identifier: Apache-2.0

package condition

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Supported comparison operators.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpIn           = "in"
	OpNotIn        = "not in"
)

// compare applies op to actual and expected. Operator/type mismatches yield
// false instead of an error.
func compare(actual any, op string, expected any) bool {
	switch op {
	case OpEqual:
		return equal(actual, expected)
	case OpNotEqual:
		return !equal(actual, expected)
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		c, ok := order(actual, expected)
		if !ok {
			return false
		}
		switch op {
		case OpGreater:
			return c > 0
		case OpLess:
			return c < 0
		case OpGreaterEqual:
			return c >= 0
		default:
			return c <= 0
		}
	case OpIn:
		in, ok := contains(expected, actual)
		return ok && in
	case OpNotIn:
		in, ok := contains(expected, actual)
		return ok && !in
	default:
		return false
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(normalizeNumbers(a), normalizeNumbers(b))
}

// order returns -1, 0 or 1. Only numbers and strings are ordered.
func order(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

// contains reports membership of needle in haystack. The second result is
// false when membership is undefined for the operand types.
func contains(haystack, needle any) (bool, bool) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true, true
			}
		}
		return false, true
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false, true
		}
		for _, item := range h {
			if item == s {
				return true, true
			}
		}
		return false, true
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, false
		}
		return strings.Contains(h, s), true
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, false
		}
		_, found := h[s]
		return found, true
	default:
		return false, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func normalizeNumbers(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeNumbers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeNumbers(item)
		}
		return out
	default:
		return v
	}
}
