// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// NormalizeValue rewrites numbers into the form a pipeline document decodes
// to: int64 when the value is integral and fits, float64 otherwise. Maps and
// slices are rewritten recursively; other values pass through.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return i
		}
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return n.String()
		}
		return normalizeFloat(f)
	case float64:
		return normalizeFloat(n)
	case float32:
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(n), 'g', -1, 32), 64)
		return normalizeFloat(f)
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return normalizeUint(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return normalizeUint(n)
	case map[string]any:
		return NormalizeMap(n)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = NormalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// NormalizeMap returns a copy of m with every value normalized. A nil map
// stays nil.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = NormalizeValue(v)
	}
	return out
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func normalizeUint(n uint64) any {
	if n > math.MaxInt64 {
		return float64(n)
	}
	return int64(n)
}

// DecodePipeline decodes a stored pipeline document without losing integer
// precision.
func DecodePipeline(raw []byte) (*Pipeline, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	p.State = NormalizeMap(p.State)
	if p.State == nil {
		p.State = map[string]any{}
	}
	for step, out := range p.Outputs {
		p.Outputs[step] = NormalizeMap(out)
	}
	return &p, nil
}
