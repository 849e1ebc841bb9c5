// SPDX-License-Identifier: Apache-2.0

package condition

import (
	"os"
	"strings"
	"time"
)

// Snapshot is the read-only view of pipeline state a condition is evaluated
// against.
type Snapshot interface {
	// Value returns the state entry for name.
	Value(name string) (any, bool)
	// StepCompleted reports whether the named step instance is Completed.
	StepCompleted(name string) bool
	// StepStartedAt returns the recorded start time of the named step.
	StepStartedAt(name string) (time.Time, bool)
	// Output returns a value produced by a completed step.
	Output(stepID, key string) (any, bool)
}

// Evaluator evaluates condition trees. The filesystem probe and the clock are
// injected so evaluation stays deterministic under test.
type Evaluator struct {
	fileExists func(path string) bool
	now        func() time.Time
	observe    func(result bool)
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithFileExists replaces the file_exists probe.
func WithFileExists(fn func(path string) bool) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.fileExists = fn
		}
	}
}

// WithClock replaces the time source used by time_elapsed.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithObserver registers a callback invoked with every top-level result.
func WithObserver(fn func(result bool)) Option {
	return func(e *Evaluator) {
		e.observe = fn
	}
}

// New returns an Evaluator backed by the real filesystem and clock unless
// overridden.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		fileExists: osFileExists,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = New()

// Evaluate evaluates expr with the default evaluator.
func Evaluate(expr Expr, snap Snapshot) bool {
	return defaultEvaluator.Evaluate(expr, snap)
}

// Evaluate reports whether expr holds for snap. An absent expression holds.
// Malformed or unrecognized nodes evaluate to false.
func (e *Evaluator) Evaluate(expr Expr, snap Snapshot) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
		if e.observe != nil {
			e.observe(result)
		}
	}()

	if expr.IsZero() {
		return true
	}
	if snap == nil {
		snap = MapSnapshot(nil)
	}
	return e.eval(expr.node, snap)
}

func (e *Evaluator) eval(node any, snap Snapshot) bool {
	switch n := node.(type) {
	case bool:
		return n
	case []any:
		return e.all(n, snap)
	case map[string]any:
		return e.evalObject(n, snap)
	default:
		return false
	}
}

func (e *Evaluator) evalObject(n map[string]any, snap Snapshot) bool {
	if v, ok := n["all"]; ok {
		list, ok := v.([]any)
		if !ok {
			return false
		}
		return e.all(list, snap)
	}
	if v, ok := n["any"]; ok {
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, child := range list {
			if e.eval(child, snap) {
				return true
			}
		}
		return false
	}
	if v, ok := n["not"]; ok {
		return !e.eval(v, snap)
	}
	if v, ok := n["parameter"]; ok {
		name, ok := v.(string)
		if !ok {
			return false
		}
		op, _ := n["operator"].(string)
		actual, _ := snap.Value(name)
		return compare(actual, op, n["value"])
	}
	if v, ok := n["step_completed"]; ok {
		name, ok := v.(string)
		return ok && snap.StepCompleted(name)
	}
	if v, ok := n["file_exists"]; ok {
		path, ok := v.(string)
		return ok && path != "" && e.fileExists(path)
	}
	if v, ok := n["output_available"]; ok {
		ref, ok := v.(string)
		if !ok {
			return false
		}
		stepID, key, _ := strings.Cut(ref, ".")
		out, found := snap.Output(stepID, key)
		return found && out != nil
	}
	if _, ok := n["external_check"]; ok {
		// no external integration exists yet
		return false
	}
	if v, ok := n["time_elapsed"]; ok {
		return e.timeElapsed(v, snap)
	}
	return false
}

func (e *Evaluator) all(list []any, snap Snapshot) bool {
	for _, child := range list {
		if !e.eval(child, snap) {
			return false
		}
	}
	return true
}

func (e *Evaluator) timeElapsed(v any, snap Snapshot) bool {
	spec, ok := v.(map[string]any)
	if !ok {
		return false
	}
	step, ok := spec["after_step"].(string)
	if !ok {
		return false
	}
	minutes, ok := toFloat(spec["minutes"])
	if !ok {
		return false
	}
	started, ok := snap.StepStartedAt(step)
	if !ok {
		return false
	}
	deadline := started.Add(time.Duration(minutes * float64(time.Minute)))
	return !e.now().Before(deadline)
}

func osFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MapSnapshot is a Snapshot over plain state with no step history.
type MapSnapshot map[string]any

func (m MapSnapshot) Value(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func (MapSnapshot) StepCompleted(string) bool { return false }

func (MapSnapshot) StepStartedAt(string) (time.Time, bool) { return time.Time{}, false }

func (MapSnapshot) Output(string, string) (any, bool) { return nil, false }
