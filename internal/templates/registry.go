// SPDX-License-Identifier: Apache-2.0

package templates

import (
	"sort"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

// Registry is an immutable in-memory template catalog.
type Registry struct {
	byName map[string]domain.WorkflowTemplate
	names  []string
}

func NewRegistry(tmpls ...domain.WorkflowTemplate) *Registry {
	r := &Registry{byName: make(map[string]domain.WorkflowTemplate, len(tmpls))}
	for _, t := range tmpls {
		if _, dup := r.byName[t.Name]; dup {
			continue
		}
		r.byName[t.Name] = t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)
	return r
}

// Load builds a Registry from every valid template the loader finds.
func Load(l *Loader) (*Registry, error) {
	tmpls, err := l.LoadAll()
	if err != nil {
		return nil, err
	}
	return NewRegistry(tmpls...), nil
}

func (r *Registry) Template(name string) (domain.WorkflowTemplate, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Templates returns all templates ordered by name.
func (r *Registry) Templates() []domain.WorkflowTemplate {
	out := make([]domain.WorkflowTemplate, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) Len() int { return len(r.names) }
