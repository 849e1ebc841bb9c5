// SPDX-License-Identifier: Apache-2.0

// Package templates loads and validates workflow template files.
package templates

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/adiadia/pipeline-runtime/internal/condition"
	"github.com/adiadia/pipeline-runtime/internal/domain"
)

var extensions = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
}

type rawTemplate struct {
	Name        *string                   `yaml:"name"`
	Description string                    `yaml:"description"`
	Context     map[string]map[string]any `yaml:"context"`
	Steps       []rawStep                 `yaml:"steps"`
}

type rawStep struct {
	ID           *string        `yaml:"id"`
	Type         *string        `yaml:"type"`
	Description  string         `yaml:"description"`
	Condition    condition.Expr `yaml:"condition"`
	Instructions *string        `yaml:"instructions"`
	Action       *rawAction     `yaml:"action"`
	NextStatus   string         `yaml:"next_status"`
}

type rawAction struct {
	Server    *string        `yaml:"server"`
	Tool      *string        `yaml:"tool"`
	Arguments map[string]any `yaml:"arguments"`
}

// Loader reads every template file in Dir.
type Loader struct {
	Dir    string
	Logger *slog.Logger
}

func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Dir: dir, Logger: logger}
}

// LoadAll parses and validates every .json/.yaml/.yml file in the directory.
// Invalid files and duplicate names are dropped with a warning. A missing
// directory yields no templates.
func (l *Loader) LoadAll() ([]domain.WorkflowTemplate, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.Logger.Warn("workflows directory not found", "dir", l.Dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	out := make([]domain.WorkflowTemplate, 0, len(names))
	for _, name := range names {
		path := filepath.Join(l.Dir, name)
		tmpl, err := ParseFile(path)
		if err != nil {
			l.Logger.Warn("skipping invalid workflow template", "file", path, "error", err)
			continue
		}
		if prev, dup := seen[tmpl.Name]; dup {
			l.Logger.Warn("skipping duplicate workflow template", "file", path, "template", tmpl.Name, "first", prev)
			continue
		}
		seen[tmpl.Name] = path
		out = append(out, tmpl)
	}

	l.Logger.Info("workflow templates loaded", "dir", l.Dir, "count", len(out))
	return out, nil
}

// ParseFile reads and validates a single template file.
func ParseFile(path string) (domain.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return Parse(data)
}

// Parse decodes a template document. JSON documents are valid YAML, so one
// decoder serves both formats.
func Parse(data []byte) (domain.WorkflowTemplate, error) {
	var raw rawTemplate
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("%w: decode template: %v", domain.ErrValidation, err)
	}
	return raw.build()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

func (r rawTemplate) build() (domain.WorkflowTemplate, error) {
	if r.Name == nil || strings.TrimSpace(*r.Name) == "" {
		return domain.WorkflowTemplate{}, invalid("workflow configuration must have a name")
	}
	if r.Context == nil {
		return domain.WorkflowTemplate{}, invalid("workflow configuration must have context as a mapping")
	}
	if len(r.Steps) == 0 {
		return domain.WorkflowTemplate{}, invalid("workflow configuration must have a non-empty steps list")
	}

	tmpl := domain.WorkflowTemplate{
		Name:        *r.Name,
		Description: r.Description,
		Parameters:  make(map[string]domain.ParameterSpec, len(r.Context)),
		Steps:       make([]domain.StepTemplate, 0, len(r.Steps)),
	}

	for name, cfg := range r.Context {
		spec, err := buildParameter(name, cfg)
		if err != nil {
			return domain.WorkflowTemplate{}, err
		}
		tmpl.Parameters[name] = spec
	}

	ids := make(map[string]bool, len(r.Steps))
	for i, rs := range r.Steps {
		st, err := rs.build(i)
		if err != nil {
			return domain.WorkflowTemplate{}, err
		}
		if ids[st.ID] {
			return domain.WorkflowTemplate{}, invalid("duplicate step id: %s", st.ID)
		}
		ids[st.ID] = true
		tmpl.Steps = append(tmpl.Steps, st)
	}
	return tmpl, nil
}

func buildParameter(name string, cfg map[string]any) (domain.ParameterSpec, error) {
	typ, ok := cfg["type"].(string)
	if !ok || typ == "" {
		return domain.ParameterSpec{}, invalid("parameter '%s' must have a type", name)
	}
	spec := domain.ParameterSpec{Type: typ}
	if def, ok := cfg["default"]; ok {
		spec.Default = def
		spec.HasDefault = true
	}
	if req, ok := cfg["required"].(bool); ok {
		spec.Required = req
	}
	if desc, ok := cfg["description"].(string); ok {
		spec.Description = desc
	}
	return spec, nil
}

func (r rawStep) build(index int) (domain.StepTemplate, error) {
	if r.ID == nil || *r.ID == "" {
		return domain.StepTemplate{}, invalid("step at index %d must have an id", index)
	}
	id := *r.ID
	if r.Type == nil {
		return domain.StepTemplate{}, invalid("step '%s' must have a type", id)
	}
	kind, err := domain.ParseStepKind(*r.Type)
	if err != nil {
		return domain.StepTemplate{}, fmt.Errorf("step '%s': %w", id, err)
	}

	st := domain.StepTemplate{
		ID:          id,
		Kind:        kind,
		Description: r.Description,
		Condition:   r.Condition,
		NextStatus:  r.NextStatus,
	}

	switch kind {
	case domain.StepManual:
		if r.Instructions == nil {
			return domain.StepTemplate{}, invalid("manual step '%s' must have instructions", id)
		}
		st.Instructions = *r.Instructions
	case domain.StepAutomated:
		if r.Action == nil {
			return domain.StepTemplate{}, invalid("automated step '%s' must have an action", id)
		}
		if r.Action.Server == nil {
			return domain.StepTemplate{}, invalid("step '%s' action must have a server", id)
		}
		if r.Action.Tool == nil {
			return domain.StepTemplate{}, invalid("step '%s' action must have a tool", id)
		}
		st.Action = &domain.ActionDescriptor{
			Server:    *r.Action.Server,
			Tool:      *r.Action.Tool,
			Arguments: r.Action.Arguments,
		}
		if r.Instructions != nil {
			st.Instructions = *r.Instructions
		}
	}
	return st, nil
}
