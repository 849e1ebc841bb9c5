// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepWaitingInput StepStatus = "WAITING_INPUT"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepSkipped      StepStatus = "SKIPPED"
)

// Terminal reports whether no further transition is possible.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepKind is the closed set of step variants.
type StepKind int

const (
	StepManual StepKind = iota + 1
	StepAutomated
)

func (k StepKind) String() string {
	switch k {
	case StepManual:
		return "manual"
	case StepAutomated:
		return "automated"
	default:
		return "unknown"
	}
}

// ParseStepKind maps the template "type" field onto a StepKind.
func ParseStepKind(raw string) (StepKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "manual":
		return StepManual, nil
	case "automated":
		return StepAutomated, nil
	default:
		return 0, fmt.Errorf("%w: step type must be 'manual' or 'automated', got %q", ErrValidation, raw)
	}
}

func (k StepKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StepKind) UnmarshalText(b []byte) error {
	if s := string(b); s == "" || s == "unknown" {
		*k = 0
		return nil
	}
	parsed, err := ParseStepKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// StepInstance is the per-pipeline runtime record of a step template.
type StepInstance struct {
	Name        string     `json:"name"`
	Kind        StepKind   `json:"kind"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewStepInstance materializes a pending instance of st.
func NewStepInstance(st StepTemplate) StepInstance {
	return StepInstance{
		Name:   st.ID,
		Kind:   st.Kind,
		Status: StepPending,
	}
}

// StringifyResult renders a completion result as text. Strings pass through
// untouched; everything else is JSON encoded.
func StringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return string(v)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(b)
}
