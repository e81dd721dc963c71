package workflow

import (
	"fmt"
	"strings"
	"time"
)

// WorkflowDefinition declares a named graph of stages plus the runtime
// constraints the engine applies when executing it. Definitions are immutable
// once stored; resubmitting an ID produces a new Version.
type WorkflowDefinition struct {
	ID          string            `json:"id" yaml:"id"`
	Version     int               `json:"version,omitempty" yaml:"version,omitempty"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []string          `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string          `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Stages      []Stage           `json:"stages" yaml:"stages"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Runtime     RuntimeConfig     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// Clone returns a deep copy of the workflow definition.
func (def WorkflowDefinition) Clone() WorkflowDefinition {
	clone := WorkflowDefinition{
		ID:          def.ID,
		Version:     def.Version,
		Name:        def.Name,
		Description: def.Description,
		Inputs:      cloneStringSlice(def.Inputs),
		Outputs:     cloneStringSlice(def.Outputs),
		Metadata:    cloneStringMap(def.Metadata),
		Runtime:     def.Runtime,
	}
	if len(def.Stages) > 0 {
		clone.Stages = make([]Stage, len(def.Stages))
		for i, stage := range def.Stages {
			clone.Stages[i] = stage.Clone()
		}
	}
	return clone
}

// Normalized clones the definition, trims names and defaults a zero gate
// quorum to every approver. Semantic checks live in the validator package.
func (def WorkflowDefinition) Normalized() WorkflowDefinition {
	clone := def.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.Runtime = clone.Runtime.normalized()
	for i := range clone.Stages {
		stage := &clone.Stages[i]
		stage.Name = strings.TrimSpace(stage.Name)
		stage.Agent = strings.TrimSpace(stage.Agent)
		if stage.Approval != nil && stage.Approval.Quorum == 0 {
			stage.Approval.Quorum = len(stage.Approval.Approvers)
		}
	}
	return clone
}

// StageNames returns the stage names in declaration order.
func (def WorkflowDefinition) StageNames() []string {
	names := make([]string, 0, len(def.Stages))
	for _, stage := range def.Stages {
		names = append(names, stage.Name)
	}
	return names
}

// Stage returns the named stage.
func (def WorkflowDefinition) Stage(name string) (Stage, bool) {
	for _, stage := range def.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return Stage{}, false
}

// HasInput reports whether the workflow declares the named input.
func (def WorkflowDefinition) HasInput(name string) bool {
	for _, input := range def.Inputs {
		if input == name {
			return true
		}
	}
	return false
}

// Key identifies a stored definition version.
func (def WorkflowDefinition) Key() string {
	return fmt.Sprintf("%s@%d", def.ID, def.Version)
}

// RuntimeConfig configures execution constraints for a workflow.
type RuntimeConfig struct {
	// MaxParallel caps concurrently dispatched stages. Zero means unlimited.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.MaxParallel < 0 {
		cfg.MaxParallel = 0
	}
	return cfg
}

// Stage is a single unit of work. A stage either names an agent, carries an
// approval gate, or both; an approved gate stage with an agent dispatches
// the agent once the gate resolves.
type Stage struct {
	Name        string        `json:"name" yaml:"name"`
	Agent       string        `json:"agent,omitempty" yaml:"agent,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []string      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string      `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	After       []string      `json:"after,omitempty" yaml:"after,omitempty"`
	Approval    *ApprovalGate `json:"approval,omitempty" yaml:"approval,omitempty"`
	Retry       *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Clone returns a deep copy of the stage.
func (s Stage) Clone() Stage {
	clone := Stage{
		Name:        s.Name,
		Agent:       s.Agent,
		Description: s.Description,
		Inputs:      cloneStringSlice(s.Inputs),
		Outputs:     cloneStringSlice(s.Outputs),
		After:       cloneStringSlice(s.After),
	}
	if s.Approval != nil {
		gate := *s.Approval
		gate.Approvers = cloneStringSlice(s.Approval.Approvers)
		clone.Approval = &gate
	}
	if s.Retry != nil {
		retry := *s.Retry
		clone.Retry = &retry
	}
	return clone
}

// IsGate reports whether the stage suspends for human approval.
func (s Stage) IsGate() bool {
	return s.Approval != nil
}

// HasOutput reports whether the stage declares the named output.
func (s Stage) HasOutput(name string) bool {
	for _, out := range s.Outputs {
		if out == name {
			return true
		}
	}
	return false
}

// MaxAttempts returns the total number of attempts allowed for the stage.
func (s Stage) MaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// ApprovalGate configures the human approval checkpoint for a stage.
type ApprovalGate struct {
	Approvers []string `json:"approvers" yaml:"approvers"`
	// Quorum is the number of approve decisions required. Zero means all
	// approvers.
	Quorum int `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	// Timeout bounds how long the gate waits. Zero disables the deadline.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RetryPolicy bounds automatic re-dispatch of a failed stage.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
}

// InputRef is a parsed stage input reference.
type InputRef struct {
	// Stage is empty when the reference names a workflow input.
	Stage string
	Field string
}

func (ref InputRef) String() string {
	if ref.Stage == "" {
		return ref.Field
	}
	return ref.Stage + "." + ref.Field
}

// ParseInputRef splits "stage.output" references. A bare name refers to a
// workflow-level input.
func ParseInputRef(raw string) InputRef {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "."); idx >= 0 {
		return InputRef{Stage: raw[:idx], Field: raw[idx+1:]}
	}
	return InputRef{Field: raw}
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
