package engine

import (
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/gate"
)

// ErrorKind classifies a recorded stage failure.
type ErrorKind string

const (
	ErrorKindAgent          ErrorKind = "agent"
	ErrorKindContract       ErrorKind = "contract"
	ErrorKindExhausted      ErrorKind = "exhausted"
	ErrorKindInfrastructure ErrorKind = "infrastructure"
	ErrorKindUnknownAgent   ErrorKind = "unknown_agent"
	ErrorKindRejected       ErrorKind = "rejected"
	ErrorKindTimedOut       ErrorKind = "timed_out"
	ErrorKindSkipped        ErrorKind = "skipped"
	ErrorKindAborted        ErrorKind = "aborted"
	ErrorKindCancelled      ErrorKind = "cancelled"
)

// ErrorDetail is the persisted error of a stage attempt.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt,omitempty"`
	At      time.Time `json:"at"`
}

// Failure records the originating cause of an instance failure.
type Failure struct {
	Stage   string    `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Instance is the persisted, versioned run state of one workflow execution.
// Every mutation goes through a version-checked save.
type Instance struct {
	ID                string                  `json:"id"`
	WorkflowID        string                  `json:"workflow_id"`
	DefinitionVersion int                     `json:"definition_version"`
	Status            workflow.InstanceStatus `json:"status"`
	Version           int64                   `json:"version"`
	Inputs            map[string]any          `json:"inputs,omitempty"`
	// Context accumulates stage outputs keyed by stage then output name.
	Context      map[string]map[string]any `json:"context,omitempty"`
	Stages       []StageExecution          `json:"stages"`
	Gates        []gate.Instance           `json:"gates,omitempty"`
	Failure      *Failure                  `json:"failure,omitempty"`
	CancelReason string                    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    time.Time                 `json:"started_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	EndedAt      time.Time                 `json:"ended_at,omitempty"`
}

// StageExecution is the persisted record of one stage within an instance.
type StageExecution struct {
	Stage   string               `json:"stage"`
	Status  workflow.StageStatus `json:"status"`
	Attempt int                  `json:"attempt,omitempty"`
	// Dispatched is set while an attempt is handed to an executor.
	Dispatched bool `json:"dispatched,omitempty"`
	// ReadyAt orders dispatch across stages waiting for capacity.
	ReadyAt time.Time `json:"ready_at,omitempty"`
	// RetryAt is set while a failed attempt waits for its backoff.
	RetryAt      time.Time      `json:"retry_at,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	DispatchedAt time.Time      `json:"dispatched_at,omitempty"`
	EndedAt      time.Time      `json:"ended_at,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        *ErrorDetail   `json:"error,omitempty"`
	GateID       string         `json:"gate_id,omitempty"`
}

// Stage returns the execution record for a stage.
func (inst *Instance) Stage(name string) *StageExecution {
	for i := range inst.Stages {
		if inst.Stages[i].Stage == name {
			return &inst.Stages[i]
		}
	}
	return nil
}

// Gate returns the gate with the given ID.
func (inst *Instance) Gate(id string) *gate.Instance {
	for i := range inst.Gates {
		if inst.Gates[i].ID == id {
			return &inst.Gates[i]
		}
	}
	return nil
}

// StageStatuses maps stage names to their current status.
func (inst Instance) StageStatuses() map[string]workflow.StageStatus {
	out := make(map[string]workflow.StageStatus, len(inst.Stages))
	for _, stage := range inst.Stages {
		out[stage.Stage] = stage.Status
	}
	return out
}

// Output returns a recorded stage output.
func (inst Instance) Output(stage, field string) (any, bool) {
	outputs, ok := inst.Context[stage]
	if !ok {
		return nil, false
	}
	value, ok := outputs[field]
	return value, ok
}

// Clone returns a deep copy of the instance record. Output values are copied
// by reference.
func (inst Instance) Clone() Instance {
	clone := inst
	clone.Inputs = cloneValues(inst.Inputs)
	if inst.Context != nil {
		clone.Context = make(map[string]map[string]any, len(inst.Context))
		for stage, outputs := range inst.Context {
			clone.Context[stage] = cloneValues(outputs)
		}
	}
	if inst.Stages != nil {
		clone.Stages = make([]StageExecution, len(inst.Stages))
		for i, stage := range inst.Stages {
			clone.Stages[i] = stage.clone()
		}
	}
	if inst.Gates != nil {
		clone.Gates = make([]gate.Instance, len(inst.Gates))
		for i, g := range inst.Gates {
			clone.Gates[i] = g.Clone()
		}
	}
	if inst.Failure != nil {
		failure := *inst.Failure
		clone.Failure = &failure
	}
	return clone
}

func (s StageExecution) clone() StageExecution {
	clone := s
	clone.Outputs = cloneValues(s.Outputs)
	if s.Error != nil {
		detail := *s.Error
		clone.Error = &detail
	}
	return clone
}

// inFlight reports whether the stage has agent work outstanding: a
// dispatched attempt or a retry waiting for its backoff.
func (s StageExecution) inFlight() bool {
	if s.Status != workflow.StageRunning {
		return false
	}
	return s.Dispatched || (s.Attempt > 0 && !s.RetryAt.IsZero())
}

func cloneValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
