package validator

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/graph"
)

// Code classifies a validation error.
type Code string

const (
	CodeMissingField      Code = "missing_field"
	CodeDuplicateStage    Code = "duplicate_stage"
	CodeDuplicateField    Code = "duplicate_field"
	CodeUnknownAgent      Code = "unknown_agent"
	CodeDanglingReference Code = "dangling_reference"
	CodeCycle             Code = "cycle"
	CodeOutputMismatch    Code = "output_mismatch"
	CodeInvalidGate       Code = "invalid_gate"
	CodeInvalidRetry      Code = "invalid_retry"
	CodeInvalidRuntime    Code = "invalid_runtime"
	CodeParse             Code = "parse"
)

// ValidationError describes one problem in a workflow definition.
type ValidationError struct {
	Code Code `json:"code"`
	// Stage is the stage the error is reported against, when any.
	Stage string `json:"stage,omitempty"`
	// Upstream names the producing stage for reference errors.
	Upstream string `json:"upstream,omitempty"`
	// Field names the input, output, or definition field involved.
	Field string `json:"field,omitempty"`
	// Stages lists the full membership for cycle errors.
	Stages  []string `json:"stages,omitempty"`
	Message string   `json:"message"`
	Hint    string   `json:"hint,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("stage %s: %s", e.Stage, e.Message)
	}
	return e.Message
}

// Result collects every validation error for a definition.
type Result struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Version    int               `json:"version,omitempty"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

// Valid reports whether the definition passed validation.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err folds the result into a single error, or nil when valid.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("workflow %s: %d validation error(s): %s", r.WorkflowID, len(r.Errors), strings.Join(msgs, "; "))
}

// ByCode returns the errors carrying the given code.
func (r Result) ByCode(code Code) []ValidationError {
	var out []ValidationError
	for _, e := range r.Errors {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out
}

// ParseFailure wraps a decode error as a validation result.
func ParseFailure(err error) Result {
	return Result{Errors: []ValidationError{{
		Code:    CodeParse,
		Message: err.Error(),
		Hint:    "fix the YAML syntax or remove unknown fields",
	}}}
}

// AgentResolver resolves agent references; see agent.Registry.
type AgentResolver interface {
	Resolve(ref string) (agent.Endpoint, error)
}

// agentLister is implemented by resolvers that can enumerate their agents.
type agentLister interface {
	Names() []string
}

func unknownAgentHint(ref string, agents AgentResolver) string {
	const hint = "register the agent or fix the reference"
	lister, ok := agents.(agentLister)
	if !ok {
		return hint
	}
	matches := fuzzy.Find(ref, lister.Names())
	if len(matches) == 0 {
		return hint
	}
	return fmt.Sprintf("did you mean %q?", matches[0].Str)
}

// Validate checks a definition and returns every error found. A nil
// resolver skips agent resolution.
func Validate(def workflow.WorkflowDefinition, agents AgentResolver) Result {
	v := &validation{def: def, agents: agents, stages: map[string]workflow.Stage{}}
	v.checkWorkflow()
	v.checkStages()
	v.checkReferences()
	v.checkCycles()
	v.checkWorkflowOutputs()
	return Result{WorkflowID: def.ID, Version: def.Version, Errors: v.errs}
}

type validation struct {
	def    workflow.WorkflowDefinition
	agents AgentResolver
	stages map[string]workflow.Stage
	errs   []ValidationError
}

func (v *validation) add(err ValidationError) {
	v.errs = append(v.errs, err)
}

func (v *validation) checkWorkflow() {
	if v.def.ID == "" {
		v.add(ValidationError{Code: CodeMissingField, Field: "id", Message: "workflow id is required", Hint: "set a top-level id"})
	}
	if len(v.def.Stages) == 0 {
		v.add(ValidationError{Code: CodeMissingField, Field: "stages", Message: "at least one stage is required"})
	}
	if v.def.Runtime.MaxParallel < 0 {
		v.add(ValidationError{Code: CodeInvalidRuntime, Field: "runtime.max_parallel", Message: "max_parallel must be >= 0"})
	}
	seen := map[string]bool{}
	for _, input := range v.def.Inputs {
		switch {
		case strings.TrimSpace(input) == "":
			v.add(ValidationError{Code: CodeMissingField, Field: "inputs", Message: "workflow input names must not be empty"})
		case strings.Contains(input, "."):
			v.add(ValidationError{Code: CodeMissingField, Field: input, Message: fmt.Sprintf("workflow input %q must not contain '.'", input), Hint: "dots separate stage and output names in references"})
		case seen[input]:
			v.add(ValidationError{Code: CodeDuplicateField, Field: input, Message: fmt.Sprintf("workflow input %q declared twice", input)})
		}
		seen[input] = true
	}
}

func (v *validation) checkStages() {
	for idx, stage := range v.def.Stages {
		if stage.Name == "" {
			v.add(ValidationError{Code: CodeMissingField, Field: fmt.Sprintf("stages[%d].name", idx), Message: fmt.Sprintf("stage %d has no name", idx)})
			continue
		}
		if strings.Contains(stage.Name, ".") {
			v.add(ValidationError{Code: CodeMissingField, Stage: stage.Name, Field: "name", Message: "stage names must not contain '.'"})
		}
		if _, dup := v.stages[stage.Name]; dup {
			v.add(ValidationError{Code: CodeDuplicateStage, Stage: stage.Name, Message: fmt.Sprintf("stage %q declared more than once", stage.Name), Hint: "stage names must be unique within a workflow"})
			continue
		}
		v.stages[stage.Name] = stage

		if stage.Agent == "" && stage.Approval == nil {
			v.add(ValidationError{Code: CodeMissingField, Stage: stage.Name, Field: "agent", Message: "stage needs an agent or an approval gate"})
		}
		if stage.Agent != "" && v.agents != nil {
			if _, err := v.agents.Resolve(stage.Agent); err != nil {
				v.add(ValidationError{
					Code:    CodeUnknownAgent,
					Stage:   stage.Name,
					Field:   stage.Agent,
					Message: fmt.Sprintf("agent %q cannot be resolved", stage.Agent),
					Hint:    unknownAgentHint(stage.Agent, v.agents),
				})
			}
		}
		v.checkDuplicates(stage, "outputs", stage.Outputs)
		v.checkDuplicates(stage, "inputs", stage.Inputs)
		v.checkGate(stage)
		v.checkRetry(stage)
	}
}

func (v *validation) checkDuplicates(stage workflow.Stage, field string, values []string) {
	seen := map[string]bool{}
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			v.add(ValidationError{Code: CodeMissingField, Stage: stage.Name, Field: field, Message: fmt.Sprintf("%s entries must not be empty", field)})
			continue
		}
		if seen[value] {
			v.add(ValidationError{Code: CodeDuplicateField, Stage: stage.Name, Field: value, Message: fmt.Sprintf("%s entry %q declared twice", field, value)})
		}
		seen[value] = true
	}
}

func (v *validation) checkGate(stage workflow.Stage) {
	gate := stage.Approval
	if gate == nil {
		return
	}
	if len(gate.Approvers) == 0 {
		v.add(ValidationError{Code: CodeInvalidGate, Stage: stage.Name, Field: "approval.approvers", Message: "approval gate needs at least one approver"})
	}
	seen := map[string]bool{}
	for _, approver := range gate.Approvers {
		if seen[approver] {
			v.add(ValidationError{Code: CodeInvalidGate, Stage: stage.Name, Field: "approval.approvers", Message: fmt.Sprintf("approver %q listed twice", approver)})
		}
		seen[approver] = true
	}
	if gate.Quorum < 1 || gate.Quorum > len(gate.Approvers) {
		v.add(ValidationError{
			Code:    CodeInvalidGate,
			Stage:   stage.Name,
			Field:   "approval.quorum",
			Message: fmt.Sprintf("quorum %d must be between 1 and %d", gate.Quorum, len(gate.Approvers)),
		})
	}
	if gate.Timeout < 0 {
		v.add(ValidationError{Code: CodeInvalidGate, Stage: stage.Name, Field: "approval.timeout", Message: "timeout must not be negative"})
	}
	if stage.Agent == "" && len(stage.Outputs) > 0 {
		v.add(ValidationError{
			Code:    CodeInvalidGate,
			Stage:   stage.Name,
			Field:   "outputs",
			Message: "a gate stage without an agent cannot declare outputs",
			Hint:    "remove the outputs or add an agent that produces them",
		})
	}
}

func (v *validation) checkRetry(stage workflow.Stage) {
	retry := stage.Retry
	if retry == nil {
		return
	}
	if retry.MaxAttempts < 1 {
		v.add(ValidationError{Code: CodeInvalidRetry, Stage: stage.Name, Field: "retry.max_attempts", Message: "max_attempts must be >= 1"})
	}
	if retry.Backoff < 0 || retry.MaxBackoff < 0 {
		v.add(ValidationError{Code: CodeInvalidRetry, Stage: stage.Name, Field: "retry.backoff", Message: "backoff durations must not be negative"})
	}
	if retry.MaxBackoff > 0 && retry.Backoff > retry.MaxBackoff {
		v.add(ValidationError{Code: CodeInvalidRetry, Stage: stage.Name, Field: "retry.max_backoff", Message: "max_backoff must be >= backoff"})
	}
}

func (v *validation) checkReferences() {
	checked := map[string]bool{}
	for _, stage := range v.def.Stages {
		if stage.Name == "" || checked[stage.Name] {
			continue
		}
		checked[stage.Name] = true
		for _, raw := range stage.Inputs {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			ref := workflow.ParseInputRef(raw)
			if ref.Stage == "" {
				if !v.def.HasInput(ref.Field) {
					v.add(ValidationError{
						Code:    CodeDanglingReference,
						Stage:   stage.Name,
						Field:   raw,
						Message: fmt.Sprintf("input %q is not a declared workflow input", raw),
						Hint:    "declare it under inputs or reference a stage output as stage.output",
					})
				}
				continue
			}
			if ref.Stage == stage.Name {
				// Reported by checkCycles as a self-loop.
				continue
			}
			upstream, ok := v.stages[ref.Stage]
			if !ok {
				v.add(ValidationError{
					Code:     CodeDanglingReference,
					Stage:    stage.Name,
					Upstream: ref.Stage,
					Field:    raw,
					Message:  fmt.Sprintf("input %q references unknown stage %s", raw, ref.Stage),
				})
				continue
			}
			if !upstream.HasOutput(ref.Field) {
				v.add(ValidationError{
					Code:     CodeOutputMismatch,
					Stage:    stage.Name,
					Upstream: upstream.Name,
					Field:    ref.Field,
					Message:  fmt.Sprintf("input %q expects output %s from stage %s, which declares [%s]", raw, ref.Field, upstream.Name, strings.Join(upstream.Outputs, ", ")),
					Hint:     fmt.Sprintf("add %s to %s outputs or change the reference", ref.Field, upstream.Name),
				})
			}
		}
		for _, after := range stage.After {
			if _, ok := v.stages[after]; !ok {
				v.add(ValidationError{
					Code:     CodeDanglingReference,
					Stage:    stage.Name,
					Upstream: after,
					Field:    "after",
					Message:  fmt.Sprintf("after references unknown stage %s", after),
				})
			}
		}
	}
}

func (v *validation) checkCycles() {
	for _, cycle := range graph.Build(v.def).Cycles() {
		v.add(ValidationError{
			Code:    CodeCycle,
			Stage:   cycle[0],
			Stages:  cycle,
			Message: fmt.Sprintf("dependency cycle among stages [%s]", strings.Join(cycle, ", ")),
			Hint:    "remove one of the dependencies so the stages form a DAG",
		})
	}
}

func (v *validation) checkWorkflowOutputs() {
	for _, raw := range v.def.Outputs {
		ref := workflow.ParseInputRef(raw)
		if ref.Stage == "" {
			v.add(ValidationError{Code: CodeDanglingReference, Field: raw, Message: fmt.Sprintf("workflow output %q must reference stage.output", raw)})
			continue
		}
		stage, ok := v.stages[ref.Stage]
		if !ok {
			v.add(ValidationError{Code: CodeDanglingReference, Upstream: ref.Stage, Field: raw, Message: fmt.Sprintf("workflow output %q references unknown stage %s", raw, ref.Stage)})
			continue
		}
		if !stage.HasOutput(ref.Field) {
			v.add(ValidationError{Code: CodeOutputMismatch, Upstream: stage.Name, Field: ref.Field, Message: fmt.Sprintf("workflow output %q is not declared by stage %s", raw, stage.Name)})
		}
	}
}
