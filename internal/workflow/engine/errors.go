package engine

import "errors"

var (
	// ErrInfrastructure wraps collaborator failures that survived retries.
	ErrInfrastructure = errors.New("workflow engine: infrastructure failure")
	// ErrInstanceTerminal is returned when mutating a finished instance.
	ErrInstanceTerminal = errors.New("workflow engine: instance is terminal")
	// ErrUnknownGate is returned for gate IDs that match no gate.
	ErrUnknownGate = errors.New("workflow engine: unknown gate")
	// ErrUnknownStage is returned for stage names the definition lacks.
	ErrUnknownStage = errors.New("workflow engine: unknown stage")
	// ErrMissingInput is returned when a trigger omits a declared input.
	ErrMissingInput = errors.New("workflow engine: missing workflow input")
	// ErrInvalidDefinition is returned when a definition fails validation.
	ErrInvalidDefinition = errors.New("workflow engine: invalid definition")
	// ErrStaleCompletion is returned when a completion does not match the
	// stage's current attempt.
	ErrStaleCompletion = errors.New("workflow engine: stale completion")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("workflow engine: closed")
)
