package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAgent is returned when an agent reference does not resolve.
var ErrUnknownAgent = errors.New("agent: unknown agent")

// Kind selects how an endpoint is invoked.
type Kind string

const (
	// KindCommand runs a local process per invocation.
	KindCommand Kind = "command"
	// KindExternal leaves execution to an outside worker that reports back
	// through the engine's completion entry point.
	KindExternal Kind = "external"
)

// Endpoint is a resolved agent.
type Endpoint struct {
	Name    string            `json:"name" yaml:"name"`
	Kind    Kind              `json:"kind,omitempty" yaml:"kind,omitempty"`
	Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate ensures the endpoint is usable.
func (e Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("agent: name is required")
	}
	switch e.kind() {
	case KindCommand:
		if len(e.Command) == 0 {
			return fmt.Errorf("agent: %s: command is required", e.Name)
		}
	case KindExternal:
	default:
		return fmt.Errorf("agent: %s: unsupported kind %q", e.Name, e.Kind)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("agent: %s: timeout must be >= 0", e.Name)
	}
	return nil
}

func (e Endpoint) kind() Kind {
	if e.Kind == "" {
		if len(e.Command) > 0 {
			return KindCommand
		}
		return KindExternal
	}
	return e.Kind
}

// Invocation is a single stage attempt handed to an executor.
type Invocation struct {
	InstanceID string         `json:"instance_id"`
	WorkflowID string         `json:"workflow_id"`
	Stage      string         `json:"stage"`
	Attempt    int            `json:"attempt"`
	Agent      Endpoint       `json:"agent"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	// Outputs lists the output names the stage declares.
	Outputs []string `json:"outputs,omitempty"`
}

// Completion reports the outcome of an invocation.
type Completion struct {
	Outputs map[string]any `json:"outputs,omitempty"`
	Err     error          `json:"-"`
}

// Executor invokes agents. Invoke must not block on the agent's work: it
// returns once the attempt is dispatched and calls done exactly once when the
// attempt settles. Executors that hand work to an outside system may never
// call done; the engine then learns the outcome through its completion entry
// point. Cancelling ctx asks the agent to stop; it is not a forced kill.
type Executor interface {
	Invoke(ctx context.Context, inv Invocation, done func(Completion)) error
}

// Func adapts a blocking function into an Executor. The function runs on its
// own goroutine.
type Func func(ctx context.Context, inv Invocation) (map[string]any, error)

// Invoke implements Executor.
func (f Func) Invoke(ctx context.Context, inv Invocation, done func(Completion)) error {
	if f == nil {
		return fmt.Errorf("agent: nil executor func")
	}
	go func() {
		outputs, err := f(ctx, inv)
		done(Completion{Outputs: outputs, Err: err})
	}()
	return nil
}

// PermanentError marks an agent failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so retry policies stop immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
