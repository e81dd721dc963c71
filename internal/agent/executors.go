package agent

import (
	"context"
	"fmt"
	"log/slog"
)

// ExternalExecutor accepts every invocation without running anything. An
// outside worker picks the attempt up from the event stream and reports the
// result through the engine.
type ExternalExecutor struct {
	Logger *slog.Logger
}

// Invoke implements Executor.
func (e ExternalExecutor) Invoke(_ context.Context, inv Invocation, _ func(Completion)) error {
	if e.Logger != nil {
		e.Logger.Info("awaiting external completion", "instance", inv.InstanceID, "stage", inv.Stage, "attempt", inv.Attempt, "agent", inv.Agent.Name)
	}
	return nil
}

// Mux routes invocations to an executor by endpoint kind.
type Mux struct {
	executors map[Kind]Executor
}

// NewMux returns a mux with the command and external executors installed.
func NewMux(command *CommandExecutor, external ExternalExecutor) *Mux {
	return &Mux{executors: map[Kind]Executor{
		KindCommand:  command,
		KindExternal: external,
	}}
}

// Handle installs or replaces the executor for a kind.
func (m *Mux) Handle(kind Kind, executor Executor) {
	if m.executors == nil {
		m.executors = map[Kind]Executor{}
	}
	m.executors[kind] = executor
}

// Invoke implements Executor.
func (m *Mux) Invoke(ctx context.Context, inv Invocation, done func(Completion)) error {
	kind := inv.Agent.kind()
	executor, ok := m.executors[kind]
	if !ok || executor == nil {
		return fmt.Errorf("agent: no executor for kind %q", kind)
	}
	return executor.Invoke(ctx, inv, done)
}
