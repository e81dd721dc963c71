package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Endpoint{Name: "writer", Command: []string{"true"}})
	reg.MustRegister(Endpoint{Name: "reviewer"})

	endpoint, err := reg.Resolve("writer")
	if err != nil {
		t.Fatalf("resolve writer: %v", err)
	}
	if endpoint.Kind != KindCommand {
		t.Fatalf("command endpoints should default to command kind, got %q", endpoint.Kind)
	}
	external, _ := reg.Resolve("reviewer")
	if external.Kind != KindExternal {
		t.Fatalf("endpoints without a command should default to external, got %q", external.Kind)
	}
	if _, err := reg.Resolve("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	if err := reg.Register(Endpoint{Name: "writer", Command: []string{"true"}}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if got := strings.Join(reg.Names(), ","); got != "reviewer,writer" {
		t.Fatalf("names = %s", got)
	}
}

func TestEndpointValidate(t *testing.T) {
	if err := (Endpoint{}).Validate(); err == nil {
		t.Fatalf("expected missing name error")
	}
	if err := (Endpoint{Name: "x", Kind: KindCommand}).Validate(); err == nil {
		t.Fatalf("expected missing command error")
	}
	if err := (Endpoint{Name: "x", Kind: "carrier-pigeon"}).Validate(); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
}

func waitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for completion")
		return Completion{}
	}
}

func TestFuncExecutorRunsAsync(t *testing.T) {
	exec := Func(func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{"echo": inv.Inputs["msg"]}, nil
	})
	ch := make(chan Completion, 1)
	err := exec.Invoke(context.Background(), Invocation{Stage: "s", Inputs: map[string]any{"msg": "hi"}}, func(c Completion) { ch <- c })
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	c := waitCompletion(t, ch)
	if c.Err != nil || c.Outputs["echo"] != "hi" {
		t.Fatalf("unexpected completion: %+v", c)
	}
}

func TestCommandExecutorParsesStdout(t *testing.T) {
	inv := Invocation{
		InstanceID: "inst-1",
		Stage:      "draft",
		Attempt:    1,
		Agent: Endpoint{
			Name:    "writer",
			Command: []string{"sh", "-c", `cat >/dev/null; printf '{"notes":"for %s"}' "$STAGEFLOW_STAGE"`},
		},
	}
	ch := make(chan Completion, 1)
	if err := (&CommandExecutor{}).Invoke(context.Background(), inv, func(c Completion) { ch <- c }); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	c := waitCompletion(t, ch)
	if c.Err != nil {
		t.Fatalf("command failed: %v", c.Err)
	}
	if c.Outputs["notes"] != "for draft" {
		t.Fatalf("unexpected outputs: %+v", c.Outputs)
	}
}

func TestCommandExecutorReportsStderr(t *testing.T) {
	inv := Invocation{
		Stage: "draft",
		Agent: Endpoint{Name: "writer", Command: []string{"sh", "-c", "echo boom >&2; exit 3"}},
	}
	ch := make(chan Completion, 1)
	if err := (&CommandExecutor{}).Invoke(context.Background(), inv, func(c Completion) { ch <- c }); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	c := waitCompletion(t, ch)
	if c.Err == nil || !strings.Contains(c.Err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got %v", c.Err)
	}
}

func TestCommandExecutorRejectsBadJSON(t *testing.T) {
	inv := Invocation{Agent: Endpoint{Name: "writer", Command: []string{"sh", "-c", "echo not-json"}}}
	ch := make(chan Completion, 1)
	if err := (&CommandExecutor{}).Invoke(context.Background(), inv, func(c Completion) { ch <- c }); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if c := waitCompletion(t, ch); c.Err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestMuxRoutesByKind(t *testing.T) {
	called := make(chan string, 1)
	mux := NewMux(&CommandExecutor{}, ExternalExecutor{})
	mux.Handle(KindCommand, Func(func(ctx context.Context, inv Invocation) (map[string]any, error) {
		called <- inv.Agent.Name
		return nil, nil
	}))
	done := func(Completion) {}
	if err := mux.Invoke(context.Background(), Invocation{Agent: Endpoint{Name: "cmd", Command: []string{"x"}}}, done); err != nil {
		t.Fatalf("invoke command: %v", err)
	}
	if got := <-called; got != "cmd" {
		t.Fatalf("unexpected route %s", got)
	}
	if err := mux.Invoke(context.Background(), Invocation{Agent: Endpoint{Name: "ext"}}, done); err != nil {
		t.Fatalf("external invoke should be accepted: %v", err)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("permanent wrapper lost identity: %v", err)
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Fatalf("unexpected permanent classification")
	}
}
