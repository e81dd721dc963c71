package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
)

// testStore is an in-memory Store with hooks for injecting failures.
type testStore struct {
	mu        sync.Mutex
	defs      map[string][]workflow.WorkflowDefinition
	instances map[string]Instance

	// beforeSave runs outside the lock ahead of every SaveInstance.
	beforeSave func(inst Instance, expected int64) error
}

func newTestStore() *testStore {
	return &testStore{defs: map[string][]workflow.WorkflowDefinition{}, instances: map[string]Instance{}}
}

func (s *testStore) SaveDefinition(_ context.Context, def workflow.WorkflowDefinition) (workflow.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := def.Clone()
	stored.Version = len(s.defs[def.ID]) + 1
	s.defs[def.ID] = append(s.defs[def.ID], stored)
	return stored.Clone(), nil
}

func (s *testStore) LoadDefinition(_ context.Context, id string, version int) (workflow.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.defs[id]
	if len(versions) == 0 || version > len(versions) {
		return workflow.WorkflowDefinition{}, ErrNotFound
	}
	if version <= 0 {
		version = len(versions)
	}
	return versions[version-1].Clone(), nil
}

func (s *testStore) LoadInstance(_ context.Context, id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *testStore) SaveInstance(_ context.Context, inst Instance, expected int64) error {
	s.mu.Lock()
	hook := s.beforeSave
	s.mu.Unlock()
	if hook != nil {
		if err := hook(inst, expected); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[inst.ID]
	switch {
	case !ok && expected != 0:
		return ErrVersionConflict
	case ok && current.Version != expected:
		return ErrVersionConflict
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *testStore) ListInstances(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *testStore) setBeforeSave(hook func(inst Instance, expected int64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeSave = hook
}

// manualExecutor records invocations and leaves completion to the test.
type manualExecutor struct {
	mu    sync.Mutex
	calls []agent.Invocation
	ctxs  []context.Context
}

func (m *manualExecutor) Invoke(ctx context.Context, inv agent.Invocation, _ func(agent.Completion)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, inv)
	m.ctxs = append(m.ctxs, ctx)
	return nil
}

func (m *manualExecutor) invocations() []agent.Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.Invocation(nil), m.calls...)
}

func (m *manualExecutor) stages() []string {
	var names []string
	for _, inv := range m.invocations() {
		names = append(names, inv.Stage)
	}
	return names
}

func (m *manualExecutor) last(stage string) (agent.Invocation, context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].Stage == stage {
			return m.calls[i], m.ctxs[i], true
		}
	}
	return agent.Invocation{}, nil, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Send(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  *testStore
	exec   *manualExecutor
	events *eventLog
	clock  *fakeClock
	agents *agent.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  newTestStore(),
		exec:   &manualExecutor{},
		events: &eventLog{},
		clock:  newFakeClock(),
		agents: agent.NewRegistry(),
	}
	h.agents.MustRegister(agent.Endpoint{Name: "worker", Kind: agent.KindExternal})
	h.engine = h.newEngine(h.exec, h.events, h.clock.Now, opts...)
	return h
}

// newEngine builds another engine over the harness store, as a second
// process sharing the database would.
func (h *harness) newEngine(exec agent.Executor, notifier Notifier, clock func() time.Time, opts ...Option) *Engine {
	h.t.Helper()
	base := []Option{WithClock(clock), WithNotifier(notifier), WithStoreRetry(2, time.Millisecond)}
	eng, err := New(h.agents, h.store, exec, append(base, opts...)...)
	if err != nil {
		h.t.Fatalf("new engine: %v", err)
	}
	h.t.Cleanup(func() { eng.Close() })
	return eng
}

func (h *harness) submit(def workflow.WorkflowDefinition) workflow.WorkflowDefinition {
	h.t.Helper()
	result, err := h.engine.Submit(h.ctx, def)
	if err != nil {
		h.t.Fatalf("submit %s: %v (%+v)", def.ID, err, result.Errors)
	}
	stored, err := h.engine.Definition(h.ctx, def.ID, result.Version)
	if err != nil {
		h.t.Fatalf("load %s: %v", def.ID, err)
	}
	return stored
}

func (h *harness) trigger(id string, inputs map[string]any) string {
	h.t.Helper()
	instanceID, err := h.engine.TriggerWorkflow(h.ctx, id, inputs)
	if err != nil {
		h.t.Fatalf("trigger %s: %v", id, err)
	}
	return instanceID
}

func (h *harness) status(id string) Status {
	h.t.Helper()
	status, err := h.engine.GetStatus(h.ctx, id)
	if err != nil {
		h.t.Fatalf("status %s: %v", id, err)
	}
	return status
}

func (h *harness) stage(id, name string) StageView {
	h.t.Helper()
	view, ok := h.status(id).Stage(name)
	if !ok {
		h.t.Fatalf("instance %s has no stage %s", id, name)
	}
	return view
}

// complete reports the latest attempt of stage as finished.
func (h *harness) complete(id, stage string, outputs map[string]any, err error) {
	h.t.Helper()
	inv, _, ok := h.exec.last(stage)
	if !ok {
		h.t.Fatalf("stage %s was never dispatched", stage)
	}
	if cerr := h.engine.CompleteStage(h.ctx, id, stage, inv.Attempt, agent.Completion{Outputs: outputs, Err: err}); cerr != nil {
		h.t.Fatalf("complete %s: %v", stage, cerr)
	}
}

func (h *harness) expectStatus(id string, want workflow.InstanceStatus) Status {
	h.t.Helper()
	status := h.status(id)
	if status.Status != want {
		h.t.Fatalf("expected instance %s, got %s (failure=%+v)", want, status.Status, status.Failure)
	}
	return status
}

func (h *harness) expectDispatched(want ...string) {
	h.t.Helper()
	got := h.exec.stages()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		h.t.Fatalf("expected dispatches %v, got %v", want, got)
	}
}

func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	if err := h.engine.Drain(ctx); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func agentStage(name string, inputs, outputs []string, after ...string) workflow.Stage {
	return workflow.Stage{Name: name, Agent: "worker", Inputs: inputs, Outputs: outputs, After: after}
}

func gateStage(name string, approvers []string, quorum int, timeout time.Duration, after ...string) workflow.Stage {
	return workflow.Stage{
		Name:     name,
		After:    after,
		Approval: &workflow.ApprovalGate{Approvers: approvers, Quorum: quorum, Timeout: timeout},
	}
}
