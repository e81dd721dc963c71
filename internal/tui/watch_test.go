package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

type fakeSource struct {
	mu     sync.Mutex
	status engine.Status
	err    error
	calls  int
}

func (f *fakeSource) GetStatus(_ context.Context, id string) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return engine.Status{}, f.err
	}
	status := f.status
	status.InstanceID = id
	return status, nil
}

func (f *fakeSource) set(status engine.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func runningStatus() engine.Status {
	return engine.Status{
		WorkflowID:        "deploy",
		DefinitionVersion: 2,
		Status:            workflow.InstanceAwaitingApproval,
		Version:           5,
		Stages: []engine.StageView{
			{Name: "build", Agent: "worker", Status: workflow.StageSucceeded, Attempt: 1, Outputs: map[string]any{"b": 1, "a": 2}},
			{Name: "signoff", Layer: 1, Status: workflow.StageRunning, GateID: "inst-1/signoff"},
			{Name: "ship", Agent: "worker", Layer: 2, Status: workflow.StagePending, BlockedBy: []string{"signoff"}},
		},
		PendingApprovals: []engine.PendingApproval{{
			GateID:      "inst-1/signoff",
			Stage:       "signoff",
			Approvers:   []string{"alice", "bob"},
			Outstanding: []string{"bob"},
			Approvals:   1,
			Quorum:      2,
		}},
	}
}

// load runs the model's fetch command and feeds the result back.
func load(t *testing.T, m *Model) tea.Cmd {
	t.Helper()
	msg := m.fetch()()
	_, cmd := m.Update(msg)
	return cmd
}

func TestWatchRendersStagesAndGates(t *testing.T) {
	source := &fakeSource{status: runningStatus()}
	m := New(source, "inst-1")
	load(t, m)

	rows := m.table.Rows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][2] != "done" || rows[0][5] != "outputs: a, b" {
		t.Fatalf("unexpected build row %v", rows[0])
	}
	if rows[1][2] != "awaiting" {
		t.Fatalf("expected awaiting gate, got %v", rows[1])
	}
	if rows[2][2] != "blocked" || rows[2][5] != "after signoff" {
		t.Fatalf("unexpected ship row %v", rows[2])
	}

	view := m.View()
	for _, want := range []string{"inst-1", "deploy@2", "awaiting_approval", "gate inst-1/signoff", "1/2 approvals", "waiting on bob"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchShowsLoadErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("store offline")}
	m := New(source, "inst-1")
	load(t, m)
	if m.loaded {
		t.Fatalf("model should not be loaded after an error")
	}
	if view := m.View(); !strings.Contains(view, "store offline") {
		t.Fatalf("expected error in view:\n%s", view)
	}
}

func TestWatchQuitsOnKey(t *testing.T) {
	m := New(&fakeSource{status: runningStatus()}, "inst-1")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestWatchRefreshesOnEvents(t *testing.T) {
	source := &fakeSource{status: runningStatus()}
	events := make(chan engine.Event, 1)
	m := New(source, "inst-1", WithEvents(events))
	load(t, m)

	done := runningStatus()
	done.Status = workflow.InstanceCompleted
	done.PendingApprovals = nil
	source.set(done)
	events <- engine.Event{Type: engine.EventInstanceStatus, InstanceID: "inst-1", Status: string(workflow.InstanceCompleted)}

	msg := m.waitForEvent()()
	if _, cmd := m.Update(msg); cmd == nil {
		t.Fatalf("expected refresh command after event")
	}
	if !strings.Contains(m.lastEvent, "instance.status completed") {
		t.Fatalf("unexpected last event %q", m.lastEvent)
	}
	load(t, m)
	if m.Status().Status != workflow.InstanceCompleted {
		t.Fatalf("expected completed, got %s", m.Status().Status)
	}

	close(events)
	if _, cmd := m.Update(m.waitForEvent()()); cmd != nil {
		t.Fatalf("closed event channel should stop listening")
	}
	if m.waitForEvent() != nil {
		t.Fatalf("expected no event listener after close")
	}
}

func TestWatchExitOnFinish(t *testing.T) {
	done := runningStatus()
	done.Status = workflow.InstanceFailed
	done.Failure = &engine.Failure{Stage: "ship", Kind: engine.ErrorKindAgent, Message: "boom"}
	m := New(&fakeSource{status: done}, "inst-1", WithExitOnFinish(), WithRefreshInterval(time.Millisecond))
	cmd := load(t, m)
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
	if view := m.View(); !strings.Contains(view, "ship failed (agent): boom") {
		t.Fatalf("expected failure in view:\n%s", view)
	}
	if _, cmd := m.Update(tickMsg{}); cmd != nil {
		t.Fatalf("terminal instances should stop polling")
	}
}
