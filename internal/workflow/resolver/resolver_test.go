package resolver

import (
	"reflect"
	"testing"

	"github.com/kingrea/stageflow/internal/workflow"
)

func testDefinition() workflow.WorkflowDefinition {
	return workflow.WorkflowDefinition{
		ID: "pipeline",
		Stages: []workflow.Stage{
			{Name: "plan", Agent: "worker", Outputs: []string{"spec"}},
			{Name: "build", Agent: "worker", Inputs: []string{"plan.spec"}},
			{Name: "lint", Agent: "worker", After: []string{"plan"}},
			{Name: "deploy", Agent: "worker", After: []string{"build", "lint"}},
			{Name: "docs", Agent: "worker"},
		},
	}
}

func mustResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New(testDefinition())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func mustNode(t *testing.T, r *Resolver, id string) *Node {
	t.Helper()
	node, ok := r.Node(id)
	if !ok {
		t.Fatalf("node %s missing", id)
	}
	return node
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.ID)
	}
	return out
}

func TestResolverRefreshSetsStates(t *testing.T) {
	r := mustResolver(t)
	r.Refresh(map[string]workflow.StageStatus{
		"plan": workflow.StageSucceeded,
		"lint": workflow.StageRunning,
	})

	if got := mustNode(t, r, "plan").State; got != NodeStateComplete {
		t.Fatalf("expected plan complete, got %s", got)
	}
	if got := mustNode(t, r, "build").State; got != NodeStateReady {
		t.Fatalf("expected build ready, got %s", got)
	}
	deploy := mustNode(t, r, "deploy")
	if deploy.State != NodeStateBlocked {
		t.Fatalf("expected deploy blocked, got %s", deploy.State)
	}
	if !reflect.DeepEqual(deploy.BlockedBy, []string{"build", "lint"}) {
		t.Fatalf("deploy blocked by %+v", deploy.BlockedBy)
	}
	if got := ids(r.Ready()); !reflect.DeepEqual(got, []string{"build", "docs"}) {
		t.Fatalf("unexpected ready set: %v", got)
	}
	if deploy.Layer != 2 || mustNode(t, r, "docs").Layer != 0 {
		t.Fatalf("unexpected layers deploy=%d docs=%d", deploy.Layer, mustNode(t, r, "docs").Layer)
	}
}

func TestResolverMarksDescendantsOfFailureUnreachable(t *testing.T) {
	r := mustResolver(t)
	r.Refresh(map[string]workflow.StageStatus{
		"plan":  workflow.StageSucceeded,
		"build": workflow.StageFailed,
	})
	deploy := mustNode(t, r, "deploy")
	if deploy.State != NodeStateUnreachable {
		t.Fatalf("deploy should be unreachable, got %s", deploy.State)
	}
	if !reflect.DeepEqual(deploy.BlockedBy, []string{"build"}) {
		t.Fatalf("deploy doomed by %v", deploy.BlockedBy)
	}
	if got := ids(r.Ready()); !reflect.DeepEqual(got, []string{"lint", "docs"}) {
		t.Fatalf("non-descendants should stay ready, got %v", got)
	}
	if r.Complete() {
		t.Fatalf("resolver should not report completion")
	}
}

func TestResolverPropagatesSkips(t *testing.T) {
	def := workflow.WorkflowDefinition{
		ID: "chain",
		Stages: []workflow.Stage{
			{Name: "a", Agent: "w"},
			{Name: "b", Agent: "w", After: []string{"a"}},
			{Name: "c", Agent: "w", After: []string{"b"}},
		},
	}
	r, err := New(def)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	r.Refresh(map[string]workflow.StageStatus{"a": workflow.StageFailed})
	if got := ids(r.Unreachable()); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("unreachable = %v", got)
	}
	if a := mustNode(t, r, "a"); a.State != NodeStateFailed {
		t.Fatalf("a should stay failed, got %s", a.State)
	}
}

func TestResolverComplete(t *testing.T) {
	r := mustResolver(t)
	statuses := map[string]workflow.StageStatus{}
	for _, name := range testDefinition().StageNames() {
		statuses[name] = workflow.StageSucceeded
	}
	r.Refresh(statuses)
	if !r.Complete() {
		t.Fatalf("expected complete")
	}
}

func TestNewRejectsCycles(t *testing.T) {
	def := workflow.WorkflowDefinition{
		ID: "loop",
		Stages: []workflow.Stage{
			{Name: "a", Agent: "w", After: []string{"b"}},
			{Name: "b", Agent: "w", After: []string{"a"}},
		},
	}
	if _, err := New(def); err == nil {
		t.Fatalf("expected cycle error")
	}
}
