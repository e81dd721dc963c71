package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

func newStore(t *testing.T) (*Store, workflow.Layout) {
	t.Helper()
	layout := workflow.NewLayout(filepath.Join(t.TempDir(), workflow.DefaultStateDir))
	store, err := New(layout)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, layout
}

func TestSaveInstanceWritesRecordAtomically(t *testing.T) {
	store, layout := newStore(t)
	ctx := context.Background()
	inst := engine.Instance{
		ID:         "inst-1",
		WorkflowID: "deploy",
		Status:     workflow.InstanceRunning,
		Version:    1,
		Inputs:     map[string]any{"ticket": "T-7"},
		Stages:     []engine.StageExecution{{Stage: "build", Status: workflow.StageRunning, Attempt: 1, Dispatched: true}},
		CreatedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := store.SaveInstance(ctx, inst, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(layout.InstancePath("inst-1")); err != nil {
		t.Fatalf("expected record on disk: %v", err)
	}
	entries, err := os.ReadDir(layout.InstancesDir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the record, found %d entries", len(entries))
	}

	loaded, err := store.LoadInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Inputs["ticket"] != "T-7" || !loaded.Stages[0].Dispatched || !loaded.CreatedAt.Equal(inst.CreatedAt) {
		t.Fatalf("unexpected round trip %+v", loaded)
	}
}

func TestSaveInstanceRejectsStaleVersion(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	inst := engine.Instance{ID: "inst-1", Status: workflow.InstancePending, Version: 1}
	if err := store.SaveInstance(ctx, inst, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SaveInstance(ctx, inst, 0); !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected conflict on recreate, got %v", err)
	}
	next := inst
	next.Version = 2
	next.Status = workflow.InstanceRunning
	if err := store.SaveInstance(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.SaveInstance(ctx, inst, 1); !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected conflict for stale write, got %v", err)
	}
	if err := store.SaveInstance(ctx, engine.Instance{ID: "ghost", Version: 4}, 3); !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected conflict for missing record, got %v", err)
	}
}

func TestDefinitionsAreVersionedFiles(t *testing.T) {
	store, layout := newStore(t)
	ctx := context.Background()
	def := workflow.WorkflowDefinition{ID: "deploy", Stages: []workflow.Stage{{Name: "build", Agent: "worker"}}}

	for want := 1; want <= 2; want++ {
		stored, err := store.SaveDefinition(ctx, def)
		if err != nil {
			t.Fatalf("save v%d: %v", want, err)
		}
		if stored.Version != want {
			t.Fatalf("expected version %d, got %d", want, stored.Version)
		}
		def.Description = "second"
	}
	if _, err := os.Stat(filepath.Join(layout.DefinitionDir("deploy"), "2.json")); err != nil {
		t.Fatalf("expected version file: %v", err)
	}

	latest, err := store.LoadDefinition(ctx, "deploy", 0)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest.Version != 2 || latest.Description != "second" {
		t.Fatalf("unexpected latest %+v", latest)
	}
	first, err := store.LoadDefinition(ctx, "deploy", 1)
	if err != nil {
		t.Fatalf("load v1: %v", err)
	}
	if first.Description != "" {
		t.Fatalf("v1 changed: %+v", first)
	}
	if _, err := store.LoadDefinition(ctx, "deploy", 9); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.LoadDefinition(ctx, "other", 0); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListInstancesSkipsTempFiles(t *testing.T) {
	store, layout := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if err := store.SaveInstance(ctx, engine.Instance{ID: id, Version: 1}, 0); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := os.WriteFile(filepath.Join(layout.InstancesDir(), ".a.json.123"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	ids, err := store.ListInstances(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestRejectsPathLikeIDs(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	if _, err := store.LoadInstance(ctx, "../escape"); err == nil {
		t.Fatalf("expected error for path id")
	}
	if _, err := store.SaveDefinition(ctx, workflow.WorkflowDefinition{ID: "a/b"}); err == nil {
		t.Fatalf("expected error for path id")
	}
}

func TestEngineResumesFromDisk(t *testing.T) {
	store, layout := newStore(t)
	ctx := context.Background()
	agents := agent.NewRegistry()
	agents.MustRegister(agent.Endpoint{Name: "worker", Kind: agent.KindExternal})
	def := workflow.WorkflowDefinition{
		ID:     "deploy",
		Stages: []workflow.Stage{{Name: "build", Agent: "worker", Outputs: []string{"artifact"}}},
	}

	first, err := engine.New(agents, store, agent.ExternalExecutor{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := first.Submit(ctx, def); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id, err := first.TriggerWorkflow(ctx, "deploy", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	first.Close()

	reopened, err := New(layout)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second, err := engine.New(agents, reopened, agent.ExternalExecutor{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { second.Close() })
	resumed, err := second.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected one resumed instance, got %d", resumed)
	}
	status, err := second.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	build, _ := status.Stage("build")
	if build.Attempt != 2 || !build.Dispatched {
		t.Fatalf("expected build redispatched as attempt 2, got %+v", build)
	}

	if err := second.CompleteStage(ctx, id, "build", 2, agent.Completion{Outputs: map[string]any{"artifact": "app.tar"}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	status, err = second.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != workflow.InstanceCompleted {
		t.Fatalf("expected completed, got %s", status.Status)
	}
}
