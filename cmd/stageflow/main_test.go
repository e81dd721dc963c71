package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

const reviewDefinition = `id: review
inputs: [repo]
stages:
  - name: lint
    agent: reviewer
    inputs: [repo]
    outputs: [report]
  - name: signoff
    after: [lint]
    approval:
      approvers: [alice]
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeProject(t *testing.T) (cfgPath, defPath string) {
	t.Helper()
	dir := t.TempDir()
	cfg := `state_dir: ` + filepath.Join(dir, ".stageflow") + `
store:
  driver: file
log:
  level: error
bridge:
  enabled: false
agents:
  reviewer:
    kind: external
`
	cfgPath = filepath.Join(dir, "config.yaml")
	defPath = filepath.Join(dir, "review.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(defPath, []byte(reviewDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	return cfgPath, defPath
}

func TestSubmitRunStatus(t *testing.T) {
	cfgPath, defPath := writeProject(t)

	out, err := execute(t, "--config", cfgPath, "submit", defPath)
	if err != nil {
		t.Fatalf("submit: %v\n%s", err, out)
	}
	if !strings.Contains(out, "stored review@1") {
		t.Fatalf("unexpected submit output: %s", out)
	}

	out, err = execute(t, "--config", cfgPath, "run", "review@1", "--input", "repo=acme/api", "--detach")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatalf("run should print the instance id")
	}

	out, err = execute(t, "--config", cfgPath, "status", id, "--json")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var status engine.Status
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if status.Status != workflow.InstanceRunning || status.Inputs["repo"] != "acme/api" {
		t.Fatalf("unexpected status: %+v", status)
	}
	lint, ok := status.Stage("lint")
	if !ok || !lint.Dispatched || lint.Attempt != 1 {
		t.Fatalf("lint should be dispatched once: %+v", lint)
	}

	out, err = execute(t, "--config", cfgPath, "events", id)
	if err != nil {
		t.Fatalf("events: %v\n%s", err, out)
	}
	if !strings.Contains(out, "instance.triggered") || !strings.Contains(out, "lint") {
		t.Fatalf("journal should record the trigger and the dispatch:\n%s", out)
	}
}

func TestValidateReportsErrors(t *testing.T) {
	cfgPath, _ := writeProject(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	payload := "id: bad\nstages:\n  - name: a\n    agent: reviwer\n"
	if err := os.WriteFile(bad, []byte(payload), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	out, err := execute(t, "--config", cfgPath, "validate", bad)
	if err == nil {
		t.Fatalf("expected validation failure:\n%s", out)
	}
	if !strings.Contains(out, `did you mean "reviewer"?`) {
		t.Fatalf("expected agent suggestion in output:\n%s", out)
	}
}

func TestValidateReadsStdin(t *testing.T) {
	cfgPath, _ := writeProject(t)
	rootCmd.SetIn(strings.NewReader(reviewDefinition))
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	out, err := execute(t, "--config", cfgPath, "validate", "-")
	if err != nil {
		t.Fatalf("validate stdin: %v\n%s", err, out)
	}
	if !strings.Contains(out, "review is valid") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestParseInputs(t *testing.T) {
	got, err := parseInputs([]string{"repo=acme/api", "count=3", "flags={\"fast\":true}", "empty="})
	if err != nil {
		t.Fatalf("parse inputs: %v", err)
	}
	want := map[string]any{
		"repo":  "acme/api",
		"count": float64(3),
		"flags": map[string]any{"fast": true},
		"empty": "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected inputs: %#v", got)
	}
	for _, bad := range [][]string{{"novalue"}, {"=x"}, {"a=1", "a=2"}} {
		if _, err := parseInputs(bad); err == nil {
			t.Fatalf("expected %v to be rejected", bad)
		}
	}
}

func TestHasLocalWork(t *testing.T) {
	agents := agent.NewRegistry()
	agents.MustRegister(agent.Endpoint{Name: "local", Kind: agent.KindCommand, Command: []string{"true"}})
	agents.MustRegister(agent.Endpoint{Name: "remote", Kind: agent.KindExternal})
	a := &app{agents: agents}

	cases := []struct {
		name  string
		stage engine.StageView
		want  bool
	}{
		{name: "command running", stage: engine.StageView{Agent: "local", Status: workflow.StageRunning, Dispatched: true}, want: true},
		{name: "command queued", stage: engine.StageView{Agent: "local", Status: workflow.StageRunning}, want: true},
		{name: "external running", stage: engine.StageView{Agent: "remote", Status: workflow.StageRunning, Dispatched: true}},
		{name: "command done", stage: engine.StageView{Agent: "local", Status: workflow.StageSucceeded}},
		{name: "gate waiting", stage: engine.StageView{Agent: "local", Status: workflow.StageRunning, GateID: "i/g"}},
		{name: "gate approved", stage: engine.StageView{Agent: "local", Status: workflow.StageRunning, GateID: "i/done"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := engine.Status{
				Stages:           []engine.StageView{tc.stage},
				PendingApprovals: []engine.PendingApproval{{GateID: "i/g"}},
			}
			if got := a.hasLocalWork(status); got != tc.want {
				t.Fatalf("hasLocalWork = %v, want %v", got, tc.want)
			}
		})
	}
}
