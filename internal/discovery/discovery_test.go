package discovery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const reviewYAML = `id: review
inputs: [repo]
stages:
  - name: lint
    agent: echo
    inputs: [repo]
    outputs: [report]
  - name: signoff
    after: [lint]
    approval:
      approvers: [alice]
      timeout: 30m
`

const releaseGo = `package main

func WorkflowDefinitions() ([]map[string]any, error) {
	return []map[string]any{
		{
			"id": "release",
			"stages": []map[string]any{
				{"name": "build", "agent": "echo", "outputs": []string{"artifact"}},
				{"name": "publish", "agent": "echo", "inputs": []string{"build.artifact"}},
			},
		},
	}, nil
}
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDirReadsYAMLAndGo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "review.yaml", reviewYAML)
	writeFile(t, dir, "release.go", releaseGo)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, ".hidden.yaml", "not: parsed")

	sources, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	review := sources[0].Definition
	if review.ID != "review" || len(review.Stages) != 2 {
		t.Fatalf("unexpected yaml definition: %+v", review)
	}
	if got := review.Stages[1].Approval.Timeout; got != 30*time.Minute {
		t.Fatalf("expected 30m gate timeout, got %s", got)
	}
	release := sources[1]
	if release.Definition.ID != "release" || len(release.Definition.Stages) != 2 {
		t.Fatalf("unexpected go definition: %+v", release.Definition)
	}
	if !strings.HasSuffix(release.Path, "release.go#1") {
		t.Fatalf("go source path should carry the index: %s", release.Path)
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	sources, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing dir should not fail: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(sources))
	}
}

func TestLoadDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", reviewYAML)
	writeFile(t, dir, "b.yml", reviewYAML)
	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate workflow id review") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadGoDirMissingFunc(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.go", "package main\n")
	if _, err := LoadGoDir(dir); err == nil {
		t.Fatalf("expected error for missing %s function", goDefinitionFunc)
	}
}

func TestLoadGoDirPropagatesError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fail.go", `package main

import "errors"

func WorkflowDefinitions() ([]map[string]any, error) {
	return nil, errors.New("no workflows today")
}
`)
	_, err := LoadGoDir(dir)
	if err == nil || !strings.Contains(err.Error(), "no workflows today") {
		t.Fatalf("expected function error, got %v", err)
	}
}

func TestLoadYAMLDirRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "typo.yaml", "id: typo\nstagez: []\n")
	if _, err := LoadYAMLDir(dir); err == nil {
		t.Fatalf("expected decode error for unknown field")
	}
}
