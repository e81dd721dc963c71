package eventbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/config"
	"github.com/kingrea/stageflow/internal/store/memstore"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

type bridgeHarness struct {
	t      *testing.T
	engine *engine.Engine
	router *Router
	server *Server
	http   *httptest.Server
}

func newBridgeHarness(t *testing.T, settings Settings) *bridgeHarness {
	t.Helper()
	agents := agent.NewRegistry()
	agents.MustRegister(agent.Endpoint{Name: "worker", Kind: agent.KindExternal})
	router := NewRouter()
	eng, err := engine.New(agents, memstore.New(), agent.ExternalExecutor{}, engine.WithNotifier(router))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	srv := NewServer(settings, eng, WithRouter(router))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &bridgeHarness{t: t, engine: eng, router: router, server: srv, http: ts}
}

func testSettings() Settings {
	settings := DefaultSettings()
	settings.MaxBodyBytes = 4096
	return settings
}

func (h *bridgeHarness) deploy(stages ...workflow.Stage) string {
	h.t.Helper()
	ctx := context.Background()
	def := workflow.WorkflowDefinition{ID: "deploy", Stages: stages}
	if result, err := h.engine.Submit(ctx, def); err != nil {
		h.t.Fatalf("submit: %v (%+v)", err, result.Errors)
	}
	id, err := h.engine.TriggerWorkflow(ctx, "deploy", nil)
	if err != nil {
		h.t.Fatalf("trigger: %v", err)
	}
	return id
}

func (h *bridgeHarness) post(path string, payload any) (*http.Response, map[string]any) {
	h.t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	resp, err := http.Post(h.http.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (h *bridgeHarness) status(id string) engine.Status {
	h.t.Helper()
	status, err := h.engine.GetStatus(context.Background(), id)
	if err != nil {
		h.t.Fatalf("status: %v", err)
	}
	return status
}

func TestServerAcceptsCompletions(t *testing.T) {
	h := newBridgeHarness(t, testSettings())
	id := h.deploy(workflow.Stage{Name: "build", Agent: "worker", Outputs: []string{"artifact"}})

	req := CompletionRequest{InstanceID: id, Stage: "build", Attempt: 1, Outputs: map[string]any{"artifact": "app.tar"}}
	resp, _ := h.post("/v1/completions", req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := h.status(id).Status; got != workflow.InstanceCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	resp, body := h.post("/v1/completions", req)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a repeated completion, got %d (%v)", resp.StatusCode, body)
	}
	resp, _ = h.post("/v1/completions", CompletionRequest{InstanceID: id, Stage: "deploy", Attempt: 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown stage, got %d", resp.StatusCode)
	}
	resp, _ = h.post("/v1/completions", CompletionRequest{InstanceID: id, Stage: "build"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without attempt, got %d", resp.StatusCode)
	}
}

func TestServerPermanentCompletionErrorFailsStage(t *testing.T) {
	h := newBridgeHarness(t, testSettings())
	id := h.deploy(workflow.Stage{Name: "build", Agent: "worker", Retry: &workflow.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}})

	resp, _ := h.post("/v1/completions", CompletionRequest{
		InstanceID: id,
		Stage:      "build",
		Attempt:    1,
		Error:      &CompletionError{Message: "compiler crashed", Permanent: true},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	status := h.status(id)
	if status.Status != workflow.InstanceFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
	if status.Failure == nil || !strings.Contains(status.Failure.Message, "compiler crashed") {
		t.Fatalf("unexpected failure %+v", status.Failure)
	}
}

func TestServerRecordsApprovals(t *testing.T) {
	h := newBridgeHarness(t, testSettings())
	id := h.deploy(
		workflow.Stage{Name: "signoff", Approval: &workflow.ApprovalGate{Approvers: []string{"alice", "bob"}, Quorum: 1}},
	)
	pending := h.status(id).PendingApprovals
	if len(pending) != 1 {
		t.Fatalf("expected one open gate, got %+v", pending)
	}
	gateID := pending[0].GateID

	resp, _ := h.post("/v1/approvals", ApprovalRequest{GateID: gateID, Approver: "mallory", Verdict: "approve"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for an outsider, got %d", resp.StatusCode)
	}
	resp, _ = h.post("/v1/approvals", ApprovalRequest{GateID: id + "/missing", Approver: "alice", Verdict: "approve"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown gate, got %d", resp.StatusCode)
	}
	resp, _ = h.post("/v1/approvals", ApprovalRequest{GateID: gateID, Approver: "alice", Verdict: "maybe"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown verdict, got %d", resp.StatusCode)
	}
	resp, _ = h.post("/v1/approvals", ApprovalRequest{GateID: gateID, Approver: "alice", Verdict: "Approve", Comment: "ship it"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := h.status(id).Status; got != workflow.InstanceCompleted {
		t.Fatalf("expected completed after quorum, got %s", got)
	}
	resp, _ = h.post("/v1/approvals", ApprovalRequest{GateID: gateID, Approver: "bob", Verdict: "reject"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a closed gate, got %d", resp.StatusCode)
	}
}

func TestServerReportsStatus(t *testing.T) {
	h := newBridgeHarness(t, testSettings())
	id := h.deploy(workflow.Stage{Name: "build", Agent: "worker"})

	resp, err := http.Get(h.http.URL + "/v1/instances/" + id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.InstanceID != id || len(status.Stages) != 1 || status.Stages[0].Status != workflow.StageRunning {
		t.Fatalf("unexpected status %+v", status)
	}

	missing, err := http.Get(h.http.URL + "/v1/instances/nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestServerRejectsBadBodies(t *testing.T) {
	settings := testSettings()
	settings.MaxBodyBytes = 64
	h := newBridgeHarness(t, settings)

	resp, err := http.Post(h.http.URL+"/v1/completions", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", resp.StatusCode)
	}

	large := `{"gate_id":"` + strings.Repeat("x", 128) + `"}`
	resp, err = http.Post(h.http.URL+"/v1/approvals", "application/json", strings.NewReader(large))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}

	resp, err = http.Get(h.http.URL + "/v1/completions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestServerStreamsEvents(t *testing.T) {
	h := newBridgeHarness(t, testSettings())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.http.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	id := h.deploy(workflow.Stage{Name: "build", Agent: "worker"})
	scanner := bufio.NewScanner(resp.Body)
	var seen []string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.Contains(data, `"stage.started"`) {
			var ev engine.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.InstanceID != id || ev.Stage != "build" || ev.Attempt != 1 {
				t.Fatalf("unexpected dispatch event %+v", ev)
			}
			return
		}
	}
	t.Fatalf("stream ended before stage.started, saw %v (%v)", seen, scanner.Err())
}

func TestServerLifecycle(t *testing.T) {
	agents := agent.NewRegistry()
	eng, err := engine.New(agents, memstore.New(), agent.ExternalExecutor{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	settings := testSettings()
	settings.Port = 0
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	srv := NewServer(settings, eng, WithClock(func() time.Time { return fixed }))
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	if srv.Status() != StatusReady {
		t.Fatalf("expected ready, got %s", srv.Status())
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected error on double start")
	}

	resp, err := http.Get(srv.BaseURL() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != string(StatusReady) || health.Version != ProtocolVersion {
		t.Fatalf("unexpected health %+v", health)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatalf("expected no address after shutdown")
	}
}

func TestServerDisabled(t *testing.T) {
	settings := testSettings()
	settings.Enabled = false
	srv := NewServer(settings, nil)
	if err := srv.Start(context.Background()); err != ErrServerDisabled {
		t.Fatalf("expected ErrServerDisabled, got %v", err)
	}
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("STAGEFLOW_BRIDGE_PORT", "9001")
	t.Setenv("STAGEFLOW_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("STAGEFLOW_BRIDGE_ENABLED", "false")
	cfg := &config.Config{Bridge: config.BridgeConfig{Enabled: true, Port: 8000, ReadTimeout: time.Second}}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from env override")
	}
	if settings.ReadTimeout != time.Second || settings.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("unexpected timeouts %+v", settings)
	}
	if settings.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("expected default body limit, got %d", settings.MaxBodyBytes)
	}
}
