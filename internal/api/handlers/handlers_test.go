package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/api"
	"github.com/loomworks/loom/internal/api/handlers"
	"github.com/loomworks/loom/internal/catalog"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// fakeConnector is a healthy in-process connector for API tests.
type fakeConnector struct {
	name    string
	actions []string
	calls   int
}

func (f *fakeConnector) Descriptor() models.ConnectorDescriptor {
	return models.ConnectorDescriptor{
		Name:         f.name,
		Version:      "1.0.0",
		Capabilities: f.actions,
		Baseline:     models.PerformanceBaseline{P50Ms: 10, P99Ms: 50, UnitCostUSD: 0.001},
	}
}

func (f *fakeConnector) Health(ctx context.Context) models.Health {
	return models.Health{Connector: f.name, Healthy: true, CheckedAt: time.Now().UTC()}
}

func (f *fakeConnector) CanPerform(action string) bool {
	for _, a := range f.actions {
		if a == action {
			return true
		}
	}
	return false
}

func (f *fakeConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	f.calls++
	return models.CallResult{
		OK:   true,
		Data: map[string]any{"status": "sent"},
		Proofs: []models.Proof{
			{Type: "message_id", Value: "msg-123", Connector: f.name, CapturedAt: time.Now().UTC()},
		},
		IdempotencyKey: req.IdempotencyKey,
		ExecutedAt:     time.Now().UTC(),
	}, nil
}

func (f *fakeConnector) EstimateCost(action string, params map[string]any) models.CostEstimate {
	return models.CostEstimate{EstimatedUSD: 0.001, Model: "per_call", Confidence: 1}
}

func (f *fakeConnector) Metrics() models.ConnectorMetrics {
	return models.ConnectorMetrics{Calls: int64(f.calls), Successes: int64(f.calls)}
}

// quickDeliverer drives pipeline executions straight to acceptance.
type quickDeliverer struct{}

func (d *quickDeliverer) GenerateSolution(ctx context.Context, exec *models.Execution, feedback string) (*models.Solution, error) {
	return &models.Solution{Content: "patch", Format: "text"}, nil
}

func (d *quickDeliverer) ValidateSolution(ctx context.Context, exec *models.Execution, sol *models.Solution) (bool, []string, error) {
	return true, nil, nil
}

func (d *quickDeliverer) Submit(ctx context.Context, exec *models.Execution, sol *models.Solution) (*models.Submission, error) {
	return &models.Submission{ID: "sub-1", Status: pipeline.SubmissionPending, SubmittedAt: time.Now().UTC()}, nil
}

func (d *quickDeliverer) CheckStatus(ctx context.Context, exec *models.Execution) (*models.Submission, error) {
	return &models.Submission{ID: "sub-1", Status: pipeline.SubmissionAccepted, SubmittedAt: time.Now().UTC()}, nil
}

func (d *quickDeliverer) UpdateSubmission(ctx context.Context, exec *models.Execution, sol *models.Solution) (*models.Submission, error) {
	return exec.Submission, nil
}

type fixedScorer struct{ score float64 }

func (s fixedScorer) Score(ctx context.Context, opp models.Opportunity) (float64, error) {
	return s.score, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeConnector) {
	t.Helper()

	os.Setenv("LOOM_DATA_DIR", t.TempDir())
	t.Cleanup(func() { os.Unsetenv("LOOM_DATA_DIR") })

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	email := &fakeConnector{name: "email", actions: []string{"send_email"}}
	reg := registry.New()
	reg.Register(email)

	cat := catalog.New()
	cat.LoadBuiltins()

	rt := runtime.New(reg, st)
	pl := pipeline.New(st, &quickDeliverer{}, fixedScorer{0.9}, pipeline.Config{
		ScoreThreshold: 0.5,
		MaxAttempts:    3,
		AutoApprove:    true,
		PollInterval:   10 * time.Millisecond,
	})
	t.Cleanup(pl.Shutdown)

	cfg := &config.Config{Version: "test"}
	cfg.Telemetry.Enabled = false

	h := handlers.New(st, reg, cat, rt, pl)
	srv := httptest.NewServer(api.NewRouter(cfg, h))
	t.Cleanup(srv.Close)
	return srv, email
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health map[string]string
	decode(t, resp, &health)
	if health["status"] != "healthy" {
		t.Errorf("status = %q", health["status"])
	}

	resp, err = http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version: %v", err)
	}
	var version map[string]string
	decode(t, resp, &version)
	if version["version"] != "test" {
		t.Errorf("version = %q", version["version"])
	}
}

func TestListDescriptors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/descriptors")
	if err != nil {
		t.Fatalf("GET descriptors: %v", err)
	}
	var all []models.Descriptor
	decode(t, resp, &all)
	if len(all) == 0 {
		t.Fatal("expected builtin descriptors")
	}

	resp, err = http.Get(srv.URL + "/api/v1/descriptors?connector=email")
	if err != nil {
		t.Fatalf("GET filtered: %v", err)
	}
	var filtered []models.Descriptor
	decode(t, resp, &filtered)
	for _, d := range filtered {
		if d.Connector != "email" {
			t.Errorf("filter leaked %s (%s)", d.Name, d.Connector)
		}
	}
	if len(filtered) == 0 || len(filtered) >= len(all) {
		t.Errorf("filtered %d of %d", len(filtered), len(all))
	}
}

func TestRegisterDescriptorRejectsIncomplete(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/descriptors", map[string]any{"name": "broken.one"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExecuteDescriptor(t *testing.T) {
	srv, email := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/descriptors/email.send/execute", map[string]any{
		"params": map[string]any{"to": "a@b.c", "subject": "hi", "body": "hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result models.OutcomeResult
	decode(t, resp, &result)
	if !result.OK || result.Connector != "email" {
		t.Errorf("result = %+v", result)
	}
	if len(result.Proofs) == 0 || result.Proofs[0].Type != "message_id" {
		t.Errorf("proofs = %+v", result.Proofs)
	}
	if email.calls != 1 {
		t.Errorf("connector calls = %d", email.calls)
	}
}

func TestExecuteDescriptorReportsAllViolations(t *testing.T) {
	srv, email := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/descriptors/email.send/execute", map[string]any{
		"params": map[string]any{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Violations []string `json:"violations"`
	}
	decode(t, resp, &body)
	if len(body.Violations) != 2 {
		t.Errorf("violations = %v, want missing to and subject", body.Violations)
	}
	if email.calls != 0 {
		t.Error("connector should not be called on validation failure")
	}
}

func TestExecuteUnknownDescriptor(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/descriptors/no.such/execute", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestQuoteDescriptor(t *testing.T) {
	srv, email := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/descriptors/email.send/quote", map[string]any{
		"params": map[string]any{"to": "a@b.c"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var quote map[string]any
	decode(t, resp, &quote)
	if quote["estimated_usd"].(float64) != 0.001 {
		t.Errorf("estimated_usd = %v", quote["estimated_usd"])
	}
	if email.calls != 0 {
		t.Error("quote must not execute")
	}
}

func TestExecuteOutcomeDirect(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/outcomes/execute", models.OutcomeRequest{
		OutcomeType: "send_email",
		Inputs:      map[string]any{"to": "a@b.c", "subject": "hi"},
		DeadlineSec: 5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result models.OutcomeResult
	decode(t, resp, &result)
	if !result.OK {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteOutcomeUnsupported(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/outcomes/execute", models.OutcomeRequest{
		OutcomeType: "teleport",
		DeadlineSec: 5,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListConnectors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/connectors")
	if err != nil {
		t.Fatalf("GET connectors: %v", err)
	}
	var views []struct {
		Name        string `json:"name"`
		CircuitOpen bool   `json:"circuit_open"`
	}
	decode(t, resp, &views)
	if len(views) != 1 || views[0].Name != "email" || views[0].CircuitOpen {
		t.Errorf("views = %+v", views)
	}

	resp, err = http.Get(srv.URL + "/api/v1/connectors/health")
	if err != nil {
		t.Fatalf("GET connector health: %v", err)
	}
	var health map[string]models.Health
	decode(t, resp, &health)
	if !health["email"].Healthy {
		t.Errorf("health = %+v", health)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/executions", models.Opportunity{
		ID:        "opp-1",
		Platform:  "github",
		Title:     "Fix flaky CI",
		BudgetUSD: 200,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var started map[string]string
	decode(t, resp, &started)
	id := started["execution_id"]
	if id == "" {
		t.Fatal("missing execution_id")
	}

	deadline := time.Now().Add(5 * time.Second)
	var view models.ExecutionView
	for {
		getResp, err := http.Get(srv.URL + "/api/v1/executions/" + id)
		if err != nil {
			t.Fatalf("GET execution: %v", err)
		}
		decode(t, getResp, &view)
		if view.Stage.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution stuck at %s", view.Stage)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if view.Stage != models.StageCompleted {
		t.Fatalf("stage = %s, want completed (error %q)", view.Stage, view.Error)
	}

	statsResp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	var stats struct {
		Platforms []models.PlatformTally `json:"platforms"`
	}
	decode(t, statsResp, &stats)
	if len(stats.Platforms) != 1 || stats.Platforms[0].Wins != 1 {
		t.Errorf("stats = %+v", stats.Platforms)
	}

	listResp, err := http.Get(srv.URL + "/api/v1/executions?platform=github")
	if err != nil {
		t.Fatalf("GET executions: %v", err)
	}
	var execs []models.Execution
	decode(t, listResp, &execs)
	if len(execs) != 1 {
		t.Errorf("listed %d executions", len(execs))
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/executions/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetUnknownExecution(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/executions/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
