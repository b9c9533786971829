package runtime_test

import (
	"context"
	"os"
	"testing"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// scriptedConnector returns canned results in order, then repeats the last.
type scriptedConnector struct {
	name    string
	actions []string
	healthy bool
	results []models.CallResult
	calls   int
}

func (s *scriptedConnector) Descriptor() models.ConnectorDescriptor {
	return models.ConnectorDescriptor{
		Name:         s.name,
		Version:      "1.0.0",
		Capabilities: s.actions,
		Baseline:     models.PerformanceBaseline{P50Ms: 100, P99Ms: 1000},
	}
}

func (s *scriptedConnector) Health(_ context.Context) models.Health {
	return models.Health{Connector: s.name, Healthy: s.healthy}
}

func (s *scriptedConnector) CanPerform(action string) bool {
	for _, a := range s.actions {
		if a == action {
			return true
		}
	}
	return false
}

func (s *scriptedConnector) Execute(_ context.Context, _ contracts.ExecuteRequest) (models.CallResult, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	res := s.results[idx]
	if res.OK && res.Proofs == nil {
		res.Proofs = []models.Proof{{Type: "receipt", Value: s.name, Connector: s.name}}
	}
	return res, nil
}

func (s *scriptedConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return models.CostEstimate{}
}

func (s *scriptedConnector) Metrics() models.ConnectorMetrics { return models.ConnectorMetrics{} }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("LOOM_DATA_DIR", dir)
	t.Cleanup(func() { os.Unsetenv("LOOM_DATA_DIR") })
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func okResult() models.CallResult {
	return models.CallResult{OK: true, Data: map[string]any{"status": "sent"}}
}

func request(outcomeType string) *models.OutcomeRequest {
	return &models.OutcomeRequest{
		OutcomeType: outcomeType,
		Inputs:      map[string]any{"to": "a@b.c"},
		DeadlineSec: 5,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	reg := registry.New()
	c := &scriptedConnector{name: "email", actions: []string{"send_email"}, healthy: true,
		results: []models.CallResult{okResult()}}
	reg.Register(c)

	rt := runtime.New(reg, newTestStore(t))
	res, err := rt.Execute(context.Background(), request("send_email"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK || res.Connector != "email" || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Proofs) != 1 || res.Proofs[0].Attempt != 1 {
		t.Errorf("proofs = %+v, want one proof tagged attempt 1", res.Proofs)
	}

	stats := rt.Stats()
	if stats.Executions != 1 || stats.Successes != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	rt := runtime.New(registry.New(), newTestStore(t))

	if _, err := rt.Execute(context.Background(), &models.OutcomeRequest{DeadlineSec: 5}); err == nil {
		t.Error("missing outcome_type should error")
	}
	if _, err := rt.Execute(context.Background(), &models.OutcomeRequest{OutcomeType: "x"}); err == nil {
		t.Error("zero deadline should error")
	}
}

func TestExecuteUnsupportedOutcome(t *testing.T) {
	rt := runtime.New(registry.New(), newTestStore(t))
	res, err := rt.Execute(context.Background(), request("teleport"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK || res.ErrorCode != models.ErrCodeUnsupportedOutcome {
		t.Errorf("result = %+v, want unsupported_outcome", res)
	}
}

func TestExecuteIdempotencyCache(t *testing.T) {
	reg := registry.New()
	c := &scriptedConnector{name: "email", actions: []string{"send_email"}, healthy: true,
		results: []models.CallResult{okResult()}}
	reg.Register(c)

	rt := runtime.New(reg, newTestStore(t))
	req := request("send_email")
	req.IdempotencyKey = "order-42"

	first, err := rt.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Cached {
		t.Error("first execution should not be cached")
	}

	second, err := rt.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Cached {
		t.Error("second execution should come from the cache")
	}
	if second.IdempotencyKey != "order-42" {
		t.Errorf("idempotency key = %q", second.IdempotencyKey)
	}
	if c.calls != 1 {
		t.Errorf("connector called %d times, want 1", c.calls)
	}
	if rt.Stats().CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", rt.Stats().CacheHits)
	}
}

func TestExecuteFallbackHop(t *testing.T) {
	reg := registry.New()
	primary := &scriptedConnector{name: "sms", actions: []string{"notify"}, healthy: true,
		results: []models.CallResult{models.FailedCall(models.ErrCodeTransient, "provider 503", true)}}
	backup := &scriptedConnector{name: "email", actions: []string{"notify"}, healthy: true,
		results: []models.CallResult{okResult()}}
	reg.Register(primary)
	reg.Register(backup)

	rt := runtime.New(reg, newTestStore(t))
	req := request("notify")
	req.PreferConnector = "sms"
	req.FallbackConnector = "email"

	res, err := rt.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK || res.Connector != "email" || res.Attempts != 2 {
		t.Fatalf("result = %+v, want fallback success on attempt 2", res)
	}
	if len(res.Proofs) != 1 || res.Proofs[0].Attempt != 2 {
		t.Errorf("proofs = %+v, want fallback proof tagged attempt 2", res.Proofs)
	}
}

func TestExecuteNoFallbackOnPermanentFailure(t *testing.T) {
	reg := registry.New()
	primary := &scriptedConnector{name: "sms", actions: []string{"notify"}, healthy: true,
		results: []models.CallResult{models.FailedCall(models.ErrCodePermanent, "bad number", false)}}
	backup := &scriptedConnector{name: "email", actions: []string{"notify"}, healthy: true,
		results: []models.CallResult{okResult()}}
	reg.Register(primary)
	reg.Register(backup)

	rt := runtime.New(reg, newTestStore(t))
	req := request("notify")
	req.PreferConnector = "sms"
	req.FallbackConnector = "email"

	res, err := rt.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK || res.Attempts != 1 || backup.calls != 0 {
		t.Errorf("permanent failure must not take the fallback hop: %+v, backup calls=%d", res, backup.calls)
	}
}

func TestExecuteSuccessCriteria(t *testing.T) {
	reg := registry.New()
	c := &scriptedConnector{name: "email", actions: []string{"send_email"}, healthy: true,
		results: []models.CallResult{okResult()}}
	reg.Register(c)

	rt := runtime.New(reg, newTestStore(t))

	req := request("send_email")
	req.SuccessCriteria = []string{`data.status == "sent"`}
	res, err := rt.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("criterion should hold: %+v", res)
	}

	req2 := request("send_email")
	req2.SuccessCriteria = []string{`data.status == "delivered"`}
	res2, err := rt.Execute(context.Background(), req2)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res2.OK || res2.ErrorCode != models.ErrCodeValidation {
		t.Errorf("unmet criterion should fail the outcome: %+v", res2)
	}
}

func TestExecutePreferConnectorPinsFirstAttempt(t *testing.T) {
	reg := registry.New()
	a := &scriptedConnector{name: "a", actions: []string{"notify"}, healthy: true,
		results: []models.CallResult{okResult()}}
	b := &scriptedConnector{name: "b", actions: []string{"notify"}, healthy: true,
		results: []models.CallResult{okResult()}}
	reg.Register(a)
	reg.Register(b)

	rt := runtime.New(reg, newTestStore(t))
	req := request("notify")
	req.PreferConnector = "b"

	res, err := rt.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Connector != "b" {
		t.Errorf("connector = %q, want pinned b", res.Connector)
	}
	if a.calls != 0 {
		t.Errorf("a called %d times, want 0", a.calls)
	}
}
