package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/catalog"
	"github.com/loomworks/loom/pkg/models"
)

func testDescriptor(name string) *models.Descriptor {
	return &models.Descriptor{
		Name:      name,
		Version:   "1.0.0",
		Connector: "email",
		Action:    "send_email",
		Inputs: []models.InputSpec{
			{Key: "to", Type: models.InputString, Required: true},
			{Key: "subject", Type: models.InputString, Required: true},
			{Key: "units", Type: models.InputNumber},
		},
		SLA:       models.SLA{P50Ms: 900, P99Ms: 5000},
		CostModel: models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.001},
		Proofs:    []string{"message_id"},
		Tags:      []string{"notify"},
	}
}

func TestRegisterAndLookups(t *testing.T) {
	c := catalog.New()
	if err := c.Register(testDescriptor("email.welcome")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := c.Get("email.welcome"); got == nil {
		t.Fatal("Get returned nil for registered descriptor")
	}
	if got := c.Get("missing"); got != nil {
		t.Fatal("Get for unknown name should be nil")
	}

	if got := c.FindByTag("notify"); len(got) != 1 {
		t.Errorf("FindByTag = %d results, want 1", len(got))
	}
	if got := c.FindByConnector("email"); len(got) != 1 {
		t.Errorf("FindByConnector = %d results, want 1", len(got))
	}
	if got := c.FindByConnector("sms"); len(got) != 0 {
		t.Errorf("FindByConnector for unused connector = %d results, want 0", len(got))
	}
}

func TestRegisterRejectsIncomplete(t *testing.T) {
	c := catalog.New()
	if err := c.Register(&models.Descriptor{Name: "broken"}); err == nil {
		t.Error("descriptor without connector/action should be rejected")
	}
	if err := c.Register(&models.Descriptor{Connector: "email", Action: "send_email"}); err == nil {
		t.Error("descriptor without name should be rejected")
	}
}

func TestReRegisterReplacesIndexEntries(t *testing.T) {
	c := catalog.New()
	d := testDescriptor("email.welcome")
	if err := c.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}

	replacement := testDescriptor("email.welcome")
	replacement.Tags = []string{"onboarding"}
	if err := c.Register(replacement); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if got := c.FindByTag("notify"); len(got) != 0 {
		t.Errorf("stale tag index has %d entries, want 0", len(got))
	}
	if got := c.FindByTag("onboarding"); len(got) != 1 {
		t.Errorf("new tag index has %d entries, want 1", len(got))
	}
	if c.Count() != 1 {
		t.Errorf("count = %d, want 1", c.Count())
	}
}

func TestLoadYAMLList(t *testing.T) {
	doc := `
- name: custom.ping
  version: 1.0.0
  connector: httpcall
  action: http_get
  inputs:
    - key: url
      type: string
      required: true
  sla: {p50_ms: 200, p99_ms: 2000}
  cost_model: {type: per_call, unit_cost_usd: 0.0001}
  proofs: [status_code]
  tags: [http]
- name: custom.notify
  connector: webhook
  action: webhook_send
  inputs:
    - key: url
      type: string
      required: true
  sla: {p50_ms: 300, p99_ms: 3000}
  cost_model: {type: flat, unit_cost_usd: 0}
  proofs: [delivery_status]
`
	c := catalog.New()
	n, err := c.Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d descriptors, want 2", n)
	}
	if d := c.Get("custom.notify"); d == nil || d.Version != models.DefaultDescriptorVersion {
		t.Errorf("custom.notify missing or version not defaulted: %+v", d)
	}
}

func TestLoadSingleJSONDoc(t *testing.T) {
	doc := `{
  "name": "custom.single",
  "connector": "sms",
  "action": "send_sms",
  "inputs": [{"key": "to", "type": "string", "required": true}],
  "sla": {"p50_ms": 1000, "p99_ms": 8000},
  "cost_model": {"type": "per_call", "unit_cost_usd": 0.008},
  "proofs": ["message_sid"]
}`
	c := catalog.New()
	n, err := c.Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 1 || c.Get("custom.single") == nil {
		t.Fatalf("single JSON doc not loaded, n=%d", n)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := "name: dir.a\nconnector: email\naction: send_email\nsla: {p50_ms: 1, p99_ms: 2}\ncost_model: {type: flat}\n"
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := catalog.New()
	n, err := c.LoadDir(dir)
	if err != nil {
		t.Fatalf("loaddir: %v", err)
	}
	if n != 1 {
		t.Errorf("loaded %d descriptors, want 1 (non-descriptor files skipped)", n)
	}

	if n, err := c.LoadDir(filepath.Join(dir, "missing")); err != nil || n != 0 {
		t.Errorf("missing dir should load 0 without error, got n=%d err=%v", n, err)
	}
}

func TestLoadBuiltinsCoversEveryConnector(t *testing.T) {
	c := catalog.New()
	n := c.LoadBuiltins()
	if n < 10 {
		t.Fatalf("builtins = %d, expected a full set", n)
	}

	connectors := []string{"httpcall", "webhook", "email", "sms", "chat", "storage", "commerce", "payment", "browser"}
	for _, name := range connectors {
		if len(c.FindByConnector(name)) == 0 {
			t.Errorf("no builtin descriptor for connector %s", name)
		}
	}

	// The POST descriptor falls back to the browser when the API path fails.
	if d := c.Get("http.post"); d == nil || d.FallbackConnector != "browser" {
		t.Errorf("http.post fallback = %+v", d)
	}
}

func TestToOutcomeBatchValidation(t *testing.T) {
	d := testDescriptor("email.welcome")
	_, err := catalog.ToOutcome(d, map[string]any{"units": "three"}, catalog.ToOutcomeOptions{})
	if err == nil {
		t.Fatal("expected validation error")
	}

	var verr *catalog.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	want := map[string]bool{
		"missing_required_input:to":         true,
		"missing_required_input:subject":    true,
		"invalid_type:units:expected_number": true,
	}
	if len(verr.Violations) != len(want) {
		t.Fatalf("violations = %v, want %d entries", verr.Violations, len(want))
	}
	for _, v := range verr.Violations {
		if !want[v] {
			t.Errorf("unexpected violation %q", v)
		}
	}
}

func TestToOutcomeDefaults(t *testing.T) {
	d := testDescriptor("email.welcome")
	req, err := catalog.ToOutcome(d, map[string]any{"to": "a@b.c", "subject": "hi"}, catalog.ToOutcomeOptions{})
	if err != nil {
		t.Fatalf("to outcome: %v", err)
	}

	if req.OutcomeType != "send_email" {
		t.Errorf("outcome type = %q", req.OutcomeType)
	}
	if req.DeadlineSec != 5.0 {
		t.Errorf("deadline = %v, want p99 in seconds (5.0)", req.DeadlineSec)
	}
	if req.Pricing.Model != "per_call" || req.Pricing.AmountUSD != 0.001 {
		t.Errorf("pricing = %+v", req.Pricing)
	}
	if req.Risk.BondUSD != 0.01 || req.Risk.InsurancePct != 3.5 {
		t.Errorf("risk = %+v", req.Risk)
	}
	if len(req.Proofs) != 1 || req.Proofs[0] != "message_id" {
		t.Errorf("proofs = %v", req.Proofs)
	}
	if req.PreferConnector != "email" {
		t.Errorf("prefer connector = %q, want descriptor's connector", req.PreferConnector)
	}
}

func TestToOutcomeOverrides(t *testing.T) {
	d := testDescriptor("email.welcome")
	req, err := catalog.ToOutcome(d, map[string]any{"to": "a@b.c", "subject": "hi"}, catalog.ToOutcomeOptions{
		DeadlineSec: 30,
		Pricing:     &models.Pricing{Model: "flat", AmountUSD: 1.5},
		Risk:        &models.Risk{BondUSD: 5, InsurancePct: 1},
	})
	if err != nil {
		t.Fatalf("to outcome: %v", err)
	}
	if req.DeadlineSec != 30 || req.Pricing.AmountUSD != 1.5 || req.Risk.BondUSD != 5 {
		t.Errorf("overrides not applied: %+v", req)
	}
}

func TestEstimateCostModels(t *testing.T) {
	base := testDescriptor("c")

	base.CostModel = models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.5}
	if got := catalog.EstimateCost(base, nil); got != 0.5 {
		t.Errorf("per_call = %v, want 0.5", got)
	}

	base.CostModel = models.CostModel{Type: models.CostPerUnit, UnitCostUSD: 0.25}
	if got := catalog.EstimateCost(base, map[string]any{"units": 8}); got != 2.0 {
		t.Errorf("per_unit = %v, want 2.0", got)
	}
	if got := catalog.EstimateCost(base, nil); got != 0.25 {
		t.Errorf("per_unit default units = %v, want 0.25", got)
	}

	base.CostModel = models.CostModel{Type: models.CostPercentage, UnitCostUSD: 0.03125}
	if got := catalog.EstimateCost(base, map[string]any{"amount": 64.0}); got != 2.0 {
		t.Errorf("percentage = %v, want 2.0", got)
	}

	base.CostModel = models.CostModel{Type: models.CostFlat, UnitCostUSD: 3}
	if got := catalog.EstimateCost(base, map[string]any{"units": 99}); got != 3 {
		t.Errorf("flat = %v, want 3", got)
	}
}
