// Package catalog provides the protocol descriptor catalog of the Loom
// fabric.
//
// A descriptor is a named, versioned template binding one connector action
// to its input contract, latency envelope, cost model and required proofs.
// The catalog merges three data sources:
//
//  1. **Builtins** — a versioned descriptor set covering every shipped
//     connector, loaded at startup so the fabric works out of the box.
//
//  2. **Descriptor files** — YAML or JSON documents loaded from a
//     directory, for deployment-specific protocols.
//
//  3. **API registrations** — descriptors registered at runtime through
//     the management API.
//
// The catalog is a thread-safe in-memory lookup used by the runtime to
// turn parameter maps into fully-formed outcome requests.
package catalog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/models"
)

// Catalog is a thread-safe descriptor store.
type Catalog struct {
	mu          sync.RWMutex
	descriptors map[string]*models.Descriptor // key: descriptor name
	byTag       map[string][]string
	byConnector map[string][]string
}

func New() *Catalog {
	return &Catalog{
		descriptors: make(map[string]*models.Descriptor),
		byTag:       make(map[string][]string),
		byConnector: make(map[string][]string),
	}
}

// Register adds or replaces a descriptor. An empty version defaults to
// the initial semver.
func (c *Catalog) Register(d *models.Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("descriptor name is required")
	}
	if d.Connector == "" || d.Action == "" {
		return fmt.Errorf("descriptor %s: connector and action are required", d.Name)
	}
	if d.Version == "" {
		d.Version = models.DefaultDescriptorVersion
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, exists := c.descriptors[d.Name]; exists {
		c.unindex(prev)
	}
	c.descriptors[d.Name] = d
	for _, tag := range d.Tags {
		c.byTag[tag] = append(c.byTag[tag], d.Name)
	}
	c.byConnector[d.Connector] = append(c.byConnector[d.Connector], d.Name)
	return nil
}

// unindex removes a descriptor's tag and connector index entries.
// Caller holds the lock.
func (c *Catalog) unindex(d *models.Descriptor) {
	for _, tag := range d.Tags {
		c.byTag[tag] = remove(c.byTag[tag], d.Name)
	}
	c.byConnector[d.Connector] = remove(c.byConnector[d.Connector], d.Name)
}

func remove(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Get returns the descriptor by exact name, or nil.
func (c *Catalog) Get(name string) *models.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.descriptors[name]
}

// All returns every descriptor sorted by name.
func (c *Catalog) All() []*models.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindByTag returns the descriptors carrying the tag, sorted by name.
func (c *Catalog) FindByTag(tag string) []*models.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collect(c.byTag[tag])
}

// FindByConnector returns the descriptors bound to the connector,
// sorted by name.
func (c *Catalog) FindByConnector(connector string) []*models.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collect(c.byConnector[connector])
}

// collect resolves names to descriptors. Caller holds the lock.
func (c *Catalog) collect(names []string) []*models.Descriptor {
	out := make([]*models.Descriptor, 0, len(names))
	for _, n := range names {
		if d, ok := c.descriptors[n]; ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered descriptors.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.descriptors)
}

// ── Loading ─────────────────────────────────────────────────

// Load reads descriptors from r and registers them. The document may be
// YAML or JSON, a single descriptor or a list. Returns how many
// descriptors were registered.
func (c *Catalog) Load(r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read descriptors: %w", err)
	}

	// YAML is a JSON superset, so one decoder covers both formats.
	var list []*models.Descriptor
	if err := yaml.Unmarshal(data, &list); err != nil {
		var single models.Descriptor
		if err2 := yaml.Unmarshal(data, &single); err2 != nil {
			return 0, fmt.Errorf("parse descriptors: %w", err)
		}
		list = []*models.Descriptor{&single}
	}

	count := 0
	for _, d := range list {
		if d == nil {
			continue
		}
		if err := c.Register(d); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// LoadDir loads every .yaml, .yml and .json file in dir. Missing dir is
// not an error; a deployment without custom descriptors is normal.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read descriptor dir: %w", err)
	}

	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return total, err
		}
		n, err := c.Load(f)
		f.Close()
		if err != nil {
			return total, fmt.Errorf("load %s: %w", e.Name(), err)
		}
		total += n
	}

	if total > 0 {
		log.Info().Int("descriptors", total).Str("dir", dir).Msg("Loaded descriptor files")
	}
	return total, nil
}

// ── Outcome construction ────────────────────────────────────

// ToOutcomeOptions overrides the defaults a descriptor derives from its
// cost model. Zero values defer to the descriptor.
type ToOutcomeOptions struct {
	DeadlineSec     float64
	Pricing         *models.Pricing
	Risk            *models.Risk
	IdempotencyKey  string
	PreferConnector string
	SuccessCriteria []string
}

// ValidationError reports every input violation found in one pass.
type ValidationError struct {
	Descriptor string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("descriptor %s: invalid inputs: %s", e.Descriptor, strings.Join(e.Violations, ", "))
}

// ToOutcome validates params against the descriptor's input specs and
// builds an OutcomeRequest. All violations are collected before failing,
// so a caller can fix every problem in one round trip.
func ToOutcome(d *models.Descriptor, params map[string]any, opts ToOutcomeOptions) (*models.OutcomeRequest, error) {
	var violations []string
	for _, in := range d.Inputs {
		v, present := params[in.Key]
		if !present {
			if in.Required {
				violations = append(violations, "missing_required_input:"+in.Key)
			}
			continue
		}
		if !typeMatches(in.Type, v) {
			violations = append(violations, fmt.Sprintf("invalid_type:%s:expected_%s", in.Key, in.Type))
		}
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Descriptor: d.Name, Violations: violations}
	}

	req := &models.OutcomeRequest{
		OutcomeType:       d.Action,
		Inputs:            params,
		DeadlineSec:       float64(d.SLA.P99Ms) / 1000.0,
		Pricing:           models.Pricing{Model: string(d.CostModel.Type), AmountUSD: d.CostModel.UnitCostUSD},
		Risk:              models.Risk{BondUSD: d.CostModel.UnitCostUSD * 10, InsurancePct: 3.5},
		Proofs:            append([]string(nil), d.Proofs...),
		IdempotencyKey:    opts.IdempotencyKey,
		PreferConnector:   opts.PreferConnector,
		FallbackConnector: d.FallbackConnector,
		SuccessCriteria:   opts.SuccessCriteria,
	}
	if opts.PreferConnector == "" {
		req.PreferConnector = d.Connector
	}
	if opts.DeadlineSec > 0 {
		req.DeadlineSec = opts.DeadlineSec
	}
	if opts.Pricing != nil {
		req.Pricing = *opts.Pricing
	}
	if opts.Risk != nil {
		req.Risk = *opts.Risk
	}
	return req, nil
}

func typeMatches(t models.InputType, v any) bool {
	switch t {
	case models.InputString:
		_, ok := v.(string)
		return ok
	case models.InputNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case models.InputBoolean:
		_, ok := v.(bool)
		return ok
	case models.InputArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case models.InputObject:
		_, ok := v.(map[string]any)
		return ok
	}
	// Unknown declared type never matches; the descriptor author made
	// a typo and should hear about it.
	return false
}

// EstimateCost computes the expected cost of executing the descriptor
// with the given params.
//
//	per_call:   unit cost
//	per_unit:   unit cost × params["units"] (default 1)
//	percentage: unit cost × params["amount"] (treated as a rate)
//	flat:       unit cost
func EstimateCost(d *models.Descriptor, params map[string]any) float64 {
	unit := d.CostModel.UnitCostUSD
	switch d.CostModel.Type {
	case models.CostPerUnit:
		units := 1.0
		if v, ok := toFloat(params["units"]); ok && v > 0 {
			units = v
		}
		return unit * units
	case models.CostPercentage:
		if v, ok := toFloat(params["amount"]); ok {
			return unit * v
		}
		return 0
	case models.CostPerCall, models.CostFlat:
		return unit
	}
	return unit
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
