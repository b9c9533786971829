// Package registry implements the Loom connector registry.
//
// The registry tracks every connector in the fabric, indexes their
// capabilities, caches health probes, and ranks candidates for an action
// by observed reliability. A per-connector circuit breaker takes failing
// connectors out of rotation until a cooldown passes.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

const (
	// healthCacheTTL bounds how stale a cached health probe may be.
	healthCacheTTL = 30 * time.Second

	// breakerThreshold consecutive failures open the circuit.
	breakerThreshold = 5

	// breakerCooldown is how long an open circuit stays open.
	breakerCooldown = 5 * time.Minute
)

// breaker is a per-connector circuit breaker. Guarded by Registry.mu.
type breaker struct {
	consecutiveFailures int
	openedAt            time.Time
}

func (b *breaker) open(now time.Time) bool {
	if b.consecutiveFailures < breakerThreshold {
		return false
	}
	return now.Sub(b.openedAt) < breakerCooldown
}

type cachedHealth struct {
	health    models.Health
	expiresAt time.Time
}

// Registry holds the fabric's connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]contracts.Connector
	order      []string // registration order, the ranking tie-break
	byAction   map[string][]string
	breakers   map[string]*breaker
	health     map[string]cachedHealth

	// now is swappable for tests.
	now func() time.Time
}

func New() *Registry {
	return &Registry{
		connectors: make(map[string]contracts.Connector),
		byAction:   make(map[string][]string),
		breakers:   make(map[string]*breaker),
		health:     make(map[string]cachedHealth),
		now:        time.Now,
	}
}

// Register adds a connector. Re-registering a name replaces the previous
// connector but keeps its original position in the order.
func (r *Registry) Register(c contracts.Connector) {
	desc := c.Descriptor()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[desc.Name]; !exists {
		r.order = append(r.order, desc.Name)
		for _, action := range desc.Capabilities {
			r.byAction[action] = append(r.byAction[action], desc.Name)
		}
	}
	r.connectors[desc.Name] = c
	r.breakers[desc.Name] = &breaker{}
	delete(r.health, desc.Name)

	log.Info().
		Str("connector", desc.Name).
		Str("version", desc.Version).
		Strs("capabilities", desc.Capabilities).
		Msg("🔌 Connector registered")
}

// Get returns the connector by name, or nil when absent.
func (r *Registry) Get(name string) contracts.Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectors[name]
}

// All returns every connector in registration order.
func (r *Registry) All() []contracts.Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.Connector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.connectors[name])
	}
	return out
}

// Find returns the connectors capable of the action, in registration
// order. An unknown action yields an empty slice, not an error.
func (r *Registry) Find(action string) []contracts.Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byAction[action]
	out := make([]contracts.Connector, 0, len(names))
	for _, name := range names {
		out = append(out, r.connectors[name])
	}
	return out
}

// candidate pairs a connector with its computed ranking score.
type candidate struct {
	conn  contracts.Connector
	score float64
	pos   int
}

// Rank returns the connectors capable of the action ordered best-first.
// Unhealthy connectors and connectors with an open circuit are excluded.
// Reliability dominates the score; latency and declared unit cost only
// separate connectors with similar track records.
func (r *Registry) Rank(ctx context.Context, action string) []contracts.Connector {
	r.mu.RLock()
	names := append([]string(nil), r.byAction[action]...)
	r.mu.RUnlock()

	now := r.now()
	var candidates []candidate
	for i, name := range names {
		c := r.Get(name)
		if c == nil {
			continue
		}

		r.mu.RLock()
		br := r.breakers[name]
		tripped := br != nil && br.open(now)
		r.mu.RUnlock()
		if tripped {
			log.Debug().Str("connector", name).Msg("Skipping connector: circuit open")
			continue
		}

		h := r.healthFor(ctx, name, c)
		if !h.Healthy {
			continue
		}

		candidates = append(candidates, candidate{
			conn:  c,
			score: score(c, h),
			pos:   i,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].pos < candidates[j].pos
	})

	out := make([]contracts.Connector, len(candidates))
	for i, c := range candidates {
		out[i] = c.conn
	}
	return out
}

// score computes a connector's ranking score in [0, 1]. Success rate
// carries most of the weight; latency and unit cost break near-ties.
func score(c contracts.Connector, h models.Health) float64 {
	desc := c.Descriptor()
	m := c.Metrics()

	s := 0.7 * m.SuccessRate()

	// Latency component: observed average when there is history,
	// declared p50 otherwise. 10s maps to zero.
	latency := float64(desc.Baseline.P50Ms)
	if m.Calls > 0 && m.AvgLatencyMs > 0 {
		latency = m.AvgLatencyMs
	}
	latencyScore := 1.0 - latency/10000.0
	if latencyScore < 0 {
		latencyScore = 0
	}
	s += 0.2 * latencyScore

	// Cost component: $1/call maps to zero.
	costScore := 1.0 - desc.Baseline.UnitCostUSD
	if costScore < 0 {
		costScore = 0
	}
	s += 0.1 * costScore

	return s
}

// healthFor returns the cached health for the connector, probing when the
// cache entry is missing or expired.
func (r *Registry) healthFor(ctx context.Context, name string, c contracts.Connector) models.Health {
	now := r.now()

	r.mu.RLock()
	cached, ok := r.health[name]
	r.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.health
	}

	h := c.Health(ctx)
	r.mu.Lock()
	r.health[name] = cachedHealth{health: h, expiresAt: now.Add(healthCacheTTL)}
	r.mu.Unlock()
	return h
}

// HealthCheckAll probes every connector concurrently and returns the
// results keyed by connector name. Probes share the caller's context;
// a single slow connector cannot block the others.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]models.Health {
	conns := r.All()

	var mu sync.Mutex
	results := make(map[string]models.Health, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			name := c.Descriptor().Name
			h := c.Health(gctx)
			mu.Lock()
			results[name] = h
			mu.Unlock()

			now := r.now()
			r.mu.Lock()
			r.health[name] = cachedHealth{health: h, expiresAt: now.Add(healthCacheTTL)}
			r.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ReportSuccess resets the connector's circuit breaker.
func (r *Registry) ReportSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if br, ok := r.breakers[name]; ok {
		br.consecutiveFailures = 0
	}
}

// ReportFailure counts a failure against the connector's breaker and
// opens the circuit at the threshold.
func (r *Registry) ReportFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	br, ok := r.breakers[name]
	if !ok {
		return
	}
	br.consecutiveFailures++
	// Re-arm after cooldown expiry: a failure while half-open trips the
	// breaker again immediately.
	if br.consecutiveFailures >= breakerThreshold && !br.open(r.now()) {
		br.openedAt = r.now()
		log.Warn().
			Str("connector", name).
			Int("consecutive_failures", br.consecutiveFailures).
			Dur("cooldown", breakerCooldown).
			Msg("⚡ Circuit breaker opened")
	}
}

// CircuitOpen reports whether the connector's circuit is currently open.
func (r *Registry) CircuitOpen(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	br, ok := r.breakers[name]
	return ok && br.open(r.now())
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// InvalidateHealth drops the cached health entry for a connector, forcing
// the next Rank to re-probe it.
func (r *Registry) InvalidateHealth(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, name)
}
