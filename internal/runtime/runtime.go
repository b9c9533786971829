// Package runtime executes outcome requests against the connector fabric.
//
// The runtime is the narrow waist of Loom: callers describe WHAT they want
// (an outcome type, inputs, a deadline, required proofs) and the runtime
// decides HOW — which connector runs it, whether a cached result already
// satisfies it, and whether a fallback hop is worth taking after a
// retryable failure.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// resultCacheTTL is how long a completed outcome satisfies a repeated
// idempotency key.
const resultCacheTTL = 24 * time.Hour

// Runtime turns outcome requests into connector executions.
type Runtime struct {
	registry *registry.Registry
	store    store.Store

	mu    sync.Mutex
	stats models.RuntimeStats
}

func New(reg *registry.Registry, st store.Store) *Runtime {
	return &Runtime{registry: reg, store: st}
}

// Execute runs one outcome request end to end. The error return covers
// malformed requests and context cancellation; execution failures come
// back inside the result.
func (rt *Runtime) Execute(ctx context.Context, req *models.OutcomeRequest) (*models.OutcomeResult, error) {
	if req.OutcomeType == "" {
		return nil, fmt.Errorf("outcome_type is required")
	}
	if req.DeadlineSec <= 0 {
		return nil, fmt.Errorf("deadline_sec must be positive")
	}

	// Idempotency: a repeated key returns the stored result untouched.
	if req.IdempotencyKey != "" {
		if cached, err := rt.store.GetCachedResult(ctx, req.IdempotencyKey); err == nil {
			cached.Cached = true
			rt.count(func(s *models.RuntimeStats) { s.CacheHits++ })
			log.Debug().
				Str("idempotency_key", req.IdempotencyKey).
				Str("outcome_type", req.OutcomeType).
				Msg("Idempotency cache hit")
			return cached, nil
		}
	}

	candidates := rt.candidates(ctx, req)
	if len(candidates) == 0 {
		res := rt.failure(req, models.ErrCodeUnsupportedOutcome,
			"no healthy connector can perform "+req.OutcomeType, false, 0)
		return res, nil
	}

	primary := candidates[0]
	result := rt.attempt(ctx, primary, req, 1)

	attempts := 1
	proofs := tagAttempt(result.Proofs, 1)

	// One fallback hop, never more: a second connector with the same
	// capability gets one shot when the primary failed retryably.
	if !result.OK && result.Retryable {
		if fb := rt.fallback(ctx, req, primary.Descriptor().Name); fb != nil {
			log.Info().
				Str("outcome_type", req.OutcomeType).
				Str("primary", primary.Descriptor().Name).
				Str("fallback", fb.Descriptor().Name).
				Msg("Primary failed, taking fallback hop")
			fbResult := rt.attempt(ctx, fb, req, 2)
			proofs = append(proofs, tagAttempt(fbResult.Proofs, 2)...)
			result = fbResult
			attempts = 2
		}
	}

	out := &models.OutcomeResult{
		OK:             result.OK,
		OutcomeType:    req.OutcomeType,
		Connector:      result.connector,
		Data:           result.Data,
		Proofs:         proofs,
		Error:          result.Error,
		ErrorCode:      result.ErrorCode,
		Retryable:      result.Retryable,
		Attempts:       attempts,
		LatencyMs:      result.LatencyMs,
		IdempotencyKey: req.IdempotencyKey,
		ExecutedAt:     result.ExecutedAt,
	}

	if out.OK && len(req.SuccessCriteria) > 0 {
		if failed := evaluateCriteria(req.SuccessCriteria, out.Data); len(failed) > 0 {
			out.OK = false
			out.ErrorCode = models.ErrCodeValidation
			out.Error = "success criteria not met: " + strings.Join(failed, "; ")
			out.Retryable = false
		}
	}

	rt.count(func(s *models.RuntimeStats) {
		s.Executions++
		if out.OK {
			s.Successes++
		} else {
			s.Failures++
		}
		s.TotalUSD += req.Pricing.AmountUSD
	})

	if out.OK && req.IdempotencyKey != "" {
		if err := rt.store.PutCachedResult(ctx, req.IdempotencyKey, out, resultCacheTTL); err != nil {
			log.Warn().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("Failed to cache outcome result")
		}
	}
	return out, nil
}

// Stats returns a snapshot of the runtime counters.
func (rt *Runtime) Stats() models.RuntimeStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stats
}

func (rt *Runtime) count(fn func(*models.RuntimeStats)) {
	rt.mu.Lock()
	fn(&rt.stats)
	rt.mu.Unlock()
}

// candidates returns the ordered connectors for the request. A preferred
// connector jumps the ranking when it is registered, capable and healthy.
func (rt *Runtime) candidates(ctx context.Context, req *models.OutcomeRequest) []contracts.Connector {
	ranked := rt.registry.Rank(ctx, req.OutcomeType)
	if req.PreferConnector == "" {
		return ranked
	}

	var out []contracts.Connector
	for _, c := range ranked {
		if c.Descriptor().Name == req.PreferConnector {
			out = append(out, c)
			break
		}
	}
	for _, c := range ranked {
		if c.Descriptor().Name != req.PreferConnector {
			out = append(out, c)
		}
	}
	return out
}

// fallback resolves the configured fallback connector, or nil when it is
// absent, identical to the primary, incapable, unhealthy or tripped.
func (rt *Runtime) fallback(ctx context.Context, req *models.OutcomeRequest, primaryName string) contracts.Connector {
	name := req.FallbackConnector
	if name == "" || name == primaryName {
		return nil
	}
	c := rt.registry.Get(name)
	if c == nil || !c.CanPerform(req.OutcomeType) {
		return nil
	}
	if rt.registry.CircuitOpen(name) {
		return nil
	}
	if h := c.Health(ctx); !h.Healthy {
		return nil
	}
	return c
}

// attemptResult carries one connector attempt plus the connector name.
type attemptResult struct {
	models.CallResult
	connector string
}

func (rt *Runtime) attempt(ctx context.Context, c contracts.Connector, req *models.OutcomeRequest, attempt int) attemptResult {
	name := c.Descriptor().Name
	timeout := time.Duration(req.DeadlineSec * float64(time.Second))

	res, err := c.Execute(ctx, contracts.ExecuteRequest{
		Action:         req.OutcomeType,
		Params:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        timeout,
	})
	if err != nil {
		// Context cancellation: treat as a timed-out attempt.
		res = models.FailedCall(models.ErrCodeTimeout, err.Error(), true)
	}

	if res.OK {
		rt.registry.ReportSuccess(name)
	} else {
		rt.registry.ReportFailure(name)
		log.Warn().
			Str("connector", name).
			Str("outcome_type", req.OutcomeType).
			Int("attempt", attempt).
			Str("error_code", res.ErrorCode).
			Str("error", res.Error).
			Msg("Connector attempt failed")
	}
	return attemptResult{CallResult: res, connector: name}
}

// tagAttempt stamps the attempt ordinal on every proof so merged proof
// sets stay attributable after a fallback hop.
func tagAttempt(proofs []models.Proof, attempt int) []models.Proof {
	out := make([]models.Proof, len(proofs))
	for i, p := range proofs {
		p.Attempt = attempt
		out[i] = p
	}
	return out
}

// evaluateCriteria runs each success-criteria expression against the
// result data and returns the ones that did not hold. An expression that
// fails to compile or run counts as unmet; a criterion the fabric cannot
// check must not pass silently.
func evaluateCriteria(criteria []string, data map[string]any) []string {
	env := map[string]any{"data": data}
	var failed []string
	for _, criterion := range criteria {
		program, err := expr.Compile(criterion, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			failed = append(failed, criterion+" (compile error)")
			continue
		}
		out, err := expr.Run(program, env)
		if err != nil {
			failed = append(failed, criterion+" (eval error)")
			continue
		}
		if ok, _ := out.(bool); !ok {
			failed = append(failed, criterion)
		}
	}
	return failed
}

func (rt *Runtime) failure(req *models.OutcomeRequest, code, msg string, retryable bool, attempts int) *models.OutcomeResult {
	rt.count(func(s *models.RuntimeStats) {
		s.Executions++
		s.Failures++
	})
	return &models.OutcomeResult{
		OK:             false,
		OutcomeType:    req.OutcomeType,
		Error:          msg,
		ErrorCode:      code,
		Retryable:      retryable,
		Attempts:       attempts,
		IdempotencyKey: req.IdempotencyKey,
		ExecutedAt:     time.Now().UTC(),
	}
}
