// Package connector ships the built-in delivery connectors of the Loom
// fabric: uniform adapters around external surfaces (email, SMS, chat,
// object storage, commerce, payments, webhooks, headless browsing).
//
// Every connector embeds base, which owns the shared concerns: the closed
// capability set, per-connector call metrics under their own lock, rate
// limiting, proof construction, and translation of provider failures into
// structured CallResults.
package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// maxResponseBytes bounds how much of a provider response body is read.
const maxResponseBytes = 1 << 20

// callFunc is a connector's provider-specific execution body. It runs after
// base has already checked the capability set and the rate limit.
type callFunc func(ctx context.Context, req contracts.ExecuteRequest) models.CallResult

// base carries the shared connector state. Concrete connectors embed it
// and route Execute through run.
type base struct {
	desc    models.ConnectorDescriptor
	limiter *rate.Limiter

	mu      sync.Mutex
	metrics models.ConnectorMetrics
}

func newBase(desc models.ConnectorDescriptor) base {
	var limiter *rate.Limiter
	if desc.MaxRatePerSec > 0 {
		burst := int(desc.MaxRatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(desc.MaxRatePerSec), burst)
	}
	return base{desc: desc, limiter: limiter}
}

func (b *base) Descriptor() models.ConnectorDescriptor { return b.desc }

func (b *base) CanPerform(action string) bool {
	for _, c := range b.desc.Capabilities {
		if c == action {
			return true
		}
	}
	return false
}

func (b *base) Metrics() models.ConnectorMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	if m.Calls > 0 {
		m.AvgLatencyMs = float64(m.TotalLatencyMs) / float64(m.Calls)
	}
	return m
}

// recordCall updates the rolling metrics after one execution.
func (b *base) recordCall(ok bool, latencyMs int64) {
	now := time.Now().UTC()
	b.mu.Lock()
	b.metrics.Calls++
	if ok {
		b.metrics.Successes++
	} else {
		b.metrics.Failures++
	}
	b.metrics.TotalLatencyMs += latencyMs
	b.metrics.LastCall = &now
	b.mu.Unlock()
}

// run wraps a provider call with the shared execution envelope: capability
// check, rate limit, timeout, latency stamping and metric recording.
// The error return is reserved for context cancellation.
func (b *base) run(ctx context.Context, req contracts.ExecuteRequest, fn callFunc) (models.CallResult, error) {
	if !b.CanPerform(req.Action) {
		res := models.FailedCall(models.ErrCodeUnsupportedAction,
			b.desc.Name+" cannot perform "+req.Action, false)
		res.IdempotencyKey = req.IdempotencyKey
		return res, nil
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return models.CallResult{}, err
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	res := fn(ctx, req)
	res.LatencyMs = time.Since(start).Milliseconds()
	res.IdempotencyKey = req.IdempotencyKey
	if res.ExecutedAt.IsZero() {
		res.ExecutedAt = time.Now().UTC()
	}
	b.recordCall(res.OK, res.LatencyMs)

	if err := ctx.Err(); err != nil && !res.OK {
		res.ErrorCode = models.ErrCodeTimeout
		res.Retryable = true
		return res, nil
	}
	return res, nil
}

// proof builds a Proof stamped with the connector name.
func (b *base) proof(proofType, value string) models.Proof {
	return models.Proof{
		Type:       proofType,
		Value:      value,
		Connector:  b.desc.Name,
		CapturedAt: time.Now().UTC(),
	}
}

// hashProof builds a content-hash Proof over the payload's canonical JSON.
func (b *base) hashProof(proofType string, payload any) models.Proof {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return b.proof(proofType, "sha256:"+hex.EncodeToString(sum[:]))
}

// ── Shared HTTP plumbing ────────────────────────────────────

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// classifyStatus maps an HTTP status code to an error code and a
// retryability verdict. 5xx and 429 are worth a second try; other 4xx
// are permanent.
func classifyStatus(code int) (errCode string, retryable bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return models.ErrCodeRateLimited, true
	case code >= 500:
		return models.ErrCodeTransient, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.ErrCodeConfig, false
	default:
		return models.ErrCodePermanent, false
	}
}

// classifyErr maps a transport error. Timeouts and connection failures
// are retryable.
func classifyErr(err error) (errCode string, retryable bool) {
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return models.ErrCodeTimeout, true
	}
	return models.ErrCodeTransient, true
}

// doJSON issues a request with a JSON body and decodes a JSON response.
// Returns the status code, the decoded body (nil if not JSON) and the raw
// bytes for hashing.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any) (int, map[string]any, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, nil, err
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, nil, err
	}

	var decoded map[string]any
	if len(raw) > 0 {
		// Non-JSON bodies are fine; callers still get the raw bytes.
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded, raw, nil
}

// strParam extracts a string parameter, tolerating missing keys.
func strParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// numParam extracts a numeric parameter as float64.
func numParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// healthOK builds a healthy probe result.
func healthOK(name string, start time.Time) models.Health {
	return models.Health{
		Connector: name,
		Healthy:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
}

// healthConfigError builds an unhealthy probe result for a missing
// credential or endpoint. Configuration gaps are reported, never panicked.
func healthConfigError(name, msg string) models.Health {
	return models.Health{
		Connector: name,
		Healthy:   false,
		Error:     msg,
		ErrorCode: models.ErrCodeConfig,
		CheckedAt: time.Now().UTC(),
	}
}

// perCallEstimate is the common CostEstimate for flat-priced actions.
func perCallEstimate(unitUSD float64) models.CostEstimate {
	return models.CostEstimate{
		EstimatedUSD: unitUSD,
		Model:        string(models.CostPerCall),
		Breakdown:    map[string]float64{"unit": unitUSD},
		Confidence:   0.9,
	}
}
