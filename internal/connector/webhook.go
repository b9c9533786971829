package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// WebhookConfig configures the signed webhook connector.
type WebhookConfig struct {
	// Secret signs every delivery with HMAC-SHA256. Optional; deliveries
	// go unsigned without it.
	Secret string

	Timeout time.Duration
}

// WebhookConnector delivers JSON payloads to caller-supplied webhook URLs,
// signing each delivery when a secret is configured. Receivers verify the
// X-Loom-Signature header against the raw body.
type WebhookConnector struct {
	base
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookConnector(cfg WebhookConfig) *WebhookConnector {
	schemes := []models.AuthScheme{models.AuthNone}
	if cfg.Secret != "" {
		schemes = []models.AuthScheme{models.AuthHMAC}
	}
	return &WebhookConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:         "webhook",
			Version:      "1.0.0",
			Description:  "Signed webhook delivery to arbitrary endpoints",
			Capabilities: []string{"webhook_send"},
			AuthSchemes:  schemes,
			Baseline:     models.PerformanceBaseline{P50Ms: 300, P99Ms: 4000, UnitCostUSD: 0.0005},
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

func (c *WebhookConnector) Health(_ context.Context) models.Health {
	return healthOK(c.desc.Name, time.Now())
}

func (c *WebhookConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *WebhookConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *WebhookConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	target := strParam(req.Params, "url")
	if target == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: url", false)
	}

	payload := req.Params["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.FailedCall(models.ErrCodeValidation, "unserializable payload: "+err.Error(), false)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return models.FailedCall(models.ErrCodeValidation, err.Error(), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Loom-Webhook/1.0")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Loom-Idempotency-Key", req.IdempotencyKey)
	}

	var signature string
	if c.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
		mac.Write(body)
		signature = "sha256=" + hex.EncodeToString(mac.Sum(nil))
		httpReq.Header.Set("X-Loom-Signature", signature)
	}

	// Deliver with retries; rebuild the body reader each attempt.
	var lastStatus int
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return models.FailedCall(models.ErrCodeTimeout, ctx.Err().Error(), true)
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
			httpReq.Body = nopCloser{bytes.NewReader(body)}
		}
		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		lastStatus = resp.StatusCode
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			proofs := []models.Proof{
				c.proof("delivery_status", fmt.Sprintf("%d", resp.StatusCode)),
				c.hashProof("payload_hash", string(body)),
			}
			if signature != "" {
				proofs = append(proofs, c.proof("signature", signature))
			}
			return models.CallResult{
				OK:     true,
				Data:   map[string]any{"status_code": resp.StatusCode, "url": target},
				Proofs: proofs,
			}
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, target)
		if code, retryable := classifyStatus(resp.StatusCode); !retryable {
			return models.FailedCall(code, lastErr.Error(), false)
		}
	}

	if lastStatus > 0 {
		code, retryable := classifyStatus(lastStatus)
		return models.FailedCall(code, fmt.Sprintf("webhook failed after 3 attempts: %v", lastErr), retryable)
	}
	code, retryable := classifyErr(lastErr)
	return models.FailedCall(code, fmt.Sprintf("webhook failed after 3 attempts: %v", lastErr), retryable)
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

var _ contracts.Connector = (*WebhookConnector)(nil)
