package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

const defaultEmailEndpoint = "https://api.resend.com/emails"

// EmailConfig configures the transactional email connector.
type EmailConfig struct {
	APIKey   string
	From     string
	Endpoint string // override for self-hosted relays and tests
	Timeout  time.Duration
}

// EmailConnector sends transactional email through a Resend-compatible
// JSON API.
type EmailConnector struct {
	base
	cfg    EmailConfig
	client *http.Client
}

func NewEmailConnector(cfg EmailConfig) *EmailConnector {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEmailEndpoint
	}
	return &EmailConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:         "email",
			Version:      "1.0.0",
			Description:  "Transactional email delivery",
			Capabilities: []string{"send_email"},
			AuthSchemes:  []models.AuthScheme{models.AuthBearer},
			Baseline:     models.PerformanceBaseline{P50Ms: 900, P99Ms: 5000, UnitCostUSD: 0.001},
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

func (c *EmailConnector) Health(_ context.Context) models.Health {
	if c.cfg.APIKey == "" {
		return healthConfigError(c.desc.Name, "email API key not configured")
	}
	if c.cfg.From == "" {
		return healthConfigError(c.desc.Name, "email sender address not configured")
	}
	return healthOK(c.desc.Name, time.Now())
}

func (c *EmailConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *EmailConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *EmailConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	if c.cfg.APIKey == "" {
		return models.FailedCall(models.ErrCodeConfig, "email API key not configured", false)
	}
	to := strParam(req.Params, "to")
	subject := strParam(req.Params, "subject")
	if to == "" || subject == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required params: to, subject", false)
	}

	payload := map[string]any{
		"from":    c.cfg.From,
		"to":      []string{to},
		"subject": subject,
		"text":    strParam(req.Params, "body"),
	}
	if html := strParam(req.Params, "html"); html != "" {
		payload["html"] = html
	}

	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	status, decoded, _, err := doJSON(ctx, c.client, http.MethodPost, c.cfg.Endpoint, headers, payload)
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("email provider HTTP %d", status), retryable)
	}

	messageID, _ := decoded["id"].(string)
	return models.CallResult{
		OK:   true,
		Data: map[string]any{"message_id": messageID, "to": to},
		Proofs: []models.Proof{
			c.proof("message_id", messageID),
		},
	}
}

var _ contracts.Connector = (*EmailConnector)(nil)
