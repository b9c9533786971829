package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// SMSConfig configures the Twilio-backed SMS connector.
type SMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Endpoint   string // override for tests
	Timeout    time.Duration
}

// SMSConnector sends text messages through the Twilio Messages API.
type SMSConnector struct {
	base
	cfg    SMSConfig
	client *http.Client
}

func NewSMSConnector(cfg SMSConfig) *SMSConnector {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.twilio.com/2010-04-01/Accounts/" + cfg.AccountSID + "/Messages.json"
	}
	return &SMSConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:         "sms",
			Version:      "1.0.0",
			Description:  "SMS delivery via Twilio",
			Capabilities: []string{"send_sms"},
			AuthSchemes:  []models.AuthScheme{models.AuthBasic},
			Baseline:     models.PerformanceBaseline{P50Ms: 1200, P99Ms: 8000, UnitCostUSD: 0.0079},
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

func (c *SMSConnector) Health(_ context.Context) models.Health {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return healthConfigError(c.desc.Name, "twilio credentials not configured")
	}
	if c.cfg.FromNumber == "" {
		return healthConfigError(c.desc.Name, "SMS sender number not configured")
	}
	return healthOK(c.desc.Name, time.Now())
}

func (c *SMSConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *SMSConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *SMSConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return models.FailedCall(models.ErrCodeConfig, "twilio credentials not configured", false)
	}
	to := strParam(req.Params, "to")
	body := strParam(req.Params, "message")
	if to == "" || body == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required params: to, message", false)
	}

	// Twilio takes form-encoded bodies, not JSON.
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return models.FailedCall(models.ErrCodePermanent, err.Error(), false)
	}
	httpReq.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, retryable := classifyStatus(resp.StatusCode)
		return models.FailedCall(code, fmt.Sprintf("twilio HTTP %d", resp.StatusCode), retryable)
	}

	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	sid, _ := decoded["sid"].(string)
	msgStatus, _ := decoded["status"].(string)

	return models.CallResult{
		OK:   true,
		Data: map[string]any{"sid": sid, "status": msgStatus, "to": to},
		Proofs: []models.Proof{
			c.proof("message_sid", sid),
			c.proof("delivery_status", msgStatus),
		},
	}
}

var _ contracts.Connector = (*SMSConnector)(nil)
