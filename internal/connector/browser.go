package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// BrowserConfig configures the headless browser connector. Endpoint points
// at a browserless-compatible automation service.
type BrowserConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// BrowserConnector drives a remote headless browser fleet. It is the slow
// generalist of the fabric: it can reach surfaces no API connector covers,
// at an order of magnitude more latency and cost.
type BrowserConnector struct {
	base
	cfg    BrowserConfig
	client *http.Client
}

func NewBrowserConnector(cfg BrowserConfig) *BrowserConnector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &BrowserConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:         "browser",
			Version:      "1.0.0",
			Description:  "Headless browser automation",
			Capabilities: []string{"fill_form", "scrape_page", "http_post"},
			AuthSchemes:  []models.AuthScheme{models.AuthBearer, models.AuthSessionCookie},
			Baseline:     models.PerformanceBaseline{P50Ms: 8000, P99Ms: 45000, UnitCostUSD: 0.02},
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

func (c *BrowserConnector) Health(_ context.Context) models.Health {
	if c.cfg.Endpoint == "" {
		return healthConfigError(c.desc.Name, "browser service endpoint not configured")
	}
	return healthOK(c.desc.Name, time.Now())
}

func (c *BrowserConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *BrowserConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *BrowserConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	if c.cfg.Endpoint == "" {
		return models.FailedCall(models.ErrCodeConfig, "browser service endpoint not configured", false)
	}
	pageURL := strParam(req.Params, "url")
	if pageURL == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: url", false)
	}

	var path string
	payload := map[string]any{"url": pageURL}
	switch req.Action {
	case "fill_form":
		fields, ok := req.Params["fields"].(map[string]any)
		if !ok || len(fields) == 0 {
			return models.FailedCall(models.ErrCodeValidation, "missing required param: fields", false)
		}
		path = "/session/fill"
		payload["fields"] = fields
		payload["submit_selector"] = strParam(req.Params, "submit_selector")
	case "scrape_page":
		path = "/session/scrape"
		if sel := strParam(req.Params, "selector"); sel != "" {
			payload["selector"] = sel
		}
	case "http_post":
		// Browser fallback for form-protected endpoints an API call
		// can't reach. The descriptor names the input "payload"; accept
		// "body" too for direct callers.
		path = "/session/fill"
		body, ok := req.Params["payload"].(map[string]any)
		if !ok {
			body, ok = req.Params["body"].(map[string]any)
		}
		if ok {
			payload["fields"] = body
		}
	default:
		return models.FailedCall(models.ErrCodeUnsupportedAction, "unsupported action: "+req.Action, false)
	}

	headers := map[string]string{}
	if c.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + c.cfg.Token
	}

	status, decoded, raw, err := doJSON(ctx, c.client, http.MethodPost, c.cfg.Endpoint+path, headers, payload)
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("browser service HTTP %d", status), retryable)
	}

	proofs := []models.Proof{
		c.proof("final_url", strParam(decoded, "final_url")),
		c.hashProof("page_hash", string(raw)),
	}
	if shot := strParam(decoded, "screenshot_url"); shot != "" {
		proofs = append(proofs, c.proof("screenshot_url", shot))
	}

	return models.CallResult{
		OK: true,
		Data: map[string]any{
			"url":     pageURL,
			"content": decoded["content"],
			"status":  strParam(decoded, "status"),
		},
		Proofs: proofs,
	}
}

var _ contracts.Connector = (*BrowserConnector)(nil)
