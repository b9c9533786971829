package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// HTTPConfig configures the generic HTTP connector.
type HTTPConfig struct {
	// BearerToken is attached as an Authorization header when set.
	BearerToken string

	// AllowedHosts restricts target hosts. Empty means any host.
	AllowedHosts []string

	Timeout time.Duration
}

// HTTPConnector performs generic HTTP calls against caller-supplied URLs.
// It is the universal fallback surface: anything with an HTTP endpoint
// can be driven through it.
type HTTPConnector struct {
	base
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPConnector(cfg HTTPConfig) *HTTPConnector {
	schemes := []models.AuthScheme{models.AuthNone}
	if cfg.BearerToken != "" {
		schemes = []models.AuthScheme{models.AuthBearer}
	}
	return &HTTPConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:         "httpcall",
			Version:      "1.0.0",
			Description:  "Generic HTTP GET/POST against arbitrary endpoints",
			Capabilities: []string{"http_get", "http_post"},
			AuthSchemes:  schemes,
			Baseline:     models.PerformanceBaseline{P50Ms: 400, P99Ms: 5000, UnitCostUSD: 0.001},
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

// Health is trivially healthy: the connector needs no credential and no
// fixed endpoint.
func (c *HTTPConnector) Health(_ context.Context) models.Health {
	return healthOK(c.desc.Name, time.Now())
}

func (c *HTTPConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *HTTPConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *HTTPConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	target := strParam(req.Params, "url")
	if target == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: url", false)
	}
	if !c.hostAllowed(target) {
		return models.FailedCall(models.ErrCodeValidation, "target host not allowed: "+target, false)
	}

	headers := map[string]string{}
	if c.cfg.BearerToken != "" {
		headers["Authorization"] = "Bearer " + c.cfg.BearerToken
	}
	if hs, ok := req.Params["headers"].(map[string]any); ok {
		for k, v := range hs {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	method := http.MethodGet
	var body any
	if req.Action == "http_post" {
		method = http.MethodPost
		body = req.Params["payload"]
		if body == nil {
			body = map[string]any{}
		}
	}

	status, decoded, raw, err := doJSON(ctx, c.client, method, target, headers, body)
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("HTTP %d from %s", status, target), retryable)
	}

	return models.CallResult{
		OK: true,
		Data: map[string]any{
			"status_code": status,
			"response":    decoded,
		},
		Proofs: []models.Proof{
			c.proof("status_code", fmt.Sprintf("%d", status)),
			c.hashProof("response_hash", string(raw)),
		},
	}
}

func (c *HTTPConnector) hostAllowed(target string) bool {
	if len(c.cfg.AllowedHosts) == 0 {
		return true
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	for _, h := range c.cfg.AllowedHosts {
		if u.Hostname() == h {
			return true
		}
	}
	return false
}

var _ contracts.Connector = (*HTTPConnector)(nil)
