package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

const shopifyAPIVersion = "2024-10"

// CommerceConfig configures the Shopify admin connector.
type CommerceConfig struct {
	ShopDomain  string // e.g. acme.myshopify.com
	AccessToken string
	BaseURL     string // override for tests; defaults to https://<ShopDomain>
	Timeout     time.Duration
}

// CommerceConnector manages products and discount codes through the
// Shopify Admin REST API.
type CommerceConnector struct {
	base
	cfg    CommerceConfig
	client *http.Client
}

func NewCommerceConnector(cfg CommerceConfig) *CommerceConnector {
	if cfg.BaseURL == "" && cfg.ShopDomain != "" {
		cfg.BaseURL = "https://" + cfg.ShopDomain
	}
	return &CommerceConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:          "commerce",
			Version:       "1.0.0",
			Description:   "Shopify admin: products and discounts",
			Capabilities:  []string{"create_product", "create_discount_code"},
			AuthSchemes:   []models.AuthScheme{models.AuthAPIKey},
			Baseline:      models.PerformanceBaseline{P50Ms: 700, P99Ms: 6000, UnitCostUSD: 0.002},
			MaxRatePerSec: 2, // Shopify REST bucket refills at 2 req/s
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

func (c *CommerceConnector) Health(_ context.Context) models.Health {
	if c.cfg.BaseURL == "" || c.cfg.AccessToken == "" {
		return healthConfigError(c.desc.Name, "shopify shop domain or access token not configured")
	}
	return healthOK(c.desc.Name, time.Now())
}

func (c *CommerceConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *CommerceConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *CommerceConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	if c.cfg.BaseURL == "" || c.cfg.AccessToken == "" {
		return models.FailedCall(models.ErrCodeConfig, "shopify credentials not configured", false)
	}
	switch req.Action {
	case "create_product":
		return c.createProduct(ctx, req)
	case "create_discount_code":
		return c.createDiscountCode(ctx, req)
	default:
		return models.FailedCall(models.ErrCodeUnsupportedAction, "unsupported action: "+req.Action, false)
	}
}

func (c *CommerceConnector) adminURL(resource string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.cfg.BaseURL, shopifyAPIVersion, resource)
}

func (c *CommerceConnector) headers() map[string]string {
	return map[string]string{"X-Shopify-Access-Token": c.cfg.AccessToken}
}

func (c *CommerceConnector) createProduct(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	title := strParam(req.Params, "title")
	if title == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: title", false)
	}
	product := map[string]any{
		"title":     title,
		"body_html": strParam(req.Params, "description"),
		"status":    "draft",
	}
	if price := numParam(req.Params, "price"); price > 0 {
		product["variants"] = []map[string]any{{"price": fmt.Sprintf("%.2f", price)}}
	}

	status, decoded, _, err := doJSON(ctx, c.client, http.MethodPost, c.adminURL("products.json"), c.headers(),
		map[string]any{"product": product})
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("shopify HTTP %d", status), retryable)
	}

	created, _ := decoded["product"].(map[string]any)
	id := numParam(created, "id")
	return models.CallResult{
		OK:   true,
		Data: map[string]any{"product_id": id, "title": title},
		Proofs: []models.Proof{
			c.proof("product_id", fmt.Sprintf("%.0f", id)),
		},
	}
}

func (c *CommerceConnector) createDiscountCode(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	code := strParam(req.Params, "code")
	if code == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: code", false)
	}
	pct := numParam(req.Params, "percent_off")
	if pct <= 0 || pct > 100 {
		return models.FailedCall(models.ErrCodeValidation, "percent_off must be in (0, 100]", false)
	}

	// Shopify models discounts as price rules; the code hangs off the rule.
	rule := map[string]any{
		"title":              code,
		"target_type":        "line_item",
		"target_selection":   "all",
		"allocation_method":  "across",
		"value_type":         "percentage",
		"value":              fmt.Sprintf("-%.1f", pct),
		"customer_selection": "all",
		"starts_at":          time.Now().UTC().Format(time.RFC3339),
	}
	status, decoded, _, err := doJSON(ctx, c.client, http.MethodPost, c.adminURL("price_rules.json"), c.headers(),
		map[string]any{"price_rule": rule})
	if err != nil {
		errCode, retryable := classifyErr(err)
		return models.FailedCall(errCode, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		errCode, retryable := classifyStatus(status)
		return models.FailedCall(errCode, fmt.Sprintf("shopify HTTP %d creating price rule", status), retryable)
	}
	createdRule, _ := decoded["price_rule"].(map[string]any)
	ruleID := numParam(createdRule, "id")

	resource := fmt.Sprintf("price_rules/%.0f/discount_codes.json", ruleID)
	status, decoded, _, err = doJSON(ctx, c.client, http.MethodPost, c.adminURL(resource), c.headers(),
		map[string]any{"discount_code": map[string]any{"code": code}})
	if err != nil {
		errCode, retryable := classifyErr(err)
		return models.FailedCall(errCode, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		errCode, retryable := classifyStatus(status)
		return models.FailedCall(errCode, fmt.Sprintf("shopify HTTP %d creating discount code", status), retryable)
	}

	createdCode, _ := decoded["discount_code"].(map[string]any)
	return models.CallResult{
		OK: true,
		Data: map[string]any{
			"code":          code,
			"price_rule_id": ruleID,
			"discount_id":   numParam(createdCode, "id"),
			"percent_off":   pct,
		},
		Proofs: []models.Proof{
			c.proof("discount_code", code),
			c.proof("price_rule_id", fmt.Sprintf("%.0f", ruleID)),
		},
	}
}

var _ contracts.Connector = (*CommerceConnector)(nil)
