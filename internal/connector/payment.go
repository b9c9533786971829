package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// PaymentConfig configures the Stripe-backed payment connector.
type PaymentConfig struct {
	SecretKey string
	BaseURL   string // override for tests; defaults to https://api.stripe.com
	Timeout   time.Duration
}

// PaymentConnector creates payment links and invoices through the
// Stripe API.
type PaymentConnector struct {
	base
	cfg    PaymentConfig
	client *http.Client
}

func NewPaymentConnector(cfg PaymentConfig) *PaymentConnector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	return &PaymentConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:         "payment",
			Version:      "1.0.0",
			Description:  "Stripe payment links and invoicing",
			Capabilities: []string{"create_payment_link", "create_invoice"},
			AuthSchemes:  []models.AuthScheme{models.AuthBearer},
			Baseline:     models.PerformanceBaseline{P50Ms: 600, P99Ms: 4000, UnitCostUSD: 0.003},
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

func (c *PaymentConnector) Health(_ context.Context) models.Health {
	if c.cfg.SecretKey == "" {
		return healthConfigError(c.desc.Name, "stripe secret key not configured")
	}
	return healthOK(c.desc.Name, time.Now())
}

func (c *PaymentConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *PaymentConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *PaymentConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	if c.cfg.SecretKey == "" {
		return models.FailedCall(models.ErrCodeConfig, "stripe secret key not configured", false)
	}
	switch req.Action {
	case "create_payment_link":
		return c.createPaymentLink(ctx, req)
	case "create_invoice":
		return c.createInvoice(ctx, req)
	default:
		return models.FailedCall(models.ErrCodeUnsupportedAction, "unsupported action: "+req.Action, false)
	}
}

// doForm posts a form-encoded body the Stripe way and decodes the JSON reply.
func (c *PaymentConnector) doForm(ctx context.Context, path string, form url.Values, idempotencyKey string) (int, map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	return resp.StatusCode, decoded, nil
}

func (c *PaymentConnector) createPaymentLink(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	amount := numParam(req.Params, "amount_usd")
	name := strParam(req.Params, "product_name")
	if amount <= 0 || name == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required params: amount_usd, product_name", false)
	}
	cents := int64(amount * 100)

	form := url.Values{}
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][product_data][name]", name)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(cents, 10))
	form.Set("line_items[0][quantity]", "1")

	status, decoded, err := c.doForm(ctx, "/v1/payment_links", form, req.IdempotencyKey)
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("stripe HTTP %d", status), retryable)
	}

	id, _ := decoded["id"].(string)
	linkURL, _ := decoded["url"].(string)
	return models.CallResult{
		OK:   true,
		Data: map[string]any{"payment_link_id": id, "url": linkURL, "amount_usd": amount},
		Proofs: []models.Proof{
			c.proof("payment_link_id", id),
			c.proof("payment_link_url", linkURL),
		},
	}
}

func (c *PaymentConnector) createInvoice(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	customer := strParam(req.Params, "customer_id")
	amount := numParam(req.Params, "amount_usd")
	if customer == "" || amount <= 0 {
		return models.FailedCall(models.ErrCodeValidation, "missing required params: customer_id, amount_usd", false)
	}
	cents := int64(amount * 100)

	// An invoice item must exist before the invoice picks it up.
	itemForm := url.Values{}
	itemForm.Set("customer", customer)
	itemForm.Set("amount", strconv.FormatInt(cents, 10))
	itemForm.Set("currency", "usd")
	if desc := strParam(req.Params, "description"); desc != "" {
		itemForm.Set("description", desc)
	}
	status, _, err := c.doForm(ctx, "/v1/invoiceitems", itemForm, "")
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("stripe HTTP %d creating invoice item", status), retryable)
	}

	invForm := url.Values{}
	invForm.Set("customer", customer)
	invForm.Set("auto_advance", "true")
	status, decoded, err := c.doForm(ctx, "/v1/invoices", invForm, req.IdempotencyKey)
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("stripe HTTP %d creating invoice", status), retryable)
	}

	id, _ := decoded["id"].(string)
	hostedURL, _ := decoded["hosted_invoice_url"].(string)
	return models.CallResult{
		OK:   true,
		Data: map[string]any{"invoice_id": id, "hosted_invoice_url": hostedURL, "amount_usd": amount},
		Proofs: []models.Proof{
			c.proof("invoice_id", id),
		},
	}
}

var _ contracts.Connector = (*PaymentConnector)(nil)
