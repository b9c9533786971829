package catalog

import (
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/models"
)

// LoadBuiltins registers the shipped descriptor set. Every builtin is
// versioned so deployments can override one by registering the same name
// with a bumped version.
func (c *Catalog) LoadBuiltins() int {
	count := 0
	for _, d := range builtinDescriptors() {
		if err := c.Register(d); err != nil {
			log.Warn().Str("descriptor", d.Name).Err(err).Msg("Skipping invalid builtin descriptor")
			continue
		}
		count++
	}
	log.Info().Int("descriptors", count).Msg("📇 Builtin descriptors loaded")
	return count
}

func builtinDescriptors() []*models.Descriptor {
	return []*models.Descriptor{
		{
			Name:        "http.get",
			Version:     "1.0.0",
			Description: "Fetch a URL over HTTP GET",
			Connector:   "httpcall",
			Action:      "http_get",
			Inputs: []models.InputSpec{
				{Key: "url", Type: models.InputString, Required: true},
				{Key: "headers", Type: models.InputObject},
			},
			SLA:       models.SLA{P50Ms: 400, P99Ms: 5000},
			CostModel: models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.001},
			Proofs:    []string{"status_code", "response_hash"},
			Tags:      []string{"http", "read"},
		},
		{
			Name:        "http.post",
			Version:     "1.0.0",
			Description: "POST a JSON payload to a URL",
			Connector:   "httpcall",
			Action:      "http_post",
			Inputs: []models.InputSpec{
				{Key: "url", Type: models.InputString, Required: true},
				{Key: "payload", Type: models.InputObject, Required: true},
				{Key: "headers", Type: models.InputObject},
			},
			SLA:               models.SLA{P50Ms: 500, P99Ms: 6000},
			CostModel:         models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.001},
			Proofs:            []string{"status_code", "response_hash"},
			RetryPolicy:       models.RetryPolicy{MaxRetries: 2, BackoffMs: 2000},
			FallbackConnector: "browser",
			Tags:              []string{"http", "write"},
		},
		{
			Name:        "webhook.deliver",
			Version:     "1.0.0",
			Description: "Deliver a signed webhook event",
			Connector:   "webhook",
			Action:      "webhook_send",
			Inputs: []models.InputSpec{
				{Key: "url", Type: models.InputString, Required: true},
				{Key: "payload", Type: models.InputObject, Required: true},
			},
			SLA:         models.SLA{P50Ms: 300, P99Ms: 4000},
			CostModel:   models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.0005},
			Proofs:      []string{"delivery_status", "payload_hash"},
			RetryPolicy: models.RetryPolicy{MaxRetries: 3, BackoffMs: 2000},
			Tags:        []string{"notify", "write"},
		},
		{
			Name:        "email.send",
			Version:     "1.0.0",
			Description: "Send a transactional email",
			Connector:   "email",
			Action:      "send_email",
			Inputs: []models.InputSpec{
				{Key: "to", Type: models.InputString, Required: true},
				{Key: "subject", Type: models.InputString, Required: true},
				{Key: "body", Type: models.InputString},
				{Key: "html", Type: models.InputString},
			},
			SLA:       models.SLA{P50Ms: 900, P99Ms: 5000},
			CostModel: models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.001},
			Proofs:    []string{"message_id"},
			Tags:      []string{"notify", "email"},
		},
		{
			Name:        "email.campaign",
			Version:     "1.0.0",
			Description: "Send one email per recipient unit",
			Connector:   "email",
			Action:      "send_email",
			Inputs: []models.InputSpec{
				{Key: "to", Type: models.InputString, Required: true},
				{Key: "subject", Type: models.InputString, Required: true},
				{Key: "body", Type: models.InputString, Required: true},
				{Key: "units", Type: models.InputNumber},
			},
			SLA:       models.SLA{P50Ms: 1500, P99Ms: 20000},
			CostModel: models.CostModel{Type: models.CostPerUnit, UnitCostUSD: 0.0008},
			Proofs:    []string{"message_id"},
			Tags:      []string{"notify", "email", "bulk"},
		},
		{
			Name:        "sms.send",
			Version:     "1.0.0",
			Description: "Send an SMS",
			Connector:   "sms",
			Action:      "send_sms",
			Inputs: []models.InputSpec{
				{Key: "to", Type: models.InputString, Required: true},
				{Key: "message", Type: models.InputString, Required: true},
			},
			SLA:       models.SLA{P50Ms: 1200, P99Ms: 8000},
			CostModel: models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.0079},
			Proofs:    []string{"message_sid", "delivery_status"},
			Tags:      []string{"notify", "sms"},
		},
		{
			Name:        "chat.post",
			Version:     "1.0.0",
			Description: "Post a message to a chat channel",
			Connector:   "chat",
			Action:      "post_chat_message",
			Inputs: []models.InputSpec{
				{Key: "text", Type: models.InputString, Required: true},
				{Key: "channel", Type: models.InputString},
			},
			SLA:       models.SLA{P50Ms: 500, P99Ms: 3000},
			CostModel: models.CostModel{Type: models.CostFlat, UnitCostUSD: 0},
			Proofs:    []string{"message_ts"},
			Tags:      []string{"notify", "chat"},
		},
		{
			Name:        "storage.upload",
			Version:     "1.0.0",
			Description: "Upload an object to storage",
			Connector:   "storage",
			Action:      "upload_object",
			Inputs: []models.InputSpec{
				{Key: "key", Type: models.InputString, Required: true},
				{Key: "content", Type: models.InputString},
				{Key: "content_type", Type: models.InputString},
			},
			SLA:       models.SLA{P50Ms: 300, P99Ms: 4000},
			CostModel: models.CostModel{Type: models.CostPerUnit, UnitCostUSD: 0.0001},
			Proofs:    []string{"object_etag", "content_hash"},
			Tags:      []string{"storage", "write"},
		},
		{
			Name:        "storage.share",
			Version:     "1.0.0",
			Description: "Produce a time-limited download link",
			Connector:   "storage",
			Action:      "presign_object",
			Inputs: []models.InputSpec{
				{Key: "key", Type: models.InputString, Required: true},
				{Key: "expiry_sec", Type: models.InputNumber},
			},
			SLA:       models.SLA{P50Ms: 100, P99Ms: 1000},
			CostModel: models.CostModel{Type: models.CostFlat, UnitCostUSD: 0},
			Proofs:    []string{"presigned_url"},
			Tags:      []string{"storage", "read"},
		},
		{
			Name:        "commerce.product.create",
			Version:     "1.0.0",
			Description: "Create a draft product in the storefront",
			Connector:   "commerce",
			Action:      "create_product",
			Inputs: []models.InputSpec{
				{Key: "title", Type: models.InputString, Required: true},
				{Key: "description", Type: models.InputString},
				{Key: "price", Type: models.InputNumber},
			},
			SLA:       models.SLA{P50Ms: 700, P99Ms: 6000},
			CostModel: models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.002},
			Proofs:    []string{"product_id"},
			Tags:      []string{"commerce", "write"},
		},
		{
			Name:        "commerce.discount.create",
			Version:     "1.0.0",
			Description: "Create a percentage discount code",
			Connector:   "commerce",
			Action:      "create_discount_code",
			Inputs: []models.InputSpec{
				{Key: "code", Type: models.InputString, Required: true},
				{Key: "percent_off", Type: models.InputNumber, Required: true},
			},
			SLA:       models.SLA{P50Ms: 1400, P99Ms: 9000},
			CostModel: models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.002},
			Proofs:    []string{"discount_code", "price_rule_id"},
			Tags:      []string{"commerce", "write"},
		},
		{
			Name:        "payment.link.create",
			Version:     "1.0.0",
			Description: "Create a hosted payment link",
			Connector:   "payment",
			Action:      "create_payment_link",
			Inputs: []models.InputSpec{
				{Key: "amount_usd", Type: models.InputNumber, Required: true},
				{Key: "product_name", Type: models.InputString, Required: true},
			},
			SLA:       models.SLA{P50Ms: 600, P99Ms: 4000},
			CostModel: models.CostModel{Type: models.CostPercentage, UnitCostUSD: 0.029},
			Proofs:    []string{"payment_link_id", "payment_link_url"},
			Tags:      []string{"payment", "write"},
		},
		{
			Name:        "payment.invoice.create",
			Version:     "1.0.0",
			Description: "Issue an invoice to a customer",
			Connector:   "payment",
			Action:      "create_invoice",
			Inputs: []models.InputSpec{
				{Key: "customer_id", Type: models.InputString, Required: true},
				{Key: "amount_usd", Type: models.InputNumber, Required: true},
				{Key: "description", Type: models.InputString},
			},
			SLA:       models.SLA{P50Ms: 900, P99Ms: 6000},
			CostModel: models.CostModel{Type: models.CostPercentage, UnitCostUSD: 0.029},
			Proofs:    []string{"invoice_id"},
			Tags:      []string{"payment", "write"},
		},
		{
			Name:        "browser.form.fill",
			Version:     "1.0.0",
			Description: "Fill and submit a web form via headless browser",
			Connector:   "browser",
			Action:      "fill_form",
			Inputs: []models.InputSpec{
				{Key: "url", Type: models.InputString, Required: true},
				{Key: "fields", Type: models.InputObject, Required: true},
				{Key: "submit_selector", Type: models.InputString},
			},
			SLA:         models.SLA{P50Ms: 8000, P99Ms: 45000},
			CostModel:   models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.02},
			Proofs:      []string{"final_url", "page_hash"},
			RetryPolicy: models.RetryPolicy{MaxRetries: 1, BackoffMs: 5000},
			Tags:        []string{"browser", "write"},
		},
		{
			Name:        "browser.page.scrape",
			Version:     "1.0.0",
			Description: "Scrape page content via headless browser",
			Connector:   "browser",
			Action:      "scrape_page",
			Inputs: []models.InputSpec{
				{Key: "url", Type: models.InputString, Required: true},
				{Key: "selector", Type: models.InputString},
			},
			SLA:       models.SLA{P50Ms: 6000, P99Ms: 30000},
			CostModel: models.CostModel{Type: models.CostPerCall, UnitCostUSD: 0.02},
			Proofs:    []string{"final_url", "page_hash"},
			Tags:      []string{"browser", "read"},
		},
	}
}
