package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// ChatConfig configures the Slack chat connector.
type ChatConfig struct {
	BotToken       string
	DefaultChannel string
	Endpoint       string // override for tests
	Timeout        time.Duration
}

// ChatConnector posts messages into Slack channels via chat.postMessage.
type ChatConnector struct {
	base
	cfg    ChatConfig
	client *http.Client
}

func NewChatConnector(cfg ChatConfig) *ChatConnector {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://slack.com/api/chat.postMessage"
	}
	return &ChatConnector{
		base: newBase(models.ConnectorDescriptor{
			Name:          "chat",
			Version:       "1.0.0",
			Description:   "Slack channel messaging",
			Capabilities:  []string{"post_chat_message"},
			AuthSchemes:   []models.AuthScheme{models.AuthBearer},
			Baseline:      models.PerformanceBaseline{P50Ms: 500, P99Ms: 3000, UnitCostUSD: 0},
			MaxRatePerSec: 1, // chat.postMessage is rate limited to ~1 msg/s per channel
		}),
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
	}
}

func (c *ChatConnector) Health(_ context.Context) models.Health {
	if c.cfg.BotToken == "" {
		return healthConfigError(c.desc.Name, "chat bot token not configured")
	}
	return healthOK(c.desc.Name, time.Now())
}

func (c *ChatConnector) EstimateCost(_ string, _ map[string]any) models.CostEstimate {
	return perCallEstimate(c.desc.Baseline.UnitCostUSD)
}

func (c *ChatConnector) Execute(ctx context.Context, req contracts.ExecuteRequest) (models.CallResult, error) {
	return c.run(ctx, req, c.call)
}

func (c *ChatConnector) call(ctx context.Context, req contracts.ExecuteRequest) models.CallResult {
	if c.cfg.BotToken == "" {
		return models.FailedCall(models.ErrCodeConfig, "chat bot token not configured", false)
	}
	text := strParam(req.Params, "text")
	if text == "" {
		return models.FailedCall(models.ErrCodeValidation, "missing required param: text", false)
	}
	channel := strParam(req.Params, "channel")
	if channel == "" {
		channel = c.cfg.DefaultChannel
	}
	if channel == "" {
		return models.FailedCall(models.ErrCodeValidation, "no channel given and no default configured", false)
	}

	payload := map[string]any{"channel": channel, "text": text}
	if thread := strParam(req.Params, "thread_ts"); thread != "" {
		payload["thread_ts"] = thread
	}

	headers := map[string]string{"Authorization": "Bearer " + c.cfg.BotToken}
	status, decoded, _, err := doJSON(ctx, c.client, http.MethodPost, c.cfg.Endpoint, headers, payload)
	if err != nil {
		code, retryable := classifyErr(err)
		return models.FailedCall(code, err.Error(), retryable)
	}
	if status < 200 || status >= 300 {
		code, retryable := classifyStatus(status)
		return models.FailedCall(code, fmt.Sprintf("slack HTTP %d", status), retryable)
	}

	// Slack reports application errors with HTTP 200 and ok=false.
	if ok, _ := decoded["ok"].(bool); !ok {
		slackErr, _ := decoded["error"].(string)
		retryable := slackErr == "ratelimited"
		code := models.ErrCodePermanent
		if retryable {
			code = models.ErrCodeRateLimited
		}
		return models.FailedCall(code, "slack error: "+slackErr, retryable)
	}

	ts, _ := decoded["ts"].(string)
	return models.CallResult{
		OK:   true,
		Data: map[string]any{"channel": channel, "ts": ts},
		Proofs: []models.Proof{
			c.proof("message_ts", ts),
		},
	}
}

var _ contracts.Connector = (*ChatConnector)(nil)
