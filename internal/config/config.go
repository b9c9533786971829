package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Loom server.
type Config struct {
	Port    int
	Version string

	Store      StoreConfig
	Pipeline   PipelineConfig
	Deliverer  DelivererConfig
	Telemetry  TelemetryConfig
	Connectors ConnectorsConfig

	// DescriptorDir holds deployment-specific descriptor files loaded
	// at startup in addition to the builtins.
	DescriptorDir string
}

type StoreConfig struct {
	// Backend selects the store implementation: "memory" or "sqlite".
	Backend string
	DataDir string
}

type PipelineConfig struct {
	ScoreThreshold  float64
	MaxAttempts     int
	AutoApprove     bool
	PollIntervalSec int
}

// DelivererConfig points the pipeline at the platform delivery service.
type DelivererConfig struct {
	Endpoint   string
	Token      string
	TimeoutSec int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// ConnectorsConfig carries credentials for the built-in connectors.
// Empty credentials leave a connector registered but unhealthy.
type ConnectorsConfig struct {
	HTTPBearerToken string

	WebhookSecret string

	EmailAPIKey string
	EmailFrom   string

	SMSAccountSID string
	SMSAuthToken  string
	SMSFromNumber string

	ChatBotToken       string
	ChatDefaultChannel string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool

	CommerceShopDomain  string
	CommerceAccessToken string

	PaymentSecretKey string

	BrowserEndpoint string
	BrowserToken    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:          envInt("LOOM_PORT", 8080),
		Version:       envStr("LOOM_VERSION", "0.2.0"),
		DescriptorDir: envStr("LOOM_DESCRIPTOR_DIR", ""),
		Store: StoreConfig{
			Backend: envStr("LOOM_STORE_BACKEND", "memory"),
			DataDir: envStr("LOOM_DATA_DIR", ""),
		},
		Pipeline: PipelineConfig{
			ScoreThreshold:  envFloat("LOOM_SCORE_THRESHOLD", 0.5),
			MaxAttempts:     envInt("LOOM_MAX_ATTEMPTS", 3),
			AutoApprove:     envBool("LOOM_AUTO_APPROVE", false),
			PollIntervalSec: envInt("LOOM_POLL_INTERVAL_SEC", 30),
		},
		Deliverer: DelivererConfig{
			Endpoint:   envStr("LOOM_DELIVERER_ENDPOINT", "http://localhost:9090"),
			Token:      envStr("LOOM_DELIVERER_TOKEN", ""),
			TimeoutSec: envInt("LOOM_DELIVERER_TIMEOUT_SEC", 60),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "loom"),
		},
		Connectors: ConnectorsConfig{
			HTTPBearerToken: envStr("LOOM_HTTP_BEARER_TOKEN", ""),

			WebhookSecret: envStr("LOOM_WEBHOOK_SECRET", ""),

			EmailAPIKey: envStr("LOOM_EMAIL_API_KEY", ""),
			EmailFrom:   envStr("LOOM_EMAIL_FROM", ""),

			SMSAccountSID: envStr("LOOM_SMS_ACCOUNT_SID", ""),
			SMSAuthToken:  envStr("LOOM_SMS_AUTH_TOKEN", ""),
			SMSFromNumber: envStr("LOOM_SMS_FROM_NUMBER", ""),

			ChatBotToken:       envStr("LOOM_CHAT_BOT_TOKEN", ""),
			ChatDefaultChannel: envStr("LOOM_CHAT_DEFAULT_CHANNEL", ""),

			StorageEndpoint:  envStr("LOOM_STORAGE_ENDPOINT", ""),
			StorageAccessKey: envStr("LOOM_STORAGE_ACCESS_KEY", ""),
			StorageSecretKey: envStr("LOOM_STORAGE_SECRET_KEY", ""),
			StorageBucket:    envStr("LOOM_STORAGE_BUCKET", "loom"),
			StorageUseSSL:    envBool("LOOM_STORAGE_USE_SSL", true),

			CommerceShopDomain:  envStr("LOOM_COMMERCE_SHOP_DOMAIN", ""),
			CommerceAccessToken: envStr("LOOM_COMMERCE_ACCESS_TOKEN", ""),

			PaymentSecretKey: envStr("LOOM_PAYMENT_SECRET_KEY", ""),

			BrowserEndpoint: envStr("LOOM_BROWSER_ENDPOINT", ""),
			BrowserToken:    envStr("LOOM_BROWSER_TOKEN", ""),
		},
	}
}

// PollInterval returns the monitor cadence as a duration.
func (c PipelineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
