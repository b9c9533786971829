// Package server provides the public entry point for initializing the
// Loom fabric server.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the full fabric and wrap its handler:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/api"
	"github.com/loomworks/loom/internal/api/handlers"
	"github.com/loomworks/loom/internal/catalog"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/connector"
	"github.com/loomworks/loom/internal/deliverer"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/telemetry"
	"github.com/loomworks/loom/pkg/contracts"
)

// Server holds the initialized Loom fabric.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store backing executions, approvals and the
	// idempotency cache.
	Store store.Store

	// Registry holds the wired connectors.
	Registry *registry.Registry

	// Catalog holds the loaded protocol descriptors.
	Catalog *catalog.Catalog

	// Pipeline drives opportunity executions. Shutdown cancels its
	// background monitors.
	Pipeline *pipeline.Pipeline

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all fabric components from the environment and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the fabric with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New()
	RegisterConnectors(reg, cfg.Connectors)

	cat := catalog.New()
	cat.LoadBuiltins()
	if cfg.DescriptorDir != "" {
		n, err := cat.LoadDir(cfg.DescriptorDir)
		if err != nil {
			return nil, fmt.Errorf("load descriptor dir: %w", err)
		}
		log.Info().Int("count", n).Str("dir", cfg.DescriptorDir).Msg("📇 Descriptor files loaded")
	}

	rt := runtime.New(reg, dataStore)

	pl := pipeline.New(dataStore, deliverer.NewHTTP(cfg.Deliverer), &deliverer.BudgetScorer{}, pipeline.Config{
		ScoreThreshold: cfg.Pipeline.ScoreThreshold,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		AutoApprove:    cfg.Pipeline.AutoApprove,
		PollInterval:   cfg.Pipeline.PollInterval(),
	})

	log.Info().Int("connectors", len(reg.All())).Int("descriptors", cat.Count()).Msg("✅ Fabric initialized")

	h := handlers.New(dataStore, reg, cat, rt, pl)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Registry:     reg,
		Catalog:      cat,
		Pipeline:     pl,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ SQLite store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// RegisterConnectors wires every built-in connector. Connectors with
// missing credentials still register; they show up unhealthy and the
// registry routes around them.
func RegisterConnectors(reg *registry.Registry, cfg config.ConnectorsConfig) {
	timeout := 30 * time.Second

	for _, c := range []contracts.Connector{
		connector.NewHTTPConnector(connector.HTTPConfig{
			BearerToken: cfg.HTTPBearerToken,
			Timeout:     timeout,
		}),
		connector.NewWebhookConnector(connector.WebhookConfig{
			Secret:  cfg.WebhookSecret,
			Timeout: timeout,
		}),
		connector.NewEmailConnector(connector.EmailConfig{
			APIKey:  cfg.EmailAPIKey,
			From:    cfg.EmailFrom,
			Timeout: timeout,
		}),
		connector.NewSMSConnector(connector.SMSConfig{
			AccountSID: cfg.SMSAccountSID,
			AuthToken:  cfg.SMSAuthToken,
			FromNumber: cfg.SMSFromNumber,
			Timeout:    timeout,
		}),
		connector.NewChatConnector(connector.ChatConfig{
			BotToken:       cfg.ChatBotToken,
			DefaultChannel: cfg.ChatDefaultChannel,
			Timeout:        timeout,
		}),
		connector.NewStorageConnector(connector.StorageConfig{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.StorageUseSSL,
		}),
		connector.NewCommerceConnector(connector.CommerceConfig{
			ShopDomain:  cfg.CommerceShopDomain,
			AccessToken: cfg.CommerceAccessToken,
			Timeout:     timeout,
		}),
		connector.NewPaymentConnector(connector.PaymentConfig{
			SecretKey: cfg.PaymentSecretKey,
			Timeout:   timeout,
		}),
		connector.NewBrowserConnector(connector.BrowserConfig{
			Endpoint: cfg.BrowserEndpoint,
			Token:    cfg.BrowserToken,
		}),
	} {
		reg.Register(c)
	}
}
