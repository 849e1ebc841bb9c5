// SPDX-License-Identifier: Apache-2.0

// Package app assembles the engine and its collaborators from configuration.
// It is shared by the API and MCP binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adiadia/pipeline-runtime/internal/config"
	"github.com/adiadia/pipeline-runtime/internal/engine"
	"github.com/adiadia/pipeline-runtime/internal/executors"
	"github.com/adiadia/pipeline-runtime/internal/notify"
	"github.com/adiadia/pipeline-runtime/internal/persistence/postgres"
	"github.com/adiadia/pipeline-runtime/internal/repository"
	"github.com/adiadia/pipeline-runtime/internal/store/memory"
	"github.com/adiadia/pipeline-runtime/internal/templates"
)

// Runtime is a ready-to-serve engine plus what the transports need around it.
type Runtime struct {
	Engine *engine.Engine
	// Health is nil for the memory backend.
	Health  *postgres.SchemaHealthChecker
	webhook *notify.Webhook
	logger  *slog.Logger
}

// New opens the configured store, loads templates and builds the engine.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := templates.Load(templates.NewLoader(cfg.WorkflowsDir, logger))
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	if registry.Len() == 0 {
		logger.Warn("no workflow templates available", "dir", cfg.WorkflowsDir)
	}

	rt := &Runtime{logger: logger}

	var store engine.Store
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, fmt.Errorf("db connect failed: %w", err)
		}
		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, fmt.Errorf("ensure schema: %w", err)
			}
		}
		rt.Health = postgres.NewSchemaHealthChecker(pool)
		store = repository.NewPipelineRepository(pool, logger)
	default:
		store = memory.New()
	}
	logger.Info("pipeline store ready", "backend", cfg.StoreBackend)

	deps := engine.Deps{
		Store:     store,
		Templates: registry,
		Logger:    logger,
	}
	urls, err := cfg.ActionServerURLs()
	if err != nil {
		store.Close()
		return nil, err
	}
	if len(urls) > 0 {
		deps.Executors = make(map[string]engine.ActionExecutor, len(urls))
		client := &http.Client{Timeout: 30 * time.Second}
		for server, baseURL := range urls {
			deps.Executors[server] = executors.NewHTTPExecutor(baseURL, client, logger)
			logger.Info("action executor registered", "server", server, "url", baseURL)
		}
	}
	if cfg.WebhookURL != "" {
		rt.webhook = notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, &http.Client{Timeout: 10 * time.Second}, logger)
		deps.Notifier = rt.webhook
	}

	eng, err := engine.New(deps)
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.Engine = eng
	return rt, nil
}

// Close waits for pending webhook deliveries and releases the store.
func (r *Runtime) Close() {
	if r.webhook != nil {
		r.webhook.Wait()
	}
	r.Engine.Close()
}
