// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adiadia/pipeline-runtime/internal/app"
	"github.com/adiadia/pipeline-runtime/internal/config"
	"github.com/adiadia/pipeline-runtime/internal/logging"
	pipelinemcp "github.com/adiadia/pipeline-runtime/internal/mcp"
	httptransport "github.com/adiadia/pipeline-runtime/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.New(logging.Options{Env: cfg.Env, Level: cfg.LogLevel})

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	deps := httptransport.Deps{
		Pipelines: rt.Engine,
		Logger:    logger,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}
	if rt.Health != nil {
		deps.Health = rt.Health
	}
	if cfg.MCPHTTP {
		deps.MCP = pipelinemcp.NewSSEHandler(pipelinemcp.NewServer(rt.Engine, logger, Version), "/mcp")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"store", cfg.StoreBackend,
			"mcp_http", cfg.MCPHTTP,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		rt.Close()
		os.Exit(1)
	}
}
