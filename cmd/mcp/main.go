// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	"github.com/adiadia/pipeline-runtime/internal/app"
	"github.com/adiadia/pipeline-runtime/internal/config"
	"github.com/adiadia/pipeline-runtime/internal/logging"
	pipelinemcp "github.com/adiadia/pipeline-runtime/internal/mcp"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol.
	logger := logging.New(logging.Options{Env: cfg.Env, Level: cfg.LogLevel, Output: os.Stderr})

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	s := pipelinemcp.NewServer(rt.Engine, logger, Version)

	logger.Info("mcp server on stdio", "store", cfg.StoreBackend, "version", Version)
	if err := server.ServeStdio(s, server.WithErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))); err != nil {
		logger.Error("mcp server failed", "error", err)
		rt.Close()
		os.Exit(1)
	}
}
