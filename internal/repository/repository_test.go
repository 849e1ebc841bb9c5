// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

func TestNewPipelineRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewPipelineRepository(pool, logger)
	if repo == nil {
		t.Fatal("expected pipeline repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}

	if NewPipelineRepository(nil, nil).logger == nil {
		t.Fatal("expected default logger")
	}
}

func TestDecodeDocument(t *testing.T) {
	p, err := decodeDocument([]byte(`{
		"id": "6f1d8b8e-8d63-4f0e-9d55-3f3b6f1f2a10",
		"name": "p",
		"template_name": "t",
		"status": "RUNNING",
		"state": {"n": 1, "big": 9007199254740993, "ratio": 0.5},
		"steps": [{"name": "a", "kind": "manual", "status": "RUNNING", "started_at": "2026-01-01T00:00:00Z"}],
		"log": [],
		"created_at": "2026-01-01T00:00:00Z",
		"updated_at": "2026-01-01T00:00:01Z"
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != domain.PipelineRunning || p.Steps[0].Kind != domain.StepManual {
		t.Fatalf("unexpected pipeline %+v", p)
	}
	if p.State["n"] != int64(1) || p.State["big"] != int64(9007199254740993) || p.State["ratio"] != 0.5 {
		t.Fatalf("numbers not decoded exactly: %#v", p.State)
	}
	if !p.Steps[0].StartedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected started_at %v", p.Steps[0].StartedAt)
	}

	if _, err := decodeDocument([]byte(`{"steps": "nope"}`)); err == nil {
		t.Fatal("expected decode error")
	}
}
