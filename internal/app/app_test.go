// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/pipeline-runtime/internal/config"
	"github.com/adiadia/pipeline-runtime/internal/domain"
)

const checklist = `
name: checklist
description: Two step checklist
context:
  owner:
    type: string
    default: ops
steps:
  - id: first
    type: manual
    instructions: First for {owner}
  - id: second
    type: manual
    instructions: Second for {owner}
`

func writeWorkflows(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checklist.yaml"), []byte(checklist), 0o644))
	return dir
}

func TestNewMemoryRuntimeNotifiesWebhook(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.Config{
		HTTPAddr:     ":0",
		StoreBackend: config.StoreMemory,
		WorkflowsDir: writeWorkflows(t),
		WebhookURL:   srv.URL,
	}
	rt, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, rt.Health)

	ctx := context.Background()
	p, err := rt.Engine.Create(ctx, "checklist", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ops", p.State["owner"])

	_, err = rt.Engine.CompleteStep(ctx, p.ID.String(), "", nil)
	require.NoError(t, err)
	res, err := rt.Engine.CompleteStep(ctx, p.ID.String(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineCompleted, res.Pipeline.Status)

	rt.Close()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, time.Second, 10*time.Millisecond)
}

func TestNewWithMissingWorkflowsDir(t *testing.T) {
	cfg := config.Config{
		HTTPAddr:     ":0",
		StoreBackend: config.StoreMemory,
		WorkflowsDir: filepath.Join(t.TempDir(), "absent"),
	}
	rt, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Close()

	assert.Empty(t, rt.Engine.Templates())
}

const refundFlow = `
name: refund
context:
  amount:
    type: number
    default: 25
steps:
  - id: issue
    type: automated
    action:
      server: billing
      tool: issue_refund
      arguments:
        amount: "{amount}"
  - id: notify
    type: manual
    instructions: Tell the customer about {refund_id}
`

func TestNewRegistersActionExecutors(t *testing.T) {
	billing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"refund_id":"r-9"}`))
	}))
	defer billing.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "refund.yaml"), []byte(refundFlow), 0o644))

	cfg := config.Config{
		HTTPAddr:      ":0",
		StoreBackend:  config.StoreMemory,
		WorkflowsDir:  dir,
		ActionServers: "billing=" + billing.URL,
	}
	rt, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	p, err := rt.Engine.Create(ctx, "refund", "r", nil)
	require.NoError(t, err)

	res, err := rt.Engine.Advance(ctx, p.ID.String(), "")
	require.NoError(t, err)
	require.NotNil(t, res.Completion)
	require.NotNil(t, res.Completion.Next)
	assert.Equal(t, "Tell the customer about r-9", res.Completion.Next.Instructions)
}
