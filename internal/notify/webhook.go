// SPDX-License-Identifier: Apache-2.0

// Package notify delivers terminal pipeline events to an HTTP webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/pipeline-runtime/internal/domain"
	"github.com/adiadia/pipeline-runtime/internal/metrics"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookTimeout       = 30 * time.Second
	webhookHeaderSig     = "X-Signature"
)

type terminalWebhookPayload struct {
	PipelineID uuid.UUID             `json:"pipeline_id"`
	Name       string                `json:"name"`
	Status     domain.PipelineStatus `json:"status"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Webhook posts a signed payload when a pipeline completes or is cancelled.
// Deliveries run in the background and never affect the engine result.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration
	wg         sync.WaitGroup
}

func NewWebhook(url, secret string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:        strings.TrimSpace(url),
		secret:     secret,
		httpClient: client,
		logger:     logger,
		retryBase:  webhookRetryBase,
	}
}

// PipelineFinished schedules delivery for s. The caller's cancellation does
// not abort the delivery.
func (w *Webhook) PipelineFinished(ctx context.Context, s domain.PipelineSummary) {
	if w == nil || w.url == "" {
		return
	}

	payload := terminalWebhookPayload{
		PipelineID: s.ID,
		Name:       s.Name,
		Status:     s.Status,
		FinishedAt: s.UpdatedAt,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookTimeout)
		defer cancel()
		w.deliver(dctx, payload)
	}()
}

// Wait blocks until scheduled deliveries finish.
func (w *Webhook) Wait() {
	w.wg.Wait()
}

func (w *Webhook) deliver(ctx context.Context, payload terminalWebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("webhook payload marshal failed",
			"pipeline_id", payload.PipelineID,
			"status", payload.Status,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			w.logger.Error("webhook request build failed",
				"pipeline_id", payload.PipelineID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"pipeline_id", payload.PipelineID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook success",
					"pipeline_id", payload.PipelineID,
					"status", payload.Status,
					"attempt", attempt,
				)
				metrics.IncWebhookDelivery("success")
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"pipeline_id", payload.PipelineID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := w.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Warn("webhook canceled before retry",
					"pipeline_id", payload.PipelineID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				metrics.IncWebhookDelivery("canceled")
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		w.logger.Error("webhook retries exhausted",
			"pipeline_id", payload.PipelineID,
			"status", payload.Status,
			"error", lastErr,
		)
		metrics.IncWebhookDelivery("failure")
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
