// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newCapturingLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return line
}

func TestRequestLoggingIncludesPipelineAndRoute(t *testing.T) {
	logger, buf := newCapturingLogger()

	var gotRequestID string
	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Route("/pipelines/{id}", func(r chi.Router) {
		r.Post("/launch", func(w http.ResponseWriter, r *http.Request) {
			reqID, ok := requestIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected request_id in context")
			}
			gotRequestID = reqID
			w.WriteHeader(http.StatusAccepted)
		})
	})

	req := httptest.NewRequest(http.MethodPost, "/pipelines/refund-42/launch", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rec.Code)
	}
	if got := rec.Header().Get(headerRequestID); got == "" || got != gotRequestID {
		t.Fatalf("expected X-Request-Id %q to match context %q", got, gotRequestID)
	}

	line := decodeLogLine(t, buf)
	if line["msg"] != "request completed" {
		t.Fatalf("unexpected message %v", line["msg"])
	}
	if line["pipeline"] != "refund-42" {
		t.Fatalf("expected pipeline refund-42 got %v", line["pipeline"])
	}
	if line["route"] != "/pipelines/{id}/launch" {
		t.Fatalf("expected route pattern got %v", line["route"])
	}
	if line["status"] != float64(http.StatusAccepted) {
		t.Fatalf("expected logged status 202 got %v", line["status"])
	}
	if line["request_id"] != gotRequestID {
		t.Fatalf("expected logged request_id %q got %v", gotRequestID, line["request_id"])
	}
}

func TestRequestLoggingOmitsPipelineOutsidePipelineRoutes(t *testing.T) {
	logger, buf := newCapturingLogger()

	r := chi.NewRouter()
	r.Use(requestLoggingMiddleware(logger))
	r.Get("/templates", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/templates", nil))

	line := decodeLogLine(t, buf)
	if _, ok := line["pipeline"]; ok {
		t.Fatalf("unexpected pipeline attribute %v", line["pipeline"])
	}
	if line["route"] != "/templates" {
		t.Fatalf("expected route /templates got %v", line["route"])
	}
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID, _ := requestIDFromContext(r.Context()); reqID != "caller-7" {
			t.Fatalf("expected request_id caller-7 got %q", reqID)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	req.Header.Set(headerRequestID, "  caller-7 ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(headerRequestID); got != "caller-7" {
		t.Fatalf("expected X-Request-Id caller-7 got %q", got)
	}
}
