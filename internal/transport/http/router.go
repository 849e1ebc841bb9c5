// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adiadia/pipeline-runtime/internal/domain"
	"github.com/adiadia/pipeline-runtime/internal/metrics"
)

const healthCheckTimeout = 2 * time.Second

type createPipelineRequest struct {
	TemplateName string         `json:"template_name"`
	PipelineName string         `json:"pipeline_name"`
	State        map[string]any `json:"state"`
}

type updateStateRequest struct {
	State map[string]any `json:"state"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type completeStepRequest struct {
	StepName string `json:"step_name"`
	Result   any    `json:"result"`
}

type failStepRequest struct {
	StepName string `json:"step_name"`
	Reason   string `json:"reason"`
}

type Deps struct {
	Pipelines PipelineService
	Health    HealthChecker
	// MCP, when set, is mounted under /mcp.
	MCP       http.Handler
	Logger    *slog.Logger
	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	svc := deps.Pipelines

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	if deps.MCP != nil {
		r.Mount("/mcp", deps.MCP)
	}

	// ---------------- TEMPLATES ----------------

	r.Get("/templates", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"templates": svc.Templates(),
		})
	})

	r.Get("/templates/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := pathParam(r, "name")
		tmpl, err := svc.Template(name)
		if err != nil {
			writeError(w, logger, "get template", name, err)
			return
		}
		writeJSON(w, http.StatusOK, tmpl)
	})

	// ---------------- PIPELINES ----------------

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req createPipelineRequest
			if err := decodeJSON(r, &req, false); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			req.TemplateName = strings.TrimSpace(req.TemplateName)
			if req.TemplateName == "" {
				http.Error(w, "template_name is required", http.StatusBadRequest)
				return
			}

			p, err := svc.Create(r.Context(), req.TemplateName, req.PipelineName, req.State)
			if err != nil {
				writeError(w, logger, "create pipeline", req.PipelineName, err)
				return
			}

			logger.Info("pipeline created via API", "pipeline_id", p.ID, "template", p.TemplateName)
			writeJSON(w, http.StatusCreated, p)
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			filter, err := parseFilter(r.URL.Query())
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			summaries, err := svc.List(r.Context(), filter)
			if err != nil {
				writeError(w, logger, "list pipelines", "", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"pipelines": summaries,
			})
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				p, err := svc.Get(r.Context(), ident)
				if err != nil {
					writeError(w, logger, "get pipeline", ident, err)
					return
				}
				writeJSON(w, http.StatusOK, p)
			})

			r.Post("/launch", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				res, err := svc.Launch(r.Context(), ident)
				if err != nil {
					writeError(w, logger, "launch pipeline", ident, err)
					return
				}
				writeJSON(w, http.StatusOK, res)
			})

			r.Patch("/state", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				var req updateStateRequest
				if err := decodeJSON(r, &req, false); err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				p, err := svc.UpdateState(r.Context(), ident, req.State)
				if err != nil {
					writeError(w, logger, "update state", ident, err)
					return
				}
				writeJSON(w, http.StatusOK, p)
			})

			r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				var req cancelRequest
				if err := decodeJSON(r, &req, true); err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				p, err := svc.Cancel(r.Context(), ident, strings.TrimSpace(req.Reason))
				if err != nil {
					writeError(w, logger, "cancel pipeline", ident, err)
					return
				}

				logger.Info("pipeline cancelled via API", "pipeline_id", p.ID)
				writeJSON(w, http.StatusOK, p)
			})

			r.Get("/execution", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				res, err := svc.Advance(r.Context(), ident, strings.TrimSpace(r.URL.Query().Get("step")))
				if err != nil {
					writeError(w, logger, "advance pipeline", ident, err)
					return
				}
				writeJSON(w, http.StatusOK, res)
			})

			r.Post("/steps/complete", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				var req completeStepRequest
				if err := decodeJSON(r, &req, true); err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				res, err := svc.CompleteStep(r.Context(), ident, strings.TrimSpace(req.StepName), req.Result)
				if err != nil {
					writeError(w, logger, "complete step", ident, err)
					return
				}
				writeJSON(w, http.StatusOK, res)
			})

			r.Post("/steps/fail", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				var req failStepRequest
				if err := decodeJSON(r, &req, false); err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}
				if strings.TrimSpace(req.Reason) == "" {
					http.Error(w, "reason is required", http.StatusBadRequest)
					return
				}

				res, err := svc.FailStep(r.Context(), ident, strings.TrimSpace(req.StepName), req.Reason)
				if err != nil {
					writeError(w, logger, "fail step", ident, err)
					return
				}
				writeJSON(w, http.StatusOK, res)
			})

			r.Get("/logs", func(w http.ResponseWriter, r *http.Request) {
				ident := pathParam(r, "id")
				entries, err := svc.Logs(r.Context(), ident)
				if err != nil {
					writeError(w, logger, "get logs", ident, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"logs": entries,
				})
			})
		})
	})

	return r
}

// StatusFor maps an engine error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrTemplateNotFound),
		errors.Is(err, domain.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrConditionNotMet),
		errors.Is(err, domain.ErrStoreConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, op, ident string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", "pipeline", ident, "error", err)
		http.Error(w, "failed to "+op, status)
		return
	}
	logger.Warn(op+" rejected", "pipeline", ident, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads exactly one JSON object into dst. An empty body is
// accepted only when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

func parseFilter(q url.Values) (domain.PipelineFilter, error) {
	var f domain.PipelineFilter
	if v := strings.TrimSpace(q.Get("id")); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("invalid id filter")
		}
		f.ID = &id
	}
	if v := strings.TrimSpace(q.Get("name")); v != "" {
		f.Name = &v
	}
	if v := strings.TrimSpace(q.Get("template_name")); v != "" {
		f.TemplateName = &v
	}
	if v := strings.TrimSpace(q.Get("description")); v != "" {
		f.Description = &v
	}
	if v := strings.TrimSpace(q.Get("is_cancelled")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("invalid is_cancelled filter")
		}
		f.IsCancelled = &b
	}
	return f, nil
}

func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
