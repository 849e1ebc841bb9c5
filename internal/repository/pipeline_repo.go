// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

const pgUniqueViolation = "23505"

// PipelineRepository stores each pipeline as a JSONB document next to the
// columns used for lookup and filtering.
type PipelineRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPipelineRepository(pool *pgxpool.Pool, logger *slog.Logger) *PipelineRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *PipelineRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	p, err := r.queryOne(ctx, `SELECT document FROM pipelines WHERE id=$1`, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Error("get pipeline failed", "pipeline_id", id, "error", err)
		}
		return nil, err
	}
	return p, nil
}

func (r *PipelineRepository) GetByName(ctx context.Context, name string) (*domain.Pipeline, error) {
	p, err := r.queryOne(ctx, `SELECT document FROM pipelines WHERE name=$1`, name)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Error("get pipeline by name failed", "name", name, "error", err)
		}
		return nil, err
	}
	return p, nil
}

// GetByDescription returns the oldest pipeline whose description contains
// substr, case-insensitively.
func (r *PipelineRepository) GetByDescription(ctx context.Context, substr string) (*domain.Pipeline, error) {
	if substr == "" {
		return nil, fmt.Errorf("%w: empty description", domain.ErrNotFound)
	}
	p, err := r.queryOne(ctx, `
		SELECT document FROM pipelines
		WHERE strpos(lower(description), lower($1)) > 0
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, substr)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Error("get pipeline by description failed", "error", err)
		}
		return nil, err
	}
	return p, nil
}

func (r *PipelineRepository) List(ctx context.Context, filter domain.PipelineFilter) ([]*domain.Pipeline, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ID != nil {
		add("id = $%d", *filter.ID)
	}
	if filter.Name != nil {
		add("name = $%d", *filter.Name)
	}
	if filter.TemplateName != nil {
		add("template_name = $%d", *filter.TemplateName)
	}
	if filter.Description != nil {
		add("strpos(lower(description), lower($%d)) > 0", *filter.Description)
	}
	if filter.IsCancelled != nil {
		add("is_cancelled = $%d", *filter.IsCancelled)
	}

	query := `SELECT document FROM pipelines`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("list pipelines failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Pipeline, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			r.logger.Error("scan pipeline failed", "error", err)
			return nil, err
		}
		p, err := decodeDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("iterate pipelines failed", "error", err)
		return nil, err
	}
	return out, nil
}

// Save upserts p by id. A name already used by another pipeline maps to
// domain.ErrStoreConflict.
func (r *PipelineRepository) Save(ctx context.Context, p *domain.Pipeline) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO pipelines (
			id, name, template_name, description, status, is_cancelled,
			document, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			template_name = EXCLUDED.template_name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			is_cancelled = EXCLUDED.is_cancelled,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`,
		p.ID,
		p.Name,
		p.TemplateName,
		p.Description,
		string(p.Status),
		p.IsCancelled,
		doc,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: pipeline name %q already exists", domain.ErrStoreConflict, p.Name)
		}
		r.logger.Error("save pipeline failed", "pipeline_id", p.ID, "error", err)
		return err
	}
	return nil
}

func (r *PipelineRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

func (r *PipelineRepository) queryOne(ctx context.Context, query string, arg any) (*domain.Pipeline, error) {
	var doc []byte
	if err := r.pool.QueryRow(ctx, query, arg).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: pipeline %v", domain.ErrNotFound, arg)
		}
		return nil, err
	}
	return decodeDocument(doc)
}

func decodeDocument(doc []byte) (*domain.Pipeline, error) {
	p, err := domain.DecodePipeline(doc)
	if err != nil {
		return nil, fmt.Errorf("pipeline document: %w", err)
	}
	return p, nil
}
