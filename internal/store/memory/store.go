// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process pipeline store. Pipelines are deep-copied
// on the way in and out so callers never share state with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

type Store struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID][]byte
	byName map[string]uuid.UUID
	closed bool
}

func New() *Store {
	return &Store{
		byID:   make(map[uuid.UUID][]byte),
		byName: make(map[string]uuid.UUID),
	}
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %s", domain.ErrNotFound, id)
	}
	return decode(raw)
}

func (s *Store) GetByName(ctx context.Context, name string) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %q", domain.ErrNotFound, name)
	}
	return decode(s.byID[id])
}

// GetByDescription returns the oldest pipeline whose description contains
// substr, case-insensitively.
func (s *Store) GetByDescription(ctx context.Context, substr string) (*domain.Pipeline, error) {
	if substr == "" {
		return nil, fmt.Errorf("%w: empty description", domain.ErrNotFound)
	}
	matches, err := s.List(ctx, domain.PipelineFilter{Description: &substr})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: pipeline matching %q", domain.ErrNotFound, substr)
	}
	return matches[0], nil
}

// List returns matching pipelines ordered by creation time.
func (s *Store) List(ctx context.Context, filter domain.PipelineFilter) ([]*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Pipeline, 0, len(s.byID))
	for _, raw := range s.byID {
		p, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Save upserts p by id. A name held by another pipeline is a conflict.
func (s *Store) Save(ctx context.Context, p *domain.Pipeline) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	if owner, ok := s.byName[p.Name]; ok && owner != p.ID {
		return fmt.Errorf("%w: pipeline name %q already exists", domain.ErrStoreConflict, p.Name)
	}

	if prev, ok := s.byID[p.ID]; ok {
		old, err := decode(prev)
		if err == nil && old.Name != p.Name {
			delete(s.byName, old.Name)
		}
	}
	s.byID[p.ID] = raw
	s.byName[p.Name] = p.ID
	return nil
}

func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func decode(raw []byte) (*domain.Pipeline, error) {
	return domain.DecodePipeline(raw)
}
