// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/tapgrid/tapgrid/internal/scenario"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrUnknownTemplate = errors.New("unknown template")
)

// GraphSource decodes stored scenarios into executable graphs. Graphs
// are validated on the way out so a corrupt record fails at resolution
// time, not mid-run.
type GraphSource struct {
	Repo ScenarioRepo
}

func (s *GraphSource) Scenario(ctx context.Context, id string) (*scenario.Graph, error) {
	rec, err := s.Repo.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("scenario %q: %w", id, ErrUnknownScenario)
	}
	g, err := scenario.Decode(rec.Graph)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", id, err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", id, err)
	}
	return g, nil
}

// TemplateSource exposes a TemplateRepo as raw bytes for image-match
// steps.
type TemplateSource struct {
	Repo TemplateRepo
}

func (s *TemplateSource) Template(ctx context.Context, id string) ([]byte, error) {
	t, err := s.Repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("template %q: %w", id, ErrUnknownTemplate)
	}
	return t.Data, nil
}
