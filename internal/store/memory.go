// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tapgrid/tapgrid/internal/report"
)

// Memory keeps everything in maps. Used by tests and by single-node
// setups that do not need the catalog to survive a restart.
type Memory struct {
	mu         sync.RWMutex
	scenarios  map[string]*ScenarioRecord
	packages   map[string]*Package
	categories map[string]*Category
	templates  map[string]*Template
	reports    map[string]*report.TestReport
}

func NewMemory() *Memory {
	return &Memory{
		scenarios:  make(map[string]*ScenarioRecord),
		packages:   make(map[string]*Package),
		categories: make(map[string]*Category),
		templates:  make(map[string]*Template),
		reports:    make(map[string]*report.TestReport),
	}
}

func (m *Memory) PutScenario(_ context.Context, rec *ScenarioRecord) error {
	cp := *rec
	m.mu.Lock()
	m.scenarios[rec.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetScenario(_ context.Context, id string) (*ScenarioRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) DeleteScenario(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.scenarios, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListScenarios(_ context.Context) ([]*ScenarioRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ScenarioRecord, 0, len(m.scenarios))
	for _, rec := range m.scenarios {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutPackage(_ context.Context, p *Package) error {
	cp := *p
	m.mu.Lock()
	m.packages[p.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetPackage(_ context.Context, id string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packages[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) DeletePackage(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.packages, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListPackages(_ context.Context) ([]*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Package, 0, len(m.packages))
	for _, p := range m.packages {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutCategory(_ context.Context, c *Category) error {
	cp := *c
	m.mu.Lock()
	m.categories[c.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCategory(_ context.Context, id string) (*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) DeleteCategory(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.categories, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListCategories(_ context.Context, packageID string) ([]*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Category
	for _, c := range m.categories {
		if packageID != "" && c.PackageID != packageID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PutTemplate(_ context.Context, t *Template) error {
	cp := *t
	cp.Data = append([]byte(nil), t.Data...)
	m.mu.Lock()
	m.templates[t.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	cp.Data = append([]byte(nil), t.Data...)
	return &cp, nil
}

func (m *Memory) DeleteTemplate(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.templates, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListTemplates(_ context.Context) ([]*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Template, 0, len(m.templates))
	for _, t := range m.templates {
		cp := *t
		cp.Data = append([]byte(nil), t.Data...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveReport(_ context.Context, r *report.TestReport) error {
	cp := *r
	m.mu.Lock()
	m.reports[r.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetReport(_ context.Context, id string) (*report.TestReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListReports(_ context.Context, q ReportQuery) ([]report.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []report.Summary
	for _, r := range m.reports {
		if q.Requester != "" && r.Requester != q.Requester {
			continue
		}
		if !q.Since.IsZero() && r.CompletedAt.Before(q.Since) {
			continue
		}
		out = append(out, report.Summarize(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

var (
	_ Catalog    = (*Memory)(nil)
	_ ReportRepo = (*Memory)(nil)
)
