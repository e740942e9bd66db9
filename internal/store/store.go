// SPDX-License-Identifier: MIT

// Package store holds the persistence ports and their implementations:
// an in-memory store for tests and single-node setups, badger for the
// scenario catalog, sqlite for report history and an optional redis
// read-through cache for template bytes.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tapgrid/tapgrid/internal/report"
)

// Package groups scenarios belonging to one app under test.
type Package struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	AppID       string    `json:"appId,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Category is a named bucket of scenarios inside a package.
type Category struct {
	ID        string    `json:"id"`
	PackageID string    `json:"packageId"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ScenarioRecord is the stored form of one scenario. Graph keeps the
// wire encoding untouched so unknown editor keys survive round trips.
type ScenarioRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	PackageID   string          `json:"packageId,omitempty"`
	CategoryID  string          `json:"categoryId,omitempty"`
	Graph       json.RawMessage `json:"graph"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Template is one reference image used by image-match steps.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReportQuery filters report history listings.
type ReportQuery struct {
	Requester string
	Since     time.Time
	Limit     int
}

// Get methods return (nil, nil) when the id is unknown; deletes of
// unknown ids are no-ops.

type ScenarioRepo interface {
	PutScenario(ctx context.Context, rec *ScenarioRecord) error
	GetScenario(ctx context.Context, id string) (*ScenarioRecord, error)
	DeleteScenario(ctx context.Context, id string) error
	ListScenarios(ctx context.Context) ([]*ScenarioRecord, error)
}

type PackageRepo interface {
	PutPackage(ctx context.Context, p *Package) error
	GetPackage(ctx context.Context, id string) (*Package, error)
	DeletePackage(ctx context.Context, id string) error
	ListPackages(ctx context.Context) ([]*Package, error)
}

type CategoryRepo interface {
	PutCategory(ctx context.Context, c *Category) error
	GetCategory(ctx context.Context, id string) (*Category, error)
	DeleteCategory(ctx context.Context, id string) error
	ListCategories(ctx context.Context, packageID string) ([]*Category, error)
}

type TemplateRepo interface {
	PutTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]*Template, error)
}

type ReportRepo interface {
	SaveReport(ctx context.Context, r *report.TestReport) error
	GetReport(ctx context.Context, id string) (*report.TestReport, error)
	ListReports(ctx context.Context, q ReportQuery) ([]report.Summary, error)
}

// Catalog is the combined scenario-catalog surface the API serves.
type Catalog interface {
	ScenarioRepo
	PackageRepo
	CategoryRepo
	TemplateRepo
}
