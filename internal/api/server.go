// SPDX-License-Identifier: MIT

// Package api is the HTTP surface: chi router, JSON command endpoints
// and the websocket event stream. Auth is out of scope; the X-User
// header names the requester and scopes cancel/force-complete.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/bus"
	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/orchestrator"
	"github.com/tapgrid/tapgrid/internal/schedule"
	"github.com/tapgrid/tapgrid/internal/session"
	"github.com/tapgrid/tapgrid/internal/store"
	"github.com/tapgrid/tapgrid/internal/tracing"
)

// Queue is the orchestrator command surface the API forwards to.
type Queue interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResponse, error)
	Cancel(ctx context.Context, queueID, caller string) error
	ForceComplete(ctx context.Context, executionID, caller string) error
	QueueStatus(ctx context.Context) (orchestrator.QueueStatus, error)
	DeviceStatuses(ctx context.Context, userName string) ([]orchestrator.DeviceStatus, error)
}

// Sessions is the session-manager slice exposed over HTTP.
type Sessions interface {
	Ensure(ctx context.Context, id device.ID) (*session.Session, error)
	Destroy(ctx context.Context, id device.ID) error
	List() []session.Session
}

// Devices is the registry slice exposed over HTTP.
type Devices interface {
	All() []device.Info
	SetAlias(id device.ID, alias string) error
	SetRole(id device.ID, role string) error
}

// Schedules is the schedule-manager surface exposed over HTTP.
type Schedules interface {
	Add(s schedule.Schedule) (schedule.Schedule, error)
	Update(s schedule.Schedule) (schedule.Schedule, error)
	Remove(id string) error
	Get(id string) (schedule.Schedule, error)
	List() []schedule.Schedule
	RunNow(ctx context.Context, id string) (orchestrator.SubmitResponse, error)
}

// Options tune the HTTP surface.
type Options struct {
	// RateLimit caps mutating requests per user per minute.
	RateLimit int
	// ServiceName labels traces.
	ServiceName string
}

// Server bundles the handler dependencies.
type Server struct {
	queue     Queue
	sessions  Sessions
	devices   Devices
	schedules Schedules
	catalog   store.Catalog
	reports   store.ReportRepo
	bus       *bus.Bus
	opt       Options
	logger    zerolog.Logger
}

func NewServer(queue Queue, sessions Sessions, devices Devices, schedules Schedules, catalog store.Catalog, reports store.ReportRepo, eb *bus.Bus, opt Options) *Server {
	if opt.RateLimit <= 0 {
		opt.RateLimit = 60
	}
	if opt.ServiceName == "" {
		opt.ServiceName = "tapgridd"
	}
	return &Server{
		queue:     queue,
		sessions:  sessions,
		devices:   devices,
		schedules: schedules,
		catalog:   catalog,
		reports:   reports,
		bus:       eb,
		opt:       opt,
		logger:    log.WithComponent("api"),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(tracing.Middleware(s.opt.ServiceName))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)

	// Mutating routes are rate limited per user; readers are not.
	limit := httprate.Limit(
		s.opt.RateLimit,
		time.Minute,
		httprate.WithKeyFuncs(keyByUser),
	)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleQueueStatus)
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/status", s.handleDeviceStatuses)
		r.Get("/sessions", s.handleSessionList)
		r.Get("/scenarios", s.handleScenarioList)
		r.Get("/scenarios/{scenarioID}", s.handleScenarioGet)
		r.Get("/packages", s.handlePackageList)
		r.Get("/categories", s.handleCategoryList)
		r.Get("/templates", s.handleTemplateList)
		r.Get("/templates/{templateID}", s.handleTemplateGet)
		r.Get("/reports", s.handleReportList)
		r.Get("/reports/{reportID}", s.handleReportGet)
		r.Get("/schedules", s.handleScheduleList)
		r.Get("/schedules/{scheduleID}", s.handleScheduleGet)

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Post("/tests", s.handleSubmit)
			r.Delete("/tests/{queueID}", s.handleCancel)
			r.Post("/executions/{executionID}/force-complete", s.handleForceComplete)
			r.Put("/sessions/{deviceID}", s.handleSessionEnsure)
			r.Delete("/sessions/{deviceID}", s.handleSessionDestroy)
			r.Put("/devices/{deviceID}/alias", s.handleSetAlias)
			r.Put("/devices/{deviceID}/role", s.handleSetRole)
			r.Post("/scenarios", s.handleScenarioPut)
			r.Put("/scenarios/{scenarioID}", s.handleScenarioPut)
			r.Delete("/scenarios/{scenarioID}", s.handleScenarioDelete)
			r.Post("/packages", s.handlePackagePut)
			r.Delete("/packages/{packageID}", s.handlePackageDelete)
			r.Post("/categories", s.handleCategoryPut)
			r.Delete("/categories/{categoryID}", s.handleCategoryDelete)
			r.Put("/templates/{templateID}", s.handleTemplatePut)
			r.Delete("/templates/{templateID}", s.handleTemplateDelete)
			r.Post("/schedules", s.handleScheduleAdd)
			r.Put("/schedules/{scheduleID}", s.handleScheduleUpdate)
			r.Delete("/schedules/{scheduleID}", s.handleScheduleDelete)
			r.Post("/schedules/{scheduleID}/run", s.handleScheduleRun)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userName resolves the caller. The header is the whole identity story
// here; empty means anonymous reads but no mutations.
func userName(r *http.Request) string {
	return r.Header.Get("X-User")
}

func keyByUser(r *http.Request) (string, error) {
	if u := userName(r); u != "" {
		return u, nil
	}
	return httprate.KeyByIP(r)
}
