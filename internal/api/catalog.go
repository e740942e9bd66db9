// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tapgrid/tapgrid/internal/scenario"
	"github.com/tapgrid/tapgrid/internal/store"
)

// Scenario uploads are validated before they hit the store so a broken
// graph can never be selected for execution.

func (s *Server) handleScenarioPut(w http.ResponseWriter, r *http.Request) {
	var rec store.ScenarioRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, err)
		return
	}
	if id := chi.URLParam(r, "scenarioID"); id != "" {
		rec.ID = id
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = time.Now().UTC()

	g, err := scenario.Decode(rec.Graph)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := g.Validate(); err != nil {
		writeError(w, err)
		return
	}

	if err := s.catalog.PutScenario(r.Context(), &rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleScenarioGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.catalog.GetScenario(r.Context(), chi.URLParam(r, "scenarioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleScenarioList(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ListScenarios(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleScenarioDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteScenario(r.Context(), chi.URLParam(r, "scenarioID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePackagePut(w http.ResponseWriter, r *http.Request) {
	var p store.Package
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, err)
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.catalog.PutPackage(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePackageList(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ListPackages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePackageDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeletePackage(r.Context(), chi.URLParam(r, "packageID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCategoryPut(w http.ResponseWriter, r *http.Request) {
	var c store.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, err)
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.catalog.PutCategory(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCategoryList(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ListCategories(r.Context(), r.URL.Query().Get("packageId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCategoryDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteCategory(r.Context(), chi.URLParam(r, "categoryID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Templates travel as raw image bytes, not JSON.

func (s *Server) handleTemplatePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty template body"})
		return
	}
	t := &store.Template{
		ID:        chi.URLParam(r, "templateID"),
		Name:      r.URL.Query().Get("name"),
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.catalog.PutTemplate(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": t.ID, "bytes": len(data)})
}

func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.catalog.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		writeNotFound(w)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(t.Data)))
	_, _ = w.Write(t.Data)
}

func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// Strip payloads from listings; clients fetch bytes per template.
	type meta struct {
		ID        string    `json:"id"`
		Name      string    `json:"name,omitempty"`
		Bytes     int       `json:"bytes"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	out := make([]meta, 0, len(list))
	for _, t := range list {
		out = append(out, meta{ID: t.ID, Name: t.Name, Bytes: len(t.Data), UpdatedAt: t.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteTemplate(r.Context(), chi.URLParam(r, "templateID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	q := store.ReportQuery{Requester: r.URL.Query().Get("requester")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	list, err := s.reports.ListReports(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reports.GetReport(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rep == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
