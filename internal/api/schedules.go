// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tapgrid/tapgrid/internal/schedule"
)

func (s *Server) handleScheduleAdd(w http.ResponseWriter, r *http.Request) {
	caller := userName(r)
	if caller == "" {
		writeUnauthorized(w)
		return
	}
	var sch schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		writeError(w, err)
		return
	}
	if sch.Requester == "" {
		sch.Requester = caller
	}
	added, err := s.schedules.Add(sch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, added)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	var sch schedule.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		writeError(w, err)
		return
	}
	sch.ID = chi.URLParam(r, "scheduleID")
	updated, err := s.schedules.Update(sch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Remove(chi.URLParam(r, "scheduleID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sch, err := s.schedules.Get(chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleScheduleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.schedules.List())
}

func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	if caller := userName(r); caller == "" {
		writeUnauthorized(w)
		return
	}
	resp, err := s.schedules.RunNow(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
