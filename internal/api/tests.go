// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/orchestrator"
)

type submitBody struct {
	DeviceIDs          []device.ID `json:"deviceIds"`
	ScenarioIDs        []string    `json:"scenarioIds"`
	RepeatCount        int         `json:"repeatCount"`
	ScenarioIntervalMS int64       `json:"scenarioIntervalMs"`
	TestName           string      `json:"testName"`
	Priority           int         `json:"priority"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller := userName(r)
	if caller == "" {
		writeUnauthorized(w)
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.queue.Submit(r.Context(), orchestrator.SubmitRequest{
		Request: orchestrator.Request{
			Devices:          body.DeviceIDs,
			Scenarios:        body.ScenarioIDs,
			Repeat:           body.RepeatCount,
			ScenarioInterval: time.Duration(body.ScenarioIntervalMS) * time.Millisecond,
		},
		Requester: caller,
		TestName:  body.TestName,
		Priority:  body.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusOK
	if resp.Status == orchestrator.SubmitQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller := userName(r)
	if caller == "" {
		writeUnauthorized(w)
		return
	}
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "queueID"), caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	caller := userName(r)
	if caller == "" {
		writeUnauthorized(w)
		return
	}
	if err := s.queue.ForceComplete(r.Context(), chi.URLParam(r, "executionID"), caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "forceCompleted"})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.QueueStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.All())
}

func (s *Server) handleDeviceStatuses(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.DeviceStatuses(r.Context(), userName(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.devices.SetAlias(device.ID(chi.URLParam(r, "deviceID")), body.Alias); err != nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.devices.SetRole(device.ID(chi.URLParam(r, "deviceID")), body.Role); err != nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleSessionEnsure(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Ensure(r.Context(), device.ID(chi.URLParam(r, "deviceID")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), device.ID(chi.URLParam(r, "deviceID"))); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}
