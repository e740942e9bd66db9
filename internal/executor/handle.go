// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/report"
)

// ErrPrecondition is returned by ForceComplete when the execution still
// has devices actively running, or none waiting.
var ErrPrecondition = errors.New("force-complete requires waiting devices and no running ones")

// Handle tracks one in-flight execution.
type Handle struct {
	Spec Spec

	total     int
	completed atomic.Int64
	forced    atomic.Bool

	mu     sync.Mutex
	states map[device.ID]report.DeviceStatus
	groups map[cellKey]*scenarioFanIn

	// waitCtx governs session waits and interval sleeps only; cancelling
	// it never interrupts a running interpreter.
	waitCtx    context.Context
	waitCancel context.CancelFunc

	done   chan struct{}
	report *report.TestReport
}

type cellKey struct {
	scenarioID string
	repeat     int
}

// scenarioFanIn counts device arrivals for one (scenario, repeat) group so
// the execution-level scenario events fire exactly once per group.
type scenarioFanIn struct {
	started int
	cells   []report.DeviceResult
}

// firstStart records that a device entered the group and reports whether
// it was the first one.
func (h *Handle) firstStart(scenarioID string, repeat int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.groupLocked(scenarioID, repeat)
	g.started++
	return g.started == 1
}

// lastFinish records a finished cell and returns the group's cells once
// every device has finished it.
func (h *Handle) lastFinish(cell report.DeviceResult) ([]report.DeviceResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.groupLocked(cell.ScenarioID, cell.RepeatIndex)
	g.cells = append(g.cells, cell)
	if len(g.cells) == len(h.Spec.Devices) {
		return g.cells, true
	}
	return nil, false
}

func (h *Handle) groupLocked(scenarioID string, repeat int) *scenarioFanIn {
	k := cellKey{scenarioID, repeat}
	g := h.groups[k]
	if g == nil {
		g = &scenarioFanIn{}
		h.groups[k] = g
	}
	return g
}

// Done closes once the report is final.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Report returns the final report, or nil while the execution runs.
func (h *Handle) Report() *report.TestReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report
}

// Progress returns the count of terminal cells and the cell total.
func (h *Handle) Progress() (completed, total int) {
	return int(h.completed.Load()), h.total
}

// DeviceStates snapshots the coarse per-device state.
func (h *Handle) DeviceStates() map[device.ID]report.DeviceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[device.ID]report.DeviceStatus, len(h.states))
	for k, v := range h.states {
		out[k] = v
	}
	return out
}

// ForceComplete flips all not-yet-started work to skipped and lets the
// execution finalise with whatever has been gathered. Allowed only while
// at least one device is still pending and none is running.
func (h *Handle) ForceComplete() error {
	h.mu.Lock()
	pending, running := 0, 0
	for _, st := range h.states {
		switch st {
		case report.DevicePending:
			pending++
		case report.DeviceRunning:
			running++
		}
	}
	h.mu.Unlock()

	if pending == 0 || running > 0 {
		return ErrPrecondition
	}
	h.forced.Store(true)
	h.waitCancel()
	return nil
}

func (h *Handle) setReport(r *report.TestReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.report = r
}

func (h *Handle) setDeviceState(id device.ID, st report.DeviceStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[id] = st
}
