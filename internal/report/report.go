// SPDX-License-Identifier: MIT

// Package report defines the consolidated test report tree:
// TestReport -> ScenarioResult -> DeviceResult -> steps.
package report

import (
	"time"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/scenario/interp"
)

// DeviceStatus is the outcome of one scenario run on one device.
type DeviceStatus string

const (
	DevicePending DeviceStatus = "pending"
	DeviceRunning DeviceStatus = "running"
	DevicePassed  DeviceStatus = "passed"
	DeviceFailed  DeviceStatus = "failed"
	DeviceSkipped DeviceStatus = "skipped"
	DeviceStopped DeviceStatus = "stopped"
)

// ScenarioStatus is derived from the statuses of the device results.
type ScenarioStatus string

const (
	ScenarioPassed  ScenarioStatus = "passed"
	ScenarioFailed  ScenarioStatus = "failed"
	ScenarioPartial ScenarioStatus = "partial"
	ScenarioSkipped ScenarioStatus = "skipped"
	ScenarioStopped ScenarioStatus = "stopped"
)

// Status is the overall report status.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// PerfSummary is a per-device performance rollup.
type PerfSummary struct {
	TotalMS   int64 `json:"totalMs"`
	StepCount int   `json:"stepCount"`
	AvgStepMS int64 `json:"avgStepMs"`
}

// DeviceResult is one (device, scenario, repeat) cell.
type DeviceResult struct {
	DeviceID    device.ID    `json:"deviceId"`
	ScenarioID  string       `json:"scenarioId"`
	RepeatIndex int          `json:"repeatIndex"`
	Status      DeviceStatus `json:"status"`

	Steps       []interp.StepResult `json:"steps,omitempty"`
	BranchTrace []string            `json:"branchTrace,omitempty"`

	Error      string                 `json:"error,omitempty"`
	Category   device.FailureCategory `json:"category,omitempty"`
	SkipReason string                 `json:"skipReason,omitempty"`

	Environment *device.Info `json:"environment,omitempty"`
	Performance *PerfSummary `json:"performance,omitempty"`

	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// ScenarioResult groups the device results of one (scenario, repeat) pair.
type ScenarioResult struct {
	ScenarioID  string         `json:"scenarioId"`
	Name        string         `json:"name,omitempty"`
	RepeatIndex int            `json:"repeatIndex"`
	Status      ScenarioStatus `json:"status"`
	Devices     []DeviceResult `json:"devices"`
}

// Stats is the report rollup.
type Stats struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Stopped int `json:"stopped"`

	FailureCategories map[device.FailureCategory]int `json:"failureCategories,omitempty"`

	// Flaky lists scenario ids whose success rate over this report is
	// neither close to 0 nor close to 1.
	Flaky []string `json:"flaky,omitempty"`
}

// TestReport is the consolidated result of one execution.
type TestReport struct {
	ID          string `json:"id"`
	ExecutionID string `json:"executionId"`
	QueueID     string `json:"queueId"`
	Requester   string `json:"requester"`
	TestName    string `json:"testName,omitempty"`

	Status    Status           `json:"status"`
	Scenarios []ScenarioResult `json:"scenarios"`
	Stats     Stats            `json:"stats"`

	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMS  int64     `json:"durationMs"`
}

// DeriveScenarioStatus folds device results: passed iff all passed, failed
// iff all failed, skipped iff all skipped, partial on any mix. A stopped
// device result marks the scenario stopped unless everything stopped-free
// already decided otherwise.
func DeriveScenarioStatus(devices []DeviceResult) ScenarioStatus {
	if len(devices) == 0 {
		return ScenarioSkipped
	}
	var passed, failed, skipped, stopped int
	for _, d := range devices {
		switch d.Status {
		case DevicePassed:
			passed++
		case DeviceFailed:
			failed++
		case DeviceSkipped:
			skipped++
		case DeviceStopped:
			stopped++
		}
	}
	n := len(devices)
	switch {
	case stopped > 0:
		return ScenarioStopped
	case passed == n:
		return ScenarioPassed
	case failed == n:
		return ScenarioFailed
	case skipped == n:
		return ScenarioSkipped
	default:
		return ScenarioPartial
	}
}

// DeriveStatus folds scenario statuses into the overall report status.
// cancelled forces stopped.
func DeriveStatus(scenarios []ScenarioResult, cancelled bool) Status {
	if cancelled {
		return StatusStopped
	}
	if len(scenarios) == 0 {
		return StatusFailed
	}
	var passed, failed int
	for _, s := range scenarios {
		switch s.Status {
		case ScenarioPassed:
			passed++
		case ScenarioFailed:
			failed++
		case ScenarioStopped:
			return StatusStopped
		}
	}
	switch {
	case passed == len(scenarios):
		return StatusCompleted
	case failed == len(scenarios):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// flaky thresholds: a scenario with at least minFlakySamples results whose
// success rate is strictly between the bounds is flagged.
const (
	minFlakySamples = 3
	flakyLow        = 0.2
	flakyHigh       = 0.8
)

// BuildStats computes the rollup over all device results.
func BuildStats(scenarios []ScenarioResult) Stats {
	st := Stats{FailureCategories: make(map[device.FailureCategory]int)}

	type tally struct{ passed, total int }
	perScenario := make(map[string]*tally)
	var order []string

	for _, sc := range scenarios {
		for _, d := range sc.Devices {
			st.Total++
			switch d.Status {
			case DevicePassed:
				st.Passed++
			case DeviceFailed:
				st.Failed++
			case DeviceSkipped:
				st.Skipped++
			case DeviceStopped:
				st.Stopped++
			}
			if d.Category != "" {
				st.FailureCategories[d.Category]++
			}
			if d.Status == DevicePassed || d.Status == DeviceFailed {
				tl := perScenario[sc.ScenarioID]
				if tl == nil {
					tl = &tally{}
					perScenario[sc.ScenarioID] = tl
					order = append(order, sc.ScenarioID)
				}
				tl.total++
				if d.Status == DevicePassed {
					tl.passed++
				}
			}
		}
	}
	if len(st.FailureCategories) == 0 {
		st.FailureCategories = nil
	}

	for _, id := range order {
		tl := perScenario[id]
		if tl.total < minFlakySamples {
			continue
		}
		rate := float64(tl.passed) / float64(tl.total)
		if rate > flakyLow && rate < flakyHigh {
			st.Flaky = append(st.Flaky, id)
		}
	}
	return st
}

// Summary is the completed-ring entry retained for late-joining clients.
type Summary struct {
	QueueID      string    `json:"queueId"`
	ExecutionID  string    `json:"executionId"`
	Requester    string    `json:"requester"`
	TestName     string    `json:"testName,omitempty"`
	Success      bool      `json:"success"`
	SuccessCount int       `json:"successCount"`
	TotalCount   int       `json:"totalCount"`
	DurationMS   int64     `json:"durationMs"`
	CompletedAt  time.Time `json:"completedAt"`
	ReportID     string    `json:"reportId,omitempty"`
}

// Summarize builds the ring entry for a finished report.
func Summarize(r *TestReport) Summary {
	return Summary{
		QueueID:      r.QueueID,
		ExecutionID:  r.ExecutionID,
		Requester:    r.Requester,
		TestName:     r.TestName,
		Success:      r.Status == StatusCompleted,
		SuccessCount: r.Stats.Passed,
		TotalCount:   r.Stats.Total,
		DurationMS:   r.DurationMS,
		CompletedAt:  r.CompletedAt,
		ReportID:     r.ID,
	}
}
