// SPDX-License-Identifier: MIT

// Package interp executes one scenario graph against one device driver.
package interp

import (
	"time"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/scenario"
)

// StepStatus is the outcome of one executed step (one attempt of one node).
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepStopped StepStatus = "stopped"
)

// Status is the outcome of one scenario run on one device.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
)

// StepResult records one attempt of one node, with a timing breakdown.
// Retried actions produce one StepResult per attempt.
type StepResult struct {
	NodeID    string              `json:"nodeId"`
	NodeLabel string              `json:"nodeLabel,omitempty"`
	Kind      scenario.NodeKind   `json:"kind"`
	Action    scenario.ActionType `json:"action,omitempty"`
	Attempt   int                 `json:"attempt"` // 1-based

	Status   StepStatus             `json:"status"`
	Error    string                 `json:"error,omitempty"`
	Category device.FailureCategory `json:"category,omitempty"`

	WaitMS   int64 `json:"waitTimeMs"`
	ActionMS int64 `json:"actionTimeMs"`
	TotalMS  int64 `json:"totalTimeMs"`

	Match      *device.MatchResult `json:"match,omitempty"`
	Screenshot []byte              `json:"screenshot,omitempty"`

	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// Result is the full outcome of one scenario run.
type Result struct {
	ScenarioID string `json:"scenarioId"`

	Status Status       `json:"status"`
	Steps  []StepResult `json:"steps"`

	// BranchTrace lists node ids in visit order. Two runs of the same graph
	// against the same driver responses produce identical traces.
	BranchTrace []string `json:"branchTrace"`

	Error    string                 `json:"error,omitempty"`
	Category device.FailureCategory `json:"category,omitempty"`

	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}
