// SPDX-License-Identifier: MIT

// Package orchestrator is the scheduler: multi-user queue, exclusive
// device locks, fairness, split admission, cancel and force-complete.
// All scheduler state is owned by a single goroutine fed by a command
// channel.
package orchestrator

import (
	"errors"
	"time"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/report"
)

var (
	// ErrInvalidRequest rejects submissions naming unknown or disconnected
	// devices, unknown scenarios, or an empty selection.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound reports an unknown queue or execution id.
	ErrNotFound = errors.New("not found")

	// ErrForbidden reports a caller that is not the requester.
	ErrForbidden = errors.New("forbidden")

	// ErrShuttingDown reports a command sent after the scheduler stopped.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// State is the lifecycle state of a queued test.
type State string

const (
	StateQueued         State = "queued"
	StateWaitingDevices State = "waitingDevices"
	StateRunning        State = "running"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

// Type distinguishes direct submissions from schedule-fired suites.
type Type string

const (
	TypeTest  Type = "test"
	TypeSuite Type = "suite"
)

// Request is the device/scenario selection of one submission.
type Request struct {
	Devices          []device.ID   `json:"deviceIds"`
	Scenarios        []string      `json:"scenarioIds"`
	Repeat           int           `json:"repeatCount"`
	ScenarioInterval time.Duration `json:"scenarioInterval"`
}

// BlockedDevice annotates one lock blocking a queued item.
type BlockedDevice struct {
	DeviceID             device.ID `json:"deviceId"`
	UsedBy               string    `json:"usedBy"`
	TestName             string    `json:"testName,omitempty"`
	EstimatedRemainingMS int64     `json:"estimatedRemainingMs"`
}

// WaitingInfo explains why a queued item is not running yet.
type WaitingInfo struct {
	BlockedByDevices []BlockedDevice `json:"blockedByDevices"`
	QueuePosition    int             `json:"queuePosition"`
	EstimatedWaitMS  int64           `json:"estimatedWaitMs"`
}

// QueuedTest is one submission, queued or running.
type QueuedTest struct {
	QueueID   string  `json:"queueId"`
	Request   Request `json:"request"`
	Requester string  `json:"requester"`
	TestName  string  `json:"testName,omitempty"`
	Priority  int     `json:"priority"`
	Type      Type    `json:"type"`

	State       State        `json:"state"`
	SubmittedAt time.Time    `json:"submittedAt"`
	StartedAt   time.Time    `json:"startedAt,omitempty"`
	CompletedAt time.Time    `json:"completedAt,omitempty"`
	ExecutionID string       `json:"executionId,omitempty"`
	WaitingInfo *WaitingInfo `json:"waitingInfo,omitempty"`

	// SplitFrom carries the originating queue id when this item is the
	// deferred half of a split admission.
	SplitFrom string `json:"splitFrom,omitempty"`
}

// SubmitStatus is the admission outcome.
type SubmitStatus string

const (
	SubmitStarted SubmitStatus = "started"
	SubmitQueued  SubmitStatus = "queued"
	SubmitPartial SubmitStatus = "partial"
)

// SplitInfo describes the two halves of a split admission.
type SplitInfo struct {
	ExecutionID    string      `json:"executionId"`
	RunningDevices []device.ID `json:"runningDevices"`
	QueuedQueueID  string      `json:"queuedQueueId"`
	QueuedDevices  []device.ID `json:"queuedDevices"`
}

// SubmitResponse answers a submission.
type SubmitResponse struct {
	Status          SubmitStatus `json:"status"`
	QueueID         string       `json:"queueId"`
	ExecutionID     string       `json:"executionId,omitempty"`
	Position        int          `json:"position,omitempty"`
	EstimatedWaitMS int64        `json:"estimatedWaitMs,omitempty"`
	Split           *SplitInfo   `json:"splitExecution,omitempty"`
}

// SubmitRequest is the full submit command.
type SubmitRequest struct {
	Request   Request
	Requester string
	TestName  string
	Priority  int
	Type      Type
}

// DeviceAvailability classifies one device for one viewer.
type DeviceAvailability string

const (
	DeviceAvailable DeviceAvailability = "available"
	DeviceBusyMine  DeviceAvailability = "busy_mine"
	DeviceBusyOther DeviceAvailability = "busy_other"
	DeviceReserved  DeviceAvailability = "reserved"
)

// DeviceStatus is the per-viewer projection of one device.
type DeviceStatus struct {
	DeviceID    device.ID          `json:"deviceId"`
	Status      DeviceAvailability `json:"status"`
	LockedBy    string             `json:"lockedBy,omitempty"`
	TestName    string             `json:"testName,omitempty"`
	ExecutionID string             `json:"executionId,omitempty"`
}

// RunningSummary is the queue-status view of one running execution.
type RunningSummary struct {
	QueueID     string      `json:"queueId"`
	ExecutionID string      `json:"executionId"`
	Requester   string      `json:"requester"`
	TestName    string      `json:"testName,omitempty"`
	Devices     []device.ID `json:"devices"`
	StartedAt   time.Time   `json:"startedAt"`
	Completed   int         `json:"completed"`
	Total       int         `json:"total"`
}

// QueueStatus is the full queue snapshot handed to clients.
type QueueStatus struct {
	Revision  uint64           `json:"revision"`
	Queued    []QueuedTest     `json:"queued"`
	Running   []RunningSummary `json:"running"`
	Completed []report.Summary `json:"completed"`
}
