// SPDX-License-Identifier: MIT

// Package executor runs one admitted test request: one worker per locked
// device, the (scenario x repeat) product sequentially per device, all
// devices in parallel, aggregated into a TestReport.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tapgrid/tapgrid/internal/bus"
	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/metrics"
	"github.com/tapgrid/tapgrid/internal/report"
	"github.com/tapgrid/tapgrid/internal/scenario"
	"github.com/tapgrid/tapgrid/internal/scenario/interp"
)

// Sessions is the slice of the session manager the executor needs.
type Sessions interface {
	EnsureDriver(ctx context.Context, id device.ID) (device.Driver, error)
	Release(id device.ID)
}

// ScenarioSource resolves scenario ids to validated graphs.
type ScenarioSource interface {
	Scenario(ctx context.Context, id string) (*scenario.Graph, error)
}

// Spec describes one admitted execution.
type Spec struct {
	ExecutionID string
	QueueID     string
	Requester   string
	TestName    string

	Devices          []device.ID
	Scenarios        []string
	Repeat           int
	ScenarioInterval time.Duration
}

// Total is the number of (device, scenario, repeat) cells.
func (s Spec) Total() int {
	repeat := s.Repeat
	if repeat < 1 {
		repeat = 1
	}
	return len(s.Devices) * len(s.Scenarios) * repeat
}

// Options tune all executions of one executor.
type Options struct {
	DefaultStepTimeout  time.Duration
	ScreenshotOnFailure bool
	Templates           interp.TemplateSource
}

// Executor produces reports from specs.
type Executor struct {
	sessions  Sessions
	scenarios ScenarioSource
	bus       *bus.Bus
	opt       Options
	logger    zerolog.Logger
}

// New creates an executor. eb may be nil in tests.
func New(sessions Sessions, scenarios ScenarioSource, eb *bus.Bus, opt Options) *Executor {
	return &Executor{
		sessions:  sessions,
		scenarios: scenarios,
		bus:       eb,
		opt:       opt,
		logger:    log.WithComponent("executor"),
	}
}

// Start launches the execution and returns a handle immediately. The
// handle's Done channel closes once the report is final.
func (e *Executor) Start(ctx context.Context, spec Spec) *Handle {
	if spec.Repeat < 1 {
		spec.Repeat = 1
	}
	waitCtx, waitCancel := context.WithCancel(ctx)
	h := &Handle{
		Spec:       spec,
		total:      spec.Total(),
		states:     make(map[device.ID]report.DeviceStatus, len(spec.Devices)),
		groups:     make(map[cellKey]*scenarioFanIn),
		waitCtx:    waitCtx,
		waitCancel: waitCancel,
		done:       make(chan struct{}),
	}
	for _, id := range spec.Devices {
		h.states[id] = report.DevicePending
	}
	go e.run(ctx, h)
	return h
}

func (e *Executor) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer h.waitCancel()

	spec := h.Spec
	logger := log.WithContext(log.ContextWithExecutionID(ctx, spec.ExecutionID), e.logger)
	metrics.ExecutionsRunning.Inc()
	defer metrics.ExecutionsRunning.Dec()

	startedAt := time.Now()
	logger.Info().
		Str("queue_id", spec.QueueID).
		Int("devices", len(spec.Devices)).
		Int("scenarios", len(spec.Scenarios)).
		Int("repeat", spec.Repeat).
		Msg("execution started")

	e.publish(spec, bus.TopicTestStart, map[string]any{
		"executionId": spec.ExecutionID,
		"queueId":     spec.QueueID,
		"testName":    spec.TestName,
		"devices":     spec.Devices,
		"scenarios":   spec.Scenarios,
		"total":       h.total,
	})

	results := make([][]report.DeviceResult, len(spec.Devices))
	var g errgroup.Group
	for i, id := range spec.Devices {
		g.Go(func() error {
			results[i] = e.runDevice(ctx, h, id)
			return nil
		})
	}
	_ = g.Wait()

	rep := e.assemble(h, results, startedAt, ctx.Err() != nil)
	h.setReport(rep)

	// test.complete goes out strictly after every device.scenario.complete.
	e.publish(spec, bus.TopicTestComplete, map[string]any{
		"executionId": spec.ExecutionID,
		"queueId":     spec.QueueID,
		"status":      rep.Status,
		"stats":       rep.Stats,
		"durationMs":  rep.DurationMS,
	})
	logger.Info().Str("status", string(rep.Status)).Int64("duration_ms", rep.DurationMS).Msg("execution complete")
}

// runDevice walks the (scenario x repeat) product for one device.
func (e *Executor) runDevice(ctx context.Context, h *Handle, id device.ID) []report.DeviceResult {
	spec := h.Spec
	var out []report.DeviceResult
	var env *device.Info

	// Once the device is gone, every remaining cell is skipped without
	// touching the session manager again.
	deviceGone := false
	goneReason := ""

	first := true
	for _, scenarioID := range spec.Scenarios {
		for repeat := 0; repeat < spec.Repeat; repeat++ {
			cell := report.DeviceResult{
				DeviceID:    id,
				ScenarioID:  scenarioID,
				RepeatIndex: repeat,
				StartedAt:   time.Now(),
			}

			// Start events go out for every cell, skipped ones included,
			// so each device.scenario.complete has a matching start.
			e.startCell(h, id, scenarioID, repeat)

			switch {
			case h.forced.Load():
				cell.Status = report.DeviceSkipped
				cell.SkipReason = "forceCompleted"
			case ctx.Err() != nil:
				cell.Status = report.DeviceStopped
			case deviceGone:
				cell.Status = report.DeviceSkipped
				cell.SkipReason = goneReason
			default:
				if !first {
					e.sleepInterval(h, spec.ScenarioInterval)
				}
				var unavailable bool
				cell, env, unavailable = e.runCell(ctx, h, id, scenarioID, repeat, env)
				if unavailable {
					deviceGone = true
					goneReason = cell.SkipReason
				}
				first = false
			}

			cell.CompletedAt = time.Now()
			out = append(out, cell)
			e.finishCell(h, cell)
		}
	}

	h.setDeviceState(id, deviceTerminalState(out))
	e.sessions.Release(id)
	return out
}

// runCell runs a single (device, scenario, repeat) cell. unavailable
// reports that the device itself is gone and the rest of its cells should
// be skipped without retrying the session.
func (e *Executor) runCell(ctx context.Context, h *Handle, id device.ID, scenarioID string, repeat int, env *device.Info) (_ report.DeviceResult, _ *device.Info, unavailable bool) {
	spec := h.Spec
	cell := report.DeviceResult{
		DeviceID:    id,
		ScenarioID:  scenarioID,
		RepeatIndex: repeat,
		StartedAt:   time.Now(),
	}

	// Session waits are bound to waitCtx so force-complete can unpark a
	// device stuck waiting for a session that never materialises.
	drv, err := e.sessions.EnsureDriver(h.waitCtx, id)
	if err != nil {
		cell.Status = report.DeviceSkipped
		if h.forced.Load() {
			cell.SkipReason = "forceCompleted"
			return cell, env, false
		}
		cell.SkipReason = err.Error()
		cell.Error = err.Error()
		cell.Category = device.Classify(err)
		if errors.Is(err, device.ErrDeviceUnavailable) {
			cell.SkipReason = fmt.Sprintf("device unavailable: %v", err)
			return cell, env, true
		}
		return cell, env, false
	}
	h.setDeviceState(id, report.DeviceRunning)
	defer h.setDeviceState(id, report.DevicePending)

	if env == nil {
		if info, ierr := drv.DeviceInfo(ctx); ierr == nil {
			env = &info
		}
	}
	cell.Environment = env

	graph, err := e.scenarios.Scenario(ctx, scenarioID)
	if err != nil {
		cell.Status = report.DeviceFailed
		cell.Error = fmt.Sprintf("scenario %s: %v", scenarioID, err)
		cell.Category = device.FailAssertion
		return cell, env, false
	}

	it := interp.New(drv, interp.Options{
		DefaultTimeout:      e.opt.DefaultStepTimeout,
		ScreenshotOnFailure: e.opt.ScreenshotOnFailure,
		Templates:           e.opt.Templates,
		OnStep: func(step interp.StepResult) {
			e.publishDevice(spec, id, bus.TopicDeviceNode, map[string]any{
				"executionId": spec.ExecutionID,
				"deviceId":    id,
				"scenarioId":  scenarioID,
				"repeatIndex": repeat,
				"step":        step,
			})
		},
	})
	res, err := it.Run(ctx, graph)
	if err != nil {
		cell.Status = report.DeviceFailed
		cell.Error = err.Error()
		cell.Category = device.FailAssertion
		return cell, env, false
	}

	cell.Steps = res.Steps
	cell.BranchTrace = res.BranchTrace
	cell.Error = res.Error
	cell.Category = res.Category
	cell.Performance = perfSummary(res.Steps)
	switch res.Status {
	case interp.StatusPassed:
		cell.Status = report.DevicePassed
	case interp.StatusStopped:
		cell.Status = report.DeviceStopped
	default:
		cell.Status = report.DeviceFailed
	}
	return cell, env, false
}

// startCell publishes the start events for one cell. The first device to
// enter a (scenario, repeat) group also opens it at execution level.
func (e *Executor) startCell(h *Handle, id device.ID, scenarioID string, repeat int) {
	spec := h.Spec
	if h.firstStart(scenarioID, repeat) {
		e.publish(spec, bus.TopicTestScenarioStart, map[string]any{
			"executionId": spec.ExecutionID,
			"scenarioId":  scenarioID,
			"repeatIndex": repeat,
			"devices":     len(spec.Devices),
		})
	}
	e.publishDevice(spec, id, bus.TopicDeviceScenarioStart, map[string]any{
		"executionId": spec.ExecutionID,
		"deviceId":    id,
		"scenarioId":  scenarioID,
		"repeatIndex": repeat,
	})
}

// finishCell publishes the completion events for one cell and advances the
// monotonic progress counter. The last device to finish a (scenario,
// repeat) group closes it at execution level with the aggregated status.
func (e *Executor) finishCell(h *Handle, cell report.DeviceResult) {
	spec := h.Spec
	e.publishDevice(spec, cell.DeviceID, bus.TopicDeviceScenarioComplete, map[string]any{
		"executionId": spec.ExecutionID,
		"deviceId":    cell.DeviceID,
		"scenarioId":  cell.ScenarioID,
		"repeatIndex": cell.RepeatIndex,
		"status":      cell.Status,
		"error":       cell.Error,
		"skipReason":  cell.SkipReason,
	})
	if cells, done := h.lastFinish(cell); done {
		e.publish(spec, bus.TopicTestScenarioComplete, map[string]any{
			"executionId": spec.ExecutionID,
			"scenarioId":  cell.ScenarioID,
			"repeatIndex": cell.RepeatIndex,
			"status":      report.DeriveScenarioStatus(cells),
		})
	}

	completed := h.completed.Add(1)
	e.publish(spec, bus.TopicTestProgress, map[string]any{
		"executionId": spec.ExecutionID,
		"completed":   completed,
		"total":       h.total,
		"percent":     int(float64(completed) / float64(h.total) * 100),
	})
}

func (e *Executor) sleepInterval(h *Handle, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-h.waitCtx.Done():
	}
}

// assemble groups the per-device cells into the report tree, ordered by
// submitted scenario order then repeat index.
func (e *Executor) assemble(h *Handle, perDevice [][]report.DeviceResult, startedAt time.Time, cancelled bool) *report.TestReport {
	spec := h.Spec
	type key struct {
		scenarioID string
		repeat     int
	}
	grouped := make(map[key][]report.DeviceResult)
	for _, cells := range perDevice {
		for _, c := range cells {
			k := key{c.ScenarioID, c.RepeatIndex}
			grouped[k] = append(grouped[k], c)
		}
	}

	var scenarios []report.ScenarioResult
	for _, scenarioID := range spec.Scenarios {
		for repeat := 0; repeat < spec.Repeat; repeat++ {
			devices := grouped[key{scenarioID, repeat}]
			scenarios = append(scenarios, report.ScenarioResult{
				ScenarioID:  scenarioID,
				RepeatIndex: repeat,
				Status:      report.DeriveScenarioStatus(devices),
				Devices:     devices,
			})
		}
	}

	completedAt := time.Now()
	return &report.TestReport{
		ID:          spec.ExecutionID,
		ExecutionID: spec.ExecutionID,
		QueueID:     spec.QueueID,
		Requester:   spec.Requester,
		TestName:    spec.TestName,
		Status:      report.DeriveStatus(scenarios, cancelled),
		Scenarios:   scenarios,
		Stats:       report.BuildStats(scenarios),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMS:  completedAt.Sub(startedAt).Milliseconds(),
	}
}

// publish sends a test-level event to the execution and requester rooms.
func (e *Executor) publish(spec Spec, topic bus.Topic, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Topic: topic, Room: bus.RoomExecution(spec.ExecutionID), ExecutionID: spec.ExecutionID, Payload: payload})
	e.bus.Publish(bus.Event{Topic: topic, Room: bus.RoomUser(spec.Requester), ExecutionID: spec.ExecutionID, Payload: payload})
}

// publishDevice sends a device-level event to the execution and device rooms.
func (e *Executor) publishDevice(spec Spec, id device.ID, topic bus.Topic, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Topic: topic, Room: bus.RoomExecution(spec.ExecutionID), ExecutionID: spec.ExecutionID, Payload: payload})
	e.bus.Publish(bus.Event{Topic: topic, Room: bus.RoomDevice(string(id)), ExecutionID: spec.ExecutionID, Payload: payload})
}

func perfSummary(steps []interp.StepResult) *report.PerfSummary {
	if len(steps) == 0 {
		return nil
	}
	var total int64
	for _, s := range steps {
		total += s.TotalMS
	}
	return &report.PerfSummary{
		TotalMS:   total,
		StepCount: len(steps),
		AvgStepMS: total / int64(len(steps)),
	}
}

func deviceTerminalState(cells []report.DeviceResult) report.DeviceStatus {
	st := report.DeviceSkipped
	for _, c := range cells {
		switch c.Status {
		case report.DeviceFailed:
			return report.DeviceFailed
		case report.DeviceStopped:
			st = report.DeviceStopped
		case report.DevicePassed:
			if st == report.DeviceSkipped {
				st = report.DevicePassed
			}
		}
	}
	return st
}
