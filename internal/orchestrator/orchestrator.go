// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/bus"
	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/executor"
	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/metrics"
	"github.com/tapgrid/tapgrid/internal/report"
)

// Starter launches executions; satisfied by *executor.Executor.
type Starter interface {
	Start(ctx context.Context, spec executor.Spec) *executor.Handle
}

// Devices is the slice of the registry the scheduler needs.
type Devices interface {
	Get(id device.ID) (device.Info, bool)
	All() []device.Info
}

// Reports persists finished reports. Optional; a nil sink keeps history
// in the completed ring only.
type Reports interface {
	SaveReport(ctx context.Context, r *report.TestReport) error
}

// Options tune the scheduler.
type Options struct {
	// SplitOnPartial admits the free subset of a partially blocked request
	// immediately and queues the remainder. Off means all-or-nothing.
	SplitOnPartial bool

	// CompletedRing is how many finished tests are retained for
	// late-joining clients.
	CompletedRing int

	// DefaultEstimateMS seeds wait estimates before an execution has
	// reported progress.
	DefaultEstimateMS int64

	// Reports receives every finished report.
	Reports Reports
}

func (o *Options) defaults() {
	if o.CompletedRing <= 0 {
		o.CompletedRing = 20
	}
	if o.DefaultEstimateMS <= 0 {
		o.DefaultEstimateMS = 60_000
	}
}

type lockInfo struct {
	queueID string
	since   time.Time
}

type runningTest struct {
	qt              *QueuedTest
	handle          *executor.Handle
	cancel          context.CancelFunc
	cancelRequested bool
}

// Orchestrator owns the queue, the device-lock table and the running set.
// All of that state is touched only by the Run goroutine; public methods
// post commands to it.
type Orchestrator struct {
	exec      Starter
	devices   Devices
	scenarios executor.ScenarioSource
	bus       *bus.Bus
	opt       Options
	logger    zerolog.Logger

	cmds    chan func()
	stopped chan struct{}

	// Scheduler-goroutine state. Never touched elsewhere.
	queue     []*QueuedTest
	locks     map[device.ID]lockInfo
	running   map[string]*runningTest // queueID -> entry
	finished  map[string]*QueuedTest  // terminal items still in the ring
	completed []report.Summary
	revision  uint64
	runCtx    context.Context
}

// New creates the orchestrator. eb may be nil in tests.
func New(exec Starter, devices Devices, scenarios executor.ScenarioSource, eb *bus.Bus, opt Options) *Orchestrator {
	opt.defaults()
	return &Orchestrator{
		exec:      exec,
		devices:   devices,
		scenarios: scenarios,
		bus:       eb,
		opt:       opt,
		logger:    log.WithComponent("orchestrator"),
		cmds:      make(chan func(), 64),
		stopped:   make(chan struct{}),
		locks:     make(map[device.ID]lockInfo),
		running:   make(map[string]*runningTest),
		finished:  make(map[string]*QueuedTest),
	}
}

// Run drives the scheduler until ctx is cancelled. It must be running for
// any public method to make progress.
func (o *Orchestrator) Run(ctx context.Context) {
	o.runCtx = ctx
	o.logger.Info().Msg("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			close(o.stopped)
			o.logger.Info().Msg("orchestrator stopping")
			return
		case fn := <-o.cmds:
			fn()
		}
	}
}

// do posts fn to the scheduler goroutine and waits for it to run.
func (o *Orchestrator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case o.cmds <- func() { fn(); close(done) }:
	case <-o.stopped:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-o.stopped:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit admits, queues or splits a request.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	var resp SubmitResponse
	var err error
	if derr := o.do(ctx, func() { resp, err = o.submit(ctx, req) }); derr != nil {
		return SubmitResponse{}, derr
	}
	return resp, err
}

// Cancel removes a queued item or stops a running one. Only the requester
// may cancel; cancelling a terminal item succeeds as a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, queueID, caller string) error {
	var err error
	if derr := o.do(ctx, func() { err = o.cancel(queueID, caller) }); derr != nil {
		return derr
	}
	return err
}

// ForceComplete finalises an execution whose remaining devices are all
// still waiting.
func (o *Orchestrator) ForceComplete(ctx context.Context, executionID, caller string) error {
	var err error
	if derr := o.do(ctx, func() { err = o.forceComplete(executionID, caller) }); derr != nil {
		return derr
	}
	return err
}

// QueueStatus snapshots queue, running set and completed ring.
func (o *Orchestrator) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var st QueueStatus
	if derr := o.do(ctx, func() { st = o.queueStatus() }); derr != nil {
		return QueueStatus{}, derr
	}
	return st, nil
}

// DeviceStatuses projects every known device for one viewer.
func (o *Orchestrator) DeviceStatuses(ctx context.Context, userName string) ([]DeviceStatus, error) {
	var st []DeviceStatus
	if derr := o.do(ctx, func() { st = o.deviceStatuses(userName) }); derr != nil {
		return nil, derr
	}
	return st, nil
}

// DeviceDeparted notifies the scheduler that a device left the host.
func (o *Orchestrator) DeviceDeparted(id device.ID) {
	select {
	case o.cmds <- func() { o.broadcast() }:
	case <-o.stopped:
	}
}

// DeviceArrived notifies the scheduler that a device appeared; queued
// items are re-evaluated.
func (o *Orchestrator) DeviceArrived(id device.ID) {
	select {
	case o.cmds <- func() { o.scan(); o.broadcast() }:
	case <-o.stopped:
	}
}

// ---- scheduler-goroutine internals ----

func (o *Orchestrator) submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if err := o.validate(ctx, req.Request); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("invalid").Inc()
		return SubmitResponse{}, err
	}

	qt := &QueuedTest{
		QueueID:     uuid.NewString(),
		Request:     req.Request,
		Requester:   req.Requester,
		TestName:    req.TestName,
		Priority:    req.Priority,
		Type:        req.Type,
		SubmittedAt: time.Now(),
	}
	if qt.Type == "" {
		qt.Type = TypeTest
	}

	available, blocked := o.partition(req.Request.Devices)
	switch {
	case len(blocked) == 0:
		o.start(qt)
		metrics.SubmissionsTotal.WithLabelValues("started").Inc()
		o.broadcast()
		return SubmitResponse{Status: SubmitStarted, QueueID: qt.QueueID, ExecutionID: qt.ExecutionID}, nil

	case len(available) == 0 || !o.opt.SplitOnPartial:
		qt.State = StateQueued
		o.enqueue(qt)
		metrics.SubmissionsTotal.WithLabelValues("queued").Inc()
		o.refreshWaitingInfo()
		o.broadcast()
		return SubmitResponse{
			Status:          SubmitQueued,
			QueueID:         qt.QueueID,
			Position:        qt.WaitingInfo.QueuePosition,
			EstimatedWaitMS: qt.WaitingInfo.EstimatedWaitMS,
		}, nil

	default:
		// Split: run the free subset now, queue the rest. Both halves keep
		// requester, priority and scenario list.
		now := *qt
		now.Request.Devices = available
		o.start(&now)

		rest := *qt
		rest.QueueID = uuid.NewString()
		rest.Request.Devices = blocked
		rest.State = StateQueued
		rest.SplitFrom = now.QueueID
		o.enqueue(&rest)

		metrics.SubmissionsTotal.WithLabelValues("partial").Inc()
		o.refreshWaitingInfo()
		o.broadcast()
		return SubmitResponse{
			Status:      SubmitPartial,
			QueueID:     now.QueueID,
			ExecutionID: now.ExecutionID,
			Split: &SplitInfo{
				ExecutionID:    now.ExecutionID,
				RunningDevices: available,
				QueuedQueueID:  rest.QueueID,
				QueuedDevices:  blocked,
			},
		}, nil
	}
}

func (o *Orchestrator) validate(ctx context.Context, req Request) error {
	if len(req.Devices) == 0 || len(req.Scenarios) == 0 {
		return fmt.Errorf("%w: empty device or scenario selection", ErrInvalidRequest)
	}
	for _, id := range req.Devices {
		info, ok := o.devices.Get(id)
		if !ok {
			return fmt.Errorf("%w: unknown device %s", ErrInvalidRequest, id)
		}
		if !info.Connected {
			return fmt.Errorf("%w: device %s disconnected", ErrInvalidRequest, id)
		}
	}
	for _, id := range req.Scenarios {
		if _, err := o.scenarios.Scenario(ctx, id); err != nil {
			return fmt.Errorf("%w: scenario %s: %v", ErrInvalidRequest, id, err)
		}
	}
	return nil
}

// partition splits the requested devices into free and locked.
func (o *Orchestrator) partition(ids []device.ID) (available, blocked []device.ID) {
	for _, id := range ids {
		if _, held := o.locks[id]; held {
			blocked = append(blocked, id)
		} else {
			available = append(available, id)
		}
	}
	return available, blocked
}

// start locks the devices and hands the item to the executor.
func (o *Orchestrator) start(qt *QueuedTest) {
	if err := o.lockAll(qt); err != nil {
		// Double-lock is a scheduler invariant violation: abort this
		// execution rather than run with a shared device.
		o.logger.Error().Err(err).Str("queue_id", qt.QueueID).Msg("lock acquisition violated invariant")
		qt.State = StateFailed
		qt.CompletedAt = time.Now()
		o.remember(qt)
		return
	}

	qt.State = StateRunning
	qt.StartedAt = time.Now()
	qt.ExecutionID = uuid.NewString()
	qt.WaitingInfo = nil

	runCtx := o.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	execCtx, cancel := context.WithCancel(runCtx)
	handle := o.exec.Start(execCtx, executor.Spec{
		ExecutionID:      qt.ExecutionID,
		QueueID:          qt.QueueID,
		Requester:        qt.Requester,
		TestName:         qt.TestName,
		Devices:          qt.Request.Devices,
		Scenarios:        qt.Request.Scenarios,
		Repeat:           qt.Request.Repeat,
		ScenarioInterval: qt.Request.ScenarioInterval,
	})
	o.running[qt.QueueID] = &runningTest{qt: qt, handle: handle, cancel: cancel}

	o.logger.Info().
		Str("queue_id", qt.QueueID).
		Str("execution_id", qt.ExecutionID).
		Str("requester", qt.Requester).
		Int("devices", len(qt.Request.Devices)).
		Msg("execution admitted")

	go func() {
		<-handle.Done()
		select {
		case o.cmds <- func() { o.complete(qt.QueueID) }:
		case <-o.stopped:
		}
	}()
}

func (o *Orchestrator) lockAll(qt *QueuedTest) error {
	for _, id := range qt.Request.Devices {
		if holder, held := o.locks[id]; held {
			metrics.RecordInvariantViolation("double_lock")
			for _, locked := range qt.Request.Devices {
				if got, ok := o.locks[locked]; ok && got.queueID == qt.QueueID {
					delete(o.locks, locked)
				}
			}
			return fmt.Errorf("device %s already locked by %s", id, holder.queueID)
		}
		o.locks[id] = lockInfo{queueID: qt.QueueID, since: time.Now()}
	}
	metrics.DeviceLocksHeld.Set(float64(len(o.locks)))
	return nil
}

// complete handles executor finalisation: release locks, retire the item,
// rescan the queue.
func (o *Orchestrator) complete(queueID string) {
	entry, ok := o.running[queueID]
	if !ok {
		metrics.RecordInvariantViolation("lost_completion")
		o.logger.Error().Str("queue_id", queueID).Msg("completion for unknown execution")
		return
	}
	delete(o.running, queueID)

	for id, l := range o.locks {
		if l.queueID == queueID {
			delete(o.locks, id)
		}
	}
	metrics.DeviceLocksHeld.Set(float64(len(o.locks)))

	qt := entry.qt
	qt.CompletedAt = time.Now()
	if entry.cancelRequested {
		qt.State = StateCancelled
	} else {
		qt.State = StateCompleted
	}
	o.remember(qt)

	if rep := entry.handle.Report(); rep != nil {
		o.completed = append([]report.Summary{report.Summarize(rep)}, o.completed...)
		if len(o.completed) > o.opt.CompletedRing {
			o.completed = o.completed[:o.opt.CompletedRing]
		}
		if o.opt.Reports != nil {
			go o.persistReport(rep)
		}
	}

	o.logger.Info().
		Str("queue_id", queueID).
		Str("state", string(qt.State)).
		Msg("execution retired")

	o.scan()
	o.refreshWaitingInfo()
	o.broadcast()
}

// persistReport writes history off the scheduler goroutine; failures
// are logged, never surfaced to clients.
func (o *Orchestrator) persistReport(rep *report.TestReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.opt.Reports.SaveReport(ctx, rep); err != nil {
		o.logger.Error().Err(err).Str("report_id", rep.ID).Msg("report persistence failed")
	}
}

// remember keeps a terminal item addressable (for idempotent cancel)
// while bounding memory to roughly the completed ring.
func (o *Orchestrator) remember(qt *QueuedTest) {
	o.finished[qt.QueueID] = qt
	if len(o.finished) > 4*o.opt.CompletedRing {
		oldest := ""
		var oldestAt time.Time
		for id, f := range o.finished {
			if oldest == "" || f.CompletedAt.Before(oldestAt) {
				oldest, oldestAt = id, f.CompletedAt
			}
		}
		delete(o.finished, oldest)
	}
}

// enqueue inserts by (-priority, submittedAt): stable FIFO within one
// priority.
func (o *Orchestrator) enqueue(qt *QueuedTest) {
	pos := len(o.queue)
	for i, q := range o.queue {
		if qt.Priority > q.Priority {
			pos = i
			break
		}
	}
	o.queue = append(o.queue, nil)
	copy(o.queue[pos+1:], o.queue[pos:])
	o.queue[pos] = qt
	o.updateQueueMetrics()
}

// scan is the work-conserving head-of-line pass: admit every queued item
// whose full device set is free, in queue order.
func (o *Orchestrator) scan() {
	kept := o.queue[:0]
	for _, qt := range o.queue {
		if _, blocked := o.partition(qt.Request.Devices); len(blocked) == 0 {
			metrics.QueueWaitSeconds.Observe(time.Since(qt.SubmittedAt).Seconds())
			o.start(qt)
			continue
		}
		qt.State = StateWaitingDevices
		kept = append(kept, qt)
	}
	o.queue = kept
	o.updateQueueMetrics()
}

func (o *Orchestrator) updateQueueMetrics() {
	depth := map[int]int{}
	for _, qt := range o.queue {
		depth[qt.Priority]++
	}
	for p := 0; p <= 2; p++ {
		metrics.QueueDepth.WithLabelValues(fmt.Sprintf("%d", p)).Set(float64(depth[p]))
	}
}

// refreshWaitingInfo rebuilds waitingInfo for every queued item:
// contiguous 1-based positions and per-blocker estimates.
func (o *Orchestrator) refreshWaitingInfo() {
	for i, qt := range o.queue {
		info := &WaitingInfo{QueuePosition: i + 1}
		for _, id := range qt.Request.Devices {
			l, held := o.locks[id]
			if !held {
				continue
			}
			b := BlockedDevice{DeviceID: id, EstimatedRemainingMS: o.opt.DefaultEstimateMS}
			if entry, ok := o.running[l.queueID]; ok {
				b.UsedBy = entry.qt.Requester
				b.TestName = entry.qt.TestName
				b.EstimatedRemainingMS = o.estimateRemaining(entry)
			}
			info.BlockedByDevices = append(info.BlockedByDevices, b)
			if b.EstimatedRemainingMS > info.EstimatedWaitMS {
				info.EstimatedWaitMS = b.EstimatedRemainingMS
			}
		}
		qt.WaitingInfo = info
	}
}

// estimateRemaining extrapolates from progress so far; before any cell
// finished it falls back to the configured default. A coarse hint, not a
// guarantee.
func (o *Orchestrator) estimateRemaining(entry *runningTest) int64 {
	completed, total := entry.handle.Progress()
	if completed == 0 || total == 0 {
		return o.opt.DefaultEstimateMS
	}
	elapsed := time.Since(entry.qt.StartedAt).Milliseconds()
	remaining := elapsed * int64(total-completed) / int64(completed)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (o *Orchestrator) cancel(queueID, caller string) error {
	for i, qt := range o.queue {
		if qt.QueueID != queueID {
			continue
		}
		if qt.Requester != caller {
			return fmt.Errorf("%w: only %s may cancel %s", ErrForbidden, qt.Requester, queueID)
		}
		o.queue = append(o.queue[:i], o.queue[i+1:]...)
		qt.State = StateCancelled
		qt.CompletedAt = time.Now()
		o.remember(qt)
		o.updateQueueMetrics()
		o.refreshWaitingInfo()
		o.broadcast()
		o.logger.Info().Str("queue_id", queueID).Msg("queued test cancelled")
		return nil
	}

	if entry, ok := o.running[queueID]; ok {
		if entry.qt.Requester != caller {
			return fmt.Errorf("%w: only %s may cancel %s", ErrForbidden, entry.qt.Requester, queueID)
		}
		if !entry.cancelRequested {
			entry.cancelRequested = true
			entry.cancel()
			o.logger.Info().Str("queue_id", queueID).Str("execution_id", entry.qt.ExecutionID).Msg("running test cancelled")
		}
		return nil
	}

	if _, ok := o.finished[queueID]; ok {
		return nil // already terminal: idempotent success
	}
	return fmt.Errorf("%w: queue id %s", ErrNotFound, queueID)
}

func (o *Orchestrator) forceComplete(executionID, caller string) error {
	for _, entry := range o.running {
		if entry.qt.ExecutionID != executionID {
			continue
		}
		if entry.qt.Requester != caller {
			return fmt.Errorf("%w: only %s may force-complete %s", ErrForbidden, entry.qt.Requester, executionID)
		}
		return entry.handle.ForceComplete()
	}
	return fmt.Errorf("%w: execution id %s", ErrNotFound, executionID)
}

func (o *Orchestrator) queueStatus() QueueStatus {
	st := QueueStatus{Revision: o.revision}
	for _, qt := range o.queue {
		st.Queued = append(st.Queued, *qt)
	}
	for _, entry := range o.running {
		completed, total := entry.handle.Progress()
		st.Running = append(st.Running, RunningSummary{
			QueueID:     entry.qt.QueueID,
			ExecutionID: entry.qt.ExecutionID,
			Requester:   entry.qt.Requester,
			TestName:    entry.qt.TestName,
			Devices:     entry.qt.Request.Devices,
			StartedAt:   entry.qt.StartedAt,
			Completed:   completed,
			Total:       total,
		})
	}
	st.Completed = append(st.Completed, o.completed...)
	return st
}

func (o *Orchestrator) deviceStatuses(userName string) []DeviceStatus {
	reserved := make(map[device.ID]bool)
	if len(o.queue) > 0 {
		for _, id := range o.queue[0].Request.Devices {
			reserved[id] = true
		}
	}

	var out []DeviceStatus
	for _, info := range o.devices.All() {
		ds := DeviceStatus{DeviceID: info.ID, Status: DeviceAvailable}
		if l, held := o.locks[info.ID]; held {
			if entry, ok := o.running[l.queueID]; ok {
				ds.LockedBy = entry.qt.Requester
				ds.TestName = entry.qt.TestName
				ds.ExecutionID = entry.qt.ExecutionID
				if entry.qt.Requester == userName {
					ds.Status = DeviceBusyMine
				} else {
					ds.Status = DeviceBusyOther
				}
			} else {
				ds.Status = DeviceBusyOther
			}
		} else if reserved[info.ID] {
			ds.Status = DeviceReserved
		}
		out = append(out, ds)
	}
	return out
}

// broadcast publishes queue.updated with a monotonic revision.
func (o *Orchestrator) broadcast() {
	o.revision++
	if o.bus == nil {
		return
	}
	st := o.queueStatus()
	st.Revision = o.revision
	o.bus.Publish(bus.Event{Topic: bus.TopicQueueUpdated, Room: bus.RoomGlobal, Payload: st})
}
