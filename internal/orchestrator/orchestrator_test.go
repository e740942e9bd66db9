// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/device/devicetest"
	"github.com/tapgrid/tapgrid/internal/executor"
	"github.com/tapgrid/tapgrid/internal/scenario"
)

type fakeDevices struct {
	m map[device.ID]device.Info
}

func connectedDevices(ids ...device.ID) *fakeDevices {
	f := &fakeDevices{m: make(map[device.ID]device.Info)}
	for _, id := range ids {
		f.m[id] = device.Info{ID: id, Connected: true}
	}
	return f
}

func (f *fakeDevices) Get(id device.ID) (device.Info, bool) {
	info, ok := f.m[id]
	return info, ok
}

func (f *fakeDevices) All() []device.Info {
	out := make([]device.Info, 0, len(f.m))
	for _, info := range f.m {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// gatedDriver blocks every tap until its gate is released, so tests
// decide when an execution finishes.
type gatedDriver struct {
	devicetest.Driver
	gate chan struct{}
}

func (g *gatedDriver) Tap(ctx context.Context, p device.Point) error {
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type gatedSessions struct {
	mu      sync.Mutex
	gates   map[device.ID]*gatedDriver
	blocked map[device.ID]bool
}

func newGatedSessions() *gatedSessions {
	return &gatedSessions{gates: make(map[device.ID]*gatedDriver), blocked: make(map[device.ID]bool)}
}

func (s *gatedSessions) EnsureDriver(ctx context.Context, id device.ID) (device.Driver, error) {
	s.mu.Lock()
	if s.blocked[id] {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := s.gates[id]
	if d == nil {
		d = &gatedDriver{gate: make(chan struct{}, 64)}
		s.gates[id] = d
	}
	s.mu.Unlock()
	return d, nil
}

func (s *gatedSessions) Release(device.ID) {}

// release opens the gate for one device, letting its scenario pass. Each
// call admits exactly one tap, so a later execution on the same device
// blocks again and stays observable in the running set.
func (s *gatedSessions) release(id device.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.gates[id]
	if d == nil {
		d = &gatedDriver{gate: make(chan struct{}, 64)}
		s.gates[id] = d
	}
	select {
	case d.gate <- struct{}{}:
	default:
	}
}

type fakeScenarios map[string]*scenario.Graph

func (f fakeScenarios) Scenario(_ context.Context, id string) (*scenario.Graph, error) {
	if g, ok := f[id]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("scenario %s: not found", id)
}

func tapScenario(id string) *scenario.Graph {
	x, y := 0.5, 0.5
	return &scenario.Graph{
		ID: id,
		Nodes: []scenario.Node{
			{ID: "start", Kind: scenario.KindStart},
			{ID: "tap", Kind: scenario.KindAction, Action: &scenario.ActionParams{
				Type: scenario.ActionTap, XPercent: &x, YPercent: &y,
			}},
			{ID: "end", Kind: scenario.KindEnd},
		},
		Edges: []scenario.Edge{{From: 0, To: 1}, {From: 1, To: 2}},
	}
}

type fixture struct {
	orch     *Orchestrator
	sessions *gatedSessions
	devices  *fakeDevices
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, opt Options, deviceIDs ...device.ID) *fixture {
	t.Helper()
	sessions := newGatedSessions()
	scenarios := fakeScenarios{
		"s1": tapScenario("s1"), "s2": tapScenario("s2"), "s3": tapScenario("s3"),
	}
	devices := connectedDevices(deviceIDs...)
	exec := executor.New(sessions, scenarios, nil, executor.Options{})
	orch := New(exec, devices, scenarios, nil, opt)

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)
	t.Cleanup(cancel)
	return &fixture{orch: orch, sessions: sessions, devices: devices, cancel: cancel}
}

func (f *fixture) submit(t *testing.T, requester string, priority int, devices []device.ID, scenarios ...string) SubmitResponse {
	t.Helper()
	resp, err := f.orch.Submit(context.Background(), SubmitRequest{
		Request:   Request{Devices: devices, Scenarios: scenarios},
		Requester: requester,
		Priority:  priority,
	})
	require.NoError(t, err)
	return resp
}

func (f *fixture) status(t *testing.T) QueueStatus {
	t.Helper()
	st, err := f.orch.QueueStatus(context.Background())
	require.NoError(t, err)
	return st
}

func (f *fixture) waitRetired(t *testing.T, queueID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := f.status(t)
		for _, r := range st.Running {
			if r.QueueID == queueID {
				return false
			}
		}
		for _, q := range st.Queued {
			if q.QueueID == queueID {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func (f *fixture) waitRunning(t *testing.T, queueID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range f.status(t).Running {
			if r.QueueID == queueID {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitFreeDevicesStarts(t *testing.T) {
	f := newFixture(t, Options{}, "A", "B")
	resp := f.submit(t, "alice", 1, []device.ID{"A", "B"}, "s1")
	require.Equal(t, SubmitStarted, resp.Status)
	require.NotEmpty(t, resp.ExecutionID)

	f.sessions.release("A")
	f.sessions.release("B")
	f.waitRetired(t, resp.QueueID)

	st := f.status(t)
	require.Len(t, st.Completed, 1)
	require.True(t, st.Completed[0].Success)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, Options{}, "A")

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		Request: Request{Devices: []device.ID{"ghost"}, Scenarios: []string{"s1"}}, Requester: "alice",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.Submit(context.Background(), SubmitRequest{
		Request: Request{Devices: []device.ID{"A"}, Scenarios: []string{"nope"}}, Requester: "alice",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.Submit(context.Background(), SubmitRequest{
		Request: Request{Scenarios: []string{"s1"}}, Requester: "alice",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestContentionQueuesFIFO(t *testing.T) {
	f := newFixture(t, Options{}, "A", "B")

	r1 := f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	require.Equal(t, SubmitStarted, r1.Status)

	r2 := f.submit(t, "u2", 1, []device.ID{"A"}, "s2")
	require.Equal(t, SubmitQueued, r2.Status)
	require.Equal(t, 1, r2.Position)

	st := f.status(t)
	require.Len(t, st.Queued, 1)
	blocked := st.Queued[0].WaitingInfo.BlockedByDevices
	require.Len(t, blocked, 1)
	require.Equal(t, device.ID("A"), blocked[0].DeviceID)
	require.Equal(t, "u1", blocked[0].UsedBy)
	require.Positive(t, blocked[0].EstimatedRemainingMS)
	require.Equal(t, blocked[0].EstimatedRemainingMS, st.Queued[0].WaitingInfo.EstimatedWaitMS)

	// Disjoint set runs immediately.
	r3 := f.submit(t, "u3", 1, []device.ID{"B"}, "s3")
	require.Equal(t, SubmitStarted, r3.Status)

	// u1 finishes; u2 is admitted.
	f.sessions.release("A")
	f.waitRetired(t, r1.QueueID)
	f.waitRunning(t, r2.QueueID)
}

func TestWorkConservingPriorityScan(t *testing.T) {
	f := newFixture(t, Options{}, "A", "B", "C")

	r1 := f.submit(t, "u1", 1, []device.ID{"A", "B"}, "s1")
	require.Equal(t, SubmitStarted, r1.Status)

	rHead := f.submit(t, "u2", 1, []device.ID{"A"}, "s2")
	require.Equal(t, SubmitQueued, rHead.Status)

	// Lower priority, later submission, disjoint devices: runs at once.
	rC := f.submit(t, "u3", 0, []device.ID{"C"}, "s3")
	require.Equal(t, SubmitStarted, rC.Status)

	// A later equal-priority item on A must stay behind the head.
	rTail := f.submit(t, "u4", 1, []device.ID{"A"}, "s2")
	require.Equal(t, SubmitQueued, rTail.Status)
	require.Equal(t, 2, rTail.Position)

	f.sessions.release("A")
	f.sessions.release("B")
	f.waitRetired(t, r1.QueueID)
	f.waitRunning(t, rHead.QueueID)

	st := f.status(t)
	require.Len(t, st.Queued, 1)
	require.Equal(t, rTail.QueueID, st.Queued[0].QueueID)
	require.Equal(t, 1, st.Queued[0].WaitingInfo.QueuePosition, "positions stay contiguous from 1")
}

func TestSplitExecution(t *testing.T) {
	f := newFixture(t, Options{SplitOnPartial: true}, "A", "B", "C")

	r0 := f.submit(t, "u0", 1, []device.ID{"C"}, "s1")
	require.Equal(t, SubmitStarted, r0.Status)

	resp := f.submit(t, "u1", 1, []device.ID{"A", "B", "C"}, "s2")
	require.Equal(t, SubmitPartial, resp.Status)
	require.NotNil(t, resp.Split)
	require.ElementsMatch(t, []device.ID{"A", "B"}, resp.Split.RunningDevices)
	require.Equal(t, []device.ID{"C"}, resp.Split.QueuedDevices)

	st := f.status(t)
	require.Len(t, st.Queued, 1)
	require.Equal(t, resp.QueueID, st.Queued[0].SplitFrom, "queued half names its lineage")
	require.Equal(t, "u1", st.Queued[0].Requester)
}

func TestAllOrNothingWithoutSplit(t *testing.T) {
	f := newFixture(t, Options{}, "A", "B")

	f.submit(t, "u0", 1, []device.ID{"B"}, "s1")
	resp := f.submit(t, "u1", 1, []device.ID{"A", "B"}, "s2")
	require.Equal(t, SubmitQueued, resp.Status, "partial availability queues the whole request by default")
}

func TestIdenticalSubmitsStayIndependent(t *testing.T) {
	f := newFixture(t, Options{}, "A")

	r1 := f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	r2 := f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	require.NotEqual(t, r1.QueueID, r2.QueueID)

	require.NoError(t, f.orch.Cancel(context.Background(), r2.QueueID, "u1"))
	st := f.status(t)
	require.Empty(t, st.Queued)
	require.Len(t, st.Running, 1)
	require.Equal(t, r1.QueueID, st.Running[0].QueueID)
}

func TestCancelAuthorisation(t *testing.T) {
	f := newFixture(t, Options{}, "A")

	r1 := f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	require.ErrorIs(t, f.orch.Cancel(context.Background(), r1.QueueID, "mallory"), ErrForbidden)
	require.ErrorIs(t, f.orch.Cancel(context.Background(), "missing", "u1"), ErrNotFound)
}

func TestCancelRunningReleasesDevice(t *testing.T) {
	f := newFixture(t, Options{}, "A")

	r1 := f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	require.NoError(t, f.orch.Cancel(context.Background(), r1.QueueID, "u1"))
	f.waitRetired(t, r1.QueueID)

	require.Eventually(t, func() bool {
		statuses, err := f.orch.DeviceStatuses(context.Background(), "u1")
		require.NoError(t, err)
		return statuses[0].Status == DeviceAvailable
	}, 5*time.Second, 10*time.Millisecond)

	// Cancelling a terminal item is an idempotent success.
	require.NoError(t, f.orch.Cancel(context.Background(), r1.QueueID, "u1"))
}

func TestDeviceStatusProjection(t *testing.T) {
	f := newFixture(t, Options{}, "A", "B")

	f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	mine, err := f.orch.DeviceStatuses(context.Background(), "u1")
	require.NoError(t, err)
	other, err := f.orch.DeviceStatuses(context.Background(), "u2")
	require.NoError(t, err)

	byID := func(list []DeviceStatus, id device.ID) DeviceStatus {
		for _, d := range list {
			if d.DeviceID == id {
				return d
			}
		}
		t.Fatalf("device %s missing", id)
		return DeviceStatus{}
	}
	require.Equal(t, DeviceBusyMine, byID(mine, "A").Status)
	require.Equal(t, DeviceBusyOther, byID(other, "A").Status)
	require.Equal(t, "u1", byID(other, "A").LockedBy)
	require.Equal(t, DeviceAvailable, byID(mine, "B").Status)
}

func TestForceCompleteThroughScheduler(t *testing.T) {
	f := newFixture(t, Options{}, "A", "C")
	f.sessions.blocked["C"] = true

	f.sessions.release("A")
	resp := f.submit(t, "u1", 1, []device.ID{"A", "C"}, "s1")
	require.Equal(t, SubmitStarted, resp.Status)

	// A finishes; C stays waiting on a session that never materialises.
	require.Eventually(t, func() bool {
		err := f.orch.ForceComplete(context.Background(), resp.ExecutionID, "u1")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	f.waitRetired(t, resp.QueueID)
	st := f.status(t)
	require.Len(t, st.Completed, 1)
}

func TestForceCompleteAuthAndNotFound(t *testing.T) {
	f := newFixture(t, Options{}, "A")

	resp := f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	require.ErrorIs(t, f.orch.ForceComplete(context.Background(), resp.ExecutionID, "mallory"), ErrForbidden)
	require.ErrorIs(t, f.orch.ForceComplete(context.Background(), "missing", "u1"), ErrNotFound)
}

func TestQueuePositionsContiguous(t *testing.T) {
	f := newFixture(t, Options{}, "A")

	f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	q1 := f.submit(t, "u2", 1, []device.ID{"A"}, "s1")
	q2 := f.submit(t, "u3", 1, []device.ID{"A"}, "s1")
	q3 := f.submit(t, "u4", 1, []device.ID{"A"}, "s1")

	st := f.status(t)
	require.Len(t, st.Queued, 3)
	for i, q := range st.Queued {
		require.Equal(t, i+1, q.WaitingInfo.QueuePosition)
	}

	require.NoError(t, f.orch.Cancel(context.Background(), q2.QueueID, "u3"))
	st = f.status(t)
	require.Len(t, st.Queued, 2)
	require.Equal(t, q1.QueueID, st.Queued[0].QueueID)
	require.Equal(t, 1, st.Queued[0].WaitingInfo.QueuePosition)
	require.Equal(t, q3.QueueID, st.Queued[1].QueueID)
	require.Equal(t, 2, st.Queued[1].WaitingInfo.QueuePosition)
}

func TestHigherPriorityJumpsQueue(t *testing.T) {
	f := newFixture(t, Options{}, "A")

	f.submit(t, "u1", 1, []device.ID{"A"}, "s1")
	low := f.submit(t, "u2", 0, []device.ID{"A"}, "s1")
	high := f.submit(t, "u3", 2, []device.ID{"A"}, "s1")

	st := f.status(t)
	require.Equal(t, high.QueueID, st.Queued[0].QueueID)
	require.Equal(t, low.QueueID, st.Queued[1].QueueID)
}
