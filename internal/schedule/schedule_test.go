// SPDX-License-Identifier: MIT

package schedule

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/orchestrator"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []orchestrator.SubmitRequest
	resp orchestrator.SubmitResponse
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// MockClock
type MockClock struct {
	mu    sync.Mutex
	now   time.Time
	Timer *MockTimer
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *MockClock) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Timer == nil {
		m.Timer = &MockTimer{CBox: make(chan time.Time, 1)}
	}
	return m.Timer
}

func (m *MockClock) GetTimer() *MockTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Timer
}

// MockTimer
type MockTimer struct {
	CBox chan time.Time
}

func (m *MockTimer) C() <-chan time.Time        { return m.CBox }
func (m *MockTimer) Stop() bool                 { return true }
func (m *MockTimer) Reset(d time.Duration) bool { return true }

func (m *MockTimer) Trigger() {
	select {
	case m.CBox <- time.Now():
	default:
	}
}

func testSchedule(name, cronExpr string) Schedule {
	return Schedule{
		Name:      name,
		Cron:      cronExpr,
		Timezone:  "UTC",
		Requester: "nightly-bot",
		Enabled:   true,
		Request: orchestrator.Request{
			Devices:   []device.ID{"A"},
			Scenarios: []string{"smoke"},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeSubmitter, *MockClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.json")
	sub := &fakeSubmitter{resp: orchestrator.SubmitResponse{Status: orchestrator.SubmitStarted, QueueID: "q1"}}
	m := NewManager(sub, path)
	clock := &MockClock{now: time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)}
	m.clock = clock
	return m, sub, clock, path
}

func TestAddComputesNextRun(t *testing.T) {
	m, _, clock, _ := newTestManager(t)

	s, err := m.Add(testSchedule("nightly", "0 4 * * *"))
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.Equal(t, clock.Now().Add(time.Hour), s.NextRunAt)
}

func TestAddRejectsBadCron(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.Add(testSchedule("bad", "not a cron"))
	require.Error(t, err)
}

func TestFireDueSubmitsSuite(t *testing.T) {
	m, sub, clock, _ := newTestManager(t)
	s, err := m.Add(testSchedule("nightly", "0 4 * * *"))
	require.NoError(t, err)

	clock.Advance(2 * time.Hour) // past 04:00
	m.fireDue(context.Background())

	require.Equal(t, 1, sub.count())
	require.Equal(t, orchestrator.TypeSuite, sub.reqs[0].Type)
	require.Equal(t, "nightly", sub.reqs[0].TestName)
	require.Equal(t, "nightly-bot", sub.reqs[0].Requester)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, clock.Now(), got.LastRunAt)
	require.True(t, got.NextRunAt.After(clock.Now()), "next run recomputed past now")
	require.Len(t, got.History, 1)
	require.Equal(t, "q1", got.History[0].QueueID)
}

func TestFireDueSkipsDisabled(t *testing.T) {
	m, sub, clock, _ := newTestManager(t)
	s := testSchedule("paused", "0 4 * * *")
	s.Enabled = false
	_, err := m.Add(s)
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	m.fireDue(context.Background())
	require.Zero(t, sub.count())
}

func TestRunNowDoesNotShiftCron(t *testing.T) {
	m, sub, _, _ := newTestManager(t)
	s, err := m.Add(testSchedule("nightly", "0 4 * * *"))
	require.NoError(t, err)
	next := s.NextRunAt

	_, err = m.RunNow(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, sub.count())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, next, got.NextRunAt)
	require.True(t, got.History[0].Manual)
}

func TestRunNowUnknown(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.RunNow(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	m, _, clock, path := newTestManager(t)
	s, err := m.Add(testSchedule("nightly", "0 4 * * *"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), s.ID)

	reloaded := NewManager(&fakeSubmitter{}, path)
	reloaded.clock = clock
	require.NoError(t, reloaded.Load())
	got, err := reloaded.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, "nightly", got.Name)
	require.Equal(t, s.NextRunAt, got.NextRunAt)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	m := NewManager(&fakeSubmitter{}, filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, m.Load())
	require.Empty(t, m.List())
}

func TestRemove(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, err := m.Add(testSchedule("nightly", "0 4 * * *"))
	require.NoError(t, err)
	require.NoError(t, m.Remove(s.ID))
	require.ErrorIs(t, m.Remove(s.ID), ErrNotFound)
}

func TestLoopFiresOnTimer(t *testing.T) {
	m, sub, clock, _ := newTestManager(t)
	_, err := m.Add(testSchedule("nightly", "0 4 * * *"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return clock.GetTimer() != nil }, time.Second, 5*time.Millisecond)
	clock.Advance(90 * time.Minute)
	clock.GetTimer().Trigger()

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
}
