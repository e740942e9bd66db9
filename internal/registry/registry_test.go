// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapgrid/tapgrid/internal/device"
)

type fakeTransport struct {
	mu      sync.Mutex
	devices []device.Info
	err     error
}

func (f *fakeTransport) List(ctx context.Context) ([]device.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]device.Info(nil), f.devices...), nil
}

func (f *fakeTransport) set(devices ...device.Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func TestPollDiffing(t *testing.T) {
	tr := &fakeTransport{}
	tr.set(device.Info{ID: "a", Model: "pixel"}, device.Info{ID: "b", Model: "galaxy"})
	r := New(tr, nil)

	var arrived []device.ID
	var departed []device.ID
	r.OnArrival = func(info device.Info) { arrived = append(arrived, info.ID) }
	r.OnDeparture = func(id device.ID) { departed = append(departed, id) }

	require.NoError(t, r.PollOnce(context.Background()))
	require.ElementsMatch(t, []device.ID{"a", "b"}, arrived)
	require.Empty(t, departed)

	// No change: no new events.
	arrived = nil
	require.NoError(t, r.PollOnce(context.Background()))
	require.Empty(t, arrived)

	// b drops out.
	tr.set(device.Info{ID: "a", Model: "pixel"})
	require.NoError(t, r.PollOnce(context.Background()))
	require.Equal(t, []device.ID{"b"}, departed)

	require.Len(t, r.Connected(), 1)
	require.Len(t, r.All(), 2, "departed devices stay known")
}

func TestAliasSurvivesReconnect(t *testing.T) {
	tr := &fakeTransport{}
	tr.set(device.Info{ID: "a"})
	r := New(tr, nil)
	require.NoError(t, r.PollOnce(context.Background()))
	require.NoError(t, r.SetAlias("a", "lobby-phone"))
	require.NoError(t, r.SetRole("a", "primary"))

	tr.set()
	require.NoError(t, r.PollOnce(context.Background()))
	tr.set(device.Info{ID: "a"})
	require.NoError(t, r.PollOnce(context.Background()))

	info, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, "lobby-phone", info.Alias)
	require.Equal(t, "primary", info.Role)
	require.True(t, info.Connected)
}

func TestSetAliasUnknownDevice(t *testing.T) {
	r := New(&fakeTransport{}, nil)
	require.Error(t, r.SetAlias("ghost", "x"))
}

func TestPollErrorKeepsState(t *testing.T) {
	tr := &fakeTransport{}
	tr.set(device.Info{ID: "a"})
	r := New(tr, nil)
	require.NoError(t, r.PollOnce(context.Background()))

	tr.mu.Lock()
	tr.err = errors.New("adb gone")
	tr.mu.Unlock()
	require.Error(t, r.PollOnce(context.Background()))
	require.Len(t, r.Connected(), 1, "transport errors do not mark devices departed")
}

// MockClock
type MockClock struct {
	mu    sync.Mutex
	Timer *MockTimer
}

func (m *MockClock) Now() time.Time { return time.Now() }

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

func TestLoopPollsOnTimer(t *testing.T) {
	tr := &fakeTransport{}
	tr.set(device.Info{ID: "a"})
	r := New(tr, nil)

	mockClock := &MockClock{}
	r.clock = mockClock

	arrivedCh := make(chan device.ID, 1)
	r.OnArrival = func(info device.Info) { arrivedCh <- info.ID }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	require.Eventually(t, func() bool { return mockClock.GetTimer() != nil }, time.Second, 5*time.Millisecond)
	mockClock.GetTimer().Trigger()

	select {
	case id := <-arrivedCh:
		require.Equal(t, device.ID("a"), id)
	case <-time.After(time.Second):
		t.Fatal("poll did not run after timer fired")
	}
}
