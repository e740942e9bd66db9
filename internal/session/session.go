// SPDX-License-Identifier: MIT

// Package session manages per-device driver sessions: creation with a
// per-device mutex, unique driver/stream port allocation, a screenshot
// frame pump, health checks and a sweeper that retires idle or orphaned
// sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/bus"
	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/metrics"
)

// State is the lifecycle state of one session.
type State string

const (
	StateCreating  State = "creating"
	StateActive    State = "active"
	StateIdle      State = "idle"
	StateUnhealthy State = "unhealthy"
	StateClosed    State = "closed"
)

// Conn is an open driver connection. Closing it tears the session down on
// the device side.
type Conn interface {
	device.Driver
	Close() error
}

// Factory opens driver connections. Implementations map to the concrete
// device transport (adb forwards + driver handshake). driverPort carries
// commands, streamPort carries the screenshot stream.
type Factory interface {
	Open(ctx context.Context, id device.ID, driverPort, streamPort int) (Conn, error)
}

// Session is one live driver connection to one device.
type Session struct {
	DeviceID   device.ID `json:"deviceId"`
	DriverPort int       `json:"driverPort"`
	StreamPort int       `json:"streamPort"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`

	conn       Conn
	stopFrames chan struct{}
}

// Driver returns the driver bound to this session.
func (s *Session) Driver() device.Driver { return s.conn }

// Options tune the manager.
type Options struct {
	// BasePort is the first port handed to the factory; each live session
	// holds a distinct port at or above it.
	BasePort int

	// CreateTimeout bounds one factory.Open call.
	CreateTimeout time.Duration

	// IdleRetention is how long an idle session survives before the
	// sweeper retires it.
	IdleRetention time.Duration

	// SweepInterval is the sweeper cadence.
	SweepInterval time.Duration

	// FrameInterval is the screenshot stream cadence. Zero disables the
	// frame pump.
	FrameInterval time.Duration
}

func (o *Options) defaults() {
	if o.BasePort <= 0 {
		o.BasePort = 6790
	}
	if o.CreateTimeout <= 0 {
		o.CreateTimeout = 30 * time.Second
	}
	if o.IdleRetention <= 0 {
		o.IdleRetention = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// Manager owns all sessions. Ensure is safe for concurrent use; concurrent
// Ensure calls for the same device coalesce into a single create.
type Manager struct {
	factory Factory
	bus     *bus.Bus
	opt     Options
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[device.ID]*Session
	creating map[device.ID]*sync.Mutex
	ports    map[int]bool
}

// NewManager creates a session manager. eb may be nil in tests.
func NewManager(factory Factory, eb *bus.Bus, opt Options) *Manager {
	opt.defaults()
	return &Manager{
		factory:  factory,
		bus:      eb,
		opt:      opt,
		logger:   log.WithComponent("session"),
		sessions: make(map[device.ID]*Session),
		creating: make(map[device.ID]*sync.Mutex),
		ports:    make(map[int]bool),
	}
}

// Ensure returns a live session for the device, creating one if needed.
// Errors surface the device sentinels: ErrDeviceUnavailable when the
// transport cannot reach the device, ErrDriverRefused when the driver
// rejects the handshake.
func (m *Manager) Ensure(ctx context.Context, id device.ID) (*Session, error) {
	create := m.createLock(id)
	create.Lock()
	defer create.Unlock()

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && (s.State == StateActive || s.State == StateIdle) {
		s.State = StateActive
		s.LastUsed = time.Now()
		m.mu.Unlock()
		return s, nil
	}
	driverPort := m.allocPortLocked()
	streamPort := m.allocPortLocked()
	s := &Session{
		DeviceID:   id,
		DriverPort: driverPort,
		StreamPort: streamPort,
		State:      StateCreating,
		CreatedAt:  time.Now(),
		LastUsed:   time.Now(),
	}
	m.sessions[id] = s
	m.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, m.opt.CreateTimeout)
	defer cancel()

	conn, err := m.factory.Open(openCtx, id, driverPort, streamPort)
	if err != nil {
		m.mu.Lock()
		if m.sessions[id] == s {
			delete(m.sessions, id)
			delete(m.ports, driverPort)
			delete(m.ports, streamPort)
		}
		m.mu.Unlock()

		metrics.SessionCreateFailuresTotal.WithLabelValues(createFailureReason(err)).Inc()
		m.logger.Warn().Err(err).Str("device_id", string(id)).Int("driver_port", driverPort).Msg("session create failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("session %s: %w", id, device.ErrDeviceUnavailable)
		}
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	m.mu.Lock()
	// A Destroy or DeviceLeft may have raced the create and removed the
	// entry while Open was in flight; the fresh conn must not leak.
	if m.sessions[id] != s {
		m.mu.Unlock()
		_ = conn.Close()
		metrics.SessionCreateFailuresTotal.WithLabelValues("destroyed").Inc()
		m.logger.Warn().Str("device_id", string(id)).Msg("session destroyed during create")
		return nil, fmt.Errorf("session %s: %w", id, device.ErrSessionClosed)
	}
	s.conn = conn
	s.State = StateActive
	s.LastUsed = time.Now()
	if m.bus != nil && m.opt.FrameInterval > 0 {
		s.stopFrames = make(chan struct{})
		go m.streamFrames(id, conn, s.stopFrames)
	}
	m.mu.Unlock()

	metrics.SessionsActive.Inc()
	m.logger.Info().
		Str("device_id", string(id)).
		Int("driver_port", driverPort).
		Int("stream_port", streamPort).
		Msg("session created")
	m.publishHealth(id, StateActive, "")
	return s, nil
}

// EnsureDriver is Ensure reduced to the driver handle, for callers that
// do not care about session metadata.
func (m *Manager) EnsureDriver(ctx context.Context, id device.ID) (device.Driver, error) {
	s, err := m.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Driver(), nil
}

// Release marks the session idle; the sweeper reclaims it after the
// retention window.
func (m *Manager) Release(id device.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.State == StateActive {
		s.State = StateIdle
		s.LastUsed = time.Now()
	}
}

// Destroy closes and removes the session for a device. Destroying a device
// without a session is a no-op.
func (m *Manager) Destroy(ctx context.Context, id device.ID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	delete(m.ports, s.DriverPort)
	delete(m.ports, s.StreamPort)
	conn := s.conn
	created := s.State != StateCreating
	if s.stopFrames != nil {
		close(s.stopFrames)
		s.stopFrames = nil
	}
	s.State = StateClosed
	m.mu.Unlock()

	// The active gauge moves on successful creates only; a session torn
	// down mid-create was never counted.
	if created {
		metrics.SessionsActive.Dec()
	}
	m.logger.Info().Str("device_id", string(id)).Msg("session destroyed")
	m.publishHealth(id, StateClosed, "")
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Check pings the session's driver. A failed ping marks the session
// unhealthy and returns the error; callers decide whether to destroy.
func (m *Manager) Check(ctx context.Context, id device.ID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	conn := (Conn)(nil)
	if ok {
		conn = s.conn
	}
	m.mu.Unlock()
	if !ok || conn == nil {
		return fmt.Errorf("session %s: %w", id, device.ErrSessionClosed)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.WindowSize(pingCtx); err != nil {
		m.mu.Lock()
		if cur, ok := m.sessions[id]; ok {
			cur.State = StateUnhealthy
		}
		m.mu.Unlock()
		m.publishHealth(id, StateUnhealthy, err.Error())
		return fmt.Errorf("session %s: ping: %w", id, err)
	}
	return nil
}

// Get returns the session for a device, or nil.
func (m *Manager) Get(id device.ID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// List snapshots all sessions.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// DeviceLeft tears down the session of a device that disappeared from the
// registry.
func (m *Manager) DeviceLeft(ctx context.Context, id device.ID) {
	if m.Get(id) == nil {
		return
	}
	if err := m.Destroy(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("device_id", string(id)).Msg("session teardown after device left")
	}
}

// Run drives the sweeper until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.opt.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

// sweep retires idle sessions past retention and destroys unhealthy ones.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.opt.IdleRetention)

	m.mu.Lock()
	var expired []device.ID
	for id, s := range m.sessions {
		switch {
		case s.State == StateUnhealthy:
			expired = append(expired, id)
		case s.State == StateIdle && s.LastUsed.Before(cutoff):
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Debug().Str("device_id", string(id)).Msg("sweeping session")
		if err := m.Destroy(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("device_id", string(id)).Msg("sweep destroy")
		}
	}
}

// Close destroys all sessions.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	ids := make([]device.ID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("device_id", string(id)).Msg("close destroy")
		}
	}
}

// createLock returns the per-device create mutex, allocating it on first
// use.
func (m *Manager) createLock(id device.ID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.creating[id]
	if !ok {
		mu = &sync.Mutex{}
		m.creating[id] = mu
	}
	return mu
}

// allocPortLocked hands out the lowest free port at or above BasePort.
func (m *Manager) allocPortLocked() int {
	p := m.opt.BasePort
	for m.ports[p] {
		p++
	}
	m.ports[p] = true
	return p
}

// FramePayload is the screenshot.frame event body.
type FramePayload struct {
	DeviceID   device.ID `json:"deviceId"`
	Frame      []byte    `json:"frame"`
	CapturedAt time.Time `json:"capturedAt"`
}

// streamFrames publishes screenshot frames for one device at the
// configured cadence until stop closes. Slow subscribers are throttled
// by the bus; the pump never blocks on them.
func (m *Manager) streamFrames(id device.ID, conn Conn, stop <-chan struct{}) {
	t := time.NewTicker(m.opt.FrameInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			frame, err := conn.Screenshot(ctx)
			cancel()
			if err != nil {
				m.logger.Debug().Err(err).Str("device_id", string(id)).Msg("frame capture failed")
				continue
			}
			m.bus.Publish(bus.Event{
				Topic:   bus.TopicScreenshotFrame,
				Room:    bus.RoomDevice(string(id)),
				Payload: FramePayload{DeviceID: id, Frame: frame, CapturedAt: time.Now()},
			})
		}
	}
}

// HealthPayload is the session.health event body.
type HealthPayload struct {
	DeviceID device.ID `json:"deviceId"`
	State    State     `json:"state"`
	Reason   string    `json:"reason,omitempty"`
}

func (m *Manager) publishHealth(id device.ID, state State, reason string) {
	if m.bus == nil {
		return
	}
	payload := HealthPayload{DeviceID: id, State: state, Reason: reason}
	m.bus.Publish(bus.Event{Topic: bus.TopicSessionHealth, Room: bus.RoomDevice(string(id)), Payload: payload})
	m.bus.Publish(bus.Event{Topic: bus.TopicSessionHealth, Room: bus.RoomGlobal, Payload: payload})
}

func createFailureReason(err error) string {
	switch {
	case errors.Is(err, device.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, device.ErrDriverRefused):
		return "driver_refused"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
