// SPDX-License-Identifier: MIT

// Package registry tracks connected devices by polling a transport and
// diffing against the last observed set. Aliases and roles assigned by
// users survive disconnects.
package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/bus"
	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/metrics"
)

// Transport lists the devices currently reachable on the host.
type Transport interface {
	List(ctx context.Context) ([]device.Info, error)
}

// Clock interface for mocking time
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer interface for mocking time.Timer
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// RealClock implements Clock using standard time package
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
func (RealClock) NewTimer(d time.Duration) Timer {
	return &RealTimer{t: time.NewTimer(d)}
}

// RealTimer wraps time.Timer
type RealTimer struct {
	t *time.Timer
}

func (r *RealTimer) C() <-chan time.Time        { return r.t.C }
func (r *RealTimer) Stop() bool                 { return r.t.Stop() }
func (r *RealTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// ChangePayload is the body of arrival/departure events.
type ChangePayload struct {
	DeviceID device.ID `json:"deviceId"`
	Change   string    `json:"change"` // "arrived" | "departed"
	Alias    string    `json:"alias,omitempty"`
}

// Registry is the device inventory.
type Registry struct {
	transport Transport
	bus       *bus.Bus
	logger    zerolog.Logger

	// Config
	Interval time.Duration
	Jitter   time.Duration

	// Dependencies
	clock Clock

	// Hooks, called from the poll goroutine. Optional.
	OnArrival   func(device.Info)
	OnDeparture func(device.ID)

	mu      sync.Mutex
	devices map[device.ID]*entry
}

type entry struct {
	info      device.Info
	alias     string
	role      string
	connected bool
	lastSeen  time.Time
}

// New creates a registry over the given transport. eb may be nil in tests.
func New(transport Transport, eb *bus.Bus) *Registry {
	return &Registry{
		transport: transport,
		bus:       eb,
		logger:    log.WithComponent("registry"),
		Interval:  5 * time.Second,
		Jitter:    time.Second,
		clock:     RealClock{},
		devices:   make(map[device.ID]*entry),
	}
}

// Start begins the poll loop in a background goroutine. It returns
// immediately; the loop stops when ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Registry) loop(ctx context.Context) {
	r.logger.Info().Dur("interval", r.Interval).Msg("registry started")

	timer := r.clock.NewTimer(r.nextDuration())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("registry stopping")
			return
		case <-timer.C():
			if err := r.PollOnce(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("device poll failed")
			}
			timer.Reset(r.nextDuration())
		}
	}
}

func (r *Registry) nextDuration() time.Duration {
	d := r.Interval
	if r.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(r.Jitter)))
	}
	return d
}

// PollOnce lists the transport and applies arrivals and departures.
func (r *Registry) PollOnce(ctx context.Context) error {
	listed, err := r.transport.List(ctx)
	if err != nil {
		metrics.RegistryPollsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("list devices: %w", err)
	}
	metrics.RegistryPollsTotal.WithLabelValues("ok").Inc()

	now := r.clock.Now()
	seen := make(map[device.ID]bool, len(listed))

	var arrivals []device.Info
	var departures []device.ID

	r.mu.Lock()
	for _, info := range listed {
		seen[info.ID] = true
		e, ok := r.devices[info.ID]
		if !ok {
			e = &entry{}
			r.devices[info.ID] = e
		}
		wasConnected := e.connected
		e.info = info
		e.connected = true
		e.lastSeen = now
		if !wasConnected {
			arrivals = append(arrivals, r.mergedLocked(e))
		}
	}
	for id, e := range r.devices {
		if e.connected && !seen[id] {
			e.connected = false
			departures = append(departures, id)
		}
	}
	connected := 0
	for _, e := range r.devices {
		if e.connected {
			connected++
		}
	}
	r.mu.Unlock()

	metrics.DevicesConnected.Set(float64(connected))

	for _, info := range arrivals {
		r.logger.Info().Str("device_id", string(info.ID)).Str("model", info.Model).Msg("device arrived")
		r.publishChange(info.ID, "arrived", info.Alias)
		if r.OnArrival != nil {
			r.OnArrival(info)
		}
	}
	for _, id := range departures {
		r.logger.Info().Str("device_id", string(id)).Msg("device departed")
		r.publishChange(id, "departed", "")
		if r.OnDeparture != nil {
			r.OnDeparture(id)
		}
	}
	return nil
}

func (r *Registry) publishChange(id device.ID, change, alias string) {
	if r.bus == nil {
		return
	}
	payload := ChangePayload{DeviceID: id, Change: change, Alias: alias}
	r.bus.Publish(bus.Event{Topic: bus.TopicSessionHealth, Room: bus.RoomDevice(string(id)), Payload: payload})
	r.bus.Publish(bus.Event{Topic: bus.TopicSessionHealth, Room: bus.RoomGlobal, Payload: payload})
}

// mergedLocked overlays user-set alias/role onto the transport info.
func (r *Registry) mergedLocked(e *entry) device.Info {
	info := e.info
	info.Alias = e.alias
	info.Role = e.role
	info.Connected = e.connected
	info.LastSeen = e.lastSeen
	return info
}

// Get returns the device and whether it is known (connected or not).
func (r *Registry) Get(id device.ID) (device.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return device.Info{}, false
	}
	return r.mergedLocked(e), true
}

// Connected returns all currently connected devices, sorted by id.
func (r *Registry) Connected() []device.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []device.Info
	for _, e := range r.devices {
		if e.connected {
			out = append(out, r.mergedLocked(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every known device, connected or not, sorted by id.
func (r *Registry) All() []device.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Info, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, r.mergedLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetAlias names a device; the alias survives disconnects.
func (r *Registry) SetAlias(id device.ID, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: unknown", id)
	}
	e.alias = alias
	return nil
}

// SetRole tags a device with a role; the role survives disconnects.
func (r *Registry) SetRole(id device.ID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("device %s: unknown", id)
	}
	e.role = role
	return nil
}
