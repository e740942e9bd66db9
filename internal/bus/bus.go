// SPDX-License-Identifier: MIT

package bus

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tapgrid/tapgrid/internal/metrics"
)

const (
	// DefaultQueueDepth bounds each subscriber's pending event queue.
	DefaultQueueDepth = 256

	// screenshot frames are throttled per subscriber so a fast device
	// cannot starve slower telemetry.
	defaultFrameRate  = rate.Limit(10)
	defaultFrameBurst = 20
)

// Bus fans out events to subscribers grouped by room. Publish never blocks
// the caller; slow subscribers lose oldest telemetry first and never lose
// terminal events.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*Subscriber // room -> subscribers
	seq        map[string]uint64        // room -> last assigned sequence
	queueDepth int
	frameRate  rate.Limit
	frameBurst int
	closed     bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueDepth overrides the per-subscriber queue bound.
func WithQueueDepth(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueDepth = n
		}
	}
}

// WithFrameRate overrides the per-subscriber screenshot frame throttle.
func WithFrameRate(limit rate.Limit, burst int) Option {
	return func(b *Bus) {
		b.frameRate = limit
		b.frameBurst = burst
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string][]*Subscriber),
		seq:        make(map[string]uint64),
		queueDepth: DefaultQueueDepth,
		frameRate:  defaultFrameRate,
		frameBurst: defaultFrameBurst,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish assigns the event its room sequence number and fans it out to all
// current subscribers of the room. It never blocks and never fails; overflow
// is handled per subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Room == "" {
		e.Room = RoomGlobal
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq[e.Room]++
	e.Seq = b.seq[e.Room]
	subs := append([]*Subscriber(nil), b.subs[e.Room]...)
	b.mu.Unlock()

	metrics.BusPublishedTotal.WithLabelValues(string(e.Topic)).Inc()
	for _, s := range subs {
		s.push(e)
	}
}

// Subscribe registers a subscriber for the given rooms. The returned
// subscriber owns a bounded queue and a drain goroutine; callers must Close
// it when done (client disconnect is treated as unsubscription).
func (b *Bus) Subscribe(rooms ...string) *Subscriber {
	if len(rooms) == 0 {
		rooms = []string{RoomGlobal}
	}
	s := &Subscriber{
		bus:    b,
		rooms:  rooms,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		max:    b.queueDepth,
		frames: rate.NewLimiter(b.frameRate, b.frameBurst),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		close(s.done)
		return s
	}
	for _, room := range rooms {
		b.subs[room] = append(b.subs[room], s)
	}
	b.mu.Unlock()

	metrics.BusSubscribers.Inc()
	go s.drain()
	return s
}

// Join adds the subscriber to an additional room after creation.
func (b *Bus) Join(s *Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || s.isClosed() {
		return
	}
	for _, r := range s.rooms {
		if r == room {
			return
		}
	}
	s.rooms = append(s.rooms, room)
	b.subs[room] = append(b.subs[room], s)
}

// Leave removes the subscriber from one room, keeping other memberships.
func (b *Bus) Leave(s *Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s, room)
	for i, r := range s.rooms {
		if r == room {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			break
		}
	}
}

// Close shuts the bus down and closes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscriber
	seen := make(map[*Subscriber]bool)
	for _, lst := range b.subs {
		for _, s := range lst {
			if !seen[s] {
				seen[s] = true
				all = append(all, s)
			}
		}
	}
	b.subs = make(map[string][]*Subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

func (b *Bus) removeLocked(s *Subscriber, room string) {
	lst := b.subs[room]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(b.subs, room)
	} else {
		b.subs[room] = out
	}
}

// unsubscribe detaches the subscriber from all of its rooms.
func (b *Bus) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, room := range s.rooms {
		b.removeLocked(s, room)
	}
}

// Subscriber is one receiver with a bounded pending queue.
type Subscriber struct {
	bus    *Bus
	rooms  []string
	max    int
	frames *rate.Limiter

	mu      sync.Mutex
	pending []Event
	closed  bool

	out    chan Event
	notify chan struct{}
	done   chan struct{}
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscriber is closed.
func (s *Subscriber) Events() <-chan Event {
	return s.out
}

// Rooms returns the rooms this subscriber is attached to.
func (s *Subscriber) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rooms...)
}

// Close detaches the subscriber from the bus and closes its event channel.
// Idempotent.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s)
	s.close()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	metrics.BusSubscribers.Dec()
	close(s.done)
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push enqueues an event, applying the overflow policy: drop the oldest
// non-terminal event when full; an incoming non-terminal event is dropped
// outright if the queue holds only terminal events. Terminal events are
// always enqueued.
func (s *Subscriber) push(e Event) {
	if e.Topic == TopicScreenshotFrame && !s.frames.Allow() {
		metrics.IncBusDrop(string(e.Topic), "throttled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.pending) >= s.max {
		dropped := false
		for i, old := range s.pending {
			if !old.terminal() {
				metrics.IncBusDrop(string(old.Topic), "overflow")
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && !e.terminal() {
			metrics.IncBusDrop(string(e.Topic), "overflow")
			return
		}
	}
	s.pending = append(s.pending, e)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain moves events from the pending queue to the out channel, preserving
// per-room order.
func (s *Subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next Event
		have := false
		if len(s.pending) > 0 {
			next = s.pending[0]
			s.pending = s.pending[1:]
			have = true
		}
		s.mu.Unlock()

		if have {
			select {
			case s.out <- next:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
