// SPDX-License-Identifier: MIT

// Package schedule fires saved suites into the orchestrator on cron
// cadences, tracks per-schedule run history, and persists timing state
// atomically to schedules.json.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/log"
	"github.com/tapgrid/tapgrid/internal/orchestrator"
)

// ErrNotFound reports an unknown schedule id.
var ErrNotFound = errors.New("schedule not found")

const historyCap = 10

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

// Submitter is the slice of the orchestrator the manager needs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResponse, error)
}

// RunRecord is one history entry of one schedule.
type RunRecord struct {
	FiredAt time.Time                 `json:"firedAt"`
	Status  orchestrator.SubmitStatus `json:"status,omitempty"`
	QueueID string                    `json:"queueId,omitempty"`
	Error   string                    `json:"error,omitempty"`
	Manual  bool                      `json:"manual,omitempty"`
}

// Schedule is one saved cron-fired suite.
type Schedule struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Cron      string               `json:"cron"`
	Timezone  string               `json:"timezone,omitempty"`
	Requester string               `json:"requester"`
	Request   orchestrator.Request `json:"request"`
	Enabled   bool                 `json:"enabled"`

	LastRunAt time.Time   `json:"lastRunAt,omitempty"`
	NextRunAt time.Time   `json:"nextRunAt,omitempty"`
	History   []RunRecord `json:"history,omitempty"`
}

// Manager holds the schedules and the firing loop.
type Manager struct {
	submitter Submitter
	path      string
	logger    zerolog.Logger

	// Dependencies
	clock Clock

	mu        sync.Mutex
	schedules map[string]*Schedule
	parsed    map[string]cron.Schedule
	kick      chan struct{}
}

// NewManager creates a schedule manager persisting to path.
func NewManager(submitter Submitter, path string) *Manager {
	return &Manager{
		submitter: submitter,
		path:      path,
		logger:    log.WithComponent("schedule"),
		clock:     RealClock{},
		schedules: make(map[string]*Schedule),
		parsed:    make(map[string]cron.Schedule),
		kick:      make(chan struct{}, 1),
	}
}

// parseCron compiles the expression, applying the schedule timezone when
// set; otherwise the host timezone applies.
func parseCron(expr, tz string) (cron.Schedule, error) {
	if tz != "" {
		expr = fmt.Sprintf("CRON_TZ=%s %s", tz, expr)
	}
	return cron.ParseStandard(expr)
}

// Load reads schedules.json; a missing file is an empty schedule set.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schedules: %w", err)
	}
	var list []*Schedule
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode schedules: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range list {
		sched, err := parseCron(s.Cron, s.Timezone)
		if err != nil {
			m.logger.Warn().Err(err).Str("schedule_id", s.ID).Str("cron", s.Cron).Msg("skipping unparsable schedule")
			continue
		}
		if s.NextRunAt.IsZero() || s.NextRunAt.Before(m.clock.Now()) {
			s.NextRunAt = sched.Next(m.clock.Now())
		}
		m.schedules[s.ID] = s
		m.parsed[s.ID] = sched
	}
	m.logger.Info().Int("schedules", len(m.schedules)).Msg("schedules loaded")
	return nil
}

// Add registers a schedule, computes its first fire time and persists.
func (m *Manager) Add(s Schedule) (Schedule, error) {
	sched, err := parseCron(s.Cron, s.Timezone)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron %q: %w", s.Cron, err)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.NextRunAt = sched.Next(m.clock.Now())

	m.mu.Lock()
	m.schedules[s.ID] = &s
	m.parsed[s.ID] = sched
	m.mu.Unlock()

	m.wake()
	return s, m.persist()
}

// Update replaces a schedule in place, recomputing its next fire time.
func (m *Manager) Update(s Schedule) (Schedule, error) {
	sched, err := parseCron(s.Cron, s.Timezone)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron %q: %w", s.Cron, err)
	}

	m.mu.Lock()
	old, ok := m.schedules[s.ID]
	if !ok {
		m.mu.Unlock()
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	s.LastRunAt = old.LastRunAt
	s.History = old.History
	s.NextRunAt = sched.Next(m.clock.Now())
	m.schedules[s.ID] = &s
	m.parsed[s.ID] = sched
	m.mu.Unlock()

	m.wake()
	return s, m.persist()
}

// Remove deletes a schedule and persists.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	if _, ok := m.schedules[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.schedules, id)
	delete(m.parsed, id)
	m.mu.Unlock()
	return m.persist()
}

// Get returns one schedule by id.
func (m *Manager) Get(id string) (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *s, nil
}

// List returns all schedules sorted by name then id.
func (m *Manager) List() []Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RunNow fires a schedule immediately; cron timing is unaffected.
func (m *Manager) RunNow(ctx context.Context, id string) (orchestrator.SubmitResponse, error) {
	m.mu.Lock()
	s, ok := m.schedules[id]
	if !ok {
		m.mu.Unlock()
		return orchestrator.SubmitResponse{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	req := m.submitRequestLocked(s)
	m.mu.Unlock()

	resp, err := m.submitter.Submit(ctx, req)
	m.record(id, resp, err, true)
	return resp, err
}

// Start begins the firing loop in a background goroutine. It returns
// immediately. The loop stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	m.logger.Info().Msg("schedule manager started")

	timer := m.clock.NewTimer(m.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("schedule manager stopping")
			return
		case <-m.kick:
			timer.Reset(m.untilNext())
		case <-timer.C():
			m.fireDue(ctx)
			timer.Reset(m.untilNext())
		}
	}
}

// untilNext is the sleep until the earliest NextRunAt, clamped so a
// mis-set wall clock cannot park the loop forever.
func (m *Manager) untilNext() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	const idle = time.Minute
	next := time.Duration(0)
	found := false
	now := m.clock.Now()
	for _, s := range m.schedules {
		if !s.Enabled || s.NextRunAt.IsZero() {
			continue
		}
		d := s.NextRunAt.Sub(now)
		if !found || d < next {
			next = d
			found = true
		}
	}
	if !found {
		return idle
	}
	if next < time.Second {
		next = time.Second
	}
	if next > idle {
		next = idle
	}
	return next
}

// fireDue submits every enabled schedule whose NextRunAt has passed.
func (m *Manager) fireDue(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	type firing struct {
		id  string
		req orchestrator.SubmitRequest
	}
	var due []firing
	for id, s := range m.schedules {
		if !s.Enabled || s.NextRunAt.IsZero() || s.NextRunAt.After(now) {
			continue
		}
		due = append(due, firing{id: id, req: m.submitRequestLocked(s)})
		s.LastRunAt = now
		s.NextRunAt = m.parsed[id].Next(now)
	}
	m.mu.Unlock()

	for _, f := range due {
		submitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		resp, err := m.submitter.Submit(submitCtx, f.req)
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Str("schedule_id", f.id).Msg("scheduled submit failed")
		} else {
			m.logger.Info().Str("schedule_id", f.id).Str("queue_id", resp.QueueID).Str("status", string(resp.Status)).Msg("schedule fired")
		}
		m.record(f.id, resp, err, false)
	}
	if len(due) > 0 {
		if err := m.persist(); err != nil {
			m.logger.Warn().Err(err).Msg("persist schedules")
		}
	}
}

func (m *Manager) submitRequestLocked(s *Schedule) orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		Request:   s.Request,
		Requester: s.Requester,
		TestName:  s.Name,
		Type:      orchestrator.TypeSuite,
	}
}

// record pushes a history entry, newest first, bounded by historyCap.
func (m *Manager) record(id string, resp orchestrator.SubmitResponse, err error, manual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return
	}
	rec := RunRecord{FiredAt: m.clock.Now(), Manual: manual}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Status = resp.Status
		rec.QueueID = resp.QueueID
	}
	s.History = append([]RunRecord{rec}, s.History...)
	if len(s.History) > historyCap {
		s.History = s.History[:historyCap]
	}
}

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// persist writes schedules.json atomically.
func (m *Manager) persist() error {
	m.mu.Lock()
	list := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	data, err := json.MarshalIndent(list, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode schedules: %w", err)
	}
	if err := renameio.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", m.path, err)
	}
	return nil
}
