// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tapgrid/tapgrid/internal/bus"
	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/executor"
	"github.com/tapgrid/tapgrid/internal/orchestrator"
	"github.com/tapgrid/tapgrid/internal/schedule"
	"github.com/tapgrid/tapgrid/internal/session"
	"github.com/tapgrid/tapgrid/internal/store"
)

type fakeQueue struct {
	submitted  []orchestrator.SubmitRequest
	submitResp orchestrator.SubmitResponse
	submitErr  error
	cancelErr  error
	forceErr   error
	status     orchestrator.QueueStatus
}

func (f *fakeQueue) Submit(_ context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResponse, error) {
	f.submitted = append(f.submitted, req)
	return f.submitResp, f.submitErr
}

func (f *fakeQueue) Cancel(context.Context, string, string) error        { return f.cancelErr }
func (f *fakeQueue) ForceComplete(context.Context, string, string) error { return f.forceErr }
func (f *fakeQueue) QueueStatus(context.Context) (orchestrator.QueueStatus, error) {
	return f.status, nil
}
func (f *fakeQueue) DeviceStatuses(context.Context, string) ([]orchestrator.DeviceStatus, error) {
	return nil, nil
}

type fakeSessions struct {
	ensured   []device.ID
	destroyed []device.ID
	err       error
}

func (f *fakeSessions) Ensure(_ context.Context, id device.ID) (*session.Session, error) {
	f.ensured = append(f.ensured, id)
	if f.err != nil {
		return nil, f.err
	}
	return &session.Session{DeviceID: id, DriverPort: 6790, StreamPort: 6791, State: session.StateActive}, nil
}

func (f *fakeSessions) Destroy(_ context.Context, id device.ID) error {
	f.destroyed = append(f.destroyed, id)
	return f.err
}

func (f *fakeSessions) List() []session.Session { return nil }

type fakeDevices struct {
	infos   []device.Info
	aliased map[device.ID]string
}

func (f *fakeDevices) All() []device.Info { return f.infos }

func (f *fakeDevices) SetAlias(id device.ID, alias string) error {
	for _, d := range f.infos {
		if d.ID == id {
			if f.aliased == nil {
				f.aliased = map[device.ID]string{}
			}
			f.aliased[id] = alias
			return nil
		}
	}
	return fmt.Errorf("unknown device %s", id)
}

func (f *fakeDevices) SetRole(id device.ID, _ string) error {
	return f.SetAlias(id, "")
}

type fakeSchedules struct {
	added []schedule.Schedule
}

func (f *fakeSchedules) Add(s schedule.Schedule) (schedule.Schedule, error) {
	s.ID = "sch-1"
	f.added = append(f.added, s)
	return s, nil
}
func (f *fakeSchedules) Update(s schedule.Schedule) (schedule.Schedule, error) { return s, nil }
func (f *fakeSchedules) Remove(string) error                                   { return schedule.ErrNotFound }
func (f *fakeSchedules) Get(string) (schedule.Schedule, error) {
	return schedule.Schedule{}, schedule.ErrNotFound
}
func (f *fakeSchedules) List() []schedule.Schedule { return nil }
func (f *fakeSchedules) RunNow(context.Context, string) (orchestrator.SubmitResponse, error) {
	return orchestrator.SubmitResponse{Status: orchestrator.SubmitStarted}, nil
}

type fixture struct {
	srv   *httptest.Server
	queue *fakeQueue
	bus   *bus.Bus
	mem   *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := &fakeQueue{submitResp: orchestrator.SubmitResponse{Status: orchestrator.SubmitStarted, QueueID: "q1"}}
	eb := bus.New()
	mem := store.NewMemory()
	s := NewServer(q,
		&fakeSessions{},
		&fakeDevices{infos: []device.Info{{ID: "A", Connected: true}}},
		&fakeSchedules{},
		mem, mem, eb,
		Options{RateLimit: 1000},
	)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		eb.Close()
	})
	return &fixture{srv: srv, queue: q, bus: eb, mem: mem}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitRequiresUser(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/tests", "", submitBody{DeviceIDs: []device.ID{"A"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, f.queue.submitted)
}

func TestSubmitForwardsRequest(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/tests", "alice", submitBody{
		DeviceIDs:          []device.ID{"A"},
		ScenarioIDs:        []string{"smoke"},
		RepeatCount:        2,
		ScenarioIntervalMS: 1500,
		TestName:           "nightly",
		Priority:           1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, f.queue.submitted, 1)
	got := f.queue.submitted[0]
	require.Equal(t, "alice", got.Requester)
	require.Equal(t, 1500*time.Millisecond, got.Request.ScenarioInterval)
	require.Equal(t, 1, got.Priority)

	var body orchestrator.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "q1", body.QueueID)
}

func TestSubmitQueuedReturns202(t *testing.T) {
	f := newFixture(t)
	f.queue.submitResp = orchestrator.SubmitResponse{Status: orchestrator.SubmitQueued, QueueID: "q2", Position: 1}
	resp := f.do(t, http.MethodPost, "/api/tests", "alice", submitBody{DeviceIDs: []device.ID{"A"}, ScenarioIDs: []string{"smoke"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	f.queue.submitErr = fmt.Errorf("%w: unknown device B", orchestrator.ErrInvalidRequest)
	resp := f.do(t, http.MethodPost, "/api/tests", "alice", submitBody{DeviceIDs: []device.ID{"B"}, ScenarioIDs: []string{"smoke"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.queue.cancelErr = fmt.Errorf("%w: only bob may cancel", orchestrator.ErrForbidden)
	resp = f.do(t, http.MethodDelete, "/api/tests/q9", "alice", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	f.queue.cancelErr = fmt.Errorf("%w: queue id q9", orchestrator.ErrNotFound)
	resp = f.do(t, http.MethodDelete, "/api/tests/q9", "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.queue.forceErr = executor.ErrPrecondition
	resp = f.do(t, http.MethodPost, "/api/executions/e1/force-complete", "alice", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestQueueStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.queue.status = orchestrator.QueueStatus{Revision: 7}
	resp := f.do(t, http.MethodGet, "/api/queue", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st orchestrator.QueueStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, uint64(7), st.Revision)
}

func TestDeviceAliasUnknownIs404(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPut, "/api/devices/ghost/alias", "alice", map[string]string{"alias": "bench"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/devices/A/alias", "alice", map[string]string{"alias": "bench"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScenarioUploadValidatesGraph(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/scenarios", "alice", map[string]any{
		"name":  "broken",
		"graph": json.RawMessage(`{"id":"x","nodes":[{"id":"n1","type":"end"}],"edges":[]}`),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/scenarios", "alice", map[string]any{
		"name": "ok",
		"graph": json.RawMessage(`{
			"id": "x",
			"nodes": [
				{"id": "n1", "type": "start"},
				{"id": "n2", "type": "action", "params": {"type": "wait", "duration": 100}},
				{"id": "n3", "type": "end"}
			],
			"edges": [
				{"from": "n1", "to": "n2"},
				{"from": "n2", "to": "n3"}
			]
		}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec store.ScenarioRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	require.NotEmpty(t, rec.ID)

	stored, err := f.mem.GetScenario(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, "ok", stored.Name)
}

func TestTemplateRoundTrip(t *testing.T) {
	f := newFixture(t)
	data := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}

	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/api/templates/tpl-1?name=ok-button", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get := f.do(t, http.MethodGet, "/api/templates/tpl-1", "", nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	require.Equal(t, "image/png", get.Header.Get("Content-Type"))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(get.Body)
	require.NoError(t, err)
	require.Equal(t, data, buf.Bytes())
}

func TestWebsocketDeliversRoomEvents(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?rooms=global,execution:e1"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		_ = wsResp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	f.bus.Publish(bus.Event{
		Topic:       bus.TopicTestStart,
		Room:        bus.RoomExecution("e1"),
		ExecutionID: "e1",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e bus.Event
	require.NoError(t, conn.ReadJSON(&e))
	require.Equal(t, bus.TopicTestStart, e.Topic)
	require.Equal(t, "e1", e.ExecutionID)
}

func TestWebsocketQueueStatusRequest(t *testing.T) {
	f := newFixture(t)
	f.queue.status = orchestrator.QueueStatus{Revision: 42}

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		_ = wsResp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(wsControl{Action: "queueStatus"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var e bus.Event
	require.NoError(t, conn.ReadJSON(&e))
	require.Equal(t, bus.TopicQueueStatusResponse, e.Topic)

	var st orchestrator.QueueStatus
	raw, err := json.Marshal(e.Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, uint64(42), st.Revision)
}

func TestWebsocketSubscribeControlFrame(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		_ = wsResp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(wsControl{Action: "subscribe", Room: bus.RoomDevice("A")}))

	// Join is async relative to the reader goroutine; retry briefly.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	got := make(chan bus.Event, 1)
	go func() {
		var e bus.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()

	require.Eventually(t, func() bool {
		f.bus.Publish(bus.Event{Topic: bus.TopicSessionHealth, Room: bus.RoomDevice("A")})
		select {
		case e := <-got:
			require.Equal(t, bus.TopicSessionHealth, e.Topic)
			return true
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}

func TestSessionEnsureAndDestroy(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPut, "/api/sessions/A", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.Equal(t, device.ID("A"), sess.DeviceID)

	resp = f.do(t, http.MethodDelete, "/api/sessions/A", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
