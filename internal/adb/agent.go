// SPDX-License-Identifier: MIT

package adb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tapgrid/tapgrid/internal/device"
)

// AgentPort is the fixed command port the automation agent listens on
// inside the device; hosts reach it through an adb forward.
// AgentStreamPort serves the agent's screenshot stream the same way.
const (
	AgentPort       = 7912
	AgentStreamPort = 7913
)

// Agent is the HTTP client for the on-device automation agent. One agent
// serves one device; every method maps to one agent endpoint and returns
// typed driver errors.
type Agent struct {
	base string
	http *http.Client
}

// NewAgent creates a client for an agent reachable at base, typically
// http://127.0.0.1:<forwarded-port>.
func NewAgent(base string) *Agent {
	return &Agent{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// agentError is the agent's JSON error envelope.
type agentError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Status probes the agent. A refused or malformed handshake maps to
// ErrDriverRefused so the session manager can classify the failure.
func (a *Agent) Status(ctx context.Context) error {
	var st struct {
		Ready bool `json:"ready"`
	}
	if err := a.get(ctx, "/status", &st); err != nil {
		return fmt.Errorf("%w: %v", device.ErrDriverRefused, err)
	}
	if !st.Ready {
		return fmt.Errorf("%w: agent not ready", device.ErrDriverRefused)
	}
	return nil
}

func (a *Agent) Tap(ctx context.Context, p device.Point) error {
	return a.post(ctx, "/actions/tap", p, nil)
}

func (a *Agent) LongPress(ctx context.Context, p device.Point, duration int) error {
	body := struct {
		device.Point
		Duration int `json:"duration"`
	}{p, duration}
	return a.post(ctx, "/actions/longpress", body, nil)
}

func (a *Agent) Swipe(ctx context.Context, start, end device.Point, duration int) error {
	body := struct {
		Start    device.Point `json:"start"`
		End      device.Point `json:"end"`
		Duration int          `json:"duration"`
	}{start, end, duration}
	return a.post(ctx, "/actions/swipe", body, nil)
}

func (a *Agent) Click(ctx context.Context, selector string, strategy device.SelectorStrategy) error {
	body := struct {
		Selector string                  `json:"selector"`
		Strategy device.SelectorStrategy `json:"strategy"`
	}{selector, strategy}
	return a.post(ctx, "/actions/click", body, nil)
}

func (a *Agent) InputText(ctx context.Context, selector string, strategy device.SelectorStrategy, text string) error {
	body := struct {
		Selector string                  `json:"selector"`
		Strategy device.SelectorStrategy `json:"strategy"`
		Text     string                  `json:"text"`
	}{selector, strategy, text}
	return a.post(ctx, "/actions/input", body, nil)
}

func (a *Agent) PressKey(ctx context.Context, name string) error {
	body := struct {
		Name string `json:"name"`
	}{name}
	return a.post(ctx, "/actions/key", body, nil)
}

func (a *Agent) Launch(ctx context.Context, appPackage, appActivity string) error {
	body := struct {
		Package  string `json:"package"`
		Activity string `json:"activity,omitempty"`
	}{appPackage, appActivity}
	return a.post(ctx, "/app/launch", body, nil)
}

func (a *Agent) Terminate(ctx context.Context, appPackage string) error {
	body := struct {
		Package string `json:"package"`
	}{appPackage}
	return a.post(ctx, "/app/terminate", body, nil)
}

func (a *Agent) ClearData(ctx context.Context, appPackage string) error {
	body := struct {
		Package string `json:"package"`
	}{appPackage}
	return a.post(ctx, "/app/clear-data", body, nil)
}

func (a *Agent) ClearCache(ctx context.Context, appPackage string) error {
	body := struct {
		Package string `json:"package"`
	}{appPackage}
	return a.post(ctx, "/app/clear-cache", body, nil)
}

func (a *Agent) QueryAppState(ctx context.Context, appPackage string) (device.AppState, error) {
	var resp struct {
		State device.AppState `json:"state"`
	}
	err := a.get(ctx, "/app/state?package="+appPackage, &resp)
	return resp.State, err
}

// Screenshot returns raw PNG bytes.
func (a *Agent) Screenshot(ctx context.Context) ([]byte, error) {
	return a.raw(ctx, "/screenshot")
}

func (a *Agent) UIDump(ctx context.Context) (string, error) {
	data, err := a.raw(ctx, "/uidump")
	return string(data), err
}

func (a *Agent) MatchImage(ctx context.Context, template []byte, roi *device.Rect, threshold float64) (device.MatchResult, error) {
	body := struct {
		Template  []byte       `json:"template"`
		ROI       *device.Rect `json:"roi,omitempty"`
		Threshold float64      `json:"threshold"`
	}{template, roi, threshold}
	var res device.MatchResult
	err := a.post(ctx, "/match", body, &res)
	return res, err
}

func (a *Agent) OCR(ctx context.Context, region *device.Rect) ([]device.TextBox, error) {
	body := struct {
		Region *device.Rect `json:"region,omitempty"`
	}{region}
	var boxes []device.TextBox
	err := a.post(ctx, "/ocr", body, &boxes)
	return boxes, err
}

func (a *Agent) WindowSize(ctx context.Context) (device.Size, error) {
	var sz device.Size
	err := a.get(ctx, "/window", &sz)
	return sz, err
}

func (a *Agent) DeviceInfo(ctx context.Context) (device.Info, error) {
	var info device.Info
	err := a.get(ctx, "/info", &info)
	return info, err
}

func (a *Agent) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, path, out)
}

func (a *Agent) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, path, out)
}

func (a *Agent) raw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return nil, err
	}
	res, err := a.http.Do(req)
	if err != nil {
		return nil, connError(path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, decodeError(path, res)
	}
	return io.ReadAll(io.LimitReader(res.Body, 32<<20))
}

func (a *Agent) do(req *http.Request, path string, out any) error {
	res, err := a.http.Do(req)
	if err != nil {
		return connError(path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return decodeError(path, res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// connError keeps context errors intact so callers classify deadline
// expiry as timeout, not connection failure.
func connError(path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &device.DriverError{Category: device.FailConnection, Op: path, Err: err}
}

// decodeError turns a non-200 agent reply into a typed driver error.
func decodeError(path string, res *http.Response) error {
	var env struct {
		Error agentError `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Category != "" {
		return &device.DriverError{
			Category: device.FailureCategory(env.Error.Category),
			Op:       path,
			Msg:      env.Error.Message,
		}
	}
	return &device.DriverError{
		Category: device.FailUnknown,
		Op:       path,
		Msg:      fmt.Sprintf("agent returned %d: %s", res.StatusCode, strings.TrimSpace(string(data))),
	}
}
