// SPDX-License-Identifier: MIT

// Package devicetest provides a scripted in-memory driver for tests.
package devicetest

import (
	"context"
	"sync"
	"time"

	"github.com/tapgrid/tapgrid/internal/device"
)

// Driver is a scripted device.Driver. Zero value is usable: every call
// succeeds instantly against a 1080x1920 screen.
type Driver struct {
	mu sync.Mutex

	// Size is the reported window size.
	Size device.Size

	// Delay is applied to every call, honouring ctx cancellation.
	Delay time.Duration

	// FailOn maps an op name (e.g. "tap", "matchImage") to the error each
	// call of that op returns. FailOnce behaves the same but clears after
	// the first use, which is how retry paths are exercised.
	FailOn   map[string]error
	FailOnce map[string]error

	// Matches is a FIFO of scripted image-match results; when exhausted,
	// MatchImage reports a confident match.
	Matches []device.MatchResult

	// OCRBoxes is returned by OCR.
	OCRBoxes []device.TextBox

	// AppStates maps package name to reported state (default foreground).
	AppStates map[string]device.AppState

	// Calls records op names in invocation order.
	Calls []string
}

func (d *Driver) record(ctx context.Context, op string) error {
	d.mu.Lock()
	d.Calls = append(d.Calls, op)
	delay := d.Delay
	err, once := d.FailOnce[op]
	if once {
		delete(d.FailOnce, op)
	}
	if !once {
		err = d.FailOn[op]
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// CallNames returns a copy of the recorded op sequence.
func (d *Driver) CallNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Calls...)
}

func (d *Driver) Tap(ctx context.Context, p device.Point) error {
	return d.record(ctx, "tap")
}

func (d *Driver) LongPress(ctx context.Context, p device.Point, duration int) error {
	return d.record(ctx, "longPress")
}

func (d *Driver) Swipe(ctx context.Context, start, end device.Point, duration int) error {
	return d.record(ctx, "swipe")
}

func (d *Driver) Click(ctx context.Context, selector string, strategy device.SelectorStrategy) error {
	return d.record(ctx, "click")
}

func (d *Driver) InputText(ctx context.Context, selector string, strategy device.SelectorStrategy, text string) error {
	return d.record(ctx, "inputText")
}

func (d *Driver) PressKey(ctx context.Context, name string) error {
	return d.record(ctx, "pressKey")
}

func (d *Driver) Launch(ctx context.Context, appPackage, appActivity string) error {
	return d.record(ctx, "launch")
}

func (d *Driver) Terminate(ctx context.Context, appPackage string) error {
	return d.record(ctx, "terminate")
}

func (d *Driver) ClearData(ctx context.Context, appPackage string) error {
	return d.record(ctx, "clearData")
}

func (d *Driver) ClearCache(ctx context.Context, appPackage string) error {
	return d.record(ctx, "clearCache")
}

func (d *Driver) QueryAppState(ctx context.Context, appPackage string) (device.AppState, error) {
	if err := d.record(ctx, "queryAppState"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.AppStates[appPackage]; ok {
		return st, nil
	}
	return device.AppStateForeground, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.record(ctx, "screenshot"); err != nil {
		return nil, err
	}
	return []byte("png"), nil
}

func (d *Driver) UIDump(ctx context.Context) (string, error) {
	if err := d.record(ctx, "uiDump"); err != nil {
		return "", err
	}
	return "<hierarchy/>", nil
}

func (d *Driver) MatchImage(ctx context.Context, template []byte, roi *device.Rect, threshold float64) (device.MatchResult, error) {
	if err := d.record(ctx, "matchImage"); err != nil {
		return device.MatchResult{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Matches) > 0 {
		res := d.Matches[0]
		d.Matches = d.Matches[1:]
		return res, nil
	}
	return device.MatchResult{Matched: true, Confidence: 0.99}, nil
}

func (d *Driver) OCR(ctx context.Context, region *device.Rect) ([]device.TextBox, error) {
	if err := d.record(ctx, "ocr"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.TextBox(nil), d.OCRBoxes...), nil
}

func (d *Driver) WindowSize(ctx context.Context) (device.Size, error) {
	if err := d.record(ctx, "windowSize"); err != nil {
		return device.Size{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Size.Width == 0 {
		return device.Size{Width: 1080, Height: 1920}, nil
	}
	return d.Size, nil
}

func (d *Driver) DeviceInfo(ctx context.Context) (device.Info, error) {
	if err := d.record(ctx, "deviceInfo"); err != nil {
		return device.Info{}, err
	}
	return device.Info{ID: "fake-device", Brand: "acme", Model: "one", Connected: true}, nil
}

var _ device.Driver = (*Driver)(nil)
