// SPDX-License-Identifier: MIT

package device

import "context"

// Driver is the automation capability consumed per session. Every call may
// block for seconds and must honour ctx; each failure is a typed error
// classifiable via Classify.
type Driver interface {
	Tap(ctx context.Context, p Point) error
	LongPress(ctx context.Context, p Point, duration int) error
	Swipe(ctx context.Context, start, end Point, duration int) error
	Click(ctx context.Context, selector string, strategy SelectorStrategy) error
	InputText(ctx context.Context, selector string, strategy SelectorStrategy, text string) error
	PressKey(ctx context.Context, name string) error

	Launch(ctx context.Context, appPackage, appActivity string) error
	Terminate(ctx context.Context, appPackage string) error
	ClearData(ctx context.Context, appPackage string) error
	ClearCache(ctx context.Context, appPackage string) error
	QueryAppState(ctx context.Context, appPackage string) (AppState, error)

	Screenshot(ctx context.Context) ([]byte, error)
	UIDump(ctx context.Context) (string, error)
	MatchImage(ctx context.Context, template []byte, roi *Rect, threshold float64) (MatchResult, error)
	OCR(ctx context.Context, region *Rect) ([]TextBox, error)

	WindowSize(ctx context.Context) (Size, error)
	DeviceInfo(ctx context.Context) (Info, error)
}
