// SPDX-License-Identifier: MIT

// Package device defines the device model and the driver capability the
// interpreter runs against. The automation backend itself lives outside
// this process; everything here is ports and typed errors.
package device

import "time"

// ID is the stable identifier of a physical or virtual device.
type ID string

// Info captures the hardware and runtime attributes of a connected device.
type Info struct {
	ID         ID     `json:"id"`
	Brand      string `json:"brand"`
	Model      string `json:"model"`
	OS         string `json:"os"`
	OSVersion  string `json:"osVersion"`
	SDKLevel   int    `json:"sdkLevel"`
	CPUABI     string `json:"cpuAbi"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Density    int    `json:"density"`
	BatteryPct int    `json:"batteryPct"`
	MemoryMB   int    `json:"memoryMb"`

	// Alias and Role are user-settable and survive reconnects.
	Alias string `json:"alias,omitempty"`
	Role  string `json:"role,omitempty"`

	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Size is a window size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point is an absolute screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is a region of interest in absolute pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SelectorStrategy names how an element selector is resolved.
type SelectorStrategy string

const (
	StrategyID            SelectorStrategy = "id"
	StrategyXPath         SelectorStrategy = "xpath"
	StrategyAccessibility SelectorStrategy = "accessibility-id"
	StrategyText          SelectorStrategy = "text"
)

// MatchResult is the outcome of an image match.
type MatchResult struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
	Location   Point   `json:"location"`
}

// TextBox is one OCR hit.
type TextBox struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Bounds     Rect    `json:"bounds"`
}

// AppState is the observable foreground state of an application.
type AppState string

const (
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
	AppStateNotRunning AppState = "not_running"
	AppStateCrashed    AppState = "crashed"
)
