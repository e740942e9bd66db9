// SPDX-License-Identifier: MIT

// Package scenario holds the scenario graph model: an arena of typed nodes
// joined by labelled edges. Stored graphs reference nodes by string id; the
// in-memory form uses integer indices throughout.
package scenario

import (
	"github.com/tapgrid/tapgrid/internal/device"
)

// Limits on graph size; enforced by Validate.
const (
	MaxNodes = 500
	MaxEdges = 1000
)

// NodeKind is the variant tag of a node.
type NodeKind string

const (
	KindStart     NodeKind = "start"
	KindAction    NodeKind = "action"
	KindCondition NodeKind = "condition"
	KindLoop      NodeKind = "loop"
	KindEnd       NodeKind = "end"
)

// BranchLabel controls flow out of condition and loop nodes.
type BranchLabel string

const (
	BranchDefault BranchLabel = ""
	BranchYes     BranchLabel = "yes"
	BranchNo      BranchLabel = "no"
	BranchLoop    BranchLabel = "loop"
	BranchExit    BranchLabel = "exit"
)

// ActionType enumerates the recognised action semantics.
type ActionType string

const (
	ActionTap        ActionType = "tap"
	ActionLongPress  ActionType = "long_press"
	ActionSwipe      ActionType = "swipe"
	ActionClick      ActionType = "click"
	ActionInputText  ActionType = "input_text"
	ActionPressKey   ActionType = "press_key"
	ActionLaunchApp  ActionType = "launch_app"
	ActionStopApp    ActionType = "stop_app"
	ActionClearData  ActionType = "clear_data"
	ActionClearCache ActionType = "clear_cache"
	ActionWait       ActionType = "wait"
	ActionImageMatch ActionType = "image_match"
)

// ConditionType enumerates condition predicates.
type ConditionType string

const (
	CondElementPresent ConditionType = "element_present"
	CondImageMatch     ConditionType = "image_match"
	CondTextPresent    ConditionType = "text_present"
	CondAppRunning     ConditionType = "app_running"
)

// ActionParams is the typed parameter set of an action node. Pointer fields
// distinguish "absent" from zero; percent coordinates win over absolute ones
// when both are present.
type ActionParams struct {
	Type ActionType `json:"type"`

	// Coordinate tap / long-press. Absolute x,y is the deprecated path.
	X        *int     `json:"x,omitempty"`
	Y        *int     `json:"y,omitempty"`
	XPercent *float64 `json:"xPercent,omitempty"`
	YPercent *float64 `json:"yPercent,omitempty"`

	// Swipe.
	StartX        *int     `json:"startX,omitempty"`
	StartY        *int     `json:"startY,omitempty"`
	EndX          *int     `json:"endX,omitempty"`
	EndY          *int     `json:"endY,omitempty"`
	StartXPercent *float64 `json:"startXPercent,omitempty"`
	StartYPercent *float64 `json:"startYPercent,omitempty"`
	EndXPercent   *float64 `json:"endXPercent,omitempty"`
	EndYPercent   *float64 `json:"endYPercent,omitempty"`
	Direction     string   `json:"direction,omitempty"`
	Distance      int      `json:"distance,omitempty"`
	Speed         int      `json:"speed,omitempty"`

	// Duration in ms: long-press hold, swipe time, or wait time.
	Duration int `json:"duration,omitempty"`

	// Element selection.
	Selector string                  `json:"selector,omitempty"`
	Strategy device.SelectorStrategy `json:"strategy,omitempty"`

	// Text input.
	Text string `json:"text,omitempty"`

	// App control.
	AppPackage  string `json:"appPackage,omitempty"`
	AppActivity string `json:"appActivity,omitempty"`

	// Key press.
	Key string `json:"key,omitempty"`

	// Image match.
	TemplateID string  `json:"templateId,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	ROIEnabled bool    `json:"roiEnabled,omitempty"`
	ROIX       float64 `json:"roiX,omitempty"`
	ROIY       float64 `json:"roiY,omitempty"`
	ROIWidth   float64 `json:"roiWidth,omitempty"`
	ROIHeight  float64 `json:"roiHeight,omitempty"`

	// Retry wrapper.
	MaxRetries    int `json:"maxRetries,omitempty"`
	RetryInterval int `json:"retryInterval,omitempty"`

	// Per-node driver call timeout in ms; 0 means the interpreter default.
	Timeout int `json:"timeout,omitempty"`
}

// ConditionParams is the typed parameter set of a condition node.
type ConditionParams struct {
	Type ConditionType `json:"type"`

	Selector string                  `json:"selector,omitempty"`
	Strategy device.SelectorStrategy `json:"strategy,omitempty"`

	TemplateID string  `json:"templateId,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	ROIEnabled bool    `json:"roiEnabled,omitempty"`
	ROIX       float64 `json:"roiX,omitempty"`
	ROIY       float64 `json:"roiY,omitempty"`
	ROIWidth   float64 `json:"roiWidth,omitempty"`
	ROIHeight  float64 `json:"roiHeight,omitempty"`

	Text       string `json:"text,omitempty"`
	AppPackage string `json:"appPackage,omitempty"`

	Timeout int `json:"timeout,omitempty"`
}

// LoopParams is the typed parameter set of a loop node. Count == 0 means
// loop until the break condition holds.
type LoopParams struct {
	Count int              `json:"count,omitempty"`
	Break *ConditionParams `json:"break,omitempty"`
}

// Node is one executable unit. Exactly one of the param pointers matching
// Kind is set; unknown stored keys ride along in Raw and are written back
// on marshal.
type Node struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Kind  NodeKind `json:"kind"`

	Action    *ActionParams    `json:"action,omitempty"`
	Condition *ConditionParams `json:"condition,omitempty"`
	Loop      *LoopParams      `json:"loop,omitempty"`

	Raw map[string]any `json:"-"`
}

// Edge joins two nodes by arena index.
type Edge struct {
	From  int         `json:"from"`
	To    int         `json:"to"`
	Label BranchLabel `json:"label,omitempty"`
}

// Graph is a scenario: a directed graph of typed nodes.
type Graph struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	out [][]int // adjacency cache: node index -> edge indices
}

// StartIndex returns the index of the start node, or -1.
func (g *Graph) StartIndex() int {
	for i := range g.Nodes {
		if g.Nodes[i].Kind == KindStart {
			return i
		}
	}
	return -1
}

// OutEdges returns the indices of edges leaving node n.
func (g *Graph) OutEdges(n int) []int {
	if g.out == nil {
		g.out = make([][]int, len(g.Nodes))
		for ei := range g.Edges {
			from := g.Edges[ei].From
			if from >= 0 && from < len(g.Nodes) {
				g.out[from] = append(g.out[from], ei)
			}
		}
	}
	if n < 0 || n >= len(g.out) {
		return nil
	}
	return g.out[n]
}

// OutEdge returns the first out-edge of n carrying label, or -1.
func (g *Graph) OutEdge(n int, label BranchLabel) int {
	for _, ei := range g.OutEdges(n) {
		if g.Edges[ei].Label == label {
			return ei
		}
	}
	return -1
}

// NodeIndex returns the arena index of the node with the given id, or -1.
func (g *Graph) NodeIndex(id string) int {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}
