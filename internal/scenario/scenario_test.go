// SPDX-License-Identifier: MIT

package scenario

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// linear builds start -> action(tap) -> end.
func linear() *Graph {
	return &Graph{
		ID: "s1",
		Nodes: []Node{
			{ID: "start", Kind: KindStart},
			{ID: "tap", Kind: KindAction, Action: &ActionParams{Type: ActionTap, XPercent: ptr(0.5), YPercent: ptr(0.5)}},
			{ID: "end", Kind: KindEnd},
		},
		Edges: []Edge{
			{From: 0, To: 1},
			{From: 1, To: 2},
		},
	}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	require.NoError(t, linear().Validate())
}

func TestValidateRejectsMissingStart(t *testing.T) {
	g := linear()
	g.Nodes[0].Kind = KindEnd
	require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
}

func TestValidateRejectsTwoStarts(t *testing.T) {
	g := linear()
	g.Nodes[2].Kind = KindStart
	require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
}

func TestValidateConditionNeedsYesAndNo(t *testing.T) {
	g := &Graph{
		ID: "s2",
		Nodes: []Node{
			{ID: "start", Kind: KindStart},
			{ID: "cond", Kind: KindCondition, Condition: &ConditionParams{Type: CondElementPresent, Selector: "//a"}},
			{ID: "end", Kind: KindEnd},
		},
		Edges: []Edge{
			{From: 0, To: 1},
			{From: 1, To: 2, Label: BranchYes},
		},
	}
	require.ErrorIs(t, g.Validate(), ErrInvalidGraph)

	g.Edges = append(g.Edges, Edge{From: 1, To: 2, Label: BranchNo})
	g.out = nil
	require.NoError(t, g.Validate())
}

func TestValidateLoopEdgeCaps(t *testing.T) {
	g := &Graph{
		ID: "s3",
		Nodes: []Node{
			{ID: "start", Kind: KindStart},
			{ID: "loop", Kind: KindLoop, Loop: &LoopParams{Count: 3}},
			{ID: "body", Kind: KindAction, Action: &ActionParams{Type: ActionWait, Duration: 1}},
			{ID: "end", Kind: KindEnd},
		},
		Edges: []Edge{
			{From: 0, To: 1},
			{From: 1, To: 2, Label: BranchLoop},
			{From: 2, To: 1},
			{From: 1, To: 3, Label: BranchExit},
		},
	}
	require.NoError(t, g.Validate())

	g.Edges = append(g.Edges, Edge{From: 1, To: 3, Label: BranchExit})
	g.out = nil
	require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
}

func TestValidateRejectsNegativeLoopCount(t *testing.T) {
	g := &Graph{
		ID: "s4",
		Nodes: []Node{
			{ID: "start", Kind: KindStart},
			{ID: "loop", Kind: KindLoop, Loop: &LoopParams{Count: -1}},
			{ID: "body", Kind: KindAction, Action: &ActionParams{Type: ActionWait, Duration: 1}},
			{ID: "end", Kind: KindEnd},
		},
		Edges: []Edge{
			{From: 0, To: 1},
			{From: 1, To: 2, Label: BranchLoop},
			{From: 2, To: 1},
			{From: 1, To: 3, Label: BranchExit},
		},
	}
	require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
}

func TestValidateRejectsUnreachableNode(t *testing.T) {
	g := linear()
	g.Nodes = append(g.Nodes, Node{ID: "island", Kind: KindAction, Action: &ActionParams{Type: ActionWait, Duration: 1}})
	require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
}

func TestValidateSizeBounds(t *testing.T) {
	g := &Graph{ID: "big"}
	g.Nodes = append(g.Nodes, Node{ID: "start", Kind: KindStart})
	for i := 0; i < MaxNodes; i++ {
		g.Nodes = append(g.Nodes, Node{ID: "n" + string(rune('a'+i%26)) + string(rune('0'+i/26)), Kind: KindEnd})
	}
	require.ErrorIs(t, g.Validate(), ErrInvalidGraph)
}

func TestDecodeEncodeRoundTripKeepsUnknownKeys(t *testing.T) {
	doc := []byte(`{
		"id": "login",
		"name": "Login flow",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "tap1", "type": "action", "params": {"type": "tap", "xPercent": 0.25, "yPercent": 0.75, "experimentalHint": "fast-path"}},
			{"id": "end", "type": "end"}
		],
		"edges": [
			{"from": "start", "to": "tap1"},
			{"from": "tap1", "to": "end"}
		]
	}`)

	g, err := Decode(doc)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	tap := g.Nodes[g.NodeIndex("tap1")]
	require.NotNil(t, tap.Action)
	require.Equal(t, ActionTap, tap.Action.Type)
	require.Equal(t, 0.25, *tap.Action.XPercent)
	require.Equal(t, "fast-path", tap.Raw["experimentalHint"])

	out, err := Encode(g)
	require.NoError(t, err)

	g2, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, "fast-path", g2.Nodes[g2.NodeIndex("tap1")].Raw["experimentalHint"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal(out, &payload))
	if diff := cmp.Diff("Login flow", payload["name"]); diff != "" {
		t.Fatalf("name mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsDanglingEdge(t *testing.T) {
	doc := []byte(`{"id":"x","nodes":[{"id":"start","type":"start"}],"edges":[{"from":"start","to":"ghost"}]}`)
	_, err := Decode(doc)
	require.ErrorIs(t, err, ErrInvalidGraph)
}

func TestMigrateAbsoluteOnlyTouchesNodesWithoutPercent(t *testing.T) {
	g := &Graph{
		ID: "m1",
		Nodes: []Node{
			{ID: "start", Kind: KindStart},
			{ID: "abs", Kind: KindAction, Action: &ActionParams{Type: ActionTap, X: ptr(540), Y: ptr(960)}},
			{ID: "pct", Kind: KindAction, Action: &ActionParams{Type: ActionTap, X: ptr(100), Y: ptr(100), XPercent: ptr(0.9), YPercent: ptr(0.9)}},
			{ID: "swipe", Kind: KindAction, Action: &ActionParams{Type: ActionSwipe, StartX: ptr(540), StartY: ptr(1500), EndX: ptr(540), EndY: ptr(300)}},
		},
	}
	n := MigrateAbsolute(g, 1080, 1920)
	require.Equal(t, 2, n)

	abs := g.Nodes[1].Action
	require.InDelta(t, 0.5, *abs.XPercent, 1e-9)
	require.InDelta(t, 0.5, *abs.YPercent, 1e-9)

	// Node with percent values already set is untouched.
	require.Equal(t, 0.9, *g.Nodes[2].Action.XPercent)

	sw := g.Nodes[3].Action
	require.InDelta(t, 0.78125, *sw.StartYPercent, 1e-9)
	require.InDelta(t, 0.15625, *sw.EndYPercent, 1e-9)
}

func TestMigrateAbsoluteBadSourceIsNoop(t *testing.T) {
	g := linear()
	require.Equal(t, 0, MigrateAbsolute(g, 0, 1920))
}
