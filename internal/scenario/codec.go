// SPDX-License-Identifier: MIT

package scenario

import (
	"encoding/json"
	"fmt"
)

// Stored graphs reference nodes by string id and keep node parameters as a
// bag. Decoding produces the typed arena form; keys the typed structs do
// not recognise are carried in Node.Raw and written back on encode, so a
// round-trip through this codec never loses data written by newer tools.

type wireGraph struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Nodes []wireNode `json:"nodes"`
	Edges []wireEdge `json:"edges"`
}

type wireNode struct {
	ID     string          `json:"id"`
	Label  string          `json:"label,omitempty"`
	Type   NodeKind        `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireEdge struct {
	From  string      `json:"from"`
	To    string      `json:"to"`
	Label BranchLabel `json:"label,omitempty"`
}

// Decode parses a stored scenario document into its arena form.
func Decode(data []byte) (*Graph, error) {
	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}

	g := &Graph{ID: w.ID, Name: w.Name, Nodes: make([]Node, 0, len(w.Nodes))}
	index := make(map[string]int, len(w.Nodes))
	for _, wn := range w.Nodes {
		if _, dup := index[wn.ID]; dup {
			return nil, invalid("duplicate node id %q", wn.ID)
		}
		n := Node{ID: wn.ID, Label: wn.Label, Kind: wn.Type}
		if err := decodeParams(&n, wn.Params); err != nil {
			return nil, fmt.Errorf("node %q: %w", wn.ID, err)
		}
		index[wn.ID] = len(g.Nodes)
		g.Nodes = append(g.Nodes, n)
	}

	g.Edges = make([]Edge, 0, len(w.Edges))
	for _, we := range w.Edges {
		from, ok := index[we.From]
		if !ok {
			return nil, invalid("edge references unknown node %q", we.From)
		}
		to, ok := index[we.To]
		if !ok {
			return nil, invalid("edge references unknown node %q", we.To)
		}
		g.Edges = append(g.Edges, Edge{From: from, To: to, Label: we.Label})
	}
	return g, nil
}

// Encode serialises a graph back into the stored document form, merging
// unrecognised pass-through keys under each node's params.
func Encode(g *Graph) ([]byte, error) {
	w := wireGraph{ID: g.ID, Name: g.Name, Nodes: make([]wireNode, 0, len(g.Nodes))}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		params, err := encodeParams(n)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		w.Nodes = append(w.Nodes, wireNode{ID: n.ID, Label: n.Label, Type: n.Kind, Params: params})
	}
	for _, e := range g.Edges {
		w.Edges = append(w.Edges, wireEdge{From: g.Nodes[e.From].ID, To: g.Nodes[e.To].ID, Label: e.Label})
	}
	return json.Marshal(w)
}

func decodeParams(n *Node, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	var bag map[string]json.RawMessage
	if err := json.Unmarshal(raw, &bag); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	var typed any
	switch n.Kind {
	case KindAction:
		n.Action = &ActionParams{}
		typed = n.Action
	case KindCondition:
		n.Condition = &ConditionParams{}
		typed = n.Condition
	case KindLoop:
		n.Loop = &LoopParams{}
		typed = n.Loop
	default:
		// Start/End carry no recognised params; everything is pass-through.
		n.Raw = rawToAny(bag)
		return nil
	}

	if err := json.Unmarshal(raw, typed); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	known, err := fieldNames(typed)
	if err != nil {
		return err
	}
	for key, val := range bag {
		if known[key] {
			continue
		}
		if n.Raw == nil {
			n.Raw = make(map[string]any)
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return fmt.Errorf("params key %q: %w", key, err)
		}
		n.Raw[key] = v
	}
	return nil
}

func encodeParams(n *Node) (json.RawMessage, error) {
	var typed any
	switch n.Kind {
	case KindAction:
		typed = n.Action
	case KindCondition:
		typed = n.Condition
	case KindLoop:
		typed = n.Loop
	}

	merged := make(map[string]any, len(n.Raw)+8)
	for k, v := range n.Raw {
		merged[k] = v
	}
	if typed != nil {
		buf, err := json.Marshal(typed)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(buf, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return json.Marshal(merged)
}

// fieldNames returns the set of json keys the typed param struct emits or
// accepts, computed by marshalling a fully zeroed-out probe of the same
// shape with omitempty suppressed via a map round-trip of a filled probe.
func fieldNames(typed any) (map[string]bool, error) {
	switch typed.(type) {
	case *ActionParams:
		return actionFieldNames, nil
	case *ConditionParams:
		return conditionFieldNames, nil
	case *LoopParams:
		return loopFieldNames, nil
	}
	return nil, fmt.Errorf("unknown param type %T", typed)
}

var actionFieldNames = map[string]bool{
	"type": true,
	"x":    true, "y": true, "xPercent": true, "yPercent": true,
	"startX": true, "startY": true, "endX": true, "endY": true,
	"startXPercent": true, "startYPercent": true, "endXPercent": true, "endYPercent": true,
	"direction": true, "distance": true, "speed": true,
	"duration": true,
	"selector": true, "strategy": true,
	"text":       true,
	"appPackage": true, "appActivity": true,
	"key":        true,
	"templateId": true, "confidence": true,
	"roiEnabled": true, "roiX": true, "roiY": true, "roiWidth": true, "roiHeight": true,
	"maxRetries": true, "retryInterval": true,
	"timeout": true,
}

var conditionFieldNames = map[string]bool{
	"type":     true,
	"selector": true, "strategy": true,
	"templateId": true, "confidence": true,
	"roiEnabled": true, "roiX": true, "roiY": true, "roiWidth": true, "roiHeight": true,
	"text":       true,
	"appPackage": true,
	"timeout":    true,
}

var loopFieldNames = map[string]bool{
	"count": true,
	"break": true,
}

func rawToAny(bag map[string]json.RawMessage) map[string]any {
	if len(bag) == 0 {
		return nil
	}
	out := make(map[string]any, len(bag))
	for k, raw := range bag {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out
}
