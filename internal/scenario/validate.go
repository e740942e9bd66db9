// SPDX-License-Identifier: MIT

package scenario

import (
	"errors"
	"fmt"
)

// ErrInvalidGraph is wrapped by every validation failure.
var ErrInvalidGraph = errors.New("invalid scenario graph")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants of a scenario graph:
// exactly one start node, every node reachable from it, condition nodes
// with both yes and no edges, loop edge caps, size bounds, unique node ids
// and in-range edge endpoints.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return invalid("graph has no nodes")
	}
	if len(g.Nodes) > MaxNodes {
		return invalid("too many nodes: %d > %d", len(g.Nodes), MaxNodes)
	}
	if len(g.Edges) > MaxEdges {
		return invalid("too many edges: %d > %d", len(g.Edges), MaxEdges)
	}

	seen := make(map[string]bool, len(g.Nodes))
	startCount := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return invalid("node %d has empty id", i)
		}
		if seen[n.ID] {
			return invalid("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		switch n.Kind {
		case KindStart:
			startCount++
		case KindAction:
			if n.Action == nil {
				return invalid("action node %q has no action params", n.ID)
			}
		case KindCondition:
			if n.Condition == nil {
				return invalid("condition node %q has no condition params", n.ID)
			}
		case KindLoop:
			if n.Loop == nil {
				return invalid("loop node %q has no loop params", n.ID)
			}
			if n.Loop.Count < 0 {
				return invalid("loop node %q has negative count %d", n.ID, n.Loop.Count)
			}
			if n.Loop.Count == 0 && n.Loop.Break == nil {
				return invalid("loop node %q has neither count nor break condition", n.ID)
			}
		case KindEnd:
		default:
			return invalid("node %q has unknown kind %q", n.ID, n.Kind)
		}
	}
	if startCount != 1 {
		return invalid("graph must have exactly one start node, found %d", startCount)
	}

	for ei, e := range g.Edges {
		if e.From < 0 || e.From >= len(g.Nodes) || e.To < 0 || e.To >= len(g.Nodes) {
			return invalid("edge %d references node out of range", ei)
		}
		switch e.Label {
		case BranchDefault, BranchYes, BranchNo, BranchLoop, BranchExit:
		default:
			return invalid("edge %d has unknown label %q", ei, e.Label)
		}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.Kind {
		case KindCondition:
			if g.OutEdge(i, BranchYes) < 0 || g.OutEdge(i, BranchNo) < 0 {
				return invalid("condition node %q must have yes and no out-edges", n.ID)
			}
		case KindLoop:
			loops, exits := 0, 0
			for _, ei := range g.OutEdges(i) {
				switch g.Edges[ei].Label {
				case BranchLoop:
					loops++
				case BranchExit:
					exits++
				}
			}
			if loops > 1 {
				return invalid("loop node %q has %d loop back-edges, at most 1 allowed", n.ID, loops)
			}
			if exits > 1 {
				return invalid("loop node %q has %d exit edges, at most 1 allowed", n.ID, exits)
			}
			if exits == 0 {
				return invalid("loop node %q has no exit edge", n.ID)
			}
		}
	}

	if unreachable := g.unreachable(); len(unreachable) > 0 {
		return invalid("nodes unreachable from start: %v", unreachable)
	}
	return nil
}

// unreachable returns ids of nodes not reachable from the start node.
func (g *Graph) unreachable() []string {
	start := g.StartIndex()
	if start < 0 {
		return nil
	}
	visited := make([]bool, len(g.Nodes))
	stack := []int{start}
	visited[start] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, ei := range g.OutEdges(n) {
			to := g.Edges[ei].To
			if !visited[to] {
				visited[to] = true
				stack = append(stack, to)
			}
		}
	}
	var out []string
	for i, ok := range visited {
		if !ok {
			out = append(out, g.Nodes[i].ID)
		}
	}
	return out
}
