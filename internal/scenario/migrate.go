// SPDX-License-Identifier: MIT

package scenario

// MigrateAbsolute converts absolute coordinates in a stored graph to percent
// coordinates, given the resolution the scenario was authored against. Only
// nodes that carry absolute values but no percent values are touched; the
// absolute fields are kept for older readers. Returns the number of nodes
// migrated.
func MigrateAbsolute(g *Graph, sourceWidth, sourceHeight int) int {
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return 0
	}
	migrated := 0
	for i := range g.Nodes {
		a := g.Nodes[i].Action
		if a == nil {
			continue
		}
		changed := false

		if a.X != nil && a.Y != nil && a.XPercent == nil && a.YPercent == nil {
			a.XPercent = ptr(float64(*a.X) / float64(sourceWidth))
			a.YPercent = ptr(float64(*a.Y) / float64(sourceHeight))
			changed = true
		}
		if a.StartX != nil && a.StartY != nil && a.StartXPercent == nil && a.StartYPercent == nil {
			a.StartXPercent = ptr(float64(*a.StartX) / float64(sourceWidth))
			a.StartYPercent = ptr(float64(*a.StartY) / float64(sourceHeight))
			changed = true
		}
		if a.EndX != nil && a.EndY != nil && a.EndXPercent == nil && a.EndYPercent == nil {
			a.EndXPercent = ptr(float64(*a.EndX) / float64(sourceWidth))
			a.EndYPercent = ptr(float64(*a.EndY) / float64(sourceHeight))
			changed = true
		}
		if changed {
			migrated++
		}
	}
	return migrated
}

func ptr[T any](v T) *T { return &v }
