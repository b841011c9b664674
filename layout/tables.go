package layout

import "github.com/wudi/epubkit/geo"

// gridRegion is the bounding box of a cluster of ruling lines that forms a
// table grid.
type gridRegion struct {
	bounds     geo.Rect
	horizontal int
	vertical   int
}

func (g gridRegion) contains(r geo.Rect) bool {
	cx := (r.X0 + r.X1) / 2
	cy := (r.Y0 + r.Y1) / 2
	return cx >= g.bounds.X0 && cx <= g.bounds.X1 && cy >= g.bounds.Y0 && cy <= g.bounds.Y1
}

const ruleJoinTol = 3.0

// tableRegions clusters ruling lines into connected regions and keeps those
// with enough crossings in both directions to look like a grid.
func tableRegions(rules []geo.Rect) []gridRegion {
	if len(rules) < 4 {
		return nil
	}

	regions := make([]gridRegion, 0, len(rules))
	for _, r := range rules {
		g := gridRegion{bounds: r}
		if r.Width() >= r.Height() {
			g.horizontal = 1
		} else {
			g.vertical = 1
		}
		regions = append(regions, g)
	}

	// Merge touching regions until stable.
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(regions); i++ {
			for j := i + 1; j < len(regions); j++ {
				if !near(regions[i].bounds, regions[j].bounds, ruleJoinTol) {
					continue
				}
				regions[i].bounds = boundsUnion(regions[i].bounds, regions[j].bounds)
				regions[i].horizontal += regions[j].horizontal
				regions[i].vertical += regions[j].vertical
				regions = append(regions[:j], regions[j+1:]...)
				merged = true
				j--
			}
		}
	}

	var out []gridRegion
	for _, g := range regions {
		if g.horizontal >= 2 && g.vertical >= 2 {
			out = append(out, g)
		}
	}
	return out
}

// boundsUnion widens a to cover b. Rule rects are degenerate on one axis,
// so geo.Rect.Union's empty-rect handling does not apply here.
func boundsUnion(a, b geo.Rect) geo.Rect {
	if b.X0 < a.X0 {
		a.X0 = b.X0
	}
	if b.Y0 < a.Y0 {
		a.Y0 = b.Y0
	}
	if b.X1 > a.X1 {
		a.X1 = b.X1
	}
	if b.Y1 > a.Y1 {
		a.Y1 = b.Y1
	}
	return a
}

// near reports whether two rects touch within tol on both axes.
func near(a, b geo.Rect, tol float64) bool {
	if a.X0 > b.X1+tol || b.X0 > a.X1+tol {
		return false
	}
	if a.Y0 > b.Y1+tol || b.Y0 > a.Y1+tol {
		return false
	}
	return true
}
