package layout

import (
	"math"
	"sort"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/geo"
)

// columnLayout holds the x boundaries between detected columns. An empty
// boundary list means a single column.
type columnLayout struct {
	boundaries []float64
}

// columnOf assigns a block to the leftmost column its left edge falls in.
func (c columnLayout) columnOf(r geo.Rect) int {
	col := 0
	for _, b := range c.boundaries {
		if r.X0 >= b {
			col++
		}
	}
	return col
}

const histBin = 4.0

// clusterColumns projects text coverage onto the x axis and splits the page
// at empty bands at least minGap wide that lie strictly inside the text
// region.
func clusterColumns(page *extractor.Page, minGap float64) columnLayout {
	if len(page.Blocks) < 2 || page.Width <= 0 {
		return columnLayout{}
	}

	nbins := int(math.Ceil(page.Width / histBin))
	if nbins <= 0 {
		return columnLayout{}
	}
	hist := make([]int, nbins)
	for _, b := range page.Blocks {
		lo := int(b.Bounds.X0 / histBin)
		hi := int(b.Bounds.X1 / histBin)
		if lo < 0 {
			lo = 0
		}
		if hi >= nbins {
			hi = nbins - 1
		}
		for i := lo; i <= hi; i++ {
			hist[i]++
		}
	}

	first, last := -1, -1
	for i, n := range hist {
		if n > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return columnLayout{}
	}

	var boundaries []float64
	gapStart := -1
	for i := first; i <= last; i++ {
		if hist[i] == 0 {
			if gapStart < 0 {
				gapStart = i
			}
			continue
		}
		if gapStart >= 0 {
			width := float64(i-gapStart) * histBin
			if width >= minGap {
				boundaries = append(boundaries, float64(gapStart)*histBin+width/2)
			}
			gapStart = -1
		}
	}
	sort.Float64s(boundaries)
	return columnLayout{boundaries: boundaries}
}
