package layout

import (
	"fmt"
	"math"
	"strings"

	"github.com/wudi/epubkit/extractor"
)

// blockKey identifies one block occurrence for furniture lookup.
type blockKey struct {
	page int
	sig  string
}

func furnitureKey(page int, b extractor.Block) blockKey {
	return blockKey{page: page, sig: furnitureSig(b)}
}

// furnitureSig normalizes a block for cross-page comparison. Digits are
// stripped so running page numbers still match, and the position is
// quantized to absorb sub-point jitter.
func furnitureSig(b extractor.Block) string {
	var sb strings.Builder
	for _, r := range b.Text {
		if r >= '0' && r <= '9' {
			continue
		}
		sb.WriteRune(r)
	}
	text := strings.TrimSpace(sb.String())
	qx := int(math.Round(b.Bounds.X0 / 4))
	qy := int(math.Round(b.Bounds.Y0 / 4))
	return fmt.Sprintf("%s\x00%d,%d", text, qx, qy)
}

// furnitureCandidate limits header/footer detection to short lines in the
// top or bottom margin band of the page.
func furnitureCandidate(page *extractor.Page, b extractor.Block) bool {
	if len(b.Text) > 60 {
		return false
	}
	if page.Height <= 0 {
		return false
	}
	return b.Bounds.Y1 <= 0.15*page.Height || b.Bounds.Y0 >= 0.85*page.Height
}

// detectFurniture finds blocks repeating at the same position on enough
// consecutive pages and returns the set of their occurrences.
func detectFurniture(doc *extractor.Document, cfg Config) map[blockKey]bool {
	pagesBySig := make(map[string][]int)
	for _, page := range doc.Pages {
		seen := make(map[string]bool)
		for _, b := range page.Blocks {
			if !furnitureCandidate(page, b) {
				continue
			}
			sig := furnitureSig(b)
			if seen[sig] {
				continue
			}
			seen[sig] = true
			pagesBySig[sig] = append(pagesBySig[sig], page.Number)
		}
	}

	out := make(map[blockKey]bool)
	for sig, pages := range pagesBySig {
		runStart := 0
		for i := 1; i <= len(pages); i++ {
			if i < len(pages) && pages[i] == pages[i-1]+1 {
				continue
			}
			if i-runStart >= cfg.FurnitureRepeat {
				for _, p := range pages[runStart:i] {
					out[blockKey{page: p, sig: sig}] = true
				}
			}
			runStart = i
		}
	}
	return out
}
