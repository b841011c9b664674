// Package layout classifies extracted blocks into structural roles using
// geometric and typographic signals: column clustering, a per-document body
// font baseline, heading tiers, page furniture and ruled table grids.
package layout

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/observability"
)

// Role is the structural classification of a block.
type Role string

const (
	RoleHeading1  Role = "heading-1"
	RoleHeading2  Role = "heading-2"
	RoleHeading3  Role = "heading-3"
	RoleHeading4  Role = "heading-4"
	RoleHeading5  Role = "heading-5"
	RoleHeading6  Role = "heading-6"
	RoleBody      Role = "body-paragraph"
	RoleCaption   Role = "caption"
	RoleTableCell Role = "table-cell"
	RoleFootnote  Role = "footnote"
	RoleFurniture Role = "page-furniture"
	RoleFigure    Role = "figure"
)

// HeadingRole returns the role for a heading level in 1..6.
func HeadingRole(level int) Role {
	return Role(fmt.Sprintf("heading-%d", level))
}

// HeadingLevel returns 1..6 for heading roles and 0 otherwise.
func (r Role) HeadingLevel() int {
	if !strings.HasPrefix(string(r), "heading-") {
		return 0
	}
	return int(r[len(r)-1] - '0')
}

// ClassifiedBlock wraps one extracted block (or placed image) with its role
// and reading-order position.
type ClassifiedBlock struct {
	extractor.Block
	// Image is set for RoleFigure blocks; Text is empty then.
	Image *extractor.ImageRef

	Page   int // 1-based page number
	Column int // 0-based column within the page
	Role   Role
	// Ambiguous marks blocks whose role could not be decided confidently;
	// they are classified body-paragraph with a recorded warning.
	Ambiguous bool
}

// Result is the document-wide classification in reading order.
type Result struct {
	Blocks []ClassifiedBlock
	// BodyFontSize is the most frequent text size across the document,
	// the baseline for heading ratios.
	BodyFontSize    float64
	TotalBlocks     int
	AmbiguousBlocks int
	Warnings        []string
}

type Config struct {
	// FurnitureRepeat is how many consecutive pages a block must repeat on
	// to count as a header or footer; zero means 3.
	FurnitureRepeat int
	// ColumnGap is the minimum empty horizontal band, in page units, that
	// separates columns; zero means 18.
	ColumnGap float64
	// HeadingMaxLen caps heading text length; longer candidates stay body
	// text. Zero means 120.
	HeadingMaxLen int
	Logger        observability.Logger
}

func (c Config) withDefaults() Config {
	if c.FurnitureRepeat <= 0 {
		c.FurnitureRepeat = 3
	}
	if c.ColumnGap <= 0 {
		c.ColumnGap = 18
	}
	if c.HeadingMaxLen <= 0 {
		c.HeadingMaxLen = 120
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// Analyze classifies every page of an extracted document. Blocks come back
// reading-order sorted across the whole document.
func Analyze(doc *extractor.Document, cfg Config) *Result {
	cfg = cfg.withDefaults()
	res := &Result{BodyFontSize: bodyFontSize(doc)}

	furniture := detectFurniture(doc, cfg)

	for _, page := range doc.Pages {
		res.analyzePage(page, furniture, cfg)
	}

	cfg.Logger.Debug("layout analysis complete",
		observability.Int("blocks", res.TotalBlocks),
		observability.Int("ambiguous", res.AmbiguousBlocks),
		observability.Float64("body_font", res.BodyFontSize))
	return res
}

func (res *Result) analyzePage(page *extractor.Page, furniture map[blockKey]bool, cfg Config) {
	grids := tableRegions(page.Rules)
	cols := clusterColumns(page, cfg.ColumnGap)

	classified := make([]ClassifiedBlock, 0, len(page.Blocks)+len(page.Images))
	for i := range page.Blocks {
		b := page.Blocks[i]
		cb := ClassifiedBlock{
			Block:  b,
			Page:   page.Number,
			Column: cols.columnOf(b.Bounds),
		}
		if furniture[furnitureKey(page.Number, b)] {
			cb.Role = RoleFurniture
			classified = append(classified, cb)
			continue
		}
		cb.Role, cb.Ambiguous = res.classify(page, b, grids, cfg)
		if cb.Ambiguous {
			res.AmbiguousBlocks++
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("page %d: ambiguous role for %q, kept as body text", page.Number, clip(b.Text, 40)))
		}
		classified = append(classified, cb)
	}
	for i := range page.Images {
		img := &page.Images[i]
		classified = append(classified, ClassifiedBlock{
			Block:  extractor.Block{Bounds: img.Bounds},
			Image:  img,
			Page:   page.Number,
			Column: cols.columnOf(img.Bounds),
			Role:   RoleFigure,
		})
	}

	res.clampHeadingLevels(classified)
	orderForReading(classified)
	res.Blocks = append(res.Blocks, classified...)
	res.TotalBlocks += len(classified)
}

// classify decides a text block's role from size ratio, weight and position.
func (res *Result) classify(page *extractor.Page, b extractor.Block, grids []gridRegion, cfg Config) (Role, bool) {
	for _, g := range grids {
		if g.contains(b.Bounds) {
			return RoleTableCell, false
		}
	}

	if isFootnote(page, b, res.BodyFontSize) {
		return RoleFootnote, false
	}
	if isCaption(page, b, res.BodyFontSize) {
		return RoleCaption, false
	}

	ratio := 1.0
	if res.BodyFontSize > 0 {
		ratio = b.Font.Size / res.BodyFontSize
	}
	if level, ok := headingLevel(ratio, b.Font.Bold); ok {
		if len(b.Text) > cfg.HeadingMaxLen || strings.HasSuffix(strings.TrimSpace(b.Text), ".") {
			// Heading-sized but shaped like prose.
			return RoleBody, true
		}
		return HeadingRole(level), false
	}
	if b.Font.Bold && ratio > 1.02 && ratio < 1.1 {
		// Slightly enlarged bold text, not clearly a heading tier.
		return RoleBody, true
	}
	return RoleBody, false
}

// headingLevel maps a size ratio and weight onto a heading tier.
func headingLevel(ratio float64, bold bool) (int, bool) {
	switch {
	case ratio >= 1.5 && bold:
		return 1, true
	case ratio >= 1.5:
		return 2, true
	case ratio >= 1.35:
		if bold {
			return 2, true
		}
		return 3, true
	case ratio >= 1.2:
		if bold {
			return 3, true
		}
		return 4, true
	case ratio >= 1.1 && bold:
		return 4, true
	}
	return 0, false
}

// clampHeadingLevels enforces that, within a page, a strictly larger size
// ratio never lands on a deeper heading level than a smaller one.
func (res *Result) clampHeadingLevels(blocks []ClassifiedBlock) {
	idx := make([]int, 0, 4)
	for i := range blocks {
		if blocks[i].Role.HeadingLevel() > 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) < 2 {
		return
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return blocks[idx[a]].Font.Size > blocks[idx[b]].Font.Size
	})
	prevSize := blocks[idx[0]].Font.Size
	prevLevel := blocks[idx[0]].Role.HeadingLevel()
	for _, i := range idx[1:] {
		level := blocks[i].Role.HeadingLevel()
		if blocks[i].Font.Size < prevSize && level < prevLevel {
			// A smaller font may not sit shallower than a larger one.
			level = prevLevel
			blocks[i].Role = HeadingRole(level)
		}
		prevSize = blocks[i].Font.Size
		prevLevel = level
	}
}

func isFootnote(page *extractor.Page, b extractor.Block, bodySize float64) bool {
	if bodySize <= 0 || page.Height <= 0 {
		return false
	}
	return b.Font.Size <= 0.8*bodySize && b.Bounds.Y0 >= 0.85*page.Height
}

// isCaption: small text sitting directly under an image.
func isCaption(page *extractor.Page, b extractor.Block, bodySize float64) bool {
	if bodySize <= 0 || b.Font.Size > bodySize {
		return false
	}
	for _, img := range page.Images {
		gap := b.Bounds.Y0 - img.Bounds.Y1
		if gap >= 0 && gap <= 1.5*b.Font.Size && overlapsX(b, img) {
			return true
		}
	}
	return false
}

func overlapsX(b extractor.Block, img extractor.ImageRef) bool {
	lo := math.Max(b.Bounds.X0, img.Bounds.X0)
	hi := math.Min(b.Bounds.X1, img.Bounds.X1)
	return hi > lo
}

// orderForReading sorts a page's blocks column by column, leftmost first,
// top to bottom within each column.
func orderForReading(blocks []ClassifiedBlock) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Column != blocks[j].Column {
			return blocks[i].Column < blocks[j].Column
		}
		if blocks[i].Bounds.Y0 != blocks[j].Bounds.Y0 {
			return blocks[i].Bounds.Y0 < blocks[j].Bounds.Y0
		}
		return blocks[i].Bounds.X0 < blocks[j].Bounds.X0
	})
}

// bodyFontSize finds the most frequent text size, weighted by character
// count, quantized to half points.
func bodyFontSize(doc *extractor.Document) float64 {
	weights := make(map[float64]int)
	for _, page := range doc.Pages {
		for _, b := range page.Blocks {
			q := math.Round(b.Font.Size*2) / 2
			weights[q] += len(b.Text)
		}
	}
	var best float64
	bestW := 0
	for size, w := range weights {
		if w > bestW || (w == bestW && size < best) {
			best, bestW = size, w
		}
	}
	return best
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
