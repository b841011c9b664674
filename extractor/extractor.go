// Package extractor interprets page content streams into positioned text
// blocks and image references, the geometric raw material for layout
// analysis. Coordinates come out in top-left origin space.
package extractor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wudi/epubkit/geo"
	"github.com/wudi/epubkit/observability"
	"github.com/wudi/epubkit/parser"
)

// FontDesc is the resolved appearance of a text run.
type FontDesc struct {
	Name   string
	Size   float64
	Bold   bool
	Italic bool
}

// Block is one line of text with its bounding box.
type Block struct {
	Text   string
	Bounds geo.Rect
	Font   FontDesc
}

// ImageRef is a placed image XObject.
type ImageRef struct {
	Name   string
	Bounds geo.Rect
	Width  int // pixel dimensions
	Height int
	Format string // "jpeg", "jp2" or "raw"
	Data   []byte
}

// Page holds everything extracted from one page.
type Page struct {
	Number  int // 1-based
	Width   float64
	Height  float64
	Blocks  []Block
	Images  []ImageRef
	// Rules are thin stroked or filled rects, the raw material for ruled
	// table-grid detection.
	Rules   []geo.Rect
	Scanned bool
	// OCR marks pages whose blocks came from recognition, not a text layer.
	OCR bool
}

// TextLength is the total character count of the page's blocks.
func (p *Page) TextLength() int {
	n := 0
	for _, b := range p.Blocks {
		n += len(b.Text)
	}
	return n
}

// Document is the extraction result across all pages.
type Document struct {
	Pages    []*Page
	Metadata parser.Metadata
	Outline  []parser.OutlineItem
	// ScanProbability estimates how likely the source is a scan without a
	// usable text layer.
	ScanProbability float64
	Warnings        []string
}

type Config struct {
	// MaxFormDepth bounds nested form XObject recursion; zero means 8.
	MaxFormDepth int
	// KeepImageData retains decoded image payloads; off, only geometry and
	// dimensions survive.
	KeepImageData bool
	Logger        observability.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxFormDepth <= 0 {
		c.MaxFormDepth = 8
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// Extract runs the content interpreter over every page.
func Extract(doc *parser.Document, cfg Config) (*Document, error) {
	cfg = cfg.withDefaults()
	out := &Document{
		Metadata: doc.Metadata,
		Outline:  doc.Outline,
	}

	for _, src := range doc.Pages {
		page, warns := extractPage(doc, src, cfg)
		out.Pages = append(out.Pages, page)
		out.Warnings = append(out.Warnings, warns...)
	}
	out.ScanProbability = ScanProbability(out.Pages)

	cfg.Logger.Debug("extraction complete",
		observability.Int("pages", len(out.Pages)),
		observability.Float64("scan_probability", out.ScanProbability))
	return out, nil
}

// ExtractPage processes a single page. Callers running pages concurrently
// must not share a Config logger that is unsafe for concurrent use.
func ExtractPage(doc *parser.Document, src *parser.Page, cfg Config) (*Page, []string) {
	cfg = cfg.withDefaults()
	return extractPage(doc, src, cfg)
}

func extractPage(doc *parser.Document, src *parser.Page, cfg Config) (*Page, []string) {
	width := src.MediaBox[2] - src.MediaBox[0]
	height := src.MediaBox[3] - src.MediaBox[1]
	page := &Page{Number: src.Number, Width: width, Height: height}

	var warns []string
	content, err := doc.PageContent(src)
	if err != nil {
		warns = append(warns, fmt.Sprintf("page %d: content stream unreadable: %v", src.Number, err))
		return page, warns
	}
	if len(content) == 0 {
		page.Scanned = false
		return page, warns
	}

	ip := newInterpreter(doc, src, cfg)
	runs, images, ipWarns := ip.run(content, src.Resources, geo.Identity(), 0)
	for _, w := range ipWarns {
		warns = append(warns, fmt.Sprintf("page %d: %s", src.Number, w))
	}

	page.Blocks = assembleLines(runs)
	page.Images = images
	page.Rules = ip.rules
	page.Scanned = pageLooksScanned(page)
	return page, warns
}

// pageLooksScanned: no real text and at least one image covering most of the
// page area.
func pageLooksScanned(p *Page) bool {
	if p.TextLength() > 20 {
		return false
	}
	pageArea := p.Width * p.Height
	if pageArea <= 0 {
		return false
	}
	for _, img := range p.Images {
		if img.Bounds.Area() >= 0.8*pageArea {
			return true
		}
	}
	return false
}

// ScanProbability maps average extracted characters per page onto a coarse
// likelihood that the document is a scan.
func ScanProbability(pages []*Page) float64 {
	if len(pages) == 0 {
		return 0
	}
	total := 0
	for _, p := range pages {
		total += p.TextLength()
	}
	avg := float64(total) / float64(len(pages))
	switch {
	case avg < 50:
		return 0.9
	case avg < 100:
		return 0.6
	case avg < 200:
		return 0.3
	default:
		return 0.1
	}
}

// textRun is one show operation placed on the page.
type textRun struct {
	text   string
	bounds geo.Rect
	font   FontDesc
}

// assembleLines merges runs sharing a baseline into line blocks, ordered
// left to right, lines top to bottom.
func assembleLines(runs []textRun) []Block {
	if len(runs) == 0 {
		return nil
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].bounds.Y0 != runs[j].bounds.Y0 {
			return runs[i].bounds.Y0 < runs[j].bounds.Y0
		}
		return runs[i].bounds.X0 < runs[j].bounds.X0
	})

	var blocks []Block
	current := []textRun{runs[0]}
	for _, r := range runs[1:] {
		anchor := current[0]
		tol := 0.4 * anchor.font.Size
		if tol < 1 {
			tol = 1
		}
		if diff := r.bounds.Y0 - anchor.bounds.Y0; diff > tol || diff < -tol {
			blocks = append(blocks, mergeLine(current))
			current = current[:0]
		}
		current = append(current, r)
	}
	blocks = append(blocks, mergeLine(current))
	return blocks
}

func mergeLine(runs []textRun) Block {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].bounds.X0 < runs[j].bounds.X0 })

	var sb strings.Builder
	bounds := runs[0].bounds
	font := runs[0].font
	for i, r := range runs {
		if i > 0 {
			// Insert a space when the gap between runs is wider than a thin
			// kerning adjustment.
			gap := r.bounds.X0 - runs[i-1].bounds.X1
			if gap > 0.15*font.Size && !strings.HasSuffix(sb.String(), " ") && !strings.HasPrefix(r.text, " ") {
				sb.WriteByte(' ')
			}
			bounds = bounds.Union(r.bounds)
		}
		sb.WriteString(r.text)
		if r.font.Size > font.Size {
			font = r.font
		}
	}
	return Block{Text: sb.String(), Bounds: bounds, Font: font}
}
