package ocr

import (
	"fmt"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/geo"
)

// InputFromRaster wraps a rendered page image as an OCR input.
func InputFromRaster(pageNumber int, png []byte, dpi int, opts ...InputOption) Input {
	in := Input{
		ID:         fmt.Sprintf("page-%d", pageNumber),
		Image:      png,
		Format:     ImageFormatPNG,
		PageNumber: pageNumber,
		DPI:        dpi,
	}
	for _, opt := range opts {
		opt(&in)
	}
	return in
}

// ApplyResult merges recognized text back into a page, converting pixel
// coordinates to page units and marking the page as OCR-derived. Lines
// become blocks so recognized pages flow through layout analysis like
// native ones. Existing blocks are preserved; scanned pages have none.
func ApplyResult(page *extractor.Page, res Result, dpi int) {
	scale := 1.0
	if dpi > 0 {
		scale = 72.0 / float64(dpi)
	}
	for _, block := range res.Blocks {
		for _, line := range block.Lines {
			if line.Text == "" {
				continue
			}
			bounds := regionRect(line.Bounds, scale)
			page.Blocks = append(page.Blocks, extractor.Block{
				Text:   line.Text,
				Bounds: bounds,
				// Line height approximates the type size; recognition
				// carries no font metadata.
				Font: extractor.FontDesc{Size: bounds.Height()},
			})
		}
	}
	page.OCR = true
	page.Scanned = true
}

func regionRect(r Region, scale float64) geo.Rect {
	return geo.NewRect(r.X*scale, r.Y*scale, (r.X+r.Width)*scale, (r.Y+r.Height)*scale)
}
