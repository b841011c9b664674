// Package raster renders source pages to images for the OCR fallback.
package raster

import "context"

// Page is one rendered page.
type Page struct {
	Number int // 1-based
	// PNG is the encoded image.
	PNG    []byte
	Width  int // pixels
	Height int
	DPI    int
}

// Rasterizer renders selected pages of a source document. Implementations
// own their native resources; Close releases them.
type Rasterizer interface {
	// Render rasterizes the given 1-based page numbers at the requested
	// resolution. Page numbers outside the document fail.
	Render(ctx context.Context, pages []int, dpi int) ([]Page, error)
	Close() error
}

// Opener creates a Rasterizer for a document held in memory.
type Opener func(data []byte) (Rasterizer, error)
