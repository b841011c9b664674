package raster

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// fitzRasterizer renders through MuPDF.
type fitzRasterizer struct {
	doc *fitz.Document
}

// OpenFitz creates a MuPDF-backed rasterizer over an in-memory document.
// It satisfies Opener.
func OpenFitz(data []byte) (Rasterizer, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	return &fitzRasterizer{doc: doc}, nil
}

func (r *fitzRasterizer) Render(ctx context.Context, pages []int, dpi int) ([]Page, error) {
	if dpi <= 0 {
		dpi = 300
	}
	out := make([]Page, 0, len(pages))
	for _, num := range pages {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if num < 1 || num > r.doc.NumPage() {
			return nil, fmt.Errorf("page %d out of range (1..%d)", num, r.doc.NumPage())
		}
		img, err := r.doc.ImageDPI(num-1, float64(dpi))
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", num, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", num, err)
		}
		bounds := img.Bounds()
		out = append(out, Page{
			Number: num,
			PNG:    buf.Bytes(),
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
			DPI:    dpi,
		})
	}
	return out, nil
}

func (r *fitzRasterizer) Close() error {
	if r.doc == nil {
		return nil
	}
	err := r.doc.Close()
	r.doc = nil
	return err
}
