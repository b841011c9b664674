// Package ocr defines the recognition capability contract for scanned pages.
// The interfaces are small and transport-agnostic so engines can be backed by
// native libraries, local binaries or remote services without leaking
// provider concerns into the pipeline.
package ocr

import "context"

// ImageFormat identifies the content type of an OCR input image.
type ImageFormat string

const (
	ImageFormatPNG  ImageFormat = "image/png"
	ImageFormatJPEG ImageFormat = "image/jpeg"
	ImageFormatTIFF ImageFormat = "image/tiff"
)

// Region is a rectangular area in pixel coordinates, origin in the upper
// left corner of the image.
type Region struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// IsEmpty reports whether the region has non-positive dimensions.
func (r Region) IsEmpty() bool { return r.Width <= 0 || r.Height <= 0 }

// Input is a single rasterized page submitted for recognition.
type Input struct {
	// ID is echoed back in the corresponding Result.
	ID string
	// Image is the encoded payload in the format given by Format.
	Image  []byte
	Format ImageFormat
	// PageNumber links the input back to the 1-based source page.
	PageNumber int
	// DPI is the raster resolution; the adapter needs it to map pixel
	// coordinates back to page units. Zero means unknown.
	DPI int
	// Languages holds trained-data hints such as "eng" or "deu".
	Languages []string
	// Region restricts recognition to part of the image; nil means all.
	Region *Region
	// Metadata passes engine-specific variables through without widening
	// the API surface.
	Metadata map[string]string
}

// TextWord is one recognized token.
type TextWord struct {
	Text       string
	Bounds     Region
	Confidence float64
}

// TextLine groups words sharing a baseline.
type TextLine struct {
	Text       string
	Bounds     Region
	Words      []TextWord
	Confidence float64
}

// TextBlock aggregates lines forming a logical unit.
type TextBlock struct {
	Text       string
	Bounds     Region
	Lines      []TextLine
	Confidence float64
}

// Result is the recognition output for one input.
type Result struct {
	InputID    string
	PageNumber int
	// PlainText is the linearized text.
	PlainText string
	// Blocks carries positioned layout.
	Blocks []TextBlock
	// Language is the dominant detected language, if known.
	Language string
}

// Engine is the basic provider contract: one image in, one result out.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, input Input) (Result, error)
}

// BatchEngine processes several inputs per call, for providers that amortize
// setup costs or remote round-trips.
type BatchEngine interface {
	Engine
	RecognizeBatch(ctx context.Context, inputs []Input) ([]Result, error)
}

// RecognizeAll runs every input through the engine, using batch mode when
// the engine supports it.
func RecognizeAll(ctx context.Context, engine Engine, inputs []Input) ([]Result, error) {
	if b, ok := engine.(BatchEngine); ok {
		return b.RecognizeBatch(ctx, inputs)
	}
	results := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		res, err := engine.Recognize(ctx, in)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
