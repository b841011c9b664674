package epub

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	_ "image/gif"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/structure"
)

// imageAsset ties a figure leaf to its packaged file. Assets without data
// are content gaps: referenced figures render as nothing.
type imageAsset struct {
	id       string
	filename string
	mime     string
	data     []byte
}

// collectImages walks figure leaves, re-encodes their payloads web-safe and
// assigns unique asset names. The figure's image reference is renamed to the
// asset id so chapter markdown and the packaged file agree.
func collectImages(tree *structure.Tree, cfg Config, res *Result) map[string]*imageAsset {
	assets := make(map[string]*imageAsset)
	n := 0
	for _, leaf := range tree.Leaves() {
		if leaf.Kind != structure.KindFigure || leaf.Image == nil {
			continue
		}
		n++
		id := fmt.Sprintf("img-%04d", n)
		asset := &imageAsset{id: id}
		if len(leaf.Image.Data) == 0 {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("figure on page %d has no image data, leaving a gap", leaf.PageStart))
		} else if data, mime, ext, err := reencode(leaf.Image, cfg); err != nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("figure on page %d not re-encodable (%v), leaving a gap", leaf.PageStart, err))
		} else {
			asset.data = data
			asset.mime = mime
			asset.filename = id + ext
		}
		leaf.Image.Name = id
		assets[id] = asset
	}
	return assets
}

// reencode decodes whatever format the source carried and writes JPEG, or
// PNG when the source has transparency.
func reencode(img *extractor.ImageRef, cfg Config) ([]byte, string, string, error) {
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, "", "", fmt.Errorf("decode %s: %w", img.Format, err)
	}
	src = downscale(src, cfg.MaxImageDim)

	if hasAlpha(src) {
		var buf bytes.Buffer
		if err := png.Encode(&buf, src); err != nil {
			return nil, "", "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "image/png", ".png", nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: cfg.JPEGQuality}); err != nil {
		return nil, "", "", fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", ".jpg", nil
}

// downscale caps the longer image side at maxDim.
func downscale(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}
	scale := float64(maxDim) / float64(w)
	if h > w {
		scale = float64(maxDim) / float64(h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func hasAlpha(src image.Image) bool {
	switch m := src.(type) {
	case *image.NRGBA:
		return !m.Opaque()
	case *image.RGBA:
		return !m.Opaque()
	case *image.NRGBA64:
		return !m.Opaque()
	}
	return false
}
