// Package tesseract backs the ocr capability with the gosseract client.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/wudi/epubkit/ocr"
)

// Engine implements ocr.Engine and ocr.BatchEngine over a local Tesseract
// installation.
type Engine struct {
	clientFactory func() *gosseract.Client
}

func New() *Engine {
	return &Engine{clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize performs OCR on a single page image.
func (e *Engine) Recognize(ctx context.Context, in ocr.Input) (ocr.Result, error) {
	c := e.clientFactory()
	defer c.Close()
	return e.recognizeWithClient(ctx, c, in)
}

// RecognizeBatch processes inputs sequentially. Each input gets a fresh
// client; gosseract clients do not reset variables between images.
func (e *Engine) RecognizeBatch(ctx context.Context, inputs []ocr.Input) ([]ocr.Result, error) {
	results := make([]ocr.Result, 0, len(inputs))
	for _, in := range inputs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		c := e.clientFactory()
		res, err := e.recognizeWithClient(ctx, c, in)
		c.Close()
		if err != nil {
			return nil, fmt.Errorf("recognize %s: %w", in.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) recognizeWithClient(ctx context.Context, c *gosseract.Client, in ocr.Input) (ocr.Result, error) {
	imgData, err := cropImage(in.Image, in.Region)
	if err != nil {
		return ocr.Result{}, err
	}
	if err := c.SetImageFromBytes(imgData); err != nil {
		return ocr.Result{}, fmt.Errorf("set image: %w", err)
	}
	if len(in.Languages) > 0 {
		if err := c.SetLanguage(in.Languages...); err != nil {
			return ocr.Result{}, fmt.Errorf("set languages: %w", err)
		}
	}
	if in.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(in.DPI)); err != nil {
			return ocr.Result{}, fmt.Errorf("set dpi: %w", err)
		}
	}
	for k, v := range in.Metadata {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return ocr.Result{}, fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("recognize text: %w", err)
	}
	plain := strings.TrimSpace(text)

	lines, conf := extractLines(c)
	if len(lines) == 0 && plain != "" {
		lines = []ocr.TextLine{{Text: plain}}
	}
	block := ocr.TextBlock{Text: plain, Lines: lines, Confidence: conf}
	block.Bounds = mergeLineBounds(lines)

	return ocr.Result{
		InputID:    in.ID,
		PageNumber: in.PageNumber,
		PlainText:  plain,
		Blocks:     []ocr.TextBlock{block},
		Language:   firstLanguage(in.Languages),
	}, nil
}

// extractLines regroups word boxes into lines so downstream layout analysis
// sees line-granular blocks.
func extractLines(c *gosseract.Client) ([]ocr.TextLine, float64) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil || len(boxes) == 0 {
		return nil, 0
	}
	lines := make([]ocr.TextLine, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		conf := b.Confidence / 100.0
		sum += conf
		lines = append(lines, ocr.TextLine{
			Text: text,
			Bounds: ocr.Region{
				X:      float64(b.Box.Min.X),
				Y:      float64(b.Box.Min.Y),
				Width:  float64(b.Box.Dx()),
				Height: float64(b.Box.Dy()),
			},
			Confidence: conf,
		})
	}
	if len(lines) == 0 {
		return nil, 0
	}
	return lines, sum / float64(len(lines))
}

func mergeLineBounds(lines []ocr.TextLine) ocr.Region {
	if len(lines) == 0 {
		return ocr.Region{}
	}
	minX, minY := math.MaxFloat64, math.MaxFloat64
	var maxX, maxY float64
	for _, l := range lines {
		minX = math.Min(minX, l.Bounds.X)
		minY = math.Min(minY, l.Bounds.Y)
		maxX = math.Max(maxX, l.Bounds.X+l.Bounds.Width)
		maxY = math.Max(maxY, l.Bounds.Y+l.Bounds.Height)
	}
	return ocr.Region{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

func firstLanguage(langs []string) string {
	if len(langs) == 0 {
		return ""
	}
	return langs[0]
}

func cropImage(data []byte, region *ocr.Region) ([]byte, error) {
	if region == nil || region.IsEmpty() {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode for region: %w", err)
	}
	rect := image.Rect(
		int(math.Round(region.X)),
		int(math.Round(region.Y)),
		int(math.Round(region.X+region.Width)),
		int(math.Round(region.Y+region.Height)),
	).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("region outside image bounds")
	}
	subImg, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("image does not support sub-image")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, subImg.SubImage(rect)); err != nil {
		return nil, fmt.Errorf("encode cropped image: %w", err)
	}
	return buf.Bytes(), nil
}
