package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wudi/epubkit/enhance"
	"github.com/wudi/epubkit/epub"
	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/layout"
	"github.com/wudi/epubkit/observability"
	"github.com/wudi/epubkit/ocr"
	"github.com/wudi/epubkit/parser"
	"github.com/wudi/epubkit/structure"
)

// errLowConfidence routes a structurally complete but low-quality result to
// the external converter.
var errLowConfidence = errors.New("confidence below threshold")

// Convert runs the input through the pipeline and returns the output bytes.
// A fatal internal error or a low confidence score diverts to the external
// converter; cancellation never does.
func (j *Job) Convert(ctx context.Context, input []byte) ([]byte, error) {
	out, err := j.run(ctx, input)
	if err == nil {
		j.Stage = StageDone
		j.log.Info("conversion complete",
			observability.Float64(observability.MetricConfidence, j.Confidence),
			observability.Int(observability.MetricPages, j.totalPages),
			observability.Int(observability.MetricOCRPages, j.ocrPages))
		return out, nil
	}
	if ctx.Err() != nil {
		j.Stage = StageFailed
		return nil, ctx.Err()
	}
	return j.fallback(ctx, input, err)
}

func (j *Job) run(ctx context.Context, input []byte) ([]byte, error) {
	doc, err := j.parse(ctx, input)
	if err != nil {
		return nil, err
	}
	res, err := j.analyze(ctx, doc)
	if err != nil {
		return nil, err
	}
	tree, err := j.build(ctx, doc, res)
	if err != nil {
		return nil, err
	}
	j.enhanceTree(ctx, tree)
	return j.emit(ctx, tree, input)
}

// enter marks a stage boundary: cancellation is honored here, and time from
// here to the next boundary is attributed to the stage.
func (j *Job) enter(ctx context.Context, s Stage) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.Stage = s
	start := time.Now()
	return func() { j.Durations[s] = time.Since(start) }, nil
}

// parse reads the document, extracts pages concurrently and recognizes
// scanned pages. The page fan-out joins before returning, so later stages
// always see every page in order.
func (j *Job) parse(ctx context.Context, input []byte) (*extractor.Document, error) {
	done, err := j.enter(ctx, StageParsing)
	if err != nil {
		return nil, err
	}
	defer done()

	pdoc, err := parser.Parse(input, parser.Config{Password: j.cfg.Password, Logger: j.log})
	if err != nil {
		return nil, err
	}
	if pdoc.Repaired {
		j.diag(StageParsing, DiagParserWarning, 0, "cross-reference table rebuilt by repair scan")
	}

	doc := &extractor.Document{Metadata: pdoc.Metadata, Outline: pdoc.Outline}
	pages := make([]*extractor.Page, len(pdoc.Pages))
	warns := make([][]string, len(pdoc.Pages))
	ecfg := extractor.Config{KeepImageData: true, Logger: j.log}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.PageConcurrency)
	for i, src := range pdoc.Pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pages[i], warns[i] = extractor.ExtractPage(pdoc, src, ecfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	doc.Pages = pages
	for i, ws := range warns {
		for _, w := range ws {
			j.diag(StageParsing, DiagParserWarning, i+1, w)
		}
	}
	j.totalPages = len(pages)

	if err := j.recognizeScanned(ctx, input, doc); err != nil {
		return nil, err
	}
	doc.ScanProbability = extractor.ScanProbability(doc.Pages)
	j.log.Info("parsing complete",
		observability.Int("pages", len(doc.Pages)),
		observability.Float64("scan_probability", doc.ScanProbability))
	return doc, nil
}

// recognizeScanned runs OCR over pages with no extractable text, at most
// once per page, throttled by the configured rate. Per-page failures are
// diagnostics; only cancellation aborts.
func (j *Job) recognizeScanned(ctx context.Context, input []byte, doc *extractor.Document) error {
	var targets []*extractor.Page
	for _, p := range doc.Pages {
		if p.TextLength() == 0 {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	if j.caps.OCR == nil || j.caps.Raster == nil {
		j.ocrPages += len(targets)
		for _, p := range targets {
			p.OCR = true
			j.diag(StageParsing, DiagOCRFailure, p.Number, "page has no text layer and no OCR capability is configured")
		}
		return nil
	}

	rz, err := j.caps.Raster(input)
	if err != nil {
		j.ocrPages += len(targets)
		for _, p := range targets {
			p.OCR = true
			j.diag(StageParsing, DiagOCRFailure, p.Number, fmt.Sprintf("rasterizer unavailable: %v", err))
		}
		return nil
	}
	defer rz.Close()

	dpi := j.cfg.Quality.dpi()
	limiter := rate.NewLimiter(rate.Limit(j.cfg.OCRPerSecond), 1)
	for _, p := range targets {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		// Mark the attempt up front so a failed page still counts against
		// confidence and is never retried.
		p.OCR = true
		j.ocrPages++
		dropScanRaster(p)

		rendered, err := rz.Render(ctx, []int{p.Number}, dpi)
		if err != nil || len(rendered) == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.diag(StageParsing, DiagOCRFailure, p.Number, fmt.Sprintf("rasterization failed: %v", err))
			continue
		}
		in := ocr.InputFromRaster(p.Number, rendered[0].PNG, dpi, ocr.WithLanguages(j.cfg.OCRLanguages...))
		res, err := j.caps.OCR.Recognize(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.diag(StageParsing, DiagOCRFailure, p.Number, fmt.Sprintf("recognition failed: %v", err))
			continue
		}
		ocr.ApplyResult(p, res, dpi)
		j.log.Debug("page recognized",
			observability.Int("page", p.Number),
			observability.Int("blocks", len(p.Blocks)))
	}
	return nil
}

// dropScanRaster removes the full-page scan image from a page routed through
// recognition; its text replaces it. Smaller embedded images stay.
func dropScanRaster(p *extractor.Page) {
	area := p.Width * p.Height
	if area <= 0 {
		return
	}
	kept := p.Images[:0]
	for _, img := range p.Images {
		if img.Bounds.Area() < 0.8*area {
			kept = append(kept, img)
		}
	}
	p.Images = kept
}

func (j *Job) analyze(ctx context.Context, doc *extractor.Document) (*layout.Result, error) {
	done, err := j.enter(ctx, StageAnalyzing)
	if err != nil {
		return nil, err
	}
	defer done()

	res := layout.Analyze(doc, layout.Config{Logger: j.log})
	j.totalBlocks = res.TotalBlocks
	j.ambiguous = res.AmbiguousBlocks
	for _, w := range res.Warnings {
		j.diag(StageAnalyzing, DiagClassificationWarning, 0, w)
	}
	j.recomputeConfidence()
	return res, nil
}

func (j *Job) build(ctx context.Context, doc *extractor.Document, res *layout.Result) (*structure.Tree, error) {
	done, err := j.enter(ctx, StageBuilding)
	if err != nil {
		return nil, err
	}
	defer done()

	var tree *structure.Tree
	if allRecognized(doc) {
		tree = j.pageTree(doc, res)
	} else {
		tree = structure.Build(res.Blocks, doc.Metadata, structure.Config{Outline: doc.Outline, Logger: j.log})
	}
	for _, w := range tree.Warnings {
		j.diag(StageBuilding, DiagClassificationWarning, 0, w)
	}

	if j.cfg.ConfidenceThreshold >= 0 && j.Confidence < j.cfg.ConfidenceThreshold {
		return nil, fmt.Errorf("%w: %.2f < %.2f", errLowConfidence, j.Confidence, j.cfg.ConfidenceThreshold)
	}
	return tree, nil
}

// allRecognized reports whether every page went through recognition. Such
// documents have no reliable heading signal, so the structure falls back to
// one section per source page.
func allRecognized(doc *extractor.Document) bool {
	if len(doc.Pages) == 0 {
		return false
	}
	for _, p := range doc.Pages {
		if !p.OCR {
			return false
		}
	}
	return true
}

// pageTree builds a page-per-chapter structure for recognized documents.
// Pages whose recognition failed become empty placeholder chapters.
func (j *Job) pageTree(doc *extractor.Document, res *layout.Result) *structure.Tree {
	tree := &structure.Tree{
		Root:     &structure.Node{Kind: structure.KindRoot},
		Metadata: doc.Metadata,
	}
	for _, p := range doc.Pages {
		var blocks []layout.ClassifiedBlock
		for _, cb := range res.Blocks {
			if cb.Page == p.Number {
				blocks = append(blocks, cb)
			}
		}
		ch := &structure.Node{
			Kind:      structure.KindChapter,
			Level:     1,
			PageStart: p.Number,
			PageEnd:   p.Number,
		}
		if len(blocks) > 0 {
			sub := structure.Build(blocks, doc.Metadata, structure.Config{Logger: j.log})
			for _, c := range sub.Root.Children {
				ch.Sources += c.Sources
				ch.Children = append(ch.Children, c.Children...)
			}
			tree.Excluded += sub.Excluded
			tree.Warnings = append(tree.Warnings, sub.Warnings...)
		}
		tree.Root.Children = append(tree.Root.Children, ch)
	}
	return tree
}

// enhanceTree runs the optional enhancement call. It never fails the job;
// unavailability is recorded and the stage is skipped.
func (j *Job) enhanceTree(ctx context.Context, tree *structure.Tree) {
	if !j.cfg.EnableEnhancement || j.caps.Enhance == nil {
		return
	}
	done, err := j.enter(ctx, StageEnhancing)
	if err != nil {
		return
	}
	defer done()

	if err := enhance.Run(ctx, j.caps.Enhance, tree, time.Duration(j.cfg.EnhanceTimeout)); err != nil {
		j.diag(StageEnhancing, DiagEnhancementUnavailable, 0, err.Error())
	}
}

func (j *Job) emit(ctx context.Context, tree *structure.Tree, input []byte) ([]byte, error) {
	done, err := j.enter(ctx, StageEmitting)
	if err != nil {
		return nil, err
	}
	defer done()

	switch j.cfg.TargetFormat {
	case "epub":
		var buf bytes.Buffer
		res, err := epub.Emit(&buf, tree, epub.Config{
			MaxImageDim: j.cfg.Quality.maxImageDim(),
			Logger:      j.log,
		})
		if err != nil {
			return nil, err
		}
		for _, w := range res.Warnings {
			j.diag(StageEmitting, DiagEmitWarning, 0, w)
		}
		j.OutputFormat = "epub"
		return buf.Bytes(), nil
	case "md", "markdown":
		j.OutputFormat = "md"
		return []byte(structure.Markdown(tree)), nil
	default:
		// Other targets are produced by the external converter from the
		// original input; the internal result is discarded.
		out, err := j.runCalibre(ctx, input, j.cfg.TargetFormat)
		if err != nil {
			return nil, fmt.Errorf("target %q needs the external converter: %w", j.cfg.TargetFormat, err)
		}
		j.OutputFormat = j.cfg.TargetFormat
		return out, nil
	}
}

// fallback hands the original input to the external converter after the
// internal path gave up.
func (j *Job) fallback(ctx context.Context, input []byte, primary error) ([]byte, error) {
	j.Stage = StageFallback
	j.log.Warn("internal conversion abandoned, invoking external converter",
		observability.Error("reason", primary))

	start := time.Now()
	out, err := j.runCalibre(ctx, input, j.cfg.TargetFormat)
	j.Durations[StageFallback] = time.Since(start)
	if err != nil {
		j.Stage = StageFailed
		return nil, &FallbackFailure{Primary: primary, Fallback: err}
	}
	j.FallbackUsed = true
	j.OutputFormat = j.cfg.TargetFormat
	j.Diagnostics = append(j.Diagnostics, Diagnostic{
		Stage:   StageFallback,
		Kind:    DiagFallbackUsed,
		Message: fmt.Sprintf("external converter used: %v", primary),
	})
	j.Stage = StageDone
	return out, nil
}

func (j *Job) runCalibre(ctx context.Context, input []byte, target string) ([]byte, error) {
	if j.caps.Calibre == nil {
		return nil, errors.New("no external converter configured")
	}
	if !j.caps.Calibre.Available(ctx) {
		return nil, errors.New("external converter not available")
	}
	dir, err := os.MkdirTemp("", "epubkit-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input.pdf")
	outPath := filepath.Join(dir, "output."+target)
	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return nil, err
	}
	if _, err := j.caps.Calibre.Convert(ctx, inPath, outPath, target); err != nil {
		return nil, err
	}
	return os.ReadFile(outPath)
}
