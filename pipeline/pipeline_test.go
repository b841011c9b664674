package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/wudi/epubkit/calibre"
	"github.com/wudi/epubkit/ocr"
	"github.com/wudi/epubkit/raster"
)

type pdfBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int64
}

func newPDF() *pdfBuilder {
	b := &pdfBuilder{offsets: make(map[int]int64)}
	b.buf.WriteString("%PDF-1.6\n")
	return b
}

func (b *pdfBuilder) add(num int, body string) {
	b.offsets[num] = int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (b *pdfBuilder) addStream(num int, dict string, payload []byte) {
	b.offsets[num] = int64(b.buf.Len())
	fmt.Fprintf(&b.buf, "%d 0 obj\n<< %s /Length %d >>\nstream\n", num, dict, len(payload))
	b.buf.Write(payload)
	b.buf.WriteString("\nendstream\nendobj\n")
}

func (b *pdfBuilder) finish() []byte {
	nums := make([]int, 0, len(b.offsets))
	for n := range b.offsets {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	maxNum := nums[len(nums)-1]
	start := b.buf.Len()
	fmt.Fprintf(&b.buf, "xref\n0 %d\n%010d 65535 f \n", maxNum+1, 0)
	for n := 1; n <= maxNum; n++ {
		if off, ok := b.offsets[n]; ok {
			fmt.Fprintf(&b.buf, "%010d 00000 n \n", off)
		} else {
			fmt.Fprintf(&b.buf, "%010d 00000 f \n", 0)
		}
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", maxNum+1, start)
	return b.buf.Bytes()
}

// textPDF is a single native-text page: one bold heading line and two body
// paragraphs.
func textPDF() []byte {
	b := newPDF()
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	b.add(3, "<< /Type /Page /Parent 2 0 R /Contents 4 0 R /Resources << /Font << /F1 5 0 R /F2 6 0 R >> >> >>")
	b.addStream(4, "", []byte(`BT
/F2 24 Tf 72 700 Td (The Long Road) Tj
/F1 12 Tf 0 -50 Td (It began on a cold morning in the hills.) Tj
/F1 12 Tf 0 -50 Td (Nobody expected the journey to take years.) Tj
ET`))
	b.add(5, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	b.add(6, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold >>")
	return b.finish()
}

// scannedPDF is three pages that are nothing but a full-page image each.
func scannedPDF() []byte {
	b := newPDF()
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [3 0 R 4 0 R 5 0 R] /Count 3 /MediaBox [0 0 612 792] >>")
	for i := 0; i < 3; i++ {
		page, content := 3+i, 6+i
		b.add(page, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Contents %d 0 R /Resources << /XObject << /Im1 9 0 R >> >> >>", content))
		b.addStream(content, "", []byte("q 612 0 0 792 0 0 cm /Im1 Do Q"))
	}
	b.addStream(9, "/Type /XObject /Subtype /Image /Width 1700 /Height 2200 /ColorSpace /DeviceGray /BitsPerComponent 8 /Filter /DCTDecode", []byte("\xff\xd8scan\xff\xd9"))
	return b.finish()
}

type fakeRasterizer struct{}

func (fakeRasterizer) Render(ctx context.Context, pages []int, dpi int) ([]raster.Page, error) {
	out := make([]raster.Page, len(pages))
	for i, n := range pages {
		out[i] = raster.Page{Number: n, PNG: []byte("raster"), DPI: dpi}
	}
	return out, nil
}

func (fakeRasterizer) Close() error { return nil }

func fakeRasterOpener(data []byte) (raster.Rasterizer, error) { return fakeRasterizer{}, nil }

// fakeOCR recognizes one line per page and fails pages listed in failPages.
type fakeOCR struct {
	failPages map[int]bool
	calls     map[int]int
}

func (e *fakeOCR) Name() string { return "fake" }

func (e *fakeOCR) Recognize(ctx context.Context, in ocr.Input) (ocr.Result, error) {
	if e.calls == nil {
		e.calls = make(map[int]int)
	}
	e.calls[in.PageNumber]++
	if e.failPages[in.PageNumber] {
		return ocr.Result{}, errors.New("engine choked")
	}
	text := fmt.Sprintf("Recognized text of page %d.", in.PageNumber)
	return ocr.Result{
		InputID:    in.ID,
		PageNumber: in.PageNumber,
		PlainText:  text,
		Blocks: []ocr.TextBlock{{
			Text: text,
			Lines: []ocr.TextLine{{
				Text:   text,
				Bounds: ocr.Region{X: 300, Y: 300, Width: 1500, Height: 50},
			}},
		}},
	}, nil
}

type fakeCalibre struct {
	available bool
	fail      bool
	calls     int
	output    []byte
}

func (r *fakeCalibre) Available(ctx context.Context) bool { return r.available }

func (r *fakeCalibre) Version(ctx context.Context) string {
	if !r.available {
		return ""
	}
	return "calibre 7.0"
}

func (r *fakeCalibre) Convert(ctx context.Context, inPath, outPath, target string) (calibre.Result, error) {
	r.calls++
	if r.fail {
		return calibre.Result{}, errors.New("exit status 1")
	}
	if err := os.WriteFile(outPath, r.output, 0o600); err != nil {
		return calibre.Result{}, err
	}
	return calibre.Result{OutputPath: outPath}, nil
}

func TestConvertNativeText(t *testing.T) {
	job := NewJob(Config{}, Capabilities{})
	out, err := job.Convert(context.Background(), textPDF())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if job.Stage != StageDone {
		t.Errorf("stage = %s, want done", job.Stage)
	}
	if job.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 (diagnostics: %+v)", job.Confidence, job.Diagnostics)
	}
	if job.FallbackUsed {
		t.Error("fallback used on a clean document")
	}
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("output is not a zip: %v", err)
	}
	if zr.File[0].Name != "mimetype" {
		t.Errorf("first entry = %q", zr.File[0].Name)
	}
	var chapters []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "OEBPS/text/") {
			chapters = append(chapters, f.Name)
		}
	}
	if len(chapters) != 1 || chapters[0] != "OEBPS/text/chapter-1.xhtml" {
		t.Errorf("chapter entries = %v, want exactly chapter-1", chapters)
	}
	for _, s := range []Stage{StageParsing, StageAnalyzing, StageBuilding, StageEmitting} {
		if _, ok := job.Durations[s]; !ok {
			t.Errorf("no duration recorded for %s", s)
		}
	}
}

func TestConvertMarkdownTarget(t *testing.T) {
	job := NewJob(Config{TargetFormat: "md"}, Capabilities{})
	out, err := job.Convert(context.Background(), textPDF())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	// One titled chapter holding the two paragraphs in reading order,
	// nothing else.
	want := "# The Long Road\n\n" +
		"It began on a cold morning in the hills.\n\n" +
		"Nobody expected the journey to take years.\n"
	if string(out) != want {
		t.Errorf("markdown = %q, want %q", out, want)
	}
	if job.OutputFormat != "md" {
		t.Errorf("output format = %q", job.OutputFormat)
	}
}

func TestScannedDocumentRecognizedOncePerPage(t *testing.T) {
	engine := &fakeOCR{failPages: map[int]bool{2: true}}
	job := NewJob(Config{TargetFormat: "md", ConfidenceThreshold: 0.3}, Capabilities{
		OCR:    engine,
		Raster: fakeRasterOpener,
	})
	out, err := job.Convert(context.Background(), scannedPDF())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if job.Stage != StageDone {
		t.Errorf("stage = %s, want done", job.Stage)
	}
	for page := 1; page <= 3; page++ {
		if engine.calls[page] != 1 {
			t.Errorf("page %d recognized %d times, want exactly 1", page, engine.calls[page])
		}
	}

	var failures []Diagnostic
	for _, d := range job.Diagnostics {
		if d.Kind == DiagOCRFailure {
			failures = append(failures, d)
		}
	}
	if len(failures) != 1 || failures[0].Page != 2 {
		t.Errorf("OCR failure diagnostics = %+v, want exactly one for page 2", failures)
	}
	if job.Confidence >= 1.0 {
		t.Errorf("confidence = %v, want < 1.0", job.Confidence)
	}

	md := string(out)
	for _, want := range []string{"# Chapter 1", "# Chapter 2", "# Chapter 3",
		"Recognized text of page 1.", "Recognized text of page 3."} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	// The failed page stays an empty placeholder between its neighbors.
	if strings.Contains(md, "Recognized text of page 2.") {
		t.Errorf("page 2 should have no recognized text:\n%s", md)
	}
}

func TestLowConfidenceFallsBack(t *testing.T) {
	// No OCR capability: every scanned page fails recognition and the score
	// lands below the default threshold.
	cal := &fakeCalibre{available: true, output: []byte("CALIBRE-OUTPUT")}
	job := NewJob(Config{}, Capabilities{Calibre: cal})
	out, err := job.Convert(context.Background(), scannedPDF())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !bytes.Equal(out, []byte("CALIBRE-OUTPUT")) {
		t.Errorf("output = %q, want the converter's result", out)
	}
	if !job.FallbackUsed || job.Stage != StageDone {
		t.Errorf("fallbackUsed = %v, stage = %s", job.FallbackUsed, job.Stage)
	}
	if cal.calls != 1 {
		t.Errorf("converter invoked %d times", cal.calls)
	}
	found := false
	for _, d := range job.Diagnostics {
		if d.Kind == DiagFallbackUsed {
			found = true
			if !strings.Contains(d.Message, "confidence") {
				t.Errorf("fallback diagnostic does not carry the reason: %q", d.Message)
			}
		}
	}
	if !found {
		t.Error("no fallback-used diagnostic recorded")
	}
}

func TestFallbackFailureCarriesBothReasons(t *testing.T) {
	cal := &fakeCalibre{available: true, fail: true}
	job := NewJob(Config{}, Capabilities{Calibre: cal})
	_, err := job.Convert(context.Background(), scannedPDF())
	if err == nil {
		t.Fatal("want an error when both paths fail")
	}
	var ff *FallbackFailure
	if !errors.As(err, &ff) {
		t.Fatalf("error type = %T", err)
	}
	if ff.Primary == nil || ff.Fallback == nil {
		t.Errorf("missing a reason: %+v", ff)
	}
	if !strings.Contains(err.Error(), "confidence") || !strings.Contains(err.Error(), "exit status 1") {
		t.Errorf("error omits a reason: %v", err)
	}
	if job.Stage != StageFailed {
		t.Errorf("stage = %s, want failed", job.Stage)
	}
}

func TestFallbackUnavailableConverter(t *testing.T) {
	job := NewJob(Config{}, Capabilities{Calibre: &fakeCalibre{available: false}})
	_, err := job.Convert(context.Background(), scannedPDF())
	var ff *FallbackFailure
	if !errors.As(err, &ff) {
		t.Fatalf("error = %v, want FallbackFailure", err)
	}
}

func TestCancelledJobDoesNotFallBack(t *testing.T) {
	cal := &fakeCalibre{available: true, output: []byte("x")}
	job := NewJob(Config{}, Capabilities{Calibre: cal})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := job.Convert(ctx, textPDF())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if job.Stage != StageFailed {
		t.Errorf("stage = %s", job.Stage)
	}
	if cal.calls != 0 {
		t.Errorf("converter invoked %d times on cancellation", cal.calls)
	}
}

func TestParseError(t *testing.T) {
	job := NewJob(Config{}, Capabilities{})
	_, err := job.Convert(context.Background(), []byte("not a pdf at all"))
	if err == nil {
		t.Fatal("want an error for garbage input")
	}
	var ff *FallbackFailure
	if !errors.As(err, &ff) {
		t.Fatalf("error type = %T, want FallbackFailure with no converter configured", err)
	}
	if job.Stage != StageFailed {
		t.Errorf("stage = %s", job.Stage)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
target_format: md
quality: high
confidence_threshold: 0.7
enhance_timeout: 45s
ocr_languages: [eng, deu]
page_concurrency: 8
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.TargetFormat != "md" || cfg.Quality != QualityHigh {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ConfidenceThreshold != 0.7 || cfg.PageConcurrency != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
	if time.Duration(cfg.EnhanceTimeout) != 45*time.Second {
		t.Errorf("enhance timeout = %v", cfg.EnhanceTimeout)
	}
	if len(cfg.OCRLanguages) != 2 || cfg.OCRLanguages[1] != "deu" {
		t.Errorf("languages = %v", cfg.OCRLanguages)
	}
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	if _, err := ParseConfig([]byte("target_fromat: epub\n")); err == nil {
		t.Fatal("want an error for a misspelled key")
	}
}

func TestConfidenceScore(t *testing.T) {
	tests := []struct {
		name       string
		ocrPages   int
		totalPages int
		ambiguous  int
		blocks     int
		warns      int
		want       float64
	}{
		{"clean", 0, 10, 0, 100, 0, 1.0},
		{"all pages scanned", 10, 10, 0, 100, 0, 0.5},
		{"some warnings", 0, 10, 0, 100, 5, 0.9},
		{"warning penalty saturates", 0, 10, 0, 100, 50, 0.8},
		{"everything bad", 10, 10, 100, 100, 50, 0.0},
		{"empty document", 0, 0, 0, 0, 0, 1.0},
	}
	for _, tc := range tests {
		got := confidenceScore(tc.ocrPages, tc.totalPages, tc.ambiguous, tc.blocks, tc.warns)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s: score = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConfidenceMonotoneInWarnings(t *testing.T) {
	prev := 2.0
	for w := 0; w <= 20; w++ {
		got := confidenceScore(1, 4, 2, 50, w)
		if got > prev {
			t.Fatalf("score rose from %v to %v at %d warnings", prev, got, w)
		}
		prev = got
	}
}

func TestQualityProfiles(t *testing.T) {
	if QualityFast.dpi() >= QualityStandard.dpi() || QualityStandard.dpi() >= QualityHigh.dpi() {
		t.Error("DPI should increase with quality")
	}
	if QualityFast.maxImageDim() >= QualityHigh.maxImageDim() {
		t.Error("image budget should increase with quality")
	}
}
