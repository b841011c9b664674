package extractor

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/wudi/epubkit/geo"
	"github.com/wudi/epubkit/parser"
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

func (b *pdfBuilder) finish(trailerExtra string) []byte {
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
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d %s >>\nstartxref\n%d\n%%%%EOF\n", maxNum+1, trailerExtra, start)
	return b.buf.Bytes()
}

func singlePagePDF(t *testing.T, content string) *parser.Document {
	t.Helper()
	b := newPDF()
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	b.add(3, "<< /Type /Page /Parent 2 0 R /Contents 4 0 R /Resources << /Font << /F1 5 0 R /F2 6 0 R >> /XObject << /Im1 7 0 R >> >> >>")
	b.addStream(4, "", []byte(content))
	b.add(5, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	b.add(6, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold >>")
	b.addStream(7, "/Type /XObject /Subtype /Image /Width 1700 /Height 2200 /ColorSpace /DeviceGray /BitsPerComponent 8 /Filter /DCTDecode", []byte("\xff\xd8jpegdata\xff\xd9"))
	doc, err := parser.Parse(b.finish("/Root 1 0 R"), parser.Config{})
	if err != nil {
		t.Fatalf("Parse fixture: %v", err)
	}
	return doc
}

func TestExtractTextBlocks(t *testing.T) {
	// Td offsets are relative to the previous line start.
	content := `BT
/F1 24 Tf 72 700 Td (Chapter One) Tj
/F1 12 Tf 0 -50 Td (Body text here.) Tj
ET`
	doc := singlePagePDF(t, content)
	out, err := Extract(doc, Config{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	page := out.Pages[0]
	if len(page.Blocks) != 2 {
		t.Fatalf("blocks = %+v", page.Blocks)
	}
	heading, body := page.Blocks[0], page.Blocks[1]
	if heading.Text != "Chapter One" {
		t.Errorf("heading text = %q", heading.Text)
	}
	if body.Text != "Body text here." {
		t.Errorf("body text = %q", body.Text)
	}
	// Top-left origin: the 700-baseline line sits above the 650 one.
	if heading.Bounds.Y0 >= body.Bounds.Y0 {
		t.Errorf("vertical order wrong: heading %v, body %v", heading.Bounds, body.Bounds)
	}
	if heading.Bounds.Y0 < 60 || heading.Bounds.Y0 > 95 {
		t.Errorf("heading Y0 = %.1f, want near 792-700-ascent", heading.Bounds.Y0)
	}
	if heading.Font.Size != 24 || body.Font.Size != 12 {
		t.Errorf("font sizes = %v / %v", heading.Font.Size, body.Font.Size)
	}
	if page.Scanned {
		t.Error("text page flagged as scanned")
	}
}

func TestExtractBoldFont(t *testing.T) {
	content := "BT /F2 14 Tf 72 700 Td (Bold Heading) Tj ET"
	doc := singlePagePDF(t, content)
	out, _ := Extract(doc, Config{})
	b := out.Pages[0].Blocks[0]
	if !b.Font.Bold {
		t.Errorf("bold not detected: %+v", b.Font)
	}
	if b.Font.Name != "Helvetica-Bold" {
		t.Errorf("font name = %q", b.Font.Name)
	}
}

func TestExtractTJSingleLine(t *testing.T) {
	content := "BT /F1 12 Tf 72 700 Td [(Hel) -20 (lo) -500 (world)] TJ ET"
	doc := singlePagePDF(t, content)
	out, _ := Extract(doc, Config{})
	if len(out.Pages[0].Blocks) != 1 {
		t.Fatalf("blocks = %+v", out.Pages[0].Blocks)
	}
	text := out.Pages[0].Blocks[0].Text
	if !strings.HasPrefix(text, "Hello") {
		t.Errorf("kerned pieces did not join: %q", text)
	}
	// The 500/1000 em backward jump is wide enough to register as a space.
	if !strings.Contains(text, "Hello world") {
		t.Errorf("wide negative kern did not become a space: %q", text)
	}
}

func TestExtractTextMatrixScale(t *testing.T) {
	// 12pt font under a doubled text matrix renders at 24pt.
	content := "BT /F1 12 Tf 2 0 0 2 72 350 Tm (Scaled) Tj ET"
	doc := singlePagePDF(t, content)
	out, _ := Extract(doc, Config{})
	b := out.Pages[0].Blocks[0]
	if b.Font.Size != 24 {
		t.Errorf("effective size = %v, want 24", b.Font.Size)
	}
}

func TestExtractImageAndScannedPage(t *testing.T) {
	content := "q 612 0 0 792 0 0 cm /Im1 Do Q"
	doc := singlePagePDF(t, content)
	out, _ := Extract(doc, Config{KeepImageData: true})
	page := out.Pages[0]
	if len(page.Images) != 1 {
		t.Fatalf("images = %+v", page.Images)
	}
	img := page.Images[0]
	if img.Format != "jpeg" || img.Width != 1700 || img.Height != 2200 {
		t.Errorf("image = %+v", img)
	}
	want := geo.NewRect(0, 0, 612, 792)
	if !img.Bounds.Near(want, 0.5) {
		t.Errorf("bounds = %v, want %v", img.Bounds, want)
	}
	if len(img.Data) == 0 {
		t.Error("image data dropped despite KeepImageData")
	}
	if !page.Scanned {
		t.Error("full-page image without text not flagged as scanned")
	}
}

func TestExtractSmallImageNotScanned(t *testing.T) {
	content := "q 100 0 0 80 50 600 cm /Im1 Do Q BT /F1 12 Tf 72 300 Td (Real text content on this page, long enough.) Tj ET"
	doc := singlePagePDF(t, content)
	out, _ := Extract(doc, Config{})
	if out.Pages[0].Scanned {
		t.Error("page with body text flagged as scanned")
	}
}

func TestExtractFormXObject(t *testing.T) {
	b := newPDF()
	b.add(1, "<< /Type /Catalog /Pages 2 0 R >>")
	b.add(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	b.add(3, "<< /Type /Page /Parent 2 0 R /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> /XObject << /Fm1 8 0 R >> >> >>")
	b.addStream(4, "", []byte("q 1 0 0 1 0 -100 cm /Fm1 Do Q"))
	b.add(5, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	b.addStream(8, "/Type /XObject /Subtype /Form /BBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >>",
		[]byte("BT /F1 12 Tf 72 700 Td (From the form) Tj ET"))
	parsed, err := parser.Parse(b.finish("/Root 1 0 R"), parser.Config{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, _ := Extract(parsed, Config{})
	if len(out.Pages[0].Blocks) != 1 {
		t.Fatalf("blocks = %+v", out.Pages[0].Blocks)
	}
	blk := out.Pages[0].Blocks[0]
	if blk.Text != "From the form" {
		t.Errorf("text = %q", blk.Text)
	}
	// The cm translation of -100 user units pushes the line 100 units down
	// the page.
	if blk.Bounds.Y0 < 160 || blk.Bounds.Y0 > 200 {
		t.Errorf("form text Y0 = %.1f, want near 792-600-ascent", blk.Bounds.Y0)
	}
}

func TestScanProbabilityThresholds(t *testing.T) {
	mk := func(chars int) []*Page {
		return []*Page{{Blocks: []Block{{Text: strings.Repeat("a", chars)}}}}
	}
	cases := []struct {
		chars int
		want  float64
	}{
		{10, 0.9},
		{80, 0.6},
		{150, 0.3},
		{500, 0.1},
	}
	for _, tc := range cases {
		if got := ScanProbability(mk(tc.chars)); got != tc.want {
			t.Errorf("ScanProbability(%d chars) = %v, want %v", tc.chars, got, tc.want)
		}
	}
	if ScanProbability(nil) != 0 {
		t.Error("empty document should score 0")
	}
}

func TestAssembleLines(t *testing.T) {
	font := FontDesc{Size: 12}
	runs := []textRun{
		{text: "world", bounds: geo.NewRect(110, 100, 150, 112), font: font},
		{text: "Hello", bounds: geo.NewRect(72, 100, 105, 112), font: font},
		{text: "Next line", bounds: geo.NewRect(72, 120, 140, 132), font: font},
	}
	blocks := assembleLines(runs)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].Text != "Hello world" {
		t.Errorf("line 1 = %q", blocks[0].Text)
	}
	if blocks[1].Text != "Next line" {
		t.Errorf("line 2 = %q", blocks[1].Text)
	}
	if blocks[0].Bounds.X0 != 72 || blocks[0].Bounds.X1 != 150 {
		t.Errorf("line 1 bounds = %v", blocks[0].Bounds)
	}
}

func TestParseToUnicodeCMap(t *testing.T) {
	cmap := `/CIDInit /ProcSet findresource begin
12 dict begin
begincmap
1 begincodespacerange
<0000> <FFFF>
endcodespacerange
2 beginbfchar
<0041> <0048>
<0042> <0065>
endbfchar
1 beginbfrange
<0100> <0102> <006C>
endbfrange
1 beginbfrange
<0200> <0201> [<0041> <0042>]
endbfrange
endcmap
end end`
	m := parseToUnicode([]byte(cmap))
	if got := m.decode([]byte{0x00, 0x41, 0x00, 0x42}); got != "He" {
		t.Errorf("bfchar decode = %q", got)
	}
	if got := m.decode([]byte{0x01, 0x00, 0x01, 0x01, 0x01, 0x02}); got != "lmn" {
		t.Errorf("bfrange incrementing decode = %q", got)
	}
	if got := m.decode([]byte{0x02, 0x00, 0x02, 0x01}); got != "AB" {
		t.Errorf("bfrange array decode = %q", got)
	}
}

func TestTrimSubsetTag(t *testing.T) {
	if got := trimSubsetTag("ABCDEF+Garamond"); got != "Garamond" {
		t.Errorf("got %q", got)
	}
	if got := trimSubsetTag("Helvetica"); got != "Helvetica" {
		t.Errorf("got %q", got)
	}
}
