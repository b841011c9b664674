package layout

import (
	"strings"
	"testing"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/geo"
)

func textBlock(text string, x0, y0, x1, y1, size float64, bold bool) extractor.Block {
	return extractor.Block{
		Text:   text,
		Bounds: geo.NewRect(x0, y0, x1, y1),
		Font:   extractor.FontDesc{Name: "Times", Size: size, Bold: bold},
	}
}

func onePage(blocks ...extractor.Block) *extractor.Document {
	return &extractor.Document{Pages: []*extractor.Page{
		{Number: 1, Width: 612, Height: 792, Blocks: blocks},
	}}
}

func rolesOf(res *Result) []Role {
	out := make([]Role, len(res.Blocks))
	for i, b := range res.Blocks {
		out[i] = b.Role
	}
	return out
}

func TestBodyFontSize(t *testing.T) {
	doc := onePage(
		textBlock("Heading", 72, 60, 300, 80, 24, true),
		textBlock(strings.Repeat("body ", 30), 72, 100, 540, 112, 11, false),
		textBlock(strings.Repeat("more body ", 30), 72, 120, 540, 132, 11, false),
		textBlock("a caption", 72, 400, 200, 410, 9, false),
	)
	if got := bodyFontSize(doc); got != 11 {
		t.Fatalf("bodyFontSize = %v, want 11", got)
	}
}

func TestHeadingTiers(t *testing.T) {
	cases := []struct {
		ratio float64
		bold  bool
		level int
		ok    bool
	}{
		{1.6, true, 1, true},
		{1.6, false, 2, true},
		{1.4, true, 2, true},
		{1.4, false, 3, true},
		{1.25, true, 3, true},
		{1.25, false, 4, true},
		{1.12, true, 4, true},
		{1.12, false, 0, false},
		{1.0, true, 0, false},
	}
	for _, tc := range cases {
		level, ok := headingLevel(tc.ratio, tc.bold)
		if level != tc.level || ok != tc.ok {
			t.Errorf("headingLevel(%v, %v) = (%d, %v), want (%d, %v)",
				tc.ratio, tc.bold, level, ok, tc.level, tc.ok)
		}
	}
}

func TestHeadingMonotoneWithinPage(t *testing.T) {
	// A 20pt plain block would be heading-2 while an 18pt bold one is
	// heading-1. Within a page the smaller font must not sit shallower.
	doc := onePage(
		textBlock("Big Plain", 72, 60, 400, 84, 20, false),
		textBlock("Smaller Bold", 72, 120, 400, 140, 18, true),
		textBlock(strings.Repeat("body text ", 20), 72, 200, 540, 212, 12, false),
		textBlock(strings.Repeat("body text ", 20), 72, 220, 540, 232, 12, false),
	)
	res := Analyze(doc, Config{})
	byText := map[string]Role{}
	for _, b := range res.Blocks {
		byText[b.Text] = b.Role
	}
	big := byText["Big Plain"].HeadingLevel()
	small := byText["Smaller Bold"].HeadingLevel()
	if big == 0 || small == 0 {
		t.Fatalf("expected both headings, got %v", byText)
	}
	if small < big {
		t.Errorf("smaller font level %d shallower than larger font level %d", small, big)
	}
}

func TestSingleChapterPage(t *testing.T) {
	doc := onePage(
		textBlock("Chapter One", 72, 60, 300, 84, 24, true),
		textBlock(strings.Repeat("first paragraph ", 10), 72, 120, 540, 132, 12, false),
		textBlock(strings.Repeat("second paragraph ", 10), 72, 150, 540, 162, 12, false),
	)
	res := Analyze(doc, Config{})
	want := []Role{RoleHeading1, RoleBody, RoleBody}
	got := rolesOf(res)
	if len(got) != len(want) {
		t.Fatalf("roles = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("role[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if res.AmbiguousBlocks != 0 || len(res.Warnings) != 0 {
		t.Errorf("unexpected ambiguity: %d warnings %v", res.AmbiguousBlocks, res.Warnings)
	}
}

func TestTwoColumnReadingOrder(t *testing.T) {
	// Left column x 72..280, right column x 330..540.
	doc := onePage(
		textBlock("right top", 330, 100, 540, 112, 12, false),
		textBlock("left top", 72, 100, 280, 112, 12, false),
		textBlock("left bottom", 72, 300, 280, 312, 12, false),
		textBlock("right bottom", 330, 300, 540, 312, 12, false),
	)
	res := Analyze(doc, Config{})
	var order []string
	for _, b := range res.Blocks {
		order = append(order, b.Text)
	}
	want := []string{"left top", "left bottom", "right top", "right bottom"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("reading order = %v, want %v", order, want)
		}
	}
	if res.Blocks[0].Column != 0 || res.Blocks[2].Column != 1 {
		t.Errorf("columns = %d/%d", res.Blocks[0].Column, res.Blocks[2].Column)
	}
}

func TestFurnitureDetection(t *testing.T) {
	header := func(page int) *extractor.Page {
		return &extractor.Page{
			Number: page, Width: 612, Height: 792,
			Blocks: []extractor.Block{
				textBlock("My Book Title 12", 72, 30, 300, 42, 9, false),
				textBlock(strings.Repeat("content ", 20), 72, 100, 540, 112, 12, false),
			},
		}
	}
	doc := &extractor.Document{Pages: []*extractor.Page{header(1), header(2), header(3)}}
	res := Analyze(doc, Config{})
	furn := 0
	for _, b := range res.Blocks {
		if b.Role == RoleFurniture {
			furn++
			if !strings.HasPrefix(b.Text, "My Book Title") {
				t.Errorf("wrong block tagged furniture: %q", b.Text)
			}
		}
	}
	if furn != 3 {
		t.Errorf("furniture occurrences = %d, want 3", furn)
	}

	// Two pages are below the repeat threshold.
	doc2 := &extractor.Document{Pages: []*extractor.Page{header(1), header(2)}}
	res2 := Analyze(doc2, Config{})
	for _, b := range res2.Blocks {
		if b.Role == RoleFurniture {
			t.Errorf("furniture tagged with only 2 repeats: %q", b.Text)
		}
	}
}

func TestFurnitureIgnoresPageNumbers(t *testing.T) {
	a := textBlock("Page 1", 290, 760, 320, 770, 9, false)
	b := textBlock("Page 2", 290, 760, 320, 770, 9, false)
	if furnitureSig(a) != furnitureSig(b) {
		t.Error("running page numbers should share a furniture signature")
	}
}

func TestTableCells(t *testing.T) {
	rules := []geo.Rect{
		geo.NewRect(100, 200, 400, 200), // horizontal
		geo.NewRect(100, 250, 400, 250),
		geo.NewRect(100, 300, 400, 300),
		geo.NewRect(100, 200, 100, 300), // vertical
		geo.NewRect(250, 200, 250, 300),
		geo.NewRect(400, 200, 400, 300),
	}
	doc := &extractor.Document{Pages: []*extractor.Page{{
		Number: 1, Width: 612, Height: 792,
		Blocks: []extractor.Block{
			textBlock("cell A", 110, 210, 240, 222, 10, false),
			textBlock("cell B", 260, 210, 390, 222, 10, false),
			textBlock(strings.Repeat("outside ", 20), 72, 500, 540, 512, 10, false),
		},
		Rules: rules,
	}}}
	res := Analyze(doc, Config{})
	byText := map[string]Role{}
	for _, b := range res.Blocks {
		byText[b.Text] = b.Role
	}
	if byText["cell A"] != RoleTableCell || byText["cell B"] != RoleTableCell {
		t.Errorf("cells not tagged: %v", byText)
	}
	if byText[strings.Repeat("outside ", 20)] == RoleTableCell {
		t.Error("block outside the grid tagged table-cell")
	}
}

func TestTableNeedsBothDirections(t *testing.T) {
	rules := []geo.Rect{
		geo.NewRect(100, 200, 400, 200),
		geo.NewRect(100, 250, 400, 250),
		geo.NewRect(100, 300, 400, 300),
	}
	if got := tableRegions(rules); got != nil {
		t.Errorf("horizontal-only rules formed a grid: %+v", got)
	}
}

func TestFootnoteAndCaption(t *testing.T) {
	img := extractor.ImageRef{Name: "Im1", Bounds: geo.NewRect(150, 200, 450, 400)}
	doc := &extractor.Document{Pages: []*extractor.Page{{
		Number: 1, Width: 612, Height: 792,
		Blocks: []extractor.Block{
			textBlock(strings.Repeat("body ", 30), 72, 100, 540, 112, 12, false),
			textBlock("Figure 1: a diagram", 150, 404, 450, 414, 10, false),
			textBlock("1. See appendix.", 72, 700, 300, 709, 8, false),
		},
		Images: []extractor.ImageRef{img},
	}}}
	res := Analyze(doc, Config{})
	byText := map[string]Role{}
	figures := 0
	for _, b := range res.Blocks {
		if b.Role == RoleFigure {
			figures++
			continue
		}
		byText[b.Text] = b.Role
	}
	if byText["Figure 1: a diagram"] != RoleCaption {
		t.Errorf("caption role = %v", byText["Figure 1: a diagram"])
	}
	if byText["1. See appendix."] != RoleFootnote {
		t.Errorf("footnote role = %v", byText["1. See appendix."])
	}
	if figures != 1 {
		t.Errorf("figure blocks = %d", figures)
	}
}

func TestAmbiguousFallsBackToBody(t *testing.T) {
	doc := onePage(
		textBlock(strings.Repeat("body ", 30), 72, 100, 540, 112, 12, false),
		textBlock(strings.Repeat("body ", 30), 72, 130, 540, 142, 12, false),
		// Bold at 1.05x the baseline: not a clear heading tier.
		textBlock("Slightly bold lead-in", 72, 200, 300, 212, 12.6, true),
	)
	res := Analyze(doc, Config{})
	byText := map[string]ClassifiedBlock{}
	for _, b := range res.Blocks {
		byText[b.Text] = b
	}
	amb := byText["Slightly bold lead-in"]
	if amb.Role != RoleBody || !amb.Ambiguous {
		t.Errorf("ambiguous block = %+v", amb)
	}
	if res.AmbiguousBlocks != 1 || len(res.Warnings) != 1 {
		t.Errorf("ambiguity accounting = %d / %v", res.AmbiguousBlocks, res.Warnings)
	}
}

func TestHeadingShapedLikeProse(t *testing.T) {
	doc := onePage(
		textBlock("This oversized line ends with a period.", 72, 60, 540, 84, 20, true),
		textBlock(strings.Repeat("body ", 30), 72, 120, 540, 132, 12, false),
		textBlock(strings.Repeat("body ", 30), 72, 150, 540, 162, 12, false),
	)
	res := Analyze(doc, Config{})
	for _, b := range res.Blocks {
		if strings.HasPrefix(b.Text, "This oversized") {
			if b.Role != RoleBody || !b.Ambiguous {
				t.Errorf("prose-shaped heading candidate = %+v", b.Role)
			}
		}
	}
}
