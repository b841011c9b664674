package epub

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/layout"
	"github.com/wudi/epubkit/parser"
	"github.com/wudi/epubkit/structure"
)

func buildTree(t *testing.T, withImage bool) *structure.Tree {
	t.Helper()
	var img *extractor.ImageRef
	blocks := []layout.ClassifiedBlock{
		{Block: extractor.Block{Text: "Chapter One"}, Page: 1, Role: layout.RoleHeading1},
		{Block: extractor.Block{Text: "Hello world."}, Page: 1, Role: layout.RoleBody},
	}
	if withImage {
		img = &extractor.ImageRef{Name: "Im1", Data: encodePNG(t, 40, 30), Format: "raw"}
		blocks = append(blocks, layout.ClassifiedBlock{Image: img, Page: 1, Role: layout.RoleFigure})
	}
	return structure.Build(blocks, parser.Metadata{Title: "My Book", Author: "A. Author"}, structure.Config{})
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func emit(t *testing.T, tree *structure.Tree) (*Result, *zip.Reader) {
	t.Helper()
	var buf bytes.Buffer
	res, err := Emit(&buf, tree, Config{})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	return res, zr
}

func entry(t *testing.T, zr *zip.Reader, name string) string {
	t.Helper()
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read %s: %v", name, err)
			}
			return string(data)
		}
	}
	t.Fatalf("entry %s missing; have %v", name, names(zr))
	return ""
}

func names(zr *zip.Reader) []string {
	out := make([]string, len(zr.File))
	for i, f := range zr.File {
		out[i] = f.Name
	}
	return out
}

func TestEmitMimetypeFirstAndStored(t *testing.T) {
	_, zr := emit(t, buildTree(t, false))
	first := zr.File[0]
	if first.Name != "mimetype" {
		t.Fatalf("first entry = %q", first.Name)
	}
	if first.Method != zip.Store {
		t.Errorf("mimetype compressed")
	}
	if got := entry(t, zr, "mimetype"); got != "application/epub+zip" {
		t.Errorf("mimetype body = %q", got)
	}
	if !strings.Contains(entry(t, zr, "META-INF/container.xml"), "OEBPS/package.opf") {
		t.Error("container does not point at the package document")
	}
}

func TestEmitPackageDocument(t *testing.T) {
	_, zr := emit(t, buildTree(t, false))
	opf := entry(t, zr, "OEBPS/package.opf")
	for _, want := range []string{
		"<dc:title>My Book</dc:title>",
		"<dc:creator>A. Author</dc:creator>",
		`href="text/chapter-1.xhtml"`,
		`<itemref idref="chapter-1"/>`,
		`properties="nav"`,
	} {
		if !strings.Contains(opf, want) {
			t.Errorf("opf missing %q:\n%s", want, opf)
		}
	}
}

func TestEmitChapterContent(t *testing.T) {
	_, zr := emit(t, buildTree(t, false))
	ch := entry(t, zr, "OEBPS/text/chapter-1.xhtml")
	if !strings.Contains(ch, "<h1>Chapter One</h1>") {
		t.Errorf("chapter heading missing:\n%s", ch)
	}
	if !strings.Contains(ch, "Hello world.") {
		t.Errorf("chapter body missing:\n%s", ch)
	}
	nav := entry(t, zr, "OEBPS/nav.xhtml")
	if !strings.Contains(nav, "Chapter One") {
		t.Errorf("nav missing title:\n%s", nav)
	}
	ncx := entry(t, zr, "OEBPS/toc.ncx")
	if !strings.Contains(ncx, `playOrder="1"`) {
		t.Errorf("ncx missing navPoint:\n%s", ncx)
	}
}

func TestEmitImageRepackaging(t *testing.T) {
	res, zr := emit(t, buildTree(t, true))
	if res.Images != 1 {
		t.Fatalf("images = %d, warnings = %v", res.Images, res.Warnings)
	}
	data := entry(t, zr, "OEBPS/images/img-0001.jpg")
	if !strings.HasPrefix(data, "\xff\xd8") {
		t.Error("repackaged image is not JPEG")
	}
	ch := entry(t, zr, "OEBPS/text/chapter-1.xhtml")
	if !strings.Contains(ch, `src="../images/img-0001.jpg"`) {
		t.Errorf("img src not rewritten:\n%s", ch)
	}
	opf := entry(t, zr, "OEBPS/package.opf")
	if !strings.Contains(opf, `href="images/img-0001.jpg" media-type="image/jpeg"`) {
		t.Errorf("image not in manifest:\n%s", opf)
	}
}

func TestEmitMissingImageLeavesGap(t *testing.T) {
	tree := buildTree(t, true)
	for _, leaf := range tree.Leaves() {
		if leaf.Kind == structure.KindFigure {
			leaf.Image.Data = nil
		}
	}
	res, zr := emit(t, tree)
	if res.Images != 0 {
		t.Errorf("images = %d", res.Images)
	}
	ch := entry(t, zr, "OEBPS/text/chapter-1.xhtml")
	if strings.Contains(ch, "<img") {
		t.Errorf("dangling img reference:\n%s", ch)
	}
	if len(res.Warnings) == 0 {
		t.Error("missing image produced no warning")
	}
}

func TestEmitEmptyTreeStillNavigable(t *testing.T) {
	tree := structure.Build(nil, parser.Metadata{}, structure.Config{})
	res, zr := emit(t, tree)
	if res.Chapters != 1 {
		t.Fatalf("chapters = %d", res.Chapters)
	}
	nav := entry(t, zr, "OEBPS/nav.xhtml")
	if !strings.Contains(nav, "Chapter 1") {
		t.Errorf("fallback title missing:\n%s", nav)
	}
}

func TestDownscale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4000, 2000))
	out := downscale(src, 1600)
	if b := out.Bounds(); b.Dx() != 1600 || b.Dy() != 800 {
		t.Errorf("scaled to %dx%d", b.Dx(), b.Dy())
	}
	small := image.NewRGBA(image.Rect(0, 0, 100, 50))
	if downscale(small, 1600) != small {
		t.Error("small image should pass through")
	}
}
