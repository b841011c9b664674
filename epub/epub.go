// Package epub serializes a structure tree into an EPUB 3 package: stored
// mimetype entry first, container and package documents, navigation with NCX
// compatibility, chapter XHTML rendered from markdown, and images re-encoded
// to web-safe formats.
package epub

import (
	"archive/zip"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"github.com/wudi/epubkit/observability"
	"github.com/wudi/epubkit/structure"
)

// EmitError reports an unrecoverable packaging failure. Content gaps degrade
// output instead of raising it.
type EmitError struct {
	Op  string
	Err error
}

func (e *EmitError) Error() string { return fmt.Sprintf("emit %s: %v", e.Op, e.Err) }
func (e *EmitError) Unwrap() error { return e.Err }

type Config struct {
	// MaxImageDim bounds re-encoded image width and height in pixels;
	// zero means 1600.
	MaxImageDim int
	// JPEGQuality is the re-encode quality; zero means 85.
	JPEGQuality int
	Logger      observability.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxImageDim <= 0 {
		c.MaxImageDim = 1600
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 85
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// Result reports what was written and any degradations.
type Result struct {
	Chapters int
	Images   int
	Warnings []string
}

// Emit writes the EPUB package. The zip layout is mimetype (stored, first),
// META-INF/container.xml, then OEBPS content.
func Emit(w io.Writer, tree *structure.Tree, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	res := &Result{}

	zw := zip.NewWriter(w)

	// The mimetype entry must be first and uncompressed so readers can
	// sniff it at a fixed offset.
	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, &EmitError{Op: "mimetype", Err: err}
	}
	if _, err := mt.Write([]byte("application/epub+zip")); err != nil {
		return nil, &EmitError{Op: "mimetype", Err: err}
	}

	if err := writeEntry(zw, "META-INF/container.xml", containerXML); err != nil {
		return nil, err
	}

	assets := collectImages(tree, cfg, res)

	chapters := tree.Chapters()
	var spine []chapterEntry
	for i, ch := range chapters {
		entry := chapterEntry{
			ID:    fmt.Sprintf("chapter-%d", i+1),
			Path:  fmt.Sprintf("text/chapter-%d.xhtml", i+1),
			Title: structure.ChapterTitle(ch, i+1),
		}
		body, warns := renderChapter(ch, i+1, assets)
		res.Warnings = append(res.Warnings, warns...)
		if err := writeEntry(zw, "OEBPS/"+entry.Path, body); err != nil {
			return nil, err
		}
		spine = append(spine, entry)
		res.Chapters++
	}
	if len(spine) == 0 {
		// A navigable package needs at least one content document.
		entry := chapterEntry{ID: "chapter-1", Path: "text/chapter-1.xhtml", Title: "Chapter 1"}
		if err := writeEntry(zw, "OEBPS/"+entry.Path, emptyChapterXHTML(entry.Title)); err != nil {
			return nil, err
		}
		spine = append(spine, entry)
		res.Chapters++
		res.Warnings = append(res.Warnings, "document produced no chapters, emitted an empty one")
	}

	for _, a := range assets {
		if a.data == nil {
			continue
		}
		if err := writeEntry(zw, "OEBPS/images/"+a.filename, string(a.data)); err != nil {
			return nil, err
		}
		res.Images++
	}

	uid := packageID(tree)
	if err := writeEntry(zw, "OEBPS/package.opf", packageOPF(tree, spine, assets, uid)); err != nil {
		return nil, err
	}
	if err := writeEntry(zw, "OEBPS/nav.xhtml", navXHTML(spine)); err != nil {
		return nil, err
	}
	if err := writeEntry(zw, "OEBPS/toc.ncx", tocNCX(tree, spine, uid)); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, &EmitError{Op: "close", Err: err}
	}

	cfg.Logger.Info("epub emitted",
		observability.Int("chapters", res.Chapters),
		observability.Int("images", res.Images),
		observability.Int("warnings", len(res.Warnings)))
	return res, nil
}

func writeEntry(zw *zip.Writer, name, body string) error {
	f, err := zw.Create(name)
	if err != nil {
		return &EmitError{Op: name, Err: err}
	}
	if _, err := f.Write([]byte(body)); err != nil {
		return &EmitError{Op: name, Err: err}
	}
	return nil
}

type chapterEntry struct {
	ID    string
	Path  string
	Title string
}

// packageID derives a stable identifier from metadata and chapter titles.
func packageID(tree *structure.Tree) string {
	h := sha1.New()
	io.WriteString(h, tree.Metadata.Title)
	io.WriteString(h, tree.Metadata.Author)
	for i, ch := range tree.Chapters() {
		io.WriteString(h, structure.ChapterTitle(ch, i+1))
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("urn:uuid:%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
