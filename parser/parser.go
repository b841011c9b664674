// Package parser turns PDF bytes into a navigable document: pages with
// inherited attributes, document metadata, bookmarks and decoded content
// streams. Damaged files go through xref repair before the parser gives up.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/wudi/epubkit/filters"
	"github.com/wudi/epubkit/ir/raw"
	"github.com/wudi/epubkit/observability"
	"github.com/wudi/epubkit/xref"
)

// ErrEncrypted marks files whose encryption the parser cannot open: an
// unsupported handler revision or a password that failed to authenticate.
// Callers route these to the external-converter fallback.
var ErrEncrypted = errors.New("encrypted document")

// ParseError wraps failures with the byte offset where parsing stopped.
type ParseError struct {
	Offset int64
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse at offset %d: %s: %v", e.Offset, e.Msg, e.Err)
	}
	return fmt.Sprintf("parse at offset %d: %s", e.Offset, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

type Config struct {
	// MaxPages aborts on documents exceeding the page budget; zero means 10000.
	MaxPages int
	// Password for encrypted files; tried as both user and owner password.
	Password string
	Limits   filters.Limits
	Logger   observability.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 10000
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// Metadata carries the document information dictionary plus the catalog
// language.
type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Keywords []string
	Creator  string
	Producer string
	Language string
}

// Page is one leaf of the page tree with inherited attributes applied.
type Page struct {
	Number    int // 1-based
	Dict      raw.Dict
	Ref       raw.ObjectRef
	MediaBox  [4]float64
	CropBox   [4]float64
	Rotate    int
	Resources raw.Dict
}

// OutlineItem is a flattened bookmark with its nesting depth.
type OutlineItem struct {
	Title string
	Page  int // 1-based target page, 0 when unresolvable
	Depth int
}

type Document struct {
	Version   string
	Trailer   raw.Dict
	Catalog   raw.Dict
	Metadata  Metadata
	Pages     []*Page
	Outline   []OutlineItem
	Encrypted bool
	Repaired  bool

	ld *loader
}

// Parse reads a complete PDF from data. A broken xref chain triggers a
// whole-file repair scan before failing.
func Parse(data []byte, cfg Config) (*Document, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger

	if !bytes.Contains(data, []byte("%PDF-")) {
		return nil, &ParseError{Msg: "missing %PDF header"}
	}

	table, err := xref.Load(data, xref.Config{})
	if err != nil {
		log.Warn("xref chain unusable, running repair scan", observability.Error("err", err))
		table, err = xref.Repair(data)
		if err != nil {
			return nil, &ParseError{Msg: "xref repair failed", Err: err}
		}
	}

	doc := &Document{
		Version:  headerVersion(data),
		Trailer:  table.Trailer,
		Repaired: table.Repaired,
		ld:       newLoader(data, table, cfg.Limits),
	}

	if err := doc.setupEncryption(cfg.Password); err != nil {
		return nil, err
	}

	rootRef, ok := doc.Trailer.RefVal("Root")
	if !ok {
		return nil, &ParseError{Msg: "trailer has no Root"}
	}
	catalog, ok := doc.ld.Resolve(raw.Ref(rootRef)).(raw.Dict)
	if !ok {
		return nil, &ParseError{Msg: "document catalog is not a dictionary"}
	}
	doc.Catalog = catalog
	if v, ok := catalog.NameVal("Version"); ok && string(v) > doc.Version {
		doc.Version = string(v)
	}

	if err := doc.collectPages(cfg.MaxPages); err != nil {
		return nil, err
	}
	doc.collectMetadata()
	doc.collectOutline()

	log.Debug("document parsed",
		observability.Int("pages", len(doc.Pages)),
		observability.Int("bookmarks", len(doc.Outline)),
		observability.String("version", doc.Version))
	return doc, nil
}

// Resolve dereferences obj until a direct object is reached.
func (d *Document) Resolve(obj raw.Object) raw.Object { return d.ld.Resolve(obj) }

// DecodedStream applies st's filter chain.
func (d *Document) DecodedStream(st *raw.Stream) ([]byte, error) {
	return d.ld.DecodeStream(st)
}

// PageContent concatenates and decodes the page's content streams. An array
// of streams joins with a newline so operators never fuse across boundaries.
func (d *Document) PageContent(p *Page) ([]byte, error) {
	contents := d.ld.Resolve(p.Dict["Contents"])
	switch c := contents.(type) {
	case *raw.Stream:
		return d.ld.DecodeStream(c)
	case raw.Array:
		var parts [][]byte
		for _, item := range c {
			st, err := d.ld.resolveStream(item)
			if err != nil {
				return nil, fmt.Errorf("page %d contents: %w", p.Number, err)
			}
			data, err := d.ld.DecodeStream(st)
			if err != nil {
				return nil, fmt.Errorf("page %d contents: %w", p.Number, err)
			}
			parts = append(parts, data)
		}
		return bytes.Join(parts, []byte{'\n'}), nil
	case raw.Null, nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("page %d contents is %T", p.Number, contents)
	}
}

func (d *Document) setupEncryption(password string) error {
	encObj, ok := d.Trailer.Get("Encrypt")
	if !ok {
		return nil
	}
	d.Encrypted = true
	encDict, ok := d.ld.Resolve(encObj).(raw.Dict)
	if !ok {
		return &ParseError{Msg: "Encrypt is not a dictionary", Err: ErrEncrypted}
	}
	handler, err := openCrypt(encDict, fileID(d.Trailer), password)
	if err != nil {
		return &ParseError{Msg: "open encryption", Err: err}
	}
	d.ld.crypt = handler
	return nil
}

func fileID(trailer raw.Dict) []byte {
	arr, ok := trailer.ArrayVal("ID")
	if !ok || len(arr) == 0 {
		return nil
	}
	if s, ok := arr[0].(raw.String); ok {
		return []byte(s)
	}
	return nil
}

// inherited are the page-tree attributes that flow from Pages nodes down to
// leaves.
type inherited struct {
	resources raw.Dict
	mediaBox  [4]float64
	cropBox   [4]float64
	hasMedia  bool
	hasCrop   bool
	rotate    int
}

func (d *Document) collectPages(maxPages int) error {
	pagesObj, ok := d.Catalog.Get("Pages")
	if !ok {
		return &ParseError{Msg: "catalog has no Pages"}
	}
	visited := make(map[raw.ObjectRef]bool)
	if err := d.walkPageTree(pagesObj, inherited{}, visited, maxPages); err != nil {
		return err
	}
	if len(d.Pages) == 0 {
		return &ParseError{Msg: "document has no pages"}
	}
	return nil
}

func (d *Document) walkPageTree(node raw.Object, inh inherited, visited map[raw.ObjectRef]bool, maxPages int) error {
	var nodeRef raw.ObjectRef
	if ref, ok := node.(raw.Ref); ok {
		nodeRef = raw.ObjectRef(ref)
		if visited[nodeRef] {
			return &ParseError{Msg: fmt.Sprintf("page tree cycle at %s", nodeRef)}
		}
		visited[nodeRef] = true
	}
	dict, ok := d.ld.Resolve(node).(raw.Dict)
	if !ok {
		return &ParseError{Msg: "page tree node is not a dictionary"}
	}

	if res, ok := d.ld.Resolve(dict["Resources"]).(raw.Dict); ok {
		inh.resources = res
	}
	if box, ok := rectValue(d.ld, dict, "MediaBox"); ok {
		inh.mediaBox, inh.hasMedia = box, true
	}
	if box, ok := rectValue(d.ld, dict, "CropBox"); ok {
		inh.cropBox, inh.hasCrop = box, true
	}
	if n, ok := raw.AsInt(d.ld.Resolve(dict["Rotate"])); ok {
		inh.rotate = int(n) % 360
		if inh.rotate < 0 {
			inh.rotate += 360
		}
	}

	typ, _ := dict.NameVal("Type")
	switch typ {
	case "Pages":
		kids, ok := d.ld.Resolve(dict["Kids"]).(raw.Array)
		if !ok {
			return &ParseError{Msg: "Pages node without Kids"}
		}
		for _, kid := range kids {
			if err := d.walkPageTree(kid, inh, visited, maxPages); err != nil {
				return err
			}
		}
		return nil
	case "Page":
		if len(d.Pages) >= maxPages {
			return &ParseError{Msg: fmt.Sprintf("page count exceeds limit %d", maxPages)}
		}
		page := &Page{
			Number:    len(d.Pages) + 1,
			Dict:      dict,
			Ref:       nodeRef,
			Rotate:    inh.rotate,
			Resources: inh.resources,
		}
		if inh.hasMedia {
			page.MediaBox = inh.mediaBox
		} else {
			page.MediaBox = [4]float64{0, 0, 612, 792} // US Letter default
		}
		if inh.hasCrop {
			page.CropBox = inh.cropBox
		} else {
			page.CropBox = page.MediaBox
		}
		d.Pages = append(d.Pages, page)
		return nil
	default:
		return &ParseError{Msg: fmt.Sprintf("page tree node has type %q", typ)}
	}
}

func rectValue(ld *loader, dict raw.Dict, key raw.Name) ([4]float64, bool) {
	arr, ok := ld.Resolve(dict[key]).(raw.Array)
	if !ok || len(arr) != 4 {
		return [4]float64{}, false
	}
	var out [4]float64
	for i, v := range arr {
		f, ok := raw.AsFloat(ld.Resolve(v))
		if !ok {
			return [4]float64{}, false
		}
		out[i] = f
	}
	return out, true
}

func (d *Document) collectMetadata() {
	if lang, ok := d.Catalog.StringVal("Lang"); ok {
		d.Metadata.Language = DecodeTextString([]byte(lang))
	}
	info, ok := d.ld.Resolve(d.Trailer["Info"]).(raw.Dict)
	if !ok {
		return
	}
	get := func(key raw.Name) string {
		s, ok := d.ld.Resolve(info[key]).(raw.String)
		if !ok {
			return ""
		}
		return DecodeTextString([]byte(s))
	}
	d.Metadata.Title = get("Title")
	d.Metadata.Author = get("Author")
	d.Metadata.Subject = get("Subject")
	d.Metadata.Creator = get("Creator")
	d.Metadata.Producer = get("Producer")
	if kw := get("Keywords"); kw != "" {
		for _, part := range strings.Split(kw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				d.Metadata.Keywords = append(d.Metadata.Keywords, part)
			}
		}
	}
}

// collectOutline flattens the bookmark tree, resolving each destination to a
// page number through the page-object reference map.
func (d *Document) collectOutline() {
	outlines, ok := d.ld.Resolve(d.Catalog["Outlines"]).(raw.Dict)
	if !ok {
		return
	}
	pageIndex := make(map[raw.ObjectRef]int, len(d.Pages))
	for _, p := range d.Pages {
		pageIndex[p.Ref] = p.Number
	}
	visited := make(map[raw.ObjectRef]bool)
	d.walkOutline(outlines["First"], 0, pageIndex, visited)
}

func (d *Document) walkOutline(node raw.Object, depth int, pageIndex map[raw.ObjectRef]int, visited map[raw.ObjectRef]bool) {
	const maxItems = 4096
	for node != nil && depth < 32 {
		if ref, ok := node.(raw.Ref); ok {
			if visited[raw.ObjectRef(ref)] {
				return
			}
			visited[raw.ObjectRef(ref)] = true
		}
		dict, ok := d.ld.Resolve(node).(raw.Dict)
		if !ok {
			return
		}
		title := ""
		if s, ok := dict.StringVal("Title"); ok {
			title = DecodeTextString([]byte(s))
		}
		if len(d.Outline) >= maxItems {
			return
		}
		d.Outline = append(d.Outline, OutlineItem{
			Title: title,
			Page:  d.destinationPage(dict, pageIndex),
			Depth: depth,
		})
		if first, ok := dict.Get("First"); ok {
			d.walkOutline(first, depth+1, pageIndex, visited)
		}
		node, _ = dict.Get("Next")
	}
}

// destinationPage handles both direct /Dest arrays and /A GoTo actions.
func (d *Document) destinationPage(item raw.Dict, pageIndex map[raw.ObjectRef]int) int {
	dest := d.ld.Resolve(item["Dest"])
	if _, ok := dest.(raw.Array); !ok {
		if action, ok := d.ld.Resolve(item["A"]).(raw.Dict); ok {
			if s, _ := action.NameVal("S"); s == "GoTo" {
				dest = d.ld.Resolve(action["D"])
			}
		}
	}
	arr, ok := dest.(raw.Array)
	if !ok || len(arr) == 0 {
		return 0
	}
	if ref, ok := arr[0].(raw.Ref); ok {
		return pageIndex[raw.ObjectRef(ref)]
	}
	// Remote-style destinations index pages directly.
	if n, ok := raw.AsInt(arr[0]); ok && int(n) >= 0 && int(n) < len(d.Pages) {
		return int(n) + 1
	}
	return 0
}

func headerVersion(data []byte) string {
	idx := bytes.Index(data, []byte("%PDF-"))
	if idx < 0 {
		return ""
	}
	rest := data[idx+5:]
	end := 0
	for end < len(rest) && end < 8 && rest[end] != '\r' && rest[end] != '\n' && rest[end] != ' ' {
		end++
	}
	return string(rest[:end])
}

// DecodeTextString maps a PDF text string to UTF-8: UTF-16BE when the BOM is
// present, PDFDocEncoding (latin-1 compatible for the printable range)
// otherwise.
func DecodeTextString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		u16 := make([]uint16, 0, (len(b)-2)/2)
		for i := 2; i+1 < len(b); i += 2 {
			u16 = append(u16, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(u16))
	}
	out := make([]rune, 0, len(b))
	for _, c := range b {
		out = append(out, rune(c))
	}
	return string(out)
}
