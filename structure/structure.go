// Package structure aggregates classified blocks into a chapter and section
// tree, repairing paragraph splits introduced by page breaks.
package structure

import (
	"strings"
	"unicode"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/layout"
	"github.com/wudi/epubkit/observability"
	"github.com/wudi/epubkit/parser"
)

// NodeKind discriminates tree nodes.
type NodeKind string

const (
	KindRoot      NodeKind = "root"
	KindChapter   NodeKind = "chapter"
	KindSection   NodeKind = "section"
	KindParagraph NodeKind = "paragraph"
	KindFigure    NodeKind = "figure"
	KindTable     NodeKind = "table"
	KindCell      NodeKind = "cell"
	KindCaption   NodeKind = "caption"
	KindFootnote  NodeKind = "footnote"
)

// Node is one structure-tree node. Container kinds carry Title and Children;
// leaf kinds carry Text or Image.
type Node struct {
	Kind  NodeKind
	Title string
	// Level is the heading depth for chapters (1) and sections (2..6).
	Level    int
	Text     string
	Image    *extractor.ImageRef
	Children []*Node
	// PageStart and PageEnd are the 1-based source page range.
	PageStart, PageEnd int
	// Sources counts how many classified blocks this node absorbed; the
	// accounting invariant sums these against the input.
	Sources int
}

func (n *Node) leaf() bool {
	switch n.Kind {
	case KindParagraph, KindFigure, KindCell, KindCaption, KindFootnote:
		return true
	}
	return false
}

// Tree is the document structure with its accounting.
type Tree struct {
	Root     *Node
	Metadata parser.Metadata
	// Excluded counts furniture blocks intentionally left out.
	Excluded int
	Warnings []string
}

// Leaves returns all leaf content nodes in document order.
func (t *Tree) Leaves() []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		if n.leaf() {
			out = append(out, n)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
	return out
}

// AccountedBlocks sums source blocks over the whole tree, including heading
// blocks absorbed as titles. Together with Excluded it must equal the
// builder's input length.
func (t *Tree) AccountedBlocks() int {
	total := 0
	var walk func(*Node)
	walk = func(n *Node) {
		total += n.Sources
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
	return total
}

// Chapters returns the root's chapter nodes.
func (t *Tree) Chapters() []*Node {
	var out []*Node
	for _, c := range t.Root.Children {
		if c.Kind == KindChapter {
			out = append(out, c)
		}
	}
	return out
}

type Config struct {
	// Outline seeds chapter boundaries from document bookmarks; titles
	// there win over font-derived headings.
	Outline []parser.OutlineItem
	Logger  observability.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

type builder struct {
	tree *Tree
	// stack holds the open container chain: root, then chapter, then open
	// sections by increasing level.
	stack []*Node
	// chapterAt maps a page number to the bookmark title opening there.
	chapterAt map[int]string
	seeded    map[int]bool
	lastPara  *Node
	// lastParaCol is the column the open paragraph ended in, for the
	// column-break continuation check.
	lastParaCol int
	lastTable   *Node
}

// Build assembles the structure tree from reading-ordered classified blocks.
func Build(blocks []layout.ClassifiedBlock, meta parser.Metadata, cfg Config) *Tree {
	cfg = cfg.withDefaults()
	b := &builder{
		tree:      &Tree{Root: &Node{Kind: KindRoot}, Metadata: meta},
		chapterAt: make(map[int]string),
		seeded:    make(map[int]bool),
	}
	b.stack = []*Node{b.tree.Root}

	for _, item := range cfg.Outline {
		if item.Depth == 0 && item.Page > 0 {
			if _, ok := b.chapterAt[item.Page]; !ok {
				b.chapterAt[item.Page] = item.Title
			}
		}
	}

	for i := range blocks {
		b.place(&blocks[i])
	}

	cfg.Logger.Debug("structure built",
		observability.Int("chapters", len(b.tree.Chapters())),
		observability.Int("excluded", b.tree.Excluded))
	return b.tree
}

func (b *builder) place(cb *layout.ClassifiedBlock) {
	// A bookmarked page opens its chapter before any of the page's blocks.
	if title, ok := b.chapterAt[cb.Page]; ok && !b.seeded[cb.Page] {
		b.seeded[cb.Page] = true
		b.openChapter(title, cb.Page, 0)
		// A font-derived heading-1 at the top of the bookmarked page is
		// the same boundary; absorb it into the seeded chapter.
		if cb.Role == layout.RoleHeading1 {
			b.current().Sources++
			b.extendPages(cb.Page)
			return
		}
	}

	switch cb.Role {
	case layout.RoleFurniture:
		b.tree.Excluded++
		return
	case layout.RoleHeading1:
		if len(b.chapterAt) > 0 {
			// Bookmarks own the chapter level; font headings nest below.
			b.openSection(2, cb)
			return
		}
		b.openChapter(strings.TrimSpace(cb.Text), cb.Page, 1)
		return
	case layout.RoleHeading2, layout.RoleHeading3, layout.RoleHeading4,
		layout.RoleHeading5, layout.RoleHeading6:
		b.openSection(cb.Role.HeadingLevel(), cb)
		return
	case layout.RoleFigure:
		b.lastPara, b.lastTable = nil, nil
		b.appendLeaf(&Node{Kind: KindFigure, Image: cb.Image, PageStart: cb.Page, PageEnd: cb.Page, Sources: 1})
		return
	case layout.RoleCaption:
		b.lastPara, b.lastTable = nil, nil
		b.appendLeaf(&Node{Kind: KindCaption, Text: cb.Text, PageStart: cb.Page, PageEnd: cb.Page, Sources: 1})
		return
	case layout.RoleFootnote:
		b.lastPara, b.lastTable = nil, nil
		b.appendLeaf(&Node{Kind: KindFootnote, Text: cb.Text, PageStart: cb.Page, PageEnd: cb.Page, Sources: 1})
		return
	case layout.RoleTableCell:
		b.lastPara = nil
		if b.lastTable == nil {
			b.lastTable = &Node{Kind: KindTable, PageStart: cb.Page, PageEnd: cb.Page}
			b.current().Children = append(b.current().Children, b.lastTable)
			b.extendPages(cb.Page)
		}
		b.lastTable.Children = append(b.lastTable.Children,
			&Node{Kind: KindCell, Text: cb.Text, PageStart: cb.Page, PageEnd: cb.Page, Sources: 1})
		b.lastTable.PageEnd = cb.Page
		return
	}

	// Body paragraph, possibly continuing one split by a page or column
	// break.
	b.lastTable = nil
	text := strings.TrimSpace(cb.Text)
	if b.lastPara != nil && b.crossesBreak(cb) && mergesWith(b.lastPara.Text, text) {
		b.lastPara.Text += " " + text
		b.lastPara.PageEnd = cb.Page
		b.lastPara.Sources++
		b.lastParaCol = cb.Column
		b.extendPages(cb.Page)
		return
	}
	p := &Node{Kind: KindParagraph, Text: text, PageStart: cb.Page, PageEnd: cb.Page, Sources: 1}
	b.appendLeaf(p)
	b.lastPara = p
	b.lastParaCol = cb.Column
}

// crossesBreak reports whether cb sits past a page break or a column break
// relative to the open paragraph. Only those boundaries may split a
// paragraph mid-sentence.
func (b *builder) crossesBreak(cb *layout.ClassifiedBlock) bool {
	if cb.Page > b.lastPara.PageEnd {
		return true
	}
	return cb.Page == b.lastPara.PageEnd && cb.Column > b.lastParaCol
}

func (b *builder) current() *Node { return b.stack[len(b.stack)-1] }

func (b *builder) appendLeaf(n *Node) {
	cur := b.current()
	if cur == b.tree.Root {
		// Content before the first heading gets an untitled chapter.
		b.openChapter("", n.PageStart, 0)
		cur = b.current()
	}
	cur.Children = append(cur.Children, n)
	b.extendPages(n.PageEnd)
}

// openChapter closes everything back to the root and starts a chapter.
// sources is 1 when a heading block opens it, 0 for seeded or synthetic ones.
func (b *builder) openChapter(title string, page, sources int) {
	b.lastPara, b.lastTable = nil, nil
	b.stack = b.stack[:1]
	ch := &Node{Kind: KindChapter, Title: title, Level: 1, PageStart: page, PageEnd: page, Sources: sources}
	b.tree.Root.Children = append(b.tree.Root.Children, ch)
	b.stack = append(b.stack, ch)
}

// openSection closes any open section at the same or deeper level, then
// nests a new one.
func (b *builder) openSection(level int, cb *layout.ClassifiedBlock) {
	b.lastPara, b.lastTable = nil, nil
	if len(b.stack) == 1 {
		b.openChapter("", cb.Page, 0)
	}
	for len(b.stack) > 2 && b.current().Level >= level {
		b.stack = b.stack[:len(b.stack)-1]
	}
	sec := &Node{
		Kind:      KindSection,
		Title:     strings.TrimSpace(cb.Text),
		Level:     level,
		PageStart: cb.Page,
		PageEnd:   cb.Page,
		Sources:   1,
	}
	b.current().Children = append(b.current().Children, sec)
	b.extendPages(cb.Page)
	b.stack = append(b.stack, sec)
}

func (b *builder) extendPages(page int) {
	for _, n := range b.stack[1:] {
		if n.PageStart == 0 || page < n.PageStart {
			n.PageStart = page
		}
		if page > n.PageEnd {
			n.PageEnd = page
		}
	}
}

// mergesWith decides whether a page or column break split should be
// repaired: the
// earlier text must not end in sentence-terminal punctuation and the later
// one must start with a lowercase grapheme.
func mergesWith(prev, next string) bool {
	prev = strings.TrimSpace(prev)
	if prev == "" || next == "" {
		return false
	}
	switch lastRune(prev) {
	case '.', '!', '?', ':', ';', '"', '”', '’':
		return false
	}
	return unicode.IsLower(firstRune(next))
}

func lastRune(s string) rune {
	var r rune
	for _, c := range s {
		r = c
	}
	return r
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
