package structure

import (
	"strings"
	"testing"

	"github.com/wudi/epubkit/extractor"
	"github.com/wudi/epubkit/layout"
	"github.com/wudi/epubkit/parser"
)

func block(page int, role layout.Role, text string) layout.ClassifiedBlock {
	return layout.ClassifiedBlock{
		Block: extractor.Block{Text: text},
		Page:  page,
		Role:  role,
	}
}

func TestSingleChapterTree(t *testing.T) {
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleHeading1, "Chapter One"),
		block(1, layout.RoleBody, "First paragraph."),
		block(1, layout.RoleBody, "Second paragraph."),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	chapters := tree.Chapters()
	if len(chapters) != 1 {
		t.Fatalf("chapters = %d", len(chapters))
	}
	ch := chapters[0]
	if ch.Title != "Chapter One" || len(ch.Children) != 2 {
		t.Fatalf("chapter = %+v", ch)
	}
	for _, c := range ch.Children {
		if c.Kind != KindParagraph {
			t.Errorf("child kind = %v", c.Kind)
		}
	}
	if got := tree.AccountedBlocks() + tree.Excluded; got != len(blocks) {
		t.Errorf("accounting = %d, want %d", got, len(blocks))
	}
}

func TestSectionNesting(t *testing.T) {
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleHeading1, "Chapter"),
		block(1, layout.RoleHeading2, "Section A"),
		block(1, layout.RoleHeading3, "Sub A.1"),
		block(2, layout.RoleHeading2, "Section B"),
		block(2, layout.RoleBody, "In B."),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	ch := tree.Chapters()[0]
	if len(ch.Children) != 2 {
		t.Fatalf("chapter children = %d", len(ch.Children))
	}
	secA, secB := ch.Children[0], ch.Children[1]
	if secA.Title != "Section A" || secB.Title != "Section B" {
		t.Fatalf("sections = %q, %q", secA.Title, secB.Title)
	}
	if len(secA.Children) != 1 || secA.Children[0].Title != "Sub A.1" {
		t.Errorf("nested section missing: %+v", secA.Children)
	}
	if len(secB.Children) != 1 || secB.Children[0].Kind != KindParagraph {
		t.Errorf("section B children = %+v", secB.Children)
	}
	if ch.PageStart != 1 || ch.PageEnd != 2 {
		t.Errorf("chapter pages = %d..%d", ch.PageStart, ch.PageEnd)
	}
}

func TestParagraphMergeAcrossPages(t *testing.T) {
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleHeading1, "Chapter"),
		block(1, layout.RoleBody, "This sentence continues on the"),
		block(2, layout.RoleBody, "next page without a break."),
		block(2, layout.RoleBody, "A fresh sentence."),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	ch := tree.Chapters()[0]
	if len(ch.Children) != 2 {
		t.Fatalf("paragraphs = %+v", ch.Children)
	}
	merged := ch.Children[0]
	want := "This sentence continues on the next page without a break."
	if merged.Text != want {
		t.Errorf("merged text = %q", merged.Text)
	}
	if merged.Sources != 2 || merged.PageStart != 1 || merged.PageEnd != 2 {
		t.Errorf("merged node = %+v", merged)
	}
	if got := tree.AccountedBlocks(); got != len(blocks) {
		t.Errorf("accounting = %d, want %d", got, len(blocks))
	}
}

func TestParagraphMergeAcrossColumns(t *testing.T) {
	col := func(page, column int, text string) layout.ClassifiedBlock {
		cb := block(page, layout.RoleBody, text)
		cb.Column = column
		return cb
	}
	blocks := []layout.ClassifiedBlock{
		col(1, 0, "This sentence continues in the"),
		col(1, 1, "second column of the same page."),
		col(1, 1, "A fresh sentence."),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	leaves := tree.Leaves()
	if len(leaves) != 2 {
		t.Fatalf("paragraphs = %+v", leaves)
	}
	merged := leaves[0]
	want := "This sentence continues in the second column of the same page."
	if merged.Text != want {
		t.Errorf("merged text = %q", merged.Text)
	}
	if merged.Sources != 2 || merged.PageStart != 1 || merged.PageEnd != 1 {
		t.Errorf("merged node = %+v", merged)
	}

	// Consecutive blocks within one column never merge, whatever the
	// punctuation says.
	sameCol := Build([]layout.ClassifiedBlock{
		col(1, 0, "This sentence continues in the"),
		col(1, 0, "same column of the same page."),
	}, parser.Metadata{}, Config{})
	if got := len(sameCol.Leaves()); got != 2 {
		t.Errorf("same-column paragraphs = %d, want 2", got)
	}
}

func TestParagraphMergeGuards(t *testing.T) {
	cases := []struct {
		prev, next string
		want       bool
	}{
		{"ends mid-sentence and the", "continuation is lowercase", true},
		{"Ends with a period.", "lowercase start", false},
		{"ends mid-sentence and the", "Capitalized start", false},
		{"ends with a colon:", "lowercase", false},
		{"", "anything", false},
	}
	for _, tc := range cases {
		if got := mergesWith(tc.prev, tc.next); got != tc.want {
			t.Errorf("mergesWith(%q, %q) = %v, want %v", tc.prev, tc.next, got, tc.want)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	// A second build over blocks whose text was already merged must not
	// merge further: the merged text still ends without terminal
	// punctuation only if the original did, and reprocessing the same
	// input yields the same tree.
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleBody, "This sentence continues on the"),
		block(2, layout.RoleBody, "next page without a break."),
	}
	first := Build(blocks, parser.Metadata{}, Config{})
	mergedText := first.Leaves()[0].Text

	again := Build([]layout.ClassifiedBlock{block(1, layout.RoleBody, mergedText)}, parser.Metadata{}, Config{})
	if got := again.Leaves()[0].Text; got != mergedText {
		t.Errorf("re-built text = %q, want %q", got, mergedText)
	}
	if len(again.Leaves()) != 1 {
		t.Errorf("leaves = %d", len(again.Leaves()))
	}
}

func TestFurnitureExcluded(t *testing.T) {
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleFurniture, "Running Head"),
		block(1, layout.RoleBody, "Content."),
		block(2, layout.RoleFurniture, "Running Head"),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	if tree.Excluded != 2 {
		t.Errorf("excluded = %d", tree.Excluded)
	}
	if got := tree.AccountedBlocks() + tree.Excluded; got != len(blocks) {
		t.Errorf("accounting = %d, want %d", got, len(blocks))
	}
}

func TestContentBeforeFirstHeading(t *testing.T) {
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleBody, "Preamble text."),
		block(2, layout.RoleHeading1, "Chapter One"),
		block(2, layout.RoleBody, "Body."),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	chapters := tree.Chapters()
	if len(chapters) != 2 {
		t.Fatalf("chapters = %d", len(chapters))
	}
	if chapters[0].Title != "" || chapters[1].Title != "Chapter One" {
		t.Errorf("titles = %q, %q", chapters[0].Title, chapters[1].Title)
	}
}

func TestBookmarkSeededChapters(t *testing.T) {
	outline := []parser.OutlineItem{
		{Title: "Introduction", Page: 1, Depth: 0},
		{Title: "The Real Title", Page: 3, Depth: 0},
	}
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleBody, "Intro text."),
		// Font-derived heading on the bookmarked page: bookmark wins.
		block(3, layout.RoleHeading1, "Some Styled Line"),
		block(3, layout.RoleBody, "Chapter body."),
		// Heading-1 off the bookmark pages nests as a section.
		block(4, layout.RoleHeading1, "Inner Heading"),
	}
	tree := Build(blocks, parser.Metadata{}, Config{Outline: outline})
	chapters := tree.Chapters()
	if len(chapters) != 2 {
		t.Fatalf("chapters = %+v", chapters)
	}
	if chapters[0].Title != "Introduction" || chapters[1].Title != "The Real Title" {
		t.Errorf("titles = %q, %q", chapters[0].Title, chapters[1].Title)
	}
	var sec *Node
	for _, c := range chapters[1].Children {
		if c.Kind == KindSection {
			sec = c
		}
	}
	if sec == nil || sec.Title != "Inner Heading" || sec.Level != 2 {
		t.Errorf("demoted heading = %+v", sec)
	}
	if got := tree.AccountedBlocks() + tree.Excluded; got != len(blocks) {
		t.Errorf("accounting = %d, want %d", got, len(blocks))
	}
}

func TestFigureAndTable(t *testing.T) {
	img := &extractor.ImageRef{Name: "Im1"}
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleHeading1, "Chapter"),
		{Block: extractor.Block{}, Image: img, Page: 1, Role: layout.RoleFigure},
		block(1, layout.RoleCaption, "Figure 1"),
		block(1, layout.RoleTableCell, "a"),
		block(1, layout.RoleTableCell, "b"),
		block(1, layout.RoleBody, "After table."),
		block(1, layout.RoleTableCell, "c"),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	ch := tree.Chapters()[0]
	kinds := make([]NodeKind, len(ch.Children))
	for i, c := range ch.Children {
		kinds[i] = c.Kind
	}
	want := []NodeKind{KindFigure, KindCaption, KindTable, KindParagraph, KindTable}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if n := len(ch.Children[2].Children); n != 2 {
		t.Errorf("first table cells = %d", n)
	}
	if got := tree.AccountedBlocks() + tree.Excluded; got != len(blocks) {
		t.Errorf("accounting = %d, want %d", got, len(blocks))
	}
}

func TestMarkdownSerialization(t *testing.T) {
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleHeading1, "Chapter One"),
		block(1, layout.RoleBody, "Hello world."),
		block(1, layout.RoleHeading2, "Details"),
		block(1, layout.RoleBody, "More text."),
	}
	tree := Build(blocks, parser.Metadata{Title: "My Book", Author: "A. Author"}, Config{})
	got := Markdown(tree)
	want := "# My Book\n\n_A. Author_\n\n# Chapter One\n\nHello world.\n\n## Details\n\nMore text.\n"
	if got != want {
		t.Errorf("markdown:\n%q\nwant:\n%q", got, want)
	}
}

func TestMarkdownChapterFallbackTitle(t *testing.T) {
	blocks := []layout.ClassifiedBlock{
		block(1, layout.RoleBody, "Untitled content."),
	}
	tree := Build(blocks, parser.Metadata{}, Config{})
	md := Markdown(tree)
	if !strings.Contains(md, "# Chapter 1") {
		t.Errorf("markdown = %q", md)
	}
}
