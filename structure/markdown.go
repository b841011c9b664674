package structure

import (
	"fmt"
	"strings"
)

// Markdown serializes the tree into stable markdown. The pipeline uses it as
// the enhancer payload and as a standalone export target.
func Markdown(t *Tree) string {
	var sb strings.Builder
	if t.Metadata.Title != "" {
		fmt.Fprintf(&sb, "# %s\n\n", t.Metadata.Title)
	}
	if t.Metadata.Author != "" {
		fmt.Fprintf(&sb, "_%s_\n\n", t.Metadata.Author)
	}
	for i, ch := range t.Chapters() {
		writeNode(&sb, ch, i+1)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// ChapterMarkdown serializes one chapter subtree; num supplies the fallback
// title ordinal.
func ChapterMarkdown(n *Node, num int) string {
	var sb strings.Builder
	writeNode(&sb, n, num)
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func writeNode(sb *strings.Builder, n *Node, chapterNum int) {
	switch n.Kind {
	case KindChapter:
		fmt.Fprintf(sb, "# %s\n\n", ChapterTitle(n, chapterNum))
	case KindSection:
		level := n.Level
		if level < 2 {
			level = 2
		}
		if level > 6 {
			level = 6
		}
		fmt.Fprintf(sb, "%s %s\n\n", strings.Repeat("#", level), n.Title)
	case KindParagraph:
		sb.WriteString(n.Text)
		sb.WriteString("\n\n")
		return
	case KindFigure:
		name := "figure"
		if n.Image != nil && n.Image.Name != "" {
			name = n.Image.Name
		}
		fmt.Fprintf(sb, "![%s](images/%s)\n\n", name, name)
		return
	case KindCaption:
		fmt.Fprintf(sb, "*%s*\n\n", n.Text)
		return
	case KindFootnote:
		fmt.Fprintf(sb, "> %s\n\n", n.Text)
		return
	case KindTable:
		writeTable(sb, n)
		return
	case KindCell:
		// Cells render through their table.
		return
	}
	for _, c := range n.Children {
		writeNode(sb, c, chapterNum)
	}
}

// writeTable renders cells as a single-column-per-cell pipe table row run.
// Cell grouping into rows is not tracked, so each page line of cells becomes
// one row.
func writeTable(sb *strings.Builder, n *Node) {
	var cells []string
	for _, c := range n.Children {
		if c.Kind == KindCell {
			cells = append(cells, strings.ReplaceAll(c.Text, "|", "\\|"))
		}
	}
	if len(cells) == 0 {
		return
	}
	fmt.Fprintf(sb, "| %s |\n", strings.Join(cells, " | "))
	sb.WriteString("|")
	sb.WriteString(strings.Repeat(" --- |", len(cells)))
	sb.WriteString("\n\n")
}

// ChapterTitle falls back to a numbered title when a chapter has none.
func ChapterTitle(n *Node, num int) string {
	if strings.TrimSpace(n.Title) != "" {
		return n.Title
	}
	return fmt.Sprintf("Chapter %d", num)
}
