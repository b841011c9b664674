package epub

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	ghtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/wudi/epubkit/structure"
)

var chapterMD = goldmark.New(
	goldmark.WithRendererOptions(ghtml.WithXHTML()),
)

// renderChapter converts one chapter subtree into an XHTML content document.
// Image references in the rendered HTML are rewritten to the packaged asset
// paths; references to assets that could not be packaged are removed.
func renderChapter(ch *structure.Node, num int, assets map[string]*imageAsset) (string, []string) {
	md := structure.ChapterMarkdown(ch, num)

	var buf bytes.Buffer
	if err := chapterMD.Convert([]byte(md), &buf); err != nil {
		// Markdown conversion over our own serialization should not fail;
		// degrade to escaped text rather than aborting emission.
		return emptyChapterXHTML(structure.ChapterTitle(ch, num)),
			[]string{fmt.Sprintf("chapter %d: render failed: %v", num, err)}
	}

	body, warns := rewriteImages(buf.String(), num, assets)
	title := xmlEscape(structure.ChapterTitle(ch, num))
	return fmt.Sprintf(chapterShell, title, body), warns
}

// rewriteImages parses the chapter body and points img elements at the
// packaged files, relative to OEBPS/text/.
func rewriteImages(body string, num int, assets map[string]*imageAsset) (string, []string) {
	if !strings.Contains(body, "<img") {
		return body, nil
	}
	nodes, err := html.ParseFragment(strings.NewReader(body), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return body, []string{fmt.Sprintf("chapter %d: image rewrite skipped: %v", num, err)}
	}

	var warns []string
	var out bytes.Buffer
	for _, n := range nodes {
		fixImages(n, assets, &warns)
		if err := html.Render(&out, n); err != nil {
			return body, []string{fmt.Sprintf("chapter %d: image rewrite skipped: %v", num, err)}
		}
	}
	return out.String(), warns
}

func fixImages(n *html.Node, assets map[string]*imageAsset, warns *[]string) {
	if n.Type == html.ElementNode && n.DataAtom == atom.Img {
		id := assetID(attrValue(n, "src"))
		asset := assets[id]
		if asset == nil || asset.data == nil {
			// The figure never made it into the package; drop the
			// reference to keep the document valid.
			if n.Parent != nil {
				n.Parent.RemoveChild(n)
			}
			*warns = append(*warns, fmt.Sprintf("removed reference to missing image %q", id))
			return
		}
		setAttr(n, "src", "../images/"+asset.filename)
		if attrValue(n, "alt") == "" {
			setAttr(n, "alt", asset.id)
		}
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		fixImages(c, assets, warns)
		c = next
	}
}

// assetID extracts the asset name from a markdown-derived src like
// "images/img-0001".
func assetID(src string) string {
	if i := strings.LastIndexByte(src, '/'); i >= 0 {
		src = src[i+1:]
	}
	if i := strings.LastIndexByte(src, '.'); i >= 0 {
		src = src[:i]
	}
	return src
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

const chapterShell = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>%s</title></head>
<body>
%s</body>
</html>
`

func emptyChapterXHTML(title string) string {
	return fmt.Sprintf(chapterShell, xmlEscape(title), "<p></p>\n")
}
