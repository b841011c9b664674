package epub

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wudi/epubkit/structure"
)

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/package.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

// packageOPF builds the EPUB 3 package document: metadata, manifest, spine.
func packageOPF(tree *structure.Tree, spine []chapterEntry, assets map[string]*imageAsset, uid string) string {
	title := tree.Metadata.Title
	if title == "" {
		title = "Untitled"
	}
	lang := tree.Metadata.Language
	if lang == "" {
		lang = "en"
	}

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
`)
	fmt.Fprintf(&sb, "    <dc:identifier id=\"pub-id\">%s</dc:identifier>\n", uid)
	fmt.Fprintf(&sb, "    <dc:title>%s</dc:title>\n", xmlEscape(title))
	fmt.Fprintf(&sb, "    <dc:language>%s</dc:language>\n", xmlEscape(lang))
	if tree.Metadata.Author != "" {
		fmt.Fprintf(&sb, "    <dc:creator>%s</dc:creator>\n", xmlEscape(tree.Metadata.Author))
	}
	if tree.Metadata.Subject != "" {
		fmt.Fprintf(&sb, "    <dc:subject>%s</dc:subject>\n", xmlEscape(tree.Metadata.Subject))
	}
	sb.WriteString("  </metadata>\n  <manifest>\n")
	sb.WriteString("    <item id=\"nav\" href=\"nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	sb.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	for _, ch := range spine {
		fmt.Fprintf(&sb, "    <item id=%q href=%q media-type=\"application/xhtml+xml\"/>\n", ch.ID, ch.Path)
	}
	ids := make([]string, 0, len(assets))
	for id, a := range assets {
		if a.data != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := assets[id]
		fmt.Fprintf(&sb, "    <item id=%q href=%q media-type=%q/>\n", a.id, "images/"+a.filename, a.mime)
	}
	sb.WriteString("  </manifest>\n  <spine toc=\"ncx\">\n")
	for _, ch := range spine {
		fmt.Fprintf(&sb, "    <itemref idref=%q/>\n", ch.ID)
	}
	sb.WriteString("  </spine>\n</package>\n")
	return sb.String()
}

// navXHTML is the EPUB 3 navigation document. Every spine entry appears even
// when its title is a fallback.
func navXHTML(spine []chapterEntry) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>Contents</title></head>
<body>
  <nav epub:type="toc" id="toc">
    <ol>
`)
	for _, ch := range spine {
		fmt.Fprintf(&sb, "      <li><a href=%q>%s</a></li>\n", ch.Path, xmlEscape(ch.Title))
	}
	sb.WriteString(`    </ol>
  </nav>
</body>
</html>
`)
	return sb.String()
}

// tocNCX keeps EPUB 2 readers navigating.
func tocNCX(tree *structure.Tree, spine []chapterEntry, uid string) string {
	title := tree.Metadata.Title
	if title == "" {
		title = "Untitled"
	}
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head>
`)
	fmt.Fprintf(&sb, "    <meta name=\"dtb:uid\" content=%q/>\n", uid)
	sb.WriteString("  </head>\n")
	fmt.Fprintf(&sb, "  <docTitle><text>%s</text></docTitle>\n", xmlEscape(title))
	sb.WriteString("  <navMap>\n")
	for i, ch := range spine {
		fmt.Fprintf(&sb, "    <navPoint id=%q playOrder=\"%d\">\n", "nav-"+ch.ID, i+1)
		fmt.Fprintf(&sb, "      <navLabel><text>%s</text></navLabel>\n", xmlEscape(ch.Title))
		fmt.Fprintf(&sb, "      <content src=%q/>\n", ch.Path)
		sb.WriteString("    </navPoint>\n")
	}
	sb.WriteString("  </navMap>\n</ncx>\n")
	return sb.String()
}
