package xref

import (
	"errors"
	"io"

	"github.com/wudi/epubkit/ir/raw"
	"github.com/wudi/epubkit/scanner"
)

// Repair rebuilds a table by scanning the whole file for "N G obj" markers.
// It is the fallback for files with a missing, truncated or lying xref.
func Repair(data []byte) (*Table, error) {
	s := scanner.New(data, scanner.Config{})
	t := &Table{entries: make(map[int]Entry), Repaired: true}
	var trailer raw.Dict

	lastPos := int64(-1)
	for {
		// A malformed token may leave the scanner stuck; force progress.
		if s.Position() == lastPos {
			if err := s.Seek(lastPos + 1); err != nil {
				break
			}
		}
		lastPos = s.Position()

		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		switch {
		case tok.Type == scanner.TokenNumber && tok.IsInt && tok.Int >= 0:
			genTok, err := s.Next()
			if err != nil || genTok.Type != scanner.TokenNumber || !genTok.IsInt {
				continue
			}
			kwTok, err := s.Next()
			if err != nil {
				continue
			}
			if kwTok.Type == scanner.TokenKeyword && kwTok.Str == "obj" {
				// Later definitions win: incremental updates append, so the
				// last occurrence of an object number is the live one.
				t.entries[int(tok.Int)] = Entry{
					Kind:   InFile,
					Offset: tok.Pos,
					Gen:    int(genTok.Int),
				}
				continue
			}
			// "1 2 3 obj" must not hide object 2; rewind to the second number.
			if err := s.Seek(genTok.Pos); err != nil {
				return nil, err
			}
		case tok.Type == scanner.TokenKeyword && tok.Str == "trailer":
			obj, err := raw.NewParser(s).ParseObject()
			if err != nil {
				continue
			}
			if d, ok := obj.(raw.Dict); ok {
				trailer = d
			}
		}
	}

	if len(t.entries) == 0 {
		return nil, errors.New("repair found no objects")
	}

	if trailer == nil {
		trailer = raw.Dict{"Size": raw.Integer(len(t.entries))}
	}
	if _, ok := trailer.RefVal("Root"); !ok {
		if ref, ok := findCatalog(data, t); ok {
			trailer["Root"] = raw.Ref(ref)
		}
	}
	t.Trailer = trailer
	return t, nil
}

// findCatalog parses recovered objects looking for the document catalog.
func findCatalog(data []byte, t *Table) (raw.ObjectRef, bool) {
	p := raw.NewParser(scanner.New(data, scanner.Config{}))
	for _, num := range t.Objects() {
		e, _ := t.Lookup(num)
		if e.Kind != InFile {
			continue
		}
		ind, err := p.ParseIndirectAt(e.Offset)
		if err != nil {
			continue
		}
		if d, ok := ind.Object.(raw.Dict); ok {
			if typ, _ := d.NameVal("Type"); typ == "Catalog" {
				return ind.Ref, true
			}
		}
	}
	return raw.ObjectRef{}, false
}
