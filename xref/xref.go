// Package xref locates and parses cross-reference information: classic
// tables, cross-reference streams, hybrid files and /Prev update chains.
package xref

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wudi/epubkit/filters"
	"github.com/wudi/epubkit/ir/raw"
	"github.com/wudi/epubkit/scanner"
)

type EntryKind int

const (
	Free EntryKind = iota
	InFile
	InObjectStream
)

// Entry records where one object lives.
type Entry struct {
	Kind   EntryKind
	Offset int64 // InFile: byte offset of "N G obj"
	Gen    int
	// InObjectStream: the containing /ObjStm and the index within it.
	Container int
	Index     int
}

// Table is the merged view across all xref sections of the file, newest
// update first.
type Table struct {
	entries  map[int]Entry
	Trailer  raw.Dict
	Repaired bool
	Sections int
}

func (t *Table) Lookup(num int) (Entry, bool) {
	e, ok := t.entries[num]
	return e, ok
}

func (t *Table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for n := range t.entries {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func (t *Table) Len() int { return len(t.entries) }

type Config struct {
	// MaxSections bounds the /Prev chain; zero means 64.
	MaxSections int
}

func (c Config) withDefaults() Config {
	if c.MaxSections <= 0 {
		c.MaxSections = 64
	}
	return c
}

// Load resolves the complete xref chain starting from the trailing
// startxref pointer. Callers fall back to Repair when it fails.
func Load(data []byte, cfg Config) (*Table, error) {
	cfg = cfg.withDefaults()

	offset, err := startXRef(data)
	if err != nil {
		return nil, err
	}

	t := &Table{entries: make(map[int]Entry)}
	visited := make(map[int64]bool)

	queue := []int64{offset}
	for len(queue) > 0 && t.Sections < cfg.MaxSections {
		off := queue[0]
		queue = queue[1:]
		if visited[off] {
			continue
		}
		visited[off] = true

		trailer, err := t.loadSection(data, off, &queue)
		if err != nil {
			return nil, fmt.Errorf("xref section at %d: %w", off, err)
		}
		t.Sections++
		if t.Trailer == nil {
			t.Trailer = trailer
		}
	}
	if len(t.entries) == 0 {
		return nil, errors.New("xref chain yielded no entries")
	}
	return t, nil
}

// startXRef reads the offset following the last startxref keyword.
func startXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	rest := data[idx+len("startxref"):]
	for _, line := range strings.SplitN(string(rest), "\n", 4) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		off, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse startxref: %w", err)
		}
		if off <= 0 || off >= int64(len(data)) {
			return 0, fmt.Errorf("startxref offset out of range: %d", off)
		}
		return off, nil
	}
	return 0, errors.New("startxref offset missing")
}

// loadSection parses one classic table or xref stream and appends any /Prev
// and /XRefStm continuations to queue. Already-seen objects keep their entry;
// the chain runs newest to oldest.
func (t *Table) loadSection(data []byte, off int64, queue *[]int64) (raw.Dict, error) {
	s := scanner.New(data, scanner.Config{})
	if err := s.Seek(off); err != nil {
		return nil, err
	}
	tok, err := s.Next()
	if err != nil {
		return nil, err
	}

	var trailer raw.Dict
	if tok.Type == scanner.TokenKeyword && tok.Str == "xref" {
		trailer, err = t.loadClassic(s)
	} else {
		trailer, err = t.loadStream(data, off)
	}
	if err != nil {
		return nil, err
	}

	// Hybrid files point at a supplementary xref stream first, then the
	// previous section.
	if xs, ok := trailer.Int("XRefStm"); ok {
		*queue = append(*queue, xs)
	}
	if prev, ok := trailer.Int("Prev"); ok {
		*queue = append(*queue, prev)
	}
	return trailer, nil
}

// loadClassic consumes subsections after the xref keyword until trailer.
func (t *Table) loadClassic(s *scanner.Scanner) (raw.Dict, error) {
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, fmt.Errorf("truncated xref table: %w", err)
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			break
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			return nil, fmt.Errorf("bad subsection header at %d", tok.Pos)
		}
		start := int(tok.Int)
		countTok, err := s.Next()
		if err != nil || countTok.Type != scanner.TokenNumber || !countTok.IsInt {
			return nil, fmt.Errorf("bad subsection count at %d", tok.Pos)
		}
		count := int(countTok.Int)

		for i := 0; i < count; i++ {
			offTok, err := s.Next()
			if err != nil || offTok.Type != scanner.TokenNumber {
				return nil, errors.New("truncated xref subsection")
			}
			genTok, err := s.Next()
			if err != nil || genTok.Type != scanner.TokenNumber {
				return nil, errors.New("truncated xref subsection")
			}
			kindTok, err := s.Next()
			if err != nil || kindTok.Type != scanner.TokenKeyword {
				return nil, errors.New("truncated xref subsection")
			}
			num := start + i
			if _, seen := t.entries[num]; seen {
				continue
			}
			switch kindTok.Str {
			case "n":
				t.entries[num] = Entry{Kind: InFile, Offset: offTok.Int, Gen: int(genTok.Int)}
			case "f":
				t.entries[num] = Entry{Kind: Free, Gen: int(genTok.Int)}
			default:
				return nil, fmt.Errorf("bad xref entry kind %q", kindTok.Str)
			}
		}
	}

	p := raw.NewParser(s)
	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("trailer: %w", err)
	}
	trailer, ok := obj.(raw.Dict)
	if !ok {
		return nil, fmt.Errorf("trailer is %T, not a dictionary", obj)
	}
	return trailer, nil
}

// loadStream parses a cross-reference stream object at off.
func (t *Table) loadStream(data []byte, off int64) (raw.Dict, error) {
	p := raw.NewParser(scanner.New(data, scanner.Config{}))
	ind, err := p.ParseIndirectAt(off)
	if err != nil {
		return nil, err
	}
	st, ok := ind.Object.(*raw.Stream)
	if !ok {
		return nil, fmt.Errorf("object at %d is %T, not a stream", off, ind.Object)
	}
	if typ, _ := st.Dict.NameVal("Type"); typ != "XRef" {
		return nil, fmt.Errorf("stream at %d has type %q, want XRef", off, typ)
	}

	decoded, err := decodeStream(st)
	if err != nil {
		return nil, err
	}

	widths, err := fieldWidths(st.Dict)
	if err != nil {
		return nil, err
	}
	size, ok := st.Dict.Int("Size")
	if !ok {
		return nil, errors.New("xref stream missing Size")
	}
	index := []int64{0, size}
	if arr, ok := st.Dict.ArrayVal("Index"); ok {
		index = index[:0]
		for _, v := range arr {
			n, ok := raw.AsInt(v)
			if !ok {
				return nil, errors.New("non-integer in xref Index")
			}
			index = append(index, n)
		}
		if len(index)%2 != 0 {
			return nil, errors.New("odd-length xref Index")
		}
	}

	rowLen := widths[0] + widths[1] + widths[2]
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		start, count := int(index[i]), int(index[i+1])
		for j := 0; j < count; j++ {
			if pos+rowLen > len(decoded) {
				return nil, errors.New("xref stream shorter than Index claims")
			}
			row := decoded[pos : pos+rowLen]
			pos += rowLen

			kind := int64(1) // width 0 for the first field defaults to type 1
			if widths[0] > 0 {
				kind = beInt(row[:widths[0]])
			}
			f2 := beInt(row[widths[0] : widths[0]+widths[1]])
			f3 := beInt(row[widths[0]+widths[1]:])

			num := start + j
			if _, seen := t.entries[num]; seen {
				continue
			}
			switch kind {
			case 0:
				t.entries[num] = Entry{Kind: Free, Gen: int(f3)}
			case 1:
				t.entries[num] = Entry{Kind: InFile, Offset: f2, Gen: int(f3)}
			case 2:
				t.entries[num] = Entry{Kind: InObjectStream, Container: int(f2), Index: int(f3)}
			default:
				// Unknown types are reserved; treated as free per the PDF spec's
				// forward-compatibility rule.
				t.entries[num] = Entry{Kind: Free}
			}
		}
	}
	return st.Dict, nil
}

func fieldWidths(dict raw.Dict) ([3]int, error) {
	var widths [3]int
	arr, ok := dict.ArrayVal("W")
	if !ok || len(arr) != 3 {
		return widths, errors.New("xref stream missing W")
	}
	for i, v := range arr {
		n, ok := raw.AsInt(v)
		if !ok || n < 0 || n > 8 {
			return widths, fmt.Errorf("bad W[%d]", i)
		}
		widths[i] = int(n)
	}
	return widths, nil
}

func beInt(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// decodeStream applies the stream's filter chain. Xref streams carry direct
// filter specifications only, so no reference resolution is needed here.
func decodeStream(st *raw.Stream) ([]byte, error) {
	names, params := filterSpec(st.Dict)
	return filters.DecodeChain(st.Raw, names, params, filters.Limits{})
}

func filterSpec(dict raw.Dict) ([]string, []filters.Params) {
	var names []string
	switch f := dict["Filter"].(type) {
	case raw.Name:
		names = []string{string(f)}
	case raw.Array:
		for _, v := range f {
			if n, ok := v.(raw.Name); ok {
				names = append(names, string(n))
			}
		}
	}

	params := make([]filters.Params, len(names))
	switch dp := dict["DecodeParms"].(type) {
	case raw.Dict:
		if len(params) > 0 {
			params[0] = decodeParms(dp)
		}
	case raw.Array:
		for i, v := range dp {
			if i >= len(params) {
				break
			}
			if d, ok := v.(raw.Dict); ok {
				params[i] = decodeParms(d)
			}
		}
	}
	return names, params
}

func decodeParms(d raw.Dict) filters.Params {
	var p filters.Params
	if n, ok := d.Int("Predictor"); ok {
		p.Predictor = int(n)
	}
	if n, ok := d.Int("Colors"); ok {
		p.Colors = int(n)
	}
	if n, ok := d.Int("BitsPerComponent"); ok {
		p.BitsPerComponent = int(n)
	}
	if n, ok := d.Int("Columns"); ok {
		p.Columns = int(n)
	}
	p.EarlyChange = -1
	if n, ok := d.Int("EarlyChange"); ok {
		p.EarlyChange = int(n)
	}
	return p
}
