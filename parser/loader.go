package parser

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wudi/epubkit/filters"
	"github.com/wudi/epubkit/ir/raw"
	"github.com/wudi/epubkit/scanner"
	"github.com/wudi/epubkit/xref"
)

// loader materializes objects on demand through the xref table, with a cache
// so shared resources (fonts, ObjStms) parse once. Resolve, DecodeStream and
// resolveStream take the loader lock, so pages can be processed concurrently;
// everything below them runs with the lock already held.
type loader struct {
	data   []byte
	table  *xref.Table
	limits filters.Limits
	crypt  *cryptHandler // nil for unencrypted files

	mu       sync.Mutex
	maxDepth int
	cache    map[int]raw.Object
	objstm   map[int]map[int]raw.Object
	loading  map[int]bool // cycle guard
}

func newLoader(data []byte, table *xref.Table, lim filters.Limits) *loader {
	return &loader{
		data:     data,
		table:    table,
		limits:   lim,
		maxDepth: 32,
		cache:    make(map[int]raw.Object),
		objstm:   make(map[int]map[int]raw.Object),
		loading:  make(map[int]bool),
	}
}

// load returns the object behind ref, following the xref entry into the file
// body or into a containing object stream.
func (l *loader) load(ref raw.ObjectRef) (raw.Object, error) {
	if obj, ok := l.cache[ref.Num]; ok {
		return obj, nil
	}
	if l.loading[ref.Num] {
		return nil, fmt.Errorf("object %s references itself", ref)
	}
	l.loading[ref.Num] = true
	defer delete(l.loading, ref.Num)

	entry, ok := l.table.Lookup(ref.Num)
	if !ok {
		return raw.Null{}, nil // dangling references resolve to null
	}

	var obj raw.Object
	var err error
	switch entry.Kind {
	case xref.Free:
		obj = raw.Null{}
	case xref.InFile:
		obj, err = l.loadAt(ref.Num, entry.Offset)
	case xref.InObjectStream:
		obj, err = l.loadFromObjStm(ref.Num, entry.Container, entry.Index)
	}
	if err != nil {
		return nil, err
	}
	l.cache[ref.Num] = obj
	return obj, nil
}

func (l *loader) loadAt(num int, offset int64) (raw.Object, error) {
	p := raw.NewParser(scanner.New(l.data, scanner.Config{}))
	p.LengthResolver = l.resolveLength
	ind, err := p.ParseIndirectAt(offset)
	if err != nil {
		return nil, err
	}
	if ind.Ref.Num != num {
		return nil, fmt.Errorf("xref points %d at object %d", num, ind.Ref.Num)
	}
	obj := ind.Object
	if l.crypt != nil {
		obj = l.crypt.decryptObject(ind.Ref, obj)
	}
	return obj, nil
}

// resolveLength feeds indirect /Length values back to the raw parser. The
// referenced object is always a plain integer, never itself a stream.
func (l *loader) resolveLength(ref raw.ObjectRef) (int64, bool) {
	entry, ok := l.table.Lookup(ref.Num)
	if !ok || entry.Kind != xref.InFile {
		return 0, false
	}
	p := raw.NewParser(scanner.New(l.data, scanner.Config{}))
	ind, err := p.ParseIndirectAt(entry.Offset)
	if err != nil {
		return 0, false
	}
	n, ok := raw.AsInt(ind.Object)
	return n, ok
}

// loadFromObjStm decodes the containing /ObjStm once and caches every object
// in it.
func (l *loader) loadFromObjStm(num, container, idx int) (raw.Object, error) {
	objs, ok := l.objstm[container]
	if !ok {
		var err error
		objs, err = l.parseObjStm(container)
		if err != nil {
			return nil, err
		}
		l.objstm[container] = objs
	}
	obj, ok := objs[num]
	if !ok {
		return nil, fmt.Errorf("object %d not in object stream %d (index %d)", num, container, idx)
	}
	return obj, nil
}

func (l *loader) parseObjStm(container int) (map[int]raw.Object, error) {
	entry, ok := l.table.Lookup(container)
	if !ok || entry.Kind != xref.InFile {
		return nil, fmt.Errorf("object stream %d missing from xref", container)
	}
	obj, err := l.loadAt(container, entry.Offset)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", container, err)
	}
	st, ok := obj.(*raw.Stream)
	if !ok {
		return nil, fmt.Errorf("object %d is %T, not an object stream", container, obj)
	}
	if typ, _ := st.Dict.NameVal("Type"); typ != "ObjStm" {
		return nil, fmt.Errorf("object %d has type %q, want ObjStm", container, typ)
	}
	n, _ := st.Dict.Int("N")
	first, _ := st.Dict.Int("First")

	data, err := l.decodeStreamLocked(st)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", container, err)
	}
	if first <= 0 || first > int64(len(data)) {
		return nil, fmt.Errorf("object stream %d: First %d out of range", container, first)
	}

	// The header is N pairs of "objnum offset", offsets relative to First.
	header := scanner.New(data[:first], scanner.Config{})
	pairs := make([]int64, 0, 2*n)
	for int64(len(pairs)) < 2*n {
		tok, err := header.Next()
		if err != nil {
			return nil, fmt.Errorf("object stream %d header: %w", container, err)
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			return nil, fmt.Errorf("object stream %d header: non-integer", container)
		}
		pairs = append(pairs, tok.Int)
	}

	body := data[first:]
	objs := make(map[int]raw.Object, n)
	for i := int64(0); i < n; i++ {
		objNum := int(pairs[2*i])
		off := pairs[2*i+1]
		if off < 0 || off > int64(len(body)) {
			return nil, fmt.Errorf("object stream %d: offset %d out of range", container, off)
		}
		p := raw.NewParser(scanner.New(body[off:], scanner.Config{}))
		o, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("object stream %d, object %d: %w", container, objNum, err)
		}
		objs[objNum] = o
	}
	return objs, nil
}

// Resolve dereferences obj if it is a reference, to at most maxDepth hops.
func (l *loader) Resolve(obj raw.Object) raw.Object {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolveLocked(obj)
}

func (l *loader) resolveLocked(obj raw.Object) raw.Object {
	for depth := 0; depth < l.maxDepth; depth++ {
		ref, ok := obj.(raw.Ref)
		if !ok {
			return obj
		}
		next, err := l.load(raw.ObjectRef(ref))
		if err != nil {
			return raw.Null{}
		}
		obj = next
	}
	return raw.Null{}
}

// DecodeStream applies the stream's filter chain, resolving indirect filter
// specifications first.
func (l *loader) DecodeStream(st *raw.Stream) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decodeStreamLocked(st)
}

func (l *loader) decodeStreamLocked(st *raw.Stream) ([]byte, error) {
	names, params := l.filterSpec(st.Dict)
	return filters.DecodeChain(st.Raw, names, params, l.limits)
}

func (l *loader) filterSpec(dict raw.Dict) ([]string, []filters.Params) {
	var names []string
	switch f := l.resolveLocked(dict["Filter"]).(type) {
	case raw.Name:
		names = []string{string(f)}
	case raw.Array:
		for _, v := range f {
			if n, ok := l.resolveLocked(v).(raw.Name); ok {
				names = append(names, string(n))
			}
		}
	}
	params := make([]filters.Params, len(names))
	switch dp := l.resolveLocked(dict["DecodeParms"]).(type) {
	case raw.Dict:
		if len(params) > 0 {
			params[0] = l.decodeParms(dp)
		}
	case raw.Array:
		for i, v := range dp {
			if i >= len(params) {
				break
			}
			if d, ok := l.resolveLocked(v).(raw.Dict); ok {
				params[i] = l.decodeParms(d)
			}
		}
	}
	return names, params
}

func (l *loader) decodeParms(d raw.Dict) filters.Params {
	p := filters.Params{EarlyChange: -1}
	intKey := func(key raw.Name) (int, bool) {
		n, ok := raw.AsInt(l.resolveLocked(d[key]))
		return int(n), ok
	}
	if n, ok := intKey("Predictor"); ok {
		p.Predictor = n
	}
	if n, ok := intKey("Colors"); ok {
		p.Colors = n
	}
	if n, ok := intKey("BitsPerComponent"); ok {
		p.BitsPerComponent = n
	}
	if n, ok := intKey("Columns"); ok {
		p.Columns = n
	}
	if n, ok := intKey("EarlyChange"); ok {
		p.EarlyChange = n
	}
	return p
}

var errNotStream = errors.New("expected a stream object")

// resolveStream loads obj (possibly a reference) and asserts it is a stream.
func (l *loader) resolveStream(obj raw.Object) (*raw.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.resolveLocked(obj).(*raw.Stream)
	if !ok {
		return nil, errNotStream
	}
	return st, nil
}
