// Package raw defines the PDF object model shared by the cross-reference
// resolver, the document parser and the content extractor.
package raw

import "fmt"

// ObjectRef identifies an indirect object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the sealed union of PDF object types.
type Object interface {
	isObject()
}

type Null struct{}

type Bool bool

type Integer int64

type Real float64

// String holds the decoded bytes of a literal or hex string.
type String []byte

type Name string

type Array []Object

// Dict maps name keys to values. Keys are stored without the leading slash.
type Dict map[Name]Object

// Ref is an indirect reference appearing inside another object.
type Ref ObjectRef

// Stream pairs a stream dictionary with its raw (still encoded) payload.
type Stream struct {
	Dict Dict
	Raw  []byte
}

func (Null) isObject()    {}
func (Bool) isObject()    {}
func (Integer) isObject() {}
func (Real) isObject()    {}
func (String) isObject()  {}
func (Name) isObject()    {}
func (Array) isObject()   {}
func (Dict) isObject()    {}
func (Ref) isObject()     {}
func (*Stream) isObject() {}

// Get returns the value for key, reporting presence.
func (d Dict) Get(key Name) (Object, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d[key]
	return v, ok
}

// Int returns the integer value for key. Reals with integral values qualify.
func (d Dict) Int(key Name) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// Float returns the numeric value for key as a float64.
func (d Dict) Float(key Name) (float64, bool) {
	switch v, _ := d.Get(key); t := v.(type) {
	case Integer:
		return float64(t), true
	case Real:
		return float64(t), true
	}
	return 0, false
}

// NameVal returns the name value for key.
func (d Dict) NameVal(key Name) (Name, bool) {
	v, ok := d.Get(key)
	if !ok {
		return "", false
	}
	n, ok := v.(Name)
	return n, ok
}

// StringVal returns the string bytes for key.
func (d Dict) StringVal(key Name) (String, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	s, ok := v.(String)
	return s, ok
}

// ArrayVal returns the array value for key.
func (d Dict) ArrayVal(key Name) (Array, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	a, ok := v.(Array)
	return a, ok
}

// DictVal returns the dictionary value for key.
func (d Dict) DictVal(key Name) (Dict, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(Dict)
	return sub, ok
}

// RefVal returns the indirect reference stored under key.
func (d Dict) RefVal(key Name) (ObjectRef, bool) {
	v, ok := d.Get(key)
	if !ok {
		return ObjectRef{}, false
	}
	r, ok := v.(Ref)
	return ObjectRef(r), ok
}

// AsInt coerces integers and integral reals.
func AsInt(v Object) (int64, bool) {
	switch t := v.(type) {
	case Integer:
		return int64(t), true
	case Real:
		if float64(int64(t)) == float64(t) {
			return int64(t), true
		}
	}
	return 0, false
}

// AsFloat coerces any numeric object.
func AsFloat(v Object) (float64, bool) {
	switch t := v.(type) {
	case Integer:
		return float64(t), true
	case Real:
		return float64(t), true
	}
	return 0, false
}

// Rect interprets a 4-element numeric array as [llx lly urx ury].
func Rect(v Object) (llx, lly, urx, ury float64, ok bool) {
	arr, isArr := v.(Array)
	if !isArr || len(arr) != 4 {
		return 0, 0, 0, 0, false
	}
	vals := make([]float64, 4)
	for i, item := range arr {
		f, isNum := AsFloat(item)
		if !isNum {
			return 0, 0, 0, 0, false
		}
		vals[i] = f
	}
	return vals[0], vals[1], vals[2], vals[3], true
}
