// Package filters decodes PDF stream filters. Only the filters that occur in
// text-bearing ebook sources are implemented; image-specific filters
// (DCTDecode, JPXDecode) are passed through undecoded so the emitter can
// embed the compressed payload directly.
package filters

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/hhrutter/lzw"
)

// Params carries the subset of DecodeParms that affects the supported
// filters.
type Params struct {
	Predictor        int
	Colors           int
	BitsPerComponent int
	Columns          int
	EarlyChange      int // LZW only; -1 means unset (defaults to 1)
}

func (p Params) withDefaults() Params {
	if p.Colors == 0 {
		p.Colors = 1
	}
	if p.BitsPerComponent == 0 {
		p.BitsPerComponent = 8
	}
	if p.Columns == 0 {
		p.Columns = 1
	}
	return p
}

// Limits bounds decompression to keep hostile inputs from exhausting memory.
type Limits struct {
	MaxDecompressedSize int64 // zero means 256 MiB
}

func (l Limits) max() int64 {
	if l.MaxDecompressedSize > 0 {
		return l.MaxDecompressedSize
	}
	return 256 << 20
}

// ErrUnsupportedFilter marks filters the pipeline cannot decode; callers
// treat streams behind them as opaque payloads.
var ErrUnsupportedFilter = errors.New("unsupported stream filter")

// Passthrough reports whether the named filter leaves data compressed in a
// format downstream consumers handle natively (JPEG, JPEG 2000).
func Passthrough(name string) bool {
	return name == "DCTDecode" || name == "JPXDecode"
}

// Decode applies a single named filter.
func Decode(data []byte, name string, p Params, lim Limits) ([]byte, error) {
	p = p.withDefaults()
	var out []byte
	var err error
	switch name {
	case "FlateDecode", "Fl":
		out, err = flateDecode(data, lim)
	case "LZWDecode", "LZW":
		out, err = lzwDecode(data, p, lim)
	case "ASCIIHexDecode", "AHx":
		out, err = asciiHexDecode(data)
	case "ASCII85Decode", "A85":
		out, err = ascii85Decode(data)
	case "RunLengthDecode", "RL":
		out, err = runLengthDecode(data, lim)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.Predictor > 1 {
		out, err = undoPredictor(out, p)
		if err != nil {
			return nil, fmt.Errorf("%s predictor: %w", name, err)
		}
	}
	return out, nil
}

// DecodeChain applies a filter pipeline in declaration order. params may be
// shorter than names; missing entries decode with defaults.
func DecodeChain(data []byte, names []string, params []Params, lim Limits) ([]byte, error) {
	out := data
	for i, name := range names {
		if Passthrough(name) {
			return out, nil
		}
		var p Params
		if i < len(params) {
			p = params[i]
		}
		var err error
		out, err = Decode(out, name, p, lim)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flateDecode(data []byte, lim Limits) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readBounded(zr, lim)
}

func lzwDecode(data []byte, p Params, lim Limits) ([]byte, error) {
	early := p.EarlyChange != 0 // PDF default is 1
	r := lzw.NewReader(bytes.NewReader(data), early)
	defer r.Close()
	return readBounded(r, lim)
}

func readBounded(r io.Reader, lim Limits) ([]byte, error) {
	max := lim.max()
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, max+1))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("decoded stream exceeds limit (%d bytes)", max)
	}
	return buf.Bytes(), nil
}

func asciiHexDecode(data []byte) ([]byte, error) {
	var out []byte
	var hi byte
	pending := false
	for _, c := range data {
		if c == '>' {
			break
		}
		switch {
		case c == 0 || c == '\t' || c == '\n' || c == '\f' || c == '\r' || c == ' ':
			continue
		}
		v, ok := hexVal(c)
		if !ok {
			return nil, fmt.Errorf("invalid hex digit %q", c)
		}
		if pending {
			out = append(out, hi<<4|v)
			pending = false
		} else {
			hi = v
			pending = true
		}
	}
	if pending {
		out = append(out, hi<<4)
	}
	return out, nil
}

func ascii85Decode(data []byte) ([]byte, error) {
	var out []byte
	var group [5]byte
	n := 0
	i := 0
	// Skip an optional <~ opener.
	if bytes.HasPrefix(data, []byte("<~")) {
		i = 2
	}
	for ; i < len(data); i++ {
		c := data[i]
		switch {
		case c == '~':
			goto tail
		case c == 0 || c == '\t' || c == '\n' || c == '\f' || c == '\r' || c == ' ':
			continue
		case c == 'z' && n == 0:
			out = append(out, 0, 0, 0, 0)
			continue
		case c < '!' || c > 'u':
			return nil, fmt.Errorf("invalid ascii85 byte %q", c)
		}
		group[n] = c - '!'
		n++
		if n == 5 {
			out = appendGroup85(out, group, 4)
			n = 0
		}
	}
tail:
	if n == 1 {
		return nil, errors.New("truncated ascii85 group")
	}
	if n > 1 {
		for j := n; j < 5; j++ {
			group[j] = 84
		}
		out = appendGroup85(out, group, n-1)
	}
	return out, nil
}

func appendGroup85(out []byte, group [5]byte, count int) []byte {
	var v uint32
	for _, g := range group {
		v = v*85 + uint32(g)
	}
	word := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return append(out, word[:count]...)
}

func runLengthDecode(data []byte, lim Limits) ([]byte, error) {
	max := lim.max()
	var out []byte
	for i := 0; i < len(data); {
		l := int(data[i])
		i++
		if l == 128 {
			break
		}
		if l < 128 {
			end := i + l + 1
			if end > len(data) {
				return nil, errors.New("truncated run-length literal")
			}
			out = append(out, data[i:end]...)
			i = end
		} else {
			if i >= len(data) {
				return nil, errors.New("truncated run-length repeat")
			}
			out = append(out, bytes.Repeat(data[i:i+1], 257-l)...)
			i++
		}
		if int64(len(out)) > max {
			return nil, fmt.Errorf("decoded stream exceeds limit (%d bytes)", max)
		}
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
