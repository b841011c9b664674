package extractor

import (
	"errors"
	"io"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/wudi/epubkit/scanner"
)

// toUnicode maps font code sequences to Unicode text, built from a
// /ToUnicode CMap stream.
type toUnicode struct {
	entries  map[string]string
	codeLens []int // descending, for greedy longest-match decoding
}

// cmapItem is one operand inside a begin/end section: a byte string or an
// array of byte strings.
type cmapItem struct {
	bytes []byte
	arr   [][]byte
	isArr bool
}

// parseToUnicode tokenizes the CMap with the shared PDF scanner; the CMap
// grammar is the same lexical grammar with PostScript-style keywords.
func parseToUnicode(data []byte) *toUnicode {
	sc := scanner.New(data, scanner.Config{})
	m := &toUnicode{entries: make(map[string]string)}
	lens := make(map[int]bool)

	mode := ""
	var items []cmapItem

	flush := func() {
		switch mode {
		case "codespace":
			for i := 0; i+1 < len(items); i += 2 {
				if !items[i].isArr && len(items[i].bytes) > 0 {
					lens[len(items[i].bytes)] = true
				}
			}
		case "bfchar":
			for i := 0; i+1 < len(items); i += 2 {
				src, dst := items[i], items[i+1]
				if src.isArr || dst.isArr || len(src.bytes) == 0 {
					continue
				}
				m.entries[string(src.bytes)] = utf16BEString(dst.bytes)
				lens[len(src.bytes)] = true
			}
		case "bfrange":
			for i := 0; i+2 < len(items); i += 3 {
				m.addRange(items[i], items[i+1], items[i+2], lens)
			}
		}
		items = items[:0]
	}

	for {
		tok, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		switch tok.Type {
		case scanner.TokenString:
			items = append(items, cmapItem{bytes: tok.Bytes})
		case scanner.TokenArrayOpen:
			item := cmapItem{isArr: true}
			for {
				t, err := sc.Next()
				if err != nil || t.Type == scanner.TokenArrayClose {
					break
				}
				if t.Type == scanner.TokenString {
					item.arr = append(item.arr, t.Bytes)
				}
			}
			items = append(items, item)
		case scanner.TokenKeyword:
			switch tok.Str {
			case "begincodespacerange":
				mode, items = "codespace", items[:0]
			case "beginbfchar":
				mode, items = "bfchar", items[:0]
			case "beginbfrange":
				mode, items = "bfrange", items[:0]
			case "endcodespacerange", "endbfchar", "endbfrange":
				flush()
				mode = ""
			}
		}
	}

	if len(lens) == 0 {
		for k := range m.entries {
			lens[len(k)] = true
		}
	}
	for l := range lens {
		m.codeLens = append(m.codeLens, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(m.codeLens)))
	return m
}

func (m *toUnicode) addRange(lo, hi, dst cmapItem, lens map[int]bool) {
	if lo.isArr || hi.isArr || len(lo.bytes) == 0 {
		return
	}
	length := len(lo.bytes)
	lens[length] = true
	start := bytesToInt(lo.bytes)
	end := bytesToInt(hi.bytes)
	if end < start || end-start > 65535 {
		return
	}

	if dst.isArr {
		for i := 0; start+i <= end && i < len(dst.arr); i++ {
			m.entries[string(intToBytes(start+i, length))] = utf16BEString(dst.arr[i])
		}
		return
	}
	base := bytesToInt(dst.bytes)
	dstLen := len(dst.bytes)
	for i := 0; start+i <= end; i++ {
		m.entries[string(intToBytes(start+i, length))] = utf16BEString(intToBytes(base+i, dstLen))
	}
}

// decode maps code bytes to text, longest code length first, copying
// unmapped bytes through unchanged.
func (m *toUnicode) decode(code []byte) string {
	if len(m.codeLens) == 0 {
		return string(code)
	}
	var sb strings.Builder
	for len(code) > 0 {
		matched := false
		for _, l := range m.codeLens {
			if len(code) < l {
				continue
			}
			if val, ok := m.entries[string(code[:l])]; ok {
				sb.WriteString(val)
				code = code[l:]
				matched = true
				break
			}
		}
		if !matched {
			sb.WriteByte(code[0])
			code = code[1:]
		}
	}
	return sb.String()
}

func utf16BEString(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	if len(b) == 0 {
		return ""
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return string(utf16.Decode(u16))
}

func bytesToInt(b []byte) int {
	v := 0
	for _, c := range b {
		v = v<<8 | int(c)
	}
	return v
}

func intToBytes(v, length int) []byte {
	out := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
