package extractor

import (
	"strings"

	"github.com/wudi/epubkit/ir/raw"
	"github.com/wudi/epubkit/parser"
)

const (
	flagItalic    = 1 << 6
	flagForceBold = 1 << 18
)

type fontInfo struct {
	name   string
	bold   bool
	italic bool
	// cid marks composite (Type0) fonts with two-byte code units.
	cid          bool
	cmap         *toUnicode
	widths       map[int]float64
	defaultWidth float64
}

func (ip *interpreter) fontByName(resources raw.Dict, name string) *fontInfo {
	if f, ok := ip.fonts[name]; ok {
		return f
	}
	var f *fontInfo
	if fonts, ok := ip.doc.Resolve(resources["Font"]).(raw.Dict); ok {
		if dict, ok := ip.doc.Resolve(fonts[raw.Name(name)]).(raw.Dict); ok {
			f = loadFont(ip.doc, dict)
		}
	}
	ip.fonts[name] = f
	return f
}

func loadFont(doc *parser.Document, dict raw.Dict) *fontInfo {
	f := &fontInfo{defaultWidth: 500}

	base, _ := dict.NameVal("BaseFont")
	f.name = trimSubsetTag(string(base))
	lower := strings.ToLower(f.name)
	f.bold = strings.Contains(lower, "bold") || strings.Contains(lower, "black") || strings.Contains(lower, "heavy")
	f.italic = strings.Contains(lower, "italic") || strings.Contains(lower, "oblique")

	if tu, ok := doc.Resolve(dict["ToUnicode"]).(*raw.Stream); ok {
		if data, err := doc.DecodedStream(tu); err == nil {
			f.cmap = parseToUnicode(data)
		}
	}

	if sub, _ := dict.NameVal("Subtype"); sub == "Type0" {
		f.cid = true
		f.defaultWidth = 1000
		if desc, ok := doc.Resolve(dict["DescendantFonts"]).(raw.Array); ok && len(desc) > 0 {
			if dd, ok := doc.Resolve(desc[0]).(raw.Dict); ok {
				if dw, ok := raw.AsFloat(doc.Resolve(dd["DW"])); ok {
					f.defaultWidth = dw
				}
				applyDescriptorFlags(doc, dd, f)
			}
		}
		return f
	}

	applyDescriptorFlags(doc, dict, f)

	first, _ := raw.AsInt(doc.Resolve(dict["FirstChar"]))
	if arr, ok := doc.Resolve(dict["Widths"]).(raw.Array); ok {
		f.widths = make(map[int]float64, len(arr))
		for i, v := range arr {
			if w, ok := raw.AsFloat(doc.Resolve(v)); ok {
				f.widths[int(first)+i] = w
			}
		}
	}
	return f
}

func applyDescriptorFlags(doc *parser.Document, fontDict raw.Dict, f *fontInfo) {
	fd, ok := doc.Resolve(fontDict["FontDescriptor"]).(raw.Dict)
	if !ok {
		return
	}
	if flags, ok := raw.AsInt(doc.Resolve(fd["Flags"])); ok {
		f.italic = f.italic || flags&flagItalic != 0
		f.bold = f.bold || flags&flagForceBold != 0
	}
	if mw, ok := raw.AsFloat(doc.Resolve(fd["MissingWidth"])); ok {
		f.defaultWidth = mw
	}
	if sw, ok := raw.AsFloat(doc.Resolve(fd["StemV"])); ok && sw >= 120 {
		f.bold = true
	}
}

// trimSubsetTag drops the "ABCDEF+" prefix embedded subsets carry.
func trimSubsetTag(name string) string {
	if len(name) > 7 && name[6] == '+' {
		tag := name[:6]
		if strings.ToUpper(tag) == tag {
			return name[7:]
		}
	}
	return name
}

type codeUnit struct {
	code    int
	isSpace bool
}

// codeUnits splits a show string into font code units: bytes for simple
// fonts, big-endian pairs for composite ones.
func codeUnits(f *fontInfo, code []byte) []codeUnit {
	if f != nil && f.cid {
		units := make([]codeUnit, 0, (len(code)+1)/2)
		for i := 0; i+1 < len(code); i += 2 {
			units = append(units, codeUnit{code: int(code[i])<<8 | int(code[i+1])})
		}
		return units
	}
	units := make([]codeUnit, len(code))
	for i, b := range code {
		units[i] = codeUnit{code: int(b), isSpace: b == ' '}
	}
	return units
}

func glyphWidth(f *fontInfo, code int) float64 {
	if f == nil {
		return 500
	}
	if w, ok := f.widths[code]; ok {
		return w
	}
	return f.defaultWidth
}

func decodeWithFont(f *fontInfo, code []byte) string {
	if f != nil && f.cmap != nil {
		return f.cmap.decode(code)
	}
	if f != nil && f.cid {
		// No ToUnicode for a composite font: UTF-16BE is the best guess.
		return parser.DecodeTextString(append([]byte{0xFE, 0xFF}, code...))
	}
	return parser.DecodeTextString(code)
}
