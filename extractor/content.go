package extractor

import (
	"bytes"
	"errors"
	"io"

	"github.com/wudi/epubkit/geo"
	"github.com/wudi/epubkit/ir/raw"
	"github.com/wudi/epubkit/parser"
	"github.com/wudi/epubkit/scanner"
)

// gstate is the graphics state subset the extractor tracks.
type gstate struct {
	ctm geo.Matrix
}

// textState tracks the text object parameters between BT and ET.
type textState struct {
	tm, tlm   geo.Matrix
	font      *fontInfo
	size      float64
	leading   float64
	charSpace float64
	wordSpace float64
	hscale    float64
	rise      float64
}

type interpreter struct {
	doc  *parser.Document
	page *parser.Page
	cfg  Config

	pageH   float64
	originX float64
	originY float64

	fonts map[string]*fontInfo
	warns []string
	rules []geo.Rect
}

// maxRuleThickness is the widest a painted rect may be, in page units, and
// still count as a table rule.
const maxRuleThickness = 2.5

func newInterpreter(doc *parser.Document, page *parser.Page, cfg Config) *interpreter {
	return &interpreter{
		doc:     doc,
		page:    page,
		cfg:     cfg,
		pageH:   page.MediaBox[3] - page.MediaBox[1],
		originX: page.MediaBox[0],
		originY: page.MediaBox[1],
		fonts:   make(map[string]*fontInfo),
	}
}

// run interprets one content stream. Form XObjects recurse with their own
// resources and a composed base matrix.
func (ip *interpreter) run(content []byte, resources raw.Dict, base geo.Matrix, depth int) ([]textRun, []ImageRef, []string) {
	if depth > ip.cfg.MaxFormDepth {
		ip.warns = append(ip.warns, "form XObject nesting too deep")
		return nil, nil, ip.warns
	}

	sc := scanner.New(content, scanner.Config{})
	p := raw.NewParser(sc)

	gs := gstate{ctm: base}
	var stack []gstate
	ts := newTextState()
	inText := false

	var runs []textRun
	var images []ImageRef
	var operands []raw.Object

	var curX, curY float64
	var path []geo.Rect

	for {
		tok, err := p.NextToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ip.warns = append(ip.warns, "content stream truncated: "+err.Error())
			break
		}
		if tok.Type != scanner.TokenKeyword {
			p.UnreadToken(tok)
			obj, err := p.ParseObject()
			if err != nil {
				ip.warns = append(ip.warns, "bad operand: "+err.Error())
				break
			}
			operands = append(operands, obj)
			continue
		}

		switch tok.Str {
		case "q":
			stack = append(stack, gs)
		case "Q":
			if n := len(stack); n > 0 {
				gs = stack[n-1]
				stack = stack[:n-1]
			}
		case "cm":
			if m, ok := matrixOperands(operands); ok {
				gs.ctm = m.Mul(gs.ctm)
			}
		case "BT":
			ts = newTextState()
			inText = true
		case "ET":
			inText = false
		case "Tf":
			if len(operands) >= 2 {
				name, _ := operands[len(operands)-2].(raw.Name)
				size, _ := raw.AsFloat(operands[len(operands)-1])
				ts.size = size
				ts.font = ip.fontByName(resources, string(name))
			}
		case "TL":
			ts.leading = floatOperand(operands, 0)
		case "Tc":
			ts.charSpace = floatOperand(operands, 0)
		case "Tw":
			ts.wordSpace = floatOperand(operands, 0)
		case "Tz":
			ts.hscale = floatOperand(operands, 0) / 100
		case "Ts":
			ts.rise = floatOperand(operands, 0)
		case "Td":
			if len(operands) >= 2 {
				tx, _ := raw.AsFloat(operands[len(operands)-2])
				ty, _ := raw.AsFloat(operands[len(operands)-1])
				ts.nextLine(tx, ty)
			}
		case "TD":
			if len(operands) >= 2 {
				tx, _ := raw.AsFloat(operands[len(operands)-2])
				ty, _ := raw.AsFloat(operands[len(operands)-1])
				ts.leading = -ty
				ts.nextLine(tx, ty)
			}
		case "Tm":
			if m, ok := matrixOperands(operands); ok {
				ts.tm, ts.tlm = m, m
			}
		case "T*":
			ts.nextLine(0, -ts.leading)
		case "Tj":
			if inText && len(operands) >= 1 {
				if s, ok := operands[len(operands)-1].(raw.String); ok {
					runs = ip.emit(runs, &ts, gs, []byte(s))
				}
			}
		case "'":
			if inText && len(operands) >= 1 {
				ts.nextLine(0, -ts.leading)
				if s, ok := operands[len(operands)-1].(raw.String); ok {
					runs = ip.emit(runs, &ts, gs, []byte(s))
				}
			}
		case "\"":
			if inText && len(operands) >= 3 {
				ts.wordSpace = floatOperand(operands, 2)
				ts.charSpace = floatOperand(operands, 1)
				ts.nextLine(0, -ts.leading)
				if s, ok := operands[len(operands)-1].(raw.String); ok {
					runs = ip.emit(runs, &ts, gs, []byte(s))
				}
			}
		case "TJ":
			if inText && len(operands) >= 1 {
				if arr, ok := operands[len(operands)-1].(raw.Array); ok {
					for _, item := range arr {
						switch v := item.(type) {
						case raw.String:
							runs = ip.emit(runs, &ts, gs, []byte(v))
						default:
							if n, ok := raw.AsFloat(v); ok {
								ts.advance(-n / 1000 * ts.size * ts.hscale)
							}
						}
					}
				}
			}
		case "Do":
			if len(operands) >= 1 {
				if name, ok := operands[len(operands)-1].(raw.Name); ok {
					r, i := ip.doXObject(resources, string(name), gs, depth)
					runs = append(runs, r...)
					images = append(images, i...)
				}
			}
		case "BI":
			img, ok := ip.skipInlineImage(sc, content, gs)
			if ok {
				images = append(images, img)
			}
		case "m":
			if len(operands) >= 2 {
				curX = floatOperand(operands, 1)
				curY = floatOperand(operands, 0)
			}
		case "l":
			if len(operands) >= 2 {
				x := floatOperand(operands, 1)
				y := floatOperand(operands, 0)
				seg := geo.NewRect(min(curX, x), min(curY, y), max(curX, x), max(curY, y))
				path = append(path, ip.flip(gs.ctm.TransformRect(seg)))
				curX, curY = x, y
			}
		case "re":
			if len(operands) >= 4 {
				x := floatOperand(operands, 3)
				y := floatOperand(operands, 2)
				w := floatOperand(operands, 1)
				h := floatOperand(operands, 0)
				r := geo.NewRect(min(x, x+w), min(y, y+h), max(x, x+w), max(y, y+h))
				path = append(path, ip.flip(gs.ctm.TransformRect(r)))
				curX, curY = x, y
			}
		case "c":
			if len(operands) >= 2 {
				curX = floatOperand(operands, 1)
				curY = floatOperand(operands, 0)
			}
		case "v", "y":
			if len(operands) >= 2 {
				curX = floatOperand(operands, 1)
				curY = floatOperand(operands, 0)
			}
		case "S", "s", "f", "F", "f*", "B", "B*", "b", "b*":
			for _, r := range path {
				if r.Width() <= maxRuleThickness || r.Height() <= maxRuleThickness {
					ip.rules = append(ip.rules, r)
				}
			}
			path = path[:0]
		case "n":
			path = path[:0]
		}
		operands = operands[:0]
	}
	return runs, images, ip.warns
}

func newTextState() textState {
	return textState{tm: geo.Identity(), tlm: geo.Identity(), hscale: 1}
}

func (ts *textState) nextLine(tx, ty float64) {
	ts.tlm = geo.Matrix{A: 1, D: 1, E: tx, F: ty}.Mul(ts.tlm)
	ts.tm = ts.tlm
}

// advance shifts the text matrix along the baseline by d text-space units.
func (ts *textState) advance(d float64) {
	ts.tm = geo.Matrix{A: 1, D: 1, E: d}.Mul(ts.tm)
}

func (ip *interpreter) emit(runs []textRun, ts *textState, gs gstate, code []byte) []textRun {
	run, ok := ip.show(ts, gs, code)
	if !ok {
		return runs
	}
	return append(runs, run)
}

// show decodes and places one string, advancing the text matrix.
func (ip *interpreter) show(ts *textState, gs gstate, code []byte) (textRun, bool) {
	font := ts.font
	text := decodeWithFont(font, code)

	// Advance in unscaled text space.
	var adv float64
	for _, unit := range codeUnits(font, code) {
		w := glyphWidth(font, unit.code)
		adv += w/1000*ts.size + ts.charSpace
		if unit.isSpace {
			adv += ts.wordSpace
		}
	}
	adv *= ts.hscale

	userM := ts.tm.Mul(gs.ctm)
	textRect := geo.NewRect(0, ts.rise-0.25*ts.size, adv, ts.rise+0.85*ts.size)
	user := userM.TransformRect(textRect)
	bounds := ip.flip(user)

	ts.advance(adv)

	if text == "" || bounds.IsEmpty() {
		return textRun{}, false
	}
	desc := FontDesc{Size: ts.size * userM.VScale()}
	if font != nil {
		desc.Name = font.name
		desc.Bold = font.bold
		desc.Italic = font.italic
	}
	return textRun{text: text, bounds: bounds, font: desc}, true
}

// flip converts a bottom-left-origin user-space rect into top-left page
// coordinates.
func (ip *interpreter) flip(r geo.Rect) geo.Rect {
	return geo.NewRect(
		r.X0-ip.originX,
		ip.pageH-(r.Y1-ip.originY),
		r.X1-ip.originX,
		ip.pageH-(r.Y0-ip.originY),
	)
}

func (ip *interpreter) doXObject(resources raw.Dict, name string, gs gstate, depth int) ([]textRun, []ImageRef) {
	xobjects, ok := ip.doc.Resolve(resources["XObject"]).(raw.Dict)
	if !ok {
		return nil, nil
	}
	st, ok := ip.doc.Resolve(xobjects[raw.Name(name)]).(*raw.Stream)
	if !ok {
		return nil, nil
	}
	switch sub, _ := st.Dict.NameVal("Subtype"); sub {
	case "Image":
		img, ok := ip.imageRef(name, st, gs)
		if !ok {
			return nil, nil
		}
		return nil, []ImageRef{img}
	case "Form":
		formRes, _ := ip.doc.Resolve(st.Dict["Resources"]).(raw.Dict)
		if formRes == nil {
			formRes = resources
		}
		base := gs.ctm
		if m, ok := matrixFromArray(ip.doc.Resolve(st.Dict["Matrix"])); ok {
			base = m.Mul(base)
		}
		data, err := ip.doc.DecodedStream(st)
		if err != nil {
			ip.warns = append(ip.warns, "form XObject undecodable: "+err.Error())
			return nil, nil
		}
		runs, images, _ := ip.run(data, formRes, base, depth+1)
		return runs, images
	}
	return nil, nil
}

// skipInlineImage consumes BI..EI, recording placement only. The binary
// payload after ID is opaque to the tokenizer, so it scans raw bytes for a
// whitespace-delimited EI.
func (ip *interpreter) skipInlineImage(sc *scanner.Scanner, content []byte, gs gstate) (ImageRef, bool) {
	pos := sc.Position()
	for {
		idx := bytes.Index(content[pos:], []byte("EI"))
		if idx < 0 {
			sc.Seek(int64(len(content)))
			return ImageRef{}, false
		}
		at := pos + int64(idx)
		beforeOK := at == 0 || isPDFSpace(content[at-1])
		end := at + 2
		afterOK := end >= int64(len(content)) || isPDFSpace(content[end])
		if beforeOK && afterOK {
			sc.Seek(end)
			break
		}
		pos = at + 2
	}
	unit := geo.NewRect(0, 0, 1, 1)
	return ImageRef{Name: "inline", Bounds: ip.flip(gs.ctm.TransformRect(unit)), Format: "raw"}, true
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func (ip *interpreter) imageRef(name string, st *raw.Stream, gs gstate) (ImageRef, bool) {
	w, _ := st.Dict.Int("Width")
	h, _ := st.Dict.Int("Height")
	unit := geo.NewRect(0, 0, 1, 1)
	img := ImageRef{
		Name:   name,
		Bounds: ip.flip(gs.ctm.TransformRect(unit)),
		Width:  int(w),
		Height: int(h),
		Format: imageFormat(ip.doc, st.Dict),
	}
	if img.Bounds.IsEmpty() {
		return img, false
	}
	if ip.cfg.KeepImageData {
		data, err := ip.doc.DecodedStream(st)
		if err != nil {
			ip.warns = append(ip.warns, "image "+name+" undecodable: "+err.Error())
		} else {
			img.Data = data
		}
	}
	return img, true
}

func imageFormat(doc *parser.Document, dict raw.Dict) string {
	names := filterNames(doc, dict)
	for _, n := range names {
		switch n {
		case "DCTDecode", "DCT":
			return "jpeg"
		case "JPXDecode":
			return "jp2"
		}
	}
	return "raw"
}

func filterNames(doc *parser.Document, dict raw.Dict) []string {
	switch f := doc.Resolve(dict["Filter"]).(type) {
	case raw.Name:
		return []string{string(f)}
	case raw.Array:
		var out []string
		for _, v := range f {
			if n, ok := doc.Resolve(v).(raw.Name); ok {
				out = append(out, string(n))
			}
		}
		return out
	}
	return nil
}

func matrixOperands(operands []raw.Object) (geo.Matrix, bool) {
	if len(operands) < 6 {
		return geo.Matrix{}, false
	}
	var vals [6]float64
	for i := 0; i < 6; i++ {
		f, ok := raw.AsFloat(operands[len(operands)-6+i])
		if !ok {
			return geo.Matrix{}, false
		}
		vals[i] = f
	}
	return geo.Matrix{A: vals[0], B: vals[1], C: vals[2], D: vals[3], E: vals[4], F: vals[5]}, true
}

func matrixFromArray(obj raw.Object) (geo.Matrix, bool) {
	arr, ok := obj.(raw.Array)
	if !ok || len(arr) != 6 {
		return geo.Matrix{}, false
	}
	var vals [6]float64
	for i, v := range arr {
		f, ok := raw.AsFloat(v)
		if !ok {
			return geo.Matrix{}, false
		}
		vals[i] = f
	}
	return geo.Matrix{A: vals[0], B: vals[1], C: vals[2], D: vals[3], E: vals[4], F: vals[5]}, true
}

func floatOperand(operands []raw.Object, fromEnd int) float64 {
	idx := len(operands) - 1 - fromEnd
	if idx < 0 {
		return 0
	}
	f, _ := raw.AsFloat(operands[idx])
	return f
}
