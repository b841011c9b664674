package raw

import (
	"errors"
	"fmt"
	"io"

	"github.com/wudi/epubkit/scanner"
)

// Parser assembles objects from a token stream. A small pushback buffer
// supports the three-token lookahead needed to recognize "N G R" references.
type Parser struct {
	s *scanner.Scanner
	// LengthResolver resolves an indirect /Length when a stream dictionary
	// does not carry a direct value. Nil falls back to endstream scanning.
	LengthResolver func(ObjectRef) (int64, bool)

	pushed []scanner.Token
}

func NewParser(s *scanner.Scanner) *Parser {
	return &Parser{s: s}
}

func (p *Parser) next() (scanner.Token, error) {
	if n := len(p.pushed); n > 0 {
		tok := p.pushed[n-1]
		p.pushed = p.pushed[:n-1]
		return tok, nil
	}
	return p.s.Next()
}

func (p *Parser) unread(tok scanner.Token) {
	p.pushed = append(p.pushed, tok)
}

// NextToken and UnreadToken expose the parser's token cursor for content
// stream interpretation, where operator keywords interleave with operands.
func (p *Parser) NextToken() (scanner.Token, error) { return p.next() }

func (p *Parser) UnreadToken(tok scanner.Token) { p.unread(tok) }

// ParseObject parses the next complete object.
func (p *Parser) ParseObject() (Object, error) {
	tok, err := p.next()
	if err != nil {
		return nil, err
	}
	return p.parseFrom(tok)
}

func (p *Parser) parseFrom(tok scanner.Token) (Object, error) {
	switch tok.Type {
	case scanner.TokenNull:
		return Null{}, nil
	case scanner.TokenBoolean:
		return Bool(tok.Bool), nil
	case scanner.TokenName:
		return Name(tok.Str), nil
	case scanner.TokenString:
		return String(tok.Bytes), nil
	case scanner.TokenNumber:
		return p.parseNumberOrRef(tok)
	case scanner.TokenArrayOpen:
		return p.parseArray()
	case scanner.TokenDictOpen:
		return p.parseDictOrStream()
	case scanner.TokenStream:
		return nil, errors.New("stream payload without dictionary")
	default:
		return nil, fmt.Errorf("unexpected token %q at %d", tok.Str, tok.Pos)
	}
}

func (p *Parser) parseNumberOrRef(tok scanner.Token) (Object, error) {
	if !tok.IsInt || tok.Int < 0 {
		if tok.IsInt {
			return Integer(tok.Int), nil
		}
		return Real(tok.Real), nil
	}
	second, err := p.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Integer(tok.Int), nil
		}
		return nil, err
	}
	if second.Type != scanner.TokenNumber || !second.IsInt || second.Int < 0 {
		p.unread(second)
		return Integer(tok.Int), nil
	}
	third, err := p.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.unread(second)
			return Integer(tok.Int), nil
		}
		return nil, err
	}
	if third.Type == scanner.TokenKeyword && third.Str == "R" {
		return Ref{Num: int(tok.Int), Gen: int(second.Int)}, nil
	}
	p.unread(third)
	p.unread(second)
	return Integer(tok.Int), nil
}

func (p *Parser) parseArray() (Object, error) {
	arr := Array{}
	for {
		tok, err := p.next()
		if err != nil {
			return nil, fmt.Errorf("unterminated array: %w", err)
		}
		if tok.Type == scanner.TokenArrayClose {
			return arr, nil
		}
		item, err := p.parseFrom(tok)
		if err != nil {
			return nil, err
		}
		arr = append(arr, item)
	}
}

func (p *Parser) parseDictOrStream() (Object, error) {
	dict := Dict{}
	for {
		tok, err := p.next()
		if err != nil {
			return nil, fmt.Errorf("unterminated dictionary: %w", err)
		}
		if tok.Type == scanner.TokenDictClose {
			break
		}
		if tok.Type != scanner.TokenName {
			return nil, fmt.Errorf("dictionary key is not a name at %d", tok.Pos)
		}
		val, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		dict[Name(tok.Str)] = val
	}

	// A stream keyword directly after the dictionary promotes it to a stream
	// object. The scanner consumes the payload as part of the keyword, so the
	// length hint has to be armed before the next token is read.
	length, hasLen := p.streamLength(dict)
	if hasLen && len(p.pushed) == 0 {
		p.s.SetNextStreamLength(length)
	}
	tok, err := p.next()
	if errors.Is(err, io.EOF) {
		return dict, nil
	}
	if err != nil {
		return nil, err
	}
	if tok.Type == scanner.TokenStream {
		return &Stream{Dict: dict, Raw: tok.Bytes}, nil
	}
	if hasLen {
		p.s.SetNextStreamLength(-1)
	}
	p.unread(tok)
	return dict, nil
}

func (p *Parser) streamLength(dict Dict) (int64, bool) {
	if n, ok := dict.Int("Length"); ok {
		return n, true
	}
	if ref, ok := dict.RefVal("Length"); ok && p.LengthResolver != nil {
		return p.LengthResolver(ref)
	}
	return 0, false
}

// IndirectObject is the result of parsing "N G obj ... endobj".
type IndirectObject struct {
	Ref    ObjectRef
	Object Object
}

// ParseIndirectAt seeks to offset and parses one indirect object definition.
func (p *Parser) ParseIndirectAt(offset int64) (IndirectObject, error) {
	if err := p.s.Seek(offset); err != nil {
		return IndirectObject{}, err
	}
	p.pushed = p.pushed[:0]

	num, err := p.next()
	if err != nil {
		return IndirectObject{}, err
	}
	gen, err := p.next()
	if err != nil {
		return IndirectObject{}, err
	}
	kw, err := p.next()
	if err != nil {
		return IndirectObject{}, err
	}
	if num.Type != scanner.TokenNumber || gen.Type != scanner.TokenNumber ||
		kw.Type != scanner.TokenKeyword || kw.Str != "obj" {
		return IndirectObject{}, fmt.Errorf("no indirect object at offset %d", offset)
	}
	obj, err := p.ParseObject()
	if err != nil {
		return IndirectObject{}, fmt.Errorf("object %d %d: %w", num.Int, gen.Int, err)
	}
	return IndirectObject{
		Ref:    ObjectRef{Num: int(num.Int), Gen: int(gen.Int)},
		Object: obj,
	}, nil
}
