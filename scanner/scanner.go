// Package scanner tokenizes PDF syntax: document bodies, trailers and
// content streams all share the same lexical grammar.
package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

type TokenType int

const (
	TokenDictOpen   TokenType = iota // '<<'
	TokenDictClose                   // '>>'
	TokenArrayOpen                   // '['
	TokenArrayClose                  // ']'
	TokenName                        // '/Name'
	TokenString                      // literal or hex string (decoded bytes)
	TokenNumber                      // integer or real
	TokenBoolean                     // true/false
	TokenNull                        // null
	TokenStream                      // raw stream payload following 'stream'
	TokenKeyword                     // obj, endobj, R, trailer, operators, ...
)

type Token struct {
	Type  TokenType
	Pos   int64
	Str   string  // name or keyword text
	Bytes []byte  // string or stream payload
	Real  float64 // numeric value
	Int   int64   // numeric value when IsInt
	IsInt bool
	Bool  bool
}

type Config struct {
	// MaxStringLength bounds a single string token; zero means 16 MiB.
	MaxStringLength int
	// MaxStreamScan bounds the endstream search when no length hint is set;
	// zero means unbounded.
	MaxStreamScan int
}

// Scanner walks an in-memory PDF buffer. Whole-file buffering keeps offset
// arithmetic trivial; conversion inputs are bounded upstream by the job
// admission limit.
type Scanner struct {
	data          []byte
	pos           int64
	cfg           Config
	nextStreamLen int64
}

func New(data []byte, cfg Config) *Scanner {
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = 16 << 20
	}
	return &Scanner{data: data, cfg: cfg, nextStreamLen: -1}
}

func (s *Scanner) Position() int64 { return s.pos }

func (s *Scanner) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(s.data)) {
		return fmt.Errorf("seek out of range: %d", offset)
	}
	s.pos = offset
	return nil
}

// SetNextStreamLength tells the scanner how many bytes the next stream token
// contains. Without a hint the scanner falls back to searching for endstream.
func (s *Scanner) SetNextStreamLength(n int64) { s.nextStreamLen = n }

func (s *Scanner) Next() (Token, error) {
	s.skipWhitespaceAndComments()
	if s.pos >= int64(len(s.data)) {
		return Token{}, io.EOF
	}
	start := s.pos
	c := s.data[s.pos]
	switch c {
	case '<':
		if s.peek(1) == '<' {
			s.pos += 2
			return Token{Type: TokenDictOpen, Pos: start}, nil
		}
		return s.scanHexString()
	case '>':
		if s.peek(1) == '>' {
			s.pos += 2
			return Token{Type: TokenDictClose, Pos: start}, nil
		}
		s.pos++
		return Token{Type: TokenKeyword, Pos: start, Str: ">"}, nil
	case '[':
		s.pos++
		return Token{Type: TokenArrayOpen, Pos: start}, nil
	case ']':
		s.pos++
		return Token{Type: TokenArrayClose, Pos: start}, nil
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	case '{', '}':
		s.pos++
		return Token{Type: TokenKeyword, Pos: start, Str: string(c)}, nil
	}
	if isNumberStart(c) {
		return s.scanNumber()
	}
	if isRegular(c) {
		return s.scanKeyword()
	}
	s.pos++
	return Token{Type: TokenKeyword, Pos: start, Str: string(c)}, nil
}

func (s *Scanner) skipWhitespaceAndComments() {
	for s.pos < int64(len(s.data)) {
		c := s.data[s.pos]
		if isWhitespace(c) {
			s.pos++
			continue
		}
		if c == '%' {
			for s.pos < int64(len(s.data)) && s.data[s.pos] != '\n' && s.data[s.pos] != '\r' {
				s.pos++
			}
			continue
		}
		return
	}
}

func (s *Scanner) peek(ahead int64) byte {
	if s.pos+ahead >= int64(len(s.data)) {
		return 0
	}
	return s.data[s.pos+ahead]
}

func (s *Scanner) scanName() (Token, error) {
	start := s.pos
	s.pos++ // '/'
	var out []byte
	for s.pos < int64(len(s.data)) {
		c := s.data[s.pos]
		if isWhitespace(c) || isDelimiter(c) {
			break
		}
		if c == '#' && s.pos+2 < int64(len(s.data)) {
			hi, okHi := hexVal(s.data[s.pos+1])
			lo, okLo := hexVal(s.data[s.pos+2])
			if okHi && okLo {
				out = append(out, hi<<4|lo)
				s.pos += 3
				continue
			}
		}
		out = append(out, c)
		s.pos++
	}
	return Token{Type: TokenName, Pos: start, Str: string(out)}, nil
}

func (s *Scanner) scanNumber() (Token, error) {
	start := s.pos
	end := s.pos
	for end < int64(len(s.data)) && isNumberPart(s.data[end]) {
		end++
	}
	lit := string(s.data[start:end])
	s.pos = end
	if !bytes.ContainsAny([]byte(lit), ".") {
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return Token{}, fmt.Errorf("malformed number %q at %d", lit, start)
		}
		return Token{Type: TokenNumber, Pos: start, Int: n, Real: float64(n), IsInt: true}, nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		// "4." and ".5" are legal PDF reals that ParseFloat accepts; anything
		// else is malformed.
		return Token{}, fmt.Errorf("malformed number %q at %d", lit, start)
	}
	return Token{Type: TokenNumber, Pos: start, Real: f}, nil
}

func (s *Scanner) scanKeyword() (Token, error) {
	start := s.pos
	end := s.pos
	for end < int64(len(s.data)) && isRegular(s.data[end]) {
		end++
	}
	word := string(s.data[start:end])
	s.pos = end
	switch word {
	case "true":
		return Token{Type: TokenBoolean, Pos: start, Bool: true}, nil
	case "false":
		return Token{Type: TokenBoolean, Pos: start}, nil
	case "null":
		return Token{Type: TokenNull, Pos: start}, nil
	case "stream":
		return s.scanStream(start)
	}
	return Token{Type: TokenKeyword, Pos: start, Str: word}, nil
}

// scanStream reads the payload after the stream keyword. The keyword must be
// followed by CRLF or LF (not a lone CR) per the PDF spec; lenient handling
// accepts a bare CR for repaired files.
func (s *Scanner) scanStream(start int64) (Token, error) {
	if s.pos < int64(len(s.data)) && s.data[s.pos] == '\r' {
		s.pos++
	}
	if s.pos < int64(len(s.data)) && s.data[s.pos] == '\n' {
		s.pos++
	}
	length := s.nextStreamLen
	s.nextStreamLen = -1

	var payload []byte
	if length >= 0 && s.pos+length <= int64(len(s.data)) {
		payload = s.data[s.pos : s.pos+length]
		s.pos += length
	} else {
		rest := s.data[s.pos:]
		if s.cfg.MaxStreamScan > 0 && len(rest) > s.cfg.MaxStreamScan {
			rest = rest[:s.cfg.MaxStreamScan]
		}
		idx := bytes.Index(rest, []byte("endstream"))
		if idx < 0 {
			return Token{}, errors.New("unterminated stream")
		}
		payload = s.data[s.pos : s.pos+int64(idx)]
		// Strip the EOL preceding endstream.
		payload = bytes.TrimRight(payload, "\r\n")
		s.pos += int64(idx)
	}

	// Consume the closing endstream keyword if present.
	s.skipWhitespaceAndComments()
	if bytes.HasPrefix(s.data[s.pos:], []byte("endstream")) {
		s.pos += int64(len("endstream"))
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return Token{Type: TokenStream, Pos: start, Bytes: out}, nil
}

func (s *Scanner) scanLiteralString() (Token, error) {
	start := s.pos
	s.pos++ // '('
	var out []byte
	depth := 1
	for s.pos < int64(len(s.data)) {
		if len(out) > s.cfg.MaxStringLength {
			return Token{}, fmt.Errorf("string exceeds limit at %d", start)
		}
		c := s.data[s.pos]
		s.pos++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return Token{Type: TokenString, Pos: start, Bytes: out}, nil
			}
			out = append(out, c)
		case '\\':
			if s.pos >= int64(len(s.data)) {
				return Token{}, errors.New("unterminated string escape")
			}
			e := s.data[s.pos]
			s.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '(', ')', '\\':
				out = append(out, e)
			case '\r':
				// Line continuation; swallow an optional LF.
				if s.pos < int64(len(s.data)) && s.data[s.pos] == '\n' {
					s.pos++
				}
			case '\n':
				// Line continuation.
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && s.pos < int64(len(s.data)); i++ {
						d := s.data[s.pos]
						if d < '0' || d > '7' {
							break
						}
						v = v*8 + int(d-'0')
						s.pos++
					}
					out = append(out, byte(v))
				} else {
					// Unknown escape: the backslash is dropped.
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return Token{}, errors.New("unterminated literal string")
}

func (s *Scanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++ // '<'
	var out []byte
	var hi byte
	havePending := false
	for s.pos < int64(len(s.data)) {
		c := s.data[s.pos]
		s.pos++
		if c == '>' {
			if havePending {
				out = append(out, hi<<4) // odd count: final digit padded with 0
			}
			return Token{Type: TokenString, Pos: start, Bytes: out}, nil
		}
		if isWhitespace(c) {
			continue
		}
		v, ok := hexVal(c)
		if !ok {
			return Token{}, fmt.Errorf("invalid hex digit %q at %d", c, s.pos-1)
		}
		if havePending {
			out = append(out, hi<<4|v)
			havePending = false
		} else {
			hi = v
			havePending = true
		}
	}
	return Token{}, errors.New("unterminated hex string")
}

func isWhitespace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isRegular(c byte) bool { return !isWhitespace(c) && !isDelimiter(c) }

func isNumberStart(c byte) bool {
	return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9')
}

func isNumberPart(c byte) bool {
	return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9')
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
