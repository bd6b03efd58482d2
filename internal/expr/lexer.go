package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokField // bracketed [name]; never a keyword
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokTrue
	tokFalse
	tokNull
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// keywords maps lower-cased words to the operator or literal they spell.
var keywords = map[string]string{
	"and":   string(OpAnd),
	"or":    string(OpOr),
	"not":   "not",
	"like":  string(OpLike),
	"ilike": string(OpILike),
	"true":  "true",
	"false": "false",
	"null":  "null",
}

// ParseError reports a syntax error with its byte offset.
type ParseError struct {
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Pos, e.Message)
}

type lexer struct {
	src string
	pos int
}

func isIdentRune(r rune, first bool) bool {
	if r == '_' || unicode.IsLetter(r) {
		return true
	}
	return !first && unicode.IsDigit(r)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func (l *lexer) peekRune(offset int) rune {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.pos+offset:])
	return r
}

func (l *lexer) tokens() ([]token, error) {
	var out []token
	for {
		before := l.pos
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		// Every token other than EOF must consume input.
		if tok.kind != tokEOF && l.pos == before {
			r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
			return nil, &ParseError{Pos: l.pos, Message: fmt.Sprintf("unexpected character %q", r)}
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(l.peekRune(0)) {
		_, size := utf8.DecodeRuneInString(l.src[l.pos:])
		l.pos += size
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.peekRune(0)
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '[':
		end := strings.IndexByte(l.src[l.pos:], ']')
		if end < 0 {
			return token{}, &ParseError{Pos: start, Message: "unterminated field reference"}
		}
		name := strings.TrimSpace(l.src[l.pos+1 : l.pos+end])
		if name == "" {
			return token{}, &ParseError{Pos: start, Message: "empty field reference"}
		}
		l.pos += end + 1
		return token{kind: tokField, text: name, pos: start}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case isDigit(c) || (c == '.' && isDigit(l.peekRune(1))):
		return l.lexNumber(), nil
	case isIdentRune(c, true):
		return l.lexIdent(), nil
	}
	return l.lexOperator()
}

// lexString reads a quoted string. A doubled quote or a backslash escapes
// the quote character.
func (l *lexer) lexString(quote rune) (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		switch {
		case r == '\\' && l.peekRune(1) != 0:
			next, nsize := utf8.DecodeRuneInString(l.src[l.pos+1:])
			b.WriteRune(next)
			l.pos += 1 + nsize
			continue
		case r == quote && l.peekRune(1) == quote:
			b.WriteRune(quote)
			l.pos += 2
			continue
		case r == quote:
			l.pos += size
			return token{kind: tokString, text: b.String(), pos: start}, nil
		}
		b.WriteRune(r)
		l.pos += size
	}
	return token{}, &ParseError{Pos: start, Message: "unterminated string literal"}
}

func (l *lexer) lexNumber() token {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' && !seenDot && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}
}

// lexIdent reads an identifier, absorbing dotted segments into one path.
func (l *lexer) lexIdent() token {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if isIdentRune(r, false) {
			l.pos += size
			continue
		}
		if r == '.' && isIdentRune(l.peekRune(1), true) {
			l.pos += size
			continue
		}
		break
	}
	text := l.src[start:l.pos]
	switch keywords[strings.ToLower(text)] {
	case "true":
		return token{kind: tokTrue, text: text, pos: start}
	case "false":
		return token{kind: tokFalse, text: text, pos: start}
	case "null":
		return token{kind: tokNull, text: text, pos: start}
	case "":
		return token{kind: tokIdent, text: text, pos: start}
	default:
		return token{kind: tokOp, text: keywords[strings.ToLower(text)], pos: start}
	}
}

var twoCharOps = map[string]Op{
	"==": OpEq,
	"!=": OpNe,
	"<>": OpNe,
	">=": OpGe,
	"<=": OpLe,
	"&&": OpAnd,
	"||": OpOr,
}

var oneCharOps = map[byte]string{
	'+': string(OpAdd),
	'-': string(OpSub),
	'*': string(OpMul),
	'/': string(OpDiv),
	'>': string(OpGt),
	'<': string(OpLt),
	'=': string(OpEq),
	'!': string(OpNot),
}

func (l *lexer) lexOperator() (token, error) {
	start := l.pos
	if l.pos+2 <= len(l.src) {
		if op, ok := twoCharOps[l.src[l.pos:l.pos+2]]; ok {
			l.pos += 2
			return token{kind: tokOp, text: string(op), pos: start}, nil
		}
	}
	if op, ok := oneCharOps[l.src[l.pos]]; ok {
		l.pos++
		return token{kind: tokOp, text: op, pos: start}, nil
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	return token{}, &ParseError{Pos: start, Message: fmt.Sprintf("unexpected character %q", r)}
}
