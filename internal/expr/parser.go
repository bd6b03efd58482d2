package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/value"
)

// Parse turns expression source text into an AST.
//
// Grammar, loosest binding first:
//
//	or      := and (("||" | "or") and)*
//	and     := not (("&&" | "and") not)*
//	not     := "not" not | cmp
//	cmp     := add (("==" | "=" | "!=" | "<>" | ">" | "<" | ">=" | "<=" | "like" | "ilike") add)*
//	add     := mul (("+" | "-") mul)*
//	mul     := unary (("*" | "/") unary)*
//	unary   := ("!" | "-") unary | primary
//	primary := number | string | true | false | null | path | "[" name "]"
//	         | ident "(" args ")" | "(" or ")"
func Parse(src string) (Expr, error) {
	toks, err := (&lexer{src: src}).tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	x, err := p.parseExpr(precOr)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("unexpected %q", tok.text)}
	}
	return x, nil
}

// MustParse is Parse for trusted literals; it panics on error.
func MustParse(src string) Expr {
	x, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return x
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		return tok, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("expected %s, found %q", what, tok.text)}
	}
	return tok, nil
}

// infixOp returns the binary operator at the cursor, if any.
func (p *parser) infixOp() (Op, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	op := Op(tok.text)
	if precedence(op) == precNone {
		return "", false
	}
	return op, true
}

// parseExpr is the Pratt loop: parse a prefix, then fold infix operators
// whose precedence is at least minPrec. Binary operators are left-associative.
func (p *parser) parseExpr(minPrec int) (Expr, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.infixOp()
		if !ok || precedence(op) < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseExpr(precedence(op) + 1)
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parsePrefix() (Expr, error) {
	tok := p.peek()
	if tok.kind == tokOp {
		switch tok.text {
		case "not":
			p.advance()
			x, err := p.parseExpr(precNot)
			if err != nil {
				return nil, err
			}
			return &Unary{Op: OpNot, X: x}, nil
		case string(OpNot):
			p.advance()
			x, err := p.parseExpr(precUnary)
			if err != nil {
				return nil, err
			}
			return &Unary{Op: OpNot, X: x}, nil
		case string(OpSub):
			p.advance()
			x, err := p.parseExpr(precUnary)
			if err != nil {
				return nil, err
			}
			if lit, ok := x.(*Literal); ok {
				if d, ok := value.ToDecimal(lit.Value); ok && value.IsNumber(lit.Value) {
					return &Literal{Value: numberValue(d.Neg())}, nil
				}
			}
			return &Unary{Op: OpNeg, X: x}, nil
		}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		d, err := value.ParseDecimal(tok.text)
		if err != nil {
			return nil, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("invalid number %q", tok.text)}
		}
		return &Literal{Value: numberValue(d)}, nil
	case tokString:
		return &Literal{Value: value.String(tok.text)}, nil
	case tokTrue:
		return &Literal{Value: value.Bool(true)}, nil
	case tokFalse:
		return &Literal{Value: value.Bool(false)}, nil
	case tokNull:
		return &Literal{Value: value.Null{}}, nil
	case tokField:
		return &Field{Path: tok.text}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		return &Field{Path: tok.text}, nil
	case tokLParen:
		x, err := p.parseExpr(precOr)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return x, nil
	case tokEOF:
		return nil, &ParseError{Pos: tok.pos, Message: "unexpected end of expression"}
	}
	return nil, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("unexpected %q", tok.text)}
}

func (p *parser) parseCall(name token) (Expr, error) {
	if strings.Contains(name.text, ".") {
		return nil, &ParseError{Pos: name.pos, Message: fmt.Sprintf("invalid function name %q", name.text)}
	}
	p.advance() // (
	call := &Call{Name: name.text}
	if p.peek().kind == tokRParen {
		p.advance()
		return call, nil
	}
	for {
		arg, err := p.parseExpr(precOr)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		tok := p.advance()
		switch tok.kind {
		case tokComma:
			continue
		case tokRParen:
			return call, nil
		}
		return nil, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("expected ',' or ')', found %q", tok.text)}
	}
}

// numberValue keeps integral literals as Int so they print without a
// trailing fraction.
func numberValue(d decimal.Decimal) value.Value {
	if d.IsInteger() {
		if i, err := strconv.ParseInt(d.String(), 10, 64); err == nil {
			return value.Int(i)
		}
	}
	return value.NewDecimal(d)
}
