// Package expr implements the schema expression language: a small AST,
// a parser for its text form, and an evaluator that runs expressions
// against records and, for data-dependent functions, a datastore.
package expr

import (
	"strings"

	"github.com/roach88/gurih/internal/value"
)

// Expr is a sealed interface over expression nodes.
// Only Literal, Field, Unary, Binary and Call implement it.
type Expr interface {
	exprNode()

	// String renders the node back to source text.
	String() string
}

// Op names a unary or binary operator.
type Op string

const (
	OpAdd   Op = "+"
	OpSub   Op = "-"
	OpMul   Op = "*"
	OpDiv   Op = "/"
	OpEq    Op = "=="
	OpNe    Op = "!="
	OpGt    Op = ">"
	OpLt    Op = "<"
	OpGe    Op = ">="
	OpLe    Op = "<="
	OpAnd   Op = "&&"
	OpOr    Op = "||"
	OpLike  Op = "LIKE"
	OpILike Op = "ILIKE"

	OpNot Op = "!"
	OpNeg Op = "-"
)

// Binding powers, lowest first.
const (
	precNone = iota
	precOr
	precAnd
	precNot
	precComparison
	precAdditive
	precMultiplicative
	precUnary
)

func precedence(op Op) int {
	switch op {
	case OpOr:
		return precOr
	case OpAnd:
		return precAnd
	case OpEq, OpNe, OpGt, OpLt, OpGe, OpLe, OpLike, OpILike:
		return precComparison
	case OpAdd, OpSub:
		return precAdditive
	case OpMul, OpDiv:
		return precMultiplicative
	}
	return precNone
}

// Literal is a constant.
type Literal struct {
	Value value.Value
}

func (*Literal) exprNode() {}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case value.String:
		return "'" + strings.ReplaceAll(string(v), "'", "''") + "'"
	case nil, value.Null:
		return "null"
	default:
		return value.Display(v)
	}
}

// Field references a record field by dotted path.
type Field struct {
	Path string
}

func (*Field) exprNode() {}

func (f *Field) String() string {
	if isPlainPath(f.Path) {
		return f.Path
	}
	return "[" + f.Path + "]"
}

func isPlainPath(p string) bool {
	if p == "" || keywords[strings.ToLower(p)] != "" {
		return false
	}
	for i, r := range p {
		if !isIdentRune(r, i == 0) && !(r == '.' && i > 0) {
			return false
		}
	}
	return true
}

// Unary applies OpNot or OpNeg to X.
type Unary struct {
	Op Op
	X  Expr
}

func (*Unary) exprNode() {}

func (u *Unary) String() string {
	return string(u.Op) + wrap(u.X, precUnary)
}

// Binary applies Op to Left and Right.
type Binary struct {
	Op    Op
	Left  Expr
	Right Expr
}

func (*Binary) exprNode() {}

func (b *Binary) String() string {
	p := precedence(b.Op)
	return wrap(b.Left, p) + " " + string(b.Op) + " " + wrap(b.Right, p+1)
}

// Call invokes a named function.
type Call struct {
	Name string
	Args []Expr
}

func (*Call) exprNode() {}

func (c *Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}

// wrap parenthesizes x when it binds looser than min.
func wrap(x Expr, min int) string {
	if b, ok := x.(*Binary); ok && precedence(b.Op) < min {
		return "(" + b.String() + ")"
	}
	return x.String()
}

// Walk calls fn for x and every node beneath it, depth first.
// Returning false from fn skips the node's children.
func Walk(x Expr, fn func(Expr) bool) {
	if x == nil || !fn(x) {
		return
	}
	switch n := x.(type) {
	case *Unary:
		Walk(n.X, fn)
	case *Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *Call:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	}
}

// Fields returns the distinct field paths referenced by x, in first-seen order.
func Fields(x Expr) []string {
	var out []string
	seen := make(map[string]bool)
	Walk(x, func(n Expr) bool {
		if f, ok := n.(*Field); ok && !seen[f.Path] {
			seen[f.Path] = true
			out = append(out, f.Path)
		}
		return true
	})
	return out
}
