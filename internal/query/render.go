package query

import (
	"fmt"
	"strings"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/value"
)

// Binding strength of SQL operators, loosest first.
func strength(op expr.Op) int {
	switch op {
	case expr.OpOr:
		return 1
	case expr.OpAnd:
		return 2
	case expr.OpEq, expr.OpNe, expr.OpGt, expr.OpLt, expr.OpGe, expr.OpLe, expr.OpLike, expr.OpILike:
		return 3
	case expr.OpAdd, expr.OpSub:
		return 4
	case expr.OpMul, expr.OpDiv:
		return 5
	}
	return 0
}

func (b *builder) bind(v value.Value) string {
	b.args = append(b.args, v)
	return b.dialect.Placeholder(len(b.args))
}

// render turns an expression into SQL. scope is the entity whose columns
// plain field names resolve against first.
func (b *builder) render(x expr.Expr, scope *scopeEntry) (string, error) {
	switch n := x.(type) {
	case *expr.Literal:
		if value.IsNull(n.Value) {
			return "NULL", nil
		}
		return b.bind(n.Value), nil

	case *expr.Field:
		return b.field(n.Path, scope)

	case *expr.Unary:
		inner, err := b.render(n.X, scope)
		if err != nil {
			return "", err
		}
		if n.Op == expr.OpNot {
			return "NOT (" + inner + ")", nil
		}
		return "-(" + inner + ")", nil

	case *expr.Binary:
		return b.binary(n, scope)

	case *expr.Call:
		return b.call(n, scope)
	}
	return "", fmt.Errorf("unsupported expression %T", x)
}

func (b *builder) binary(n *expr.Binary, scope *scopeEntry) (string, error) {
	s := strength(n.Op)
	left, err := b.operand(n.Left, scope, s, false)
	if err != nil {
		return "", err
	}
	right, err := b.operand(n.Right, scope, s, true)
	if err != nil {
		return "", err
	}
	var op string
	switch n.Op {
	case expr.OpEq:
		op = "="
	case expr.OpNe:
		op = "<>"
	case expr.OpAnd:
		op = "AND"
	case expr.OpOr:
		op = "OR"
	case expr.OpLike, expr.OpILike:
		op = b.dialect.MatchOperator(n.Op)
	default:
		op = string(n.Op)
	}
	return left + " " + op + " " + right, nil
}

// operand parenthesizes a nested binary that binds looser than its parent,
// or equally loose on the right (operators are left-associative).
func (b *builder) operand(x expr.Expr, scope *scopeEntry, parent int, right bool) (string, error) {
	sql, err := b.render(x, scope)
	if err != nil {
		return "", err
	}
	if child, ok := x.(*expr.Binary); ok {
		cs := strength(child.Op)
		if cs < parent || (right && cs == parent) {
			return "(" + sql + ")", nil
		}
	}
	return sql, nil
}

func (b *builder) call(n *expr.Call, scope *scopeEntry) (string, error) {
	name := strings.ToLower(n.Name)
	switch name {
	case "param":
		if len(n.Args) != 1 {
			return "", fmt.Errorf("param() takes 1 argument")
		}
		var key string
		lit, isLit := n.Args[0].(*expr.Literal)
		if isLit {
			key, isLit = value.AsString(lit.Value)
		}
		if !isLit {
			return "", fmt.Errorf("param() key must be a string literal")
		}
		if v, ok := b.params[key]; ok && !value.IsNull(v) {
			return b.bind(v), nil
		}
		return "NULL", nil

	case "if":
		if len(n.Args) != 3 {
			return "", fmt.Errorf("if() takes 3 arguments")
		}
		args, err := b.renderAll(n.Args, scope)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("CASE WHEN %s THEN %s ELSE %s END", args[0], args[1], args[2]), nil

	case "running_sum":
		if len(n.Args) != 3 {
			return "", fmt.Errorf("running_sum() takes 3 arguments")
		}
		args, err := b.renderAll(n.Args, scope)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SUM(%s) OVER (PARTITION BY %s ORDER BY %s ROWS UNBOUNDED PRECEDING)",
			args[0], args[1], args[2]), nil

	case "days_between", "date_diff":
		if len(n.Args) != 2 {
			return "", fmt.Errorf("%s() takes 2 arguments", name)
		}
		args, err := b.renderAll(n.Args, scope)
		if err != nil {
			return "", err
		}
		return b.dialect.DateDiff(args[0], args[1]), nil
	}

	if err := datastore.CheckIdentifier(n.Name); err != nil {
		return "", err
	}
	args, err := b.renderAll(n.Args, scope)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(n.Name) + "(" + strings.Join(args, ", ") + ")", nil
}

func (b *builder) renderAll(xs []expr.Expr, scope *scopeEntry) ([]string, error) {
	out := make([]string, len(xs))
	for i, x := range xs {
		sql, err := b.render(x, scope)
		if err != nil {
			return nil, err
		}
		out[i] = sql
	}
	return out, nil
}

// field resolves a field reference to a qualified column. "Entity.field"
// (or "table.field") picks that scope entry; a plain name belongs to scope
// if it declares the field, else the root, else the first join declaring it.
func (b *builder) field(path string, scope *scopeEntry) (string, error) {
	if head, col, ok := strings.Cut(path, "."); ok {
		for _, s := range b.scope {
			if s.name == head || s.table == head {
				return b.dialect.Column(s.table, col)
			}
		}
		if err := datastore.CheckIdentifier(head); err != nil {
			return "", err
		}
		return "", fmt.Errorf("field %q references entity %q outside the query", path, head)
	}
	return b.dialect.Column(b.owner(path, scope).table, path)
}

func (b *builder) owner(field string, scope *scopeEntry) *scopeEntry {
	if scope.has(field) {
		return scope
	}
	for _, s := range b.scope {
		if s.has(field) {
			return s
		}
	}
	return scope
}
