package expr

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/value"
)

// maxDepth bounds recursion so hostile or generated expressions cannot
// exhaust the stack.
const maxDepth = 250

// Evaluator evaluates expressions. It is immutable after New and safe for
// concurrent use.
type Evaluator struct {
	store  datastore.DataStore
	tables func(entity string) string
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithStore enables the data-dependent functions exists and lookup_field.
func WithStore(ds datastore.DataStore) Option {
	return func(e *Evaluator) {
		e.store = ds
	}
}

// WithTables sets how entity names resolve to table names.
// The default is datastore.TableName.
func WithTables(fn func(entity string) string) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.tables = fn
		}
	}
}

// WithClock sets the source of "now" for age, years_of_service and today.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		tables: datastore.TableName,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eval evaluates x against env. Field references resolve as dotted paths
// into env; a missing path yields null. Inputs are never mutated.
func (e *Evaluator) Eval(ctx context.Context, x Expr, env value.Value) (value.Value, error) {
	return e.eval(ctx, x, env, 0)
}

// EvalBool evaluates x and requires a boolean result.
func (e *Evaluator) EvalBool(ctx context.Context, x Expr, env value.Value) (bool, error) {
	v, err := e.Eval(ctx, x, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(value.Bool)
	if !ok {
		return false, core.Evaluation("Expression '%s' must evaluate to boolean, found %s", x, value.TypeName(v))
	}
	return bool(b), nil
}

func (e *Evaluator) eval(ctx context.Context, x Expr, env value.Value, depth int) (value.Value, error) {
	if depth > maxDepth {
		return nil, core.Evaluation("Expression recursion limit exceeded")
	}
	switch n := x.(type) {
	case *Literal:
		if n.Value == nil {
			return value.Null{}, nil
		}
		return n.Value, nil
	case *Field:
		return value.Lookup(env, n.Path), nil
	case *Unary:
		v, err := e.eval(ctx, n.X, env, depth+1)
		if err != nil {
			return nil, err
		}
		return evalUnary(n.Op, v)
	case *Binary:
		return e.evalBinary(ctx, n, env, depth)
	case *Call:
		return e.evalCall(ctx, n, env, depth)
	case nil:
		return nil, core.Evaluation("nil expression")
	default:
		return nil, core.Evaluation("unsupported expression node %T", x)
	}
}

func evalUnary(op Op, v value.Value) (value.Value, error) {
	switch op {
	case OpNot:
		b, ok := v.(value.Bool)
		if !ok {
			return nil, core.Evaluation("Type mismatch: expected boolean for NOT, found %s", value.TypeName(v))
		}
		return !b, nil
	case OpNeg:
		switch n := v.(type) {
		case value.Int:
			return -n, nil
		case value.Decimal:
			return value.NewDecimal(n.Neg()), nil
		}
		if d, ok := value.ToDecimal(v); ok {
			return value.NewDecimal(d.Neg()), nil
		}
		return nil, core.Evaluation("Type mismatch: expected number for negation, found %s", value.TypeName(v))
	}
	return nil, core.Evaluation("unknown unary operator %q", op)
}

func (e *Evaluator) evalBinary(ctx context.Context, n *Binary, env value.Value, depth int) (value.Value, error) {
	left, err := e.eval(ctx, n.Left, env, depth+1)
	if err != nil {
		return nil, err
	}

	// && and || short-circuit; both sides must be boolean when evaluated.
	if n.Op == OpAnd || n.Op == OpOr {
		lb, ok := left.(value.Bool)
		if !ok {
			return nil, core.Evaluation("Type mismatch: expected boolean for %s, found %s", n.Op, value.TypeName(left))
		}
		if (n.Op == OpAnd && !bool(lb)) || (n.Op == OpOr && bool(lb)) {
			return lb, nil
		}
		right, err := e.eval(ctx, n.Right, env, depth+1)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(value.Bool)
		if !ok {
			return nil, core.Evaluation("Type mismatch: expected boolean for %s, found %s", n.Op, value.TypeName(right))
		}
		return rb, nil
	}

	right, err := e.eval(ctx, n.Right, env, depth+1)
	if err != nil {
		return nil, err
	}
	return applyBinary(n.Op, left, right)
}

func applyBinary(op Op, left, right value.Value) (value.Value, error) {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv:
		return arithmetic(op, left, right)
	case OpEq:
		return value.Bool(value.Equal(left, right)), nil
	case OpNe:
		return value.Bool(!value.Equal(left, right)), nil
	case OpGt, OpLt, OpGe, OpLe:
		c, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		switch op {
		case OpGt:
			return value.Bool(c > 0), nil
		case OpLt:
			return value.Bool(c < 0), nil
		case OpGe:
			return value.Bool(c >= 0), nil
		default:
			return value.Bool(c <= 0), nil
		}
	case OpLike, OpILike:
		s, sok := left.(value.String)
		pat, pok := right.(value.String)
		if !sok || !pok {
			return nil, core.Evaluation("Type mismatch: %s requires strings, found %s and %s",
				op, value.TypeName(left), value.TypeName(right))
		}
		if op == OpILike {
			return value.Bool(MatchLikeFold(string(s), string(pat))), nil
		}
		return value.Bool(MatchLike(string(s), string(pat))), nil
	}
	return nil, core.Evaluation("unknown binary operator %q", op)
}

// arithmetic works on decimals. Two integer operands of + - * stay integral.
func arithmetic(op Op, left, right value.Value) (value.Value, error) {
	l, lok := value.ToDecimal(left)
	r, rok := value.ToDecimal(right)
	if !lok || !rok {
		return nil, core.Evaluation("Type mismatch: %s requires numbers, found %s and %s",
			op, value.TypeName(left), value.TypeName(right))
	}

	var out decimal.Decimal
	switch op {
	case OpAdd:
		out = l.Add(r)
	case OpSub:
		out = l.Sub(r)
	case OpMul:
		out = l.Mul(r)
	case OpDiv:
		if r.IsZero() {
			return nil, core.Evaluation("Division by zero")
		}
		return value.NewDecimal(l.Div(r)), nil
	}

	_, lInt := left.(value.Int)
	_, rInt := right.(value.Int)
	if lInt && rInt && out.IsInteger() {
		return value.Int(out.IntPart()), nil
	}
	return value.NewDecimal(out), nil
}

// compare orders two values. Two strings compare lexically; anything else
// must coerce to numbers.
func compare(op Op, left, right value.Value) (int, error) {
	ls, lok := left.(value.String)
	rs, rok := right.(value.String)
	if lok && rok {
		switch {
		case ls < rs:
			return -1, nil
		case ls > rs:
			return 1, nil
		}
		return 0, nil
	}

	l, lnum := value.ToDecimal(left)
	r, rnum := value.ToDecimal(right)
	if !lnum || !rnum {
		return 0, core.Evaluation("Type mismatch: cannot compare %s %s %s",
			value.TypeName(left), op, value.TypeName(right))
	}
	return l.Cmp(r), nil
}
