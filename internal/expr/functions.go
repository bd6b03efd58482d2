package expr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/value"
)

type builtin func(ctx context.Context, e *Evaluator, args []value.Value) (value.Value, error)

// builtins is keyed by lower-case function name; lookup is case-insensitive.
var builtins = map[string]builtin{
	"age":              fnYearsSince("age"),
	"years_of_service": fnYearsSince("years_of_service"),
	"is_set":           fnIsSet,
	"valid_date":       fnValidDate,
	"days_between":     fnDaysBetween,
	"date":             fnDate,
	"today":            fnToday,
	"concat":           fnConcat,
	"coalesce":         fnCoalesce,
	"exists":           fnExists,
	"lookup_field":     fnLookupField,
}

// IsBuiltin reports whether name is a function the evaluator knows.
func IsBuiltin(name string) bool {
	n := strings.ToLower(name)
	_, ok := builtins[n]
	return ok || n == "if"
}

func (e *Evaluator) evalCall(ctx context.Context, n *Call, env value.Value, depth int) (value.Value, error) {
	name := strings.ToLower(n.Name)

	// if() evaluates only the chosen branch.
	if name == "if" {
		if len(n.Args) != 3 {
			return nil, core.Evaluation("if() takes 3 arguments")
		}
		cond, err := e.eval(ctx, n.Args[0], env, depth+1)
		if err != nil {
			return nil, err
		}
		b, ok := cond.(value.Bool)
		if !ok {
			return nil, core.Evaluation("Type mismatch: if() condition must be boolean, found %s", value.TypeName(cond))
		}
		if b {
			return e.eval(ctx, n.Args[1], env, depth+1)
		}
		return e.eval(ctx, n.Args[2], env, depth+1)
	}

	fn, ok := builtins[name]
	if !ok {
		return nil, core.Evaluation("Unknown function: %s", n.Name)
	}
	args := make([]value.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := e.eval(ctx, a, env, depth+1)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(ctx, e, args)
}

// ParseDate parses a strict YYYY-MM-DD date.
func ParseDate(s string) (time.Time, bool) {
	if len(s) != len(time.DateOnly) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func dateArg(fn string, v value.Value) (time.Time, error) {
	s, ok := v.(value.String)
	if !ok {
		return time.Time{}, core.Evaluation("%s() expects a date string, found %s", fn, value.TypeName(v))
	}
	t, ok := ParseDate(string(s))
	if !ok {
		return time.Time{}, core.Evaluation("Invalid date format YYYY-MM-DD: %q", string(s))
	}
	return t, nil
}

// YearsBetween counts whole years from since to now, dropping the current
// year when its anniversary has not been reached.
func YearsBetween(since, now time.Time) int64 {
	years := int64(now.Year() - since.Year())
	if now.Month() < since.Month() || (now.Month() == since.Month() && now.Day() < since.Day()) {
		years--
	}
	return years
}

func fnYearsSince(name string) builtin {
	return func(_ context.Context, e *Evaluator, args []value.Value) (value.Value, error) {
		if len(args) != 1 {
			return nil, core.Evaluation("%s() takes 1 argument", name)
		}
		since, err := dateArg(name, args[0])
		if err != nil {
			return nil, err
		}
		return value.Int(YearsBetween(since, e.now())), nil
	}
}

func fnIsSet(_ context.Context, _ *Evaluator, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return nil, core.Evaluation("is_set() takes 1 argument")
	}
	switch v := args[0].(type) {
	case nil, value.Null:
		return value.Bool(false), nil
	case value.String:
		return value.Bool(v != ""), nil
	}
	return value.Bool(true), nil
}

func fnValidDate(_ context.Context, _ *Evaluator, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return nil, core.Evaluation("valid_date() takes 1 argument")
	}
	s, ok := args[0].(value.String)
	if !ok {
		return value.Bool(false), nil
	}
	_, valid := ParseDate(string(s))
	return value.Bool(valid), nil
}

func fnDaysBetween(_ context.Context, _ *Evaluator, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return nil, core.Evaluation("days_between() takes 2 arguments")
	}
	end, err := dateArg("days_between", args[0])
	if err != nil {
		return nil, err
	}
	start, err := dateArg("days_between", args[1])
	if err != nil {
		return nil, err
	}
	return value.Int(int64(end.Sub(start).Hours() / 24)), nil
}

func fnDate(_ context.Context, _ *Evaluator, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return nil, core.Evaluation("date() takes 1 argument")
	}
	t, err := dateArg("date", args[0])
	if err != nil {
		return nil, err
	}
	return value.String(t.Format(time.DateOnly)), nil
}

func fnToday(_ context.Context, e *Evaluator, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return nil, core.Evaluation("today() takes no arguments")
	}
	return value.String(e.now().Format(time.DateOnly)), nil
}

func fnConcat(_ context.Context, _ *Evaluator, args []value.Value) (value.Value, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(value.Display(a))
	}
	return value.String(b.String()), nil
}

func fnCoalesce(_ context.Context, _ *Evaluator, args []value.Value) (value.Value, error) {
	for _, a := range args {
		if !value.IsNull(a) {
			return a, nil
		}
	}
	return value.Null{}, nil
}

// fnExists takes an entity name followed by (field, value) pairs, ANDed.
func fnExists(ctx context.Context, e *Evaluator, args []value.Value) (value.Value, error) {
	if len(args) == 0 || (len(args)-1)%2 != 0 {
		return nil, core.Evaluation("exists() requires entity name and pairs of key/value arguments")
	}
	if e.store == nil {
		return nil, core.Evaluation("exists() requires datastore")
	}
	entity, ok := value.AsString(args[0])
	if !ok {
		return nil, core.Evaluation("exists() entity name must be a string")
	}

	filters := make(datastore.Filters, (len(args)-1)/2)
	var numeric map[string]decimal.Decimal
	for i := 1; i < len(args); i += 2 {
		key, ok := value.AsString(args[i])
		if !ok {
			return nil, core.Evaluation("exists() field names must be strings")
		}
		// Numbers match by value, so 100 finds a stored "100.00".
		if value.IsNumber(args[i+1]) {
			if numeric == nil {
				numeric = make(map[string]decimal.Decimal)
			}
			numeric[key], _ = value.ToDecimal(args[i+1])
			continue
		}
		filters[key] = value.Display(args[i+1])
	}

	table := e.tables(entity)
	if len(numeric) == 0 {
		n, err := e.store.Count(ctx, table, filters)
		if err != nil {
			return nil, core.Wrap(core.ErrCodeDatastore, err, "exists(%s)", entity)
		}
		return value.Bool(n > 0), nil
	}
	rows, err := e.store.Find(ctx, table, filters)
	if err != nil {
		return nil, core.Wrap(core.ErrCodeDatastore, err, "exists(%s)", entity)
	}
	for _, row := range rows {
		if numbersMatch(row, numeric) {
			return value.Bool(true), nil
		}
	}
	return value.Bool(false), nil
}

func numbersMatch(row value.Object, want map[string]decimal.Decimal) bool {
	for k, d := range want {
		got, ok := value.ToDecimal(row.Get(k))
		if !ok || !got.Equal(d) {
			return false
		}
	}
	return true
}

func fnLookupField(ctx context.Context, e *Evaluator, args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return nil, core.Evaluation("lookup_field() takes 3 arguments")
	}
	if e.store == nil {
		return nil, core.Evaluation("lookup_field requires datastore")
	}
	entity, eok := value.AsString(args[0])
	field, fok := value.AsString(args[2])
	if !eok || !fok {
		return nil, core.Evaluation("lookup_field() entity and field must be strings")
	}
	if value.IsNull(args[1]) {
		return value.Null{}, nil
	}

	rec, err := e.store.Get(ctx, e.tables(entity), value.Display(args[1]))
	if errors.Is(err, datastore.ErrNotFound) {
		return value.Null{}, nil
	}
	if err != nil {
		return nil, core.Wrap(core.ErrCodeDatastore, err, "lookup_field(%s)", entity)
	}
	return rec.Get(field), nil
}
