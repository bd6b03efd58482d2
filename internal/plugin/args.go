package plugin

import (
	"strconv"
	"strings"

	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/value"
)

// ArgString returns argument i as plain text. String literals yield their
// contents, bare identifiers their path, and other literals their display
// form. Anything else is not a usable argument.
func ArgString(args []expr.Expr, i int) (string, bool) {
	if i < 0 || i >= len(args) {
		return "", false
	}
	switch x := args[i].(type) {
	case *expr.Literal:
		if value.IsNull(x.Value) {
			return "", false
		}
		if s, ok := value.AsString(x.Value); ok {
			return s, true
		}
		return value.Display(x.Value), true
	case *expr.Field:
		return x.Path, true
	}
	return "", false
}

// ArgInt returns argument i as an integer. Numeric strings are accepted.
func ArgInt(args []expr.Expr, i int) (int64, bool) {
	s, ok := ArgString(args, i)
	if !ok {
		return 0, false
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
		return n, true
	}
	d, err := value.DecimalFromString(s)
	if err != nil {
		return 0, false
	}
	if dec, ok := value.ToDecimal(d); ok && dec.IsInteger() {
		return dec.IntPart(), true
	}
	return 0, false
}

// ArgBool returns argument i as a boolean, or def when absent.
func ArgBool(args []expr.Expr, i int, def bool) bool {
	s, ok := ArgString(args, i)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	}
	return def
}

// Kwarg returns a keyword argument or def.
func Kwarg(kwargs map[string]string, key, def string) string {
	if v, ok := kwargs[key]; ok && v != "" {
		return v
	}
	return def
}

// ResolveParam expands an action step argument against the invocation
// params. "param:name", "param(name)" and "${name}" are references; any
// other text is returned as is. An unknown reference resolves to "".
func ResolveParam(raw string, params map[string]string) string {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "param:"):
		return params[strings.TrimSpace(strings.TrimPrefix(s, "param:"))]
	case strings.HasPrefix(s, "param(") && strings.HasSuffix(s, ")"):
		name := strings.Trim(strings.TrimSpace(s[len("param("):len(s)-1]), `'"`)
		return params[name]
	case strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}"):
		return params[strings.TrimSpace(s[2:len(s)-1])]
	}
	return raw
}

// StepArg resolves a named step argument against params.
func StepArg(args map[string]string, key string, params map[string]string) (string, bool) {
	raw, ok := args[key]
	if !ok {
		return "", false
	}
	v := ResolveParam(raw, params)
	return v, v != ""
}

// Truthy reads a stored boolean. SQL stores may return 0/1 or text.
func Truthy(v value.Value) bool {
	switch x := v.(type) {
	case value.Bool:
		return bool(x)
	case value.Int:
		return x != 0
	case value.String:
		s := strings.ToLower(strings.TrimSpace(string(x)))
		return s == "true" || s == "1" || s == "t"
	}
	return false
}
