// Package value defines the tagged-union value type that crosses every
// runtime boundary: records, expression results, query parameters.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/shopspring/decimal"
)

// Value is a sealed interface over the JSON-like scalar and container types.
// Only Null, Bool, Int, Decimal, String, Array and Object implement it.
// There is no binary float: fractional numbers are always Decimal.
type Value interface {
	value()
}

// Null represents a JSON null.
type Null struct{}

func (Null) value() {}

// Bool represents a boolean.
type Bool bool

func (Bool) value() {}

// Int represents an integral number.
type Int int64

func (Int) value() {}

// Decimal represents an exact fractional number.
type Decimal struct {
	decimal.Decimal
}

func (Decimal) value() {}

// String represents a string.
type String string

func (String) value() {}

// Array represents an ordered list of values.
type Array []Value

func (Array) value() {}

// Object represents a map of field names to values.
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// Record is an entity instance. It always carries an "id" once persisted.
type Record = Object

// NewDecimal wraps d.
func NewDecimal(d decimal.Decimal) Decimal {
	return Decimal{Decimal: d}
}

// MaxDecimalExponent bounds the base-10 exponent of decimals accepted from
// text. Rescaling a decimal costs time proportional to its exponent.
const MaxDecimalExponent = 64

// CheckDecimalRange reports whether d's exponent is within
// MaxDecimalExponent.
func CheckDecimalRange(d decimal.Decimal) error {
	if exp := d.Exponent(); exp > MaxDecimalExponent || exp < -MaxDecimalExponent {
		return fmt.Errorf("exponent %d out of range", exp)
	}
	return nil
}

// ParseDecimal parses s, rejecting exponents outside MaxDecimalExponent.
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if err := CheckDecimalRange(d); err != nil {
		return decimal.Zero, fmt.Errorf("number %q: %w", s, err)
	}
	return d, nil
}

// DecimalFromString parses s into a Decimal value.
func DecimalFromString(s string) (Decimal, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Decimal: d}, nil
}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// TypeName returns a short name for v's dynamic type, used in error messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "bool"
	case Int, Decimal:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// FromAny converts a Go value produced by a decoder (encoding/json with
// UseNumber, yaml.v3, CUE Decode, database/sql scans) into a Value.
// float64 inputs are converted through their shortest decimal representation.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case []byte:
		return String(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return NewDecimal(decimal.NewFromUint64(val)), nil
		}
		return Int(val), nil
	case float32:
		return fromFloat(float64(val)), nil
	case float64:
		return fromFloat(val), nil
	case decimal.Decimal:
		return NewDecimal(val), nil
	case json.Number:
		return parseNumber(val.String())
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return String(val.Format(time.DateOnly)), nil
		}
		return String(val.UTC().Format(time.RFC3339)), nil
	case fmt.Stringer:
		return String(val.String()), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// Of is FromAny for literals known to be convertible. It panics otherwise.
func Of(v any) Value {
	out, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return out
}

// ObjectOf builds an Object from native Go values. It panics on unsupported types.
func ObjectOf(m map[string]any) Object {
	obj := make(Object, len(m))
	for k, v := range m {
		obj[k] = Of(v)
	}
	return obj
}

func fromFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return NewDecimal(decimal.NewFromFloat(f))
}

func parseNumber(s string) (Value, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), nil
	}
	d, err := ParseDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return NewDecimal(d), nil
}

// ToAny converts a Value into a plain Go value suitable for database/sql
// parameters and fmt output. Decimals stay decimal.Decimal, which implements
// driver.Valuer as an exact string.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Decimal:
		return val.Decimal
	case String:
		return string(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// ToDecimal coerces numbers and numeric strings into a decimal.
func ToDecimal(v Value) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case Int:
		return decimal.NewFromInt(int64(val)), true
	case Decimal:
		return val.Decimal, true
	case String:
		d, err := ParseDecimal(string(val))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// DecimalOrZero returns ToDecimal(v), or zero when v is not numeric.
func DecimalOrZero(v Value) decimal.Decimal {
	d, _ := ToDecimal(v)
	return d
}

// IsNumber reports whether v is an Int or Decimal.
func IsNumber(v Value) bool {
	switch v.(type) {
	case Int, Decimal:
		return true
	}
	return false
}

// AsString returns the string payload of a String value.
func AsString(v Value) (string, bool) {
	s, ok := v.(String)
	return string(s), ok
}

// AsBool returns the payload of a Bool value.
func AsBool(v Value) (bool, bool) {
	b, ok := v.(Bool)
	return bool(b), ok
}

// Display renders v as plain text: null is empty, strings are unquoted,
// numbers use their exact decimal form, containers are JSON.
func Display(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return ""
	case Bool:
		return strconv.FormatBool(bool(val))
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Decimal:
		return val.String()
	case String:
		return string(val)
	default:
		b, err := Marshal(v)
		if err != nil {
			return fmt.Sprint(ToAny(v))
		}
		return string(b)
	}
}

// Equal is structural equality. Numbers compare by value across Int and
// Decimal; every other pair must share a type.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if IsNumber(a) && IsNumber(b) {
		da, _ := ToDecimal(a)
		db, _ := ToDecimal(b)
		return da.Equal(db)
	}
	switch av := a.(type) {
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !Equal(v, other) {
				return false
			}
		}
		return true
	}
	return false
}

// Lookup follows a dotted path through nested objects.
// A missing segment yields Null.
func Lookup(v Value, path string) Value {
	cur := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(Object)
		if !ok {
			return Null{}
		}
		next, present := obj[part]
		if !present || next == nil {
			return Null{}
		}
		cur = next
	}
	return cur
}

// Get returns the field value or Null.
func (o Object) Get(key string) Value {
	if v, ok := o[key]; ok && v != nil {
		return v
	}
	return Null{}
}

// Str returns the field as a string if it holds a String.
func (o Object) Str(key string) (string, bool) {
	return AsString(o.Get(key))
}

// StrOr returns the string field or def when absent or not a string.
func (o Object) StrOr(key, def string) string {
	if s, ok := o.Str(key); ok {
		return s
	}
	return def
}

// ID returns the record id as text.
func (o Object) ID() string {
	return Display(o.Get("id"))
}

// Has reports whether key is present, including explicit nulls.
func (o Object) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Clone returns a deep copy.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Merge returns a copy of o with every key of patch written over it.
func (o Object) Merge(patch Object) Object {
	out := o.Clone()
	if out == nil {
		out = make(Object, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units.
// Go's native string order is UTF-8 bytes, which differs for astral characters.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < min(len(a16), len(b16)); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
