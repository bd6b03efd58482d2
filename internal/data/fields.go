package data

import (
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Reserved keys that are stored even though no field declares them.
const (
	idKey      = "id"
	versionKey = "_version"
)

// applyDefaults fills absent fields from their declared defaults.
func applyDefaults(ent *schema.Entity, rec value.Object) {
	for _, f := range ent.Fields {
		if f.Default == nil || value.IsNull(f.Default) {
			continue
		}
		if v, ok := rec[f.Name]; ok && !value.IsNull(v) {
			continue
		}
		rec[f.Name] = f.Default
	}
}

// checkRequired rejects records missing a required field. Serial fields
// are assigned by the engine and exempt.
func checkRequired(ent *schema.Entity, rec value.Object) error {
	for _, f := range ent.Fields {
		if !f.Required || f.Type == schema.TypeSerial {
			continue
		}
		v, ok := rec[f.Name]
		if !ok || value.IsNull(v) || v == value.String("") {
			return &core.Error{
				Code:    core.ErrCodeValidation,
				Message: "Missing required field: " + f.Name,
				Entity:  ent.Name,
				Details: map[string]string{"field": f.Name},
			}
		}
	}
	return nil
}

// normalize coerces every declared field present in rec to its canonical
// stored form, in place. Undeclared keys are left alone.
func (e *Engine) normalize(ent *schema.Entity, rec value.Object) error {
	for i := range ent.Fields {
		f := &ent.Fields[i]
		v, ok := rec[f.Name]
		if !ok || value.IsNull(v) {
			continue
		}
		out, err := e.coerce(f, v)
		if err != nil {
			return fieldError(ent.Name, f.Name, err)
		}
		rec[f.Name] = out
	}
	return nil
}

type coerceError string

func (c coerceError) Error() string { return string(c) }

func fieldError(entity, field string, err error) error {
	msg := "Invalid type for field: " + field
	if c, ok := err.(coerceError); ok && c != "" {
		msg = string(c)
	}
	return &core.Error{
		Code:    core.ErrCodeValidation,
		Message: msg,
		Entity:  entity,
		Details: map[string]string{"field": field},
	}
}

// coerce converts v to the stored representation of f's type.
func (e *Engine) coerce(f *schema.Field, v value.Value) (value.Value, error) {
	switch f.Type {
	case schema.TypeInteger:
		switch x := v.(type) {
		case value.Int:
			return x, nil
		case value.Decimal:
			if x.IsInteger() {
				return value.Int(x.IntPart()), nil
			}
		case value.String:
			if n, err := strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64); err == nil {
				return value.Int(n), nil
			}
		}
		return nil, coerceError("")

	case schema.TypeDecimal, schema.TypeMoney:
		if _, isBool := v.(value.Bool); isBool {
			return nil, coerceError("")
		}
		d, ok := value.ToDecimal(v)
		if !ok || value.CheckDecimalRange(d) != nil {
			return nil, coerceError("")
		}
		if f.Type == schema.TypeMoney {
			return value.String(d.StringFixed(2)), nil
		}
		return value.String(d.String()), nil

	case schema.TypeBoolean:
		switch x := v.(type) {
		case value.Bool:
			return x, nil
		case value.String:
			switch strings.ToLower(strings.TrimSpace(string(x))) {
			case "true":
				return value.Bool(true), nil
			case "false":
				return value.Bool(false), nil
			}
		case value.Int:
			if x == 0 || x == 1 {
				return value.Bool(x == 1), nil
			}
		}
		return nil, coerceError("")

	case schema.TypeDate:
		s, ok := v.(value.String)
		if !ok {
			return nil, coerceError("")
		}
		if _, ok := expr.ParseDate(string(s)); !ok {
			return nil, coerceError("Invalid date for field " + f.Name + ": " + string(s))
		}
		return s, nil

	case schema.TypeDateTime:
		s, ok := v.(value.String)
		if !ok {
			return nil, coerceError("")
		}
		t, err := time.Parse(time.RFC3339, string(s))
		if err != nil {
			return nil, coerceError("Invalid datetime for field " + f.Name + ": " + string(s))
		}
		return value.String(t.UTC().Format(time.RFC3339)), nil

	case schema.TypeEnum:
		s, ok := v.(value.String)
		if !ok {
			return nil, coerceError("")
		}
		if !slices.Contains(f.EnumValues, string(s)) {
			return nil, coerceError("Invalid value '" + string(s) + "' for field " + f.Name +
				": expected one of " + strings.Join(f.EnumValues, ", "))
		}
		return s, nil

	case schema.TypeEmail:
		s, ok := v.(value.String)
		if !ok {
			return nil, coerceError("")
		}
		if s == "" {
			return s, nil
		}
		if _, err := mail.ParseAddress(string(s)); err != nil {
			return nil, coerceError("Invalid email for field " + f.Name + ": " + string(s))
		}
		return s, nil

	case schema.TypePassword:
		s, ok := v.(value.String)
		if !ok {
			return nil, coerceError("")
		}
		hashed, err := e.hasher.Hash(string(s))
		if err != nil {
			return nil, coerceError("Cannot hash field " + f.Name)
		}
		return value.String(hashed), nil

	default:
		// string, text, code, relation, serial
		switch x := v.(type) {
		case value.String:
			return x, nil
		case value.Int, value.Decimal:
			return value.String(value.Display(x)), nil
		}
		return nil, coerceError("")
	}
}

// storable keeps what the store persists: declared fields, the id, and the
// version counter of versioned entities. Nested arrays and objects sent
// only for validation (journal lines on an entry) are dropped.
func storable(ent *schema.Entity, rec value.Object) value.Object {
	out := make(value.Object, len(rec))
	for k, v := range rec {
		switch {
		case k == idKey:
		case k == versionKey && ent.Versioned():
		default:
			if _, ok := ent.Field(k); !ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}
