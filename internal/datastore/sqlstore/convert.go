package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/value"
)

// bindValue converts a record value into a driver argument. Decimals bind
// as text so no precision is lost; containers bind as canonical JSON.
func bindValue(v value.Value) (any, error) {
	switch x := v.(type) {
	case nil, value.Null:
		return nil, nil
	case value.Bool:
		return bool(x), nil
	case value.Int:
		return int64(x), nil
	case value.Decimal:
		return x.String(), nil
	case value.String:
		return string(x), nil
	case value.Array, value.Object:
		b, err := value.MarshalCanonical(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("cannot bind %T", v)
}

func bindAll(vs []value.Value) ([]any, error) {
	args := make([]any, len(vs))
	for i, v := range vs {
		a, err := bindValue(v)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}
	return args, nil
}

// columnValue converts a scanned driver value back into a record value.
func columnValue(src any) value.Value {
	switch x := src.(type) {
	case nil:
		return value.Null{}
	case []byte:
		return value.String(string(x))
	case string:
		return value.String(x)
	case int64:
		return value.Int(x)
	case int32:
		return value.Int(int64(x))
	case float64:
		return value.NewDecimal(decimal.NewFromFloat(x))
	case bool:
		return value.Bool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return value.String(x.Format(time.DateOnly))
		}
		return value.String(x.UTC().Format(time.RFC3339))
	}
	v, err := value.FromAny(src)
	if err != nil {
		return value.String(fmt.Sprint(src))
	}
	return v
}

// scanRows reads every row into a record keyed by column name.
func scanRows(rows *sql.Rows) ([]value.Object, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []value.Object
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(value.Object, len(cols))
		for i, c := range cols {
			rec[c] = columnValue(raw[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
