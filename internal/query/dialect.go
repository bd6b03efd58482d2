package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
)

// Dialect controls the SQL flavor a plan is rendered in.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DialectFor maps a database type string to a Dialect. Anything that is
// not Postgres renders as SQLite.
func DialectFor(dbType string) Dialect {
	switch strings.ToLower(dbType) {
	case "postgres", "postgresql", "pgx":
		return Postgres
	}
	return SQLite
}

// ParseDialect maps a configured database type to a Dialect, rejecting
// types no SQL store can open.
func ParseDialect(dbType string) (Dialect, error) {
	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database type %q", dbType)
}

// Placeholder returns the n-th (1-based) bind placeholder.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Quote checks name and wraps it in double quotes.
func (d Dialect) Quote(name string) (string, error) {
	if err := datastore.CheckIdentifier(name); err != nil {
		return "", err
	}
	return `"` + name + `"`, nil
}

// Column renders a table-qualified column.
func (d Dialect) Column(table, column string) (string, error) {
	t, err := d.Quote(table)
	if err != nil {
		return "", err
	}
	c, err := d.Quote(column)
	if err != nil {
		return "", err
	}
	return t + "." + c, nil
}

// DateDiff renders the signed number of days from b to a.
func (d Dialect) DateDiff(a, b string) string {
	if d == Postgres {
		return fmt.Sprintf("(%s::DATE - %s::DATE)", a, b)
	}
	return fmt.Sprintf("CAST(julianday(%s) - julianday(%s) AS INTEGER)", a, b)
}

// MatchOperator renders LIKE or ILIKE. SQLite has no ILIKE; its LIKE is
// already case-insensitive for ASCII.
func (d Dialect) MatchOperator(op expr.Op) string {
	if op == expr.OpILike && d == Postgres {
		return "ILIKE"
	}
	return "LIKE"
}

// Paginate appends LIMIT/OFFSET to sql. Values are integers so they are
// safe to inline.
func (d Dialect) Paginate(sql string, p datastore.Page) string {
	switch {
	case p.Limit > 0 && p.Offset > 0:
		return fmt.Sprintf("%s LIMIT %d OFFSET %d", sql, p.Limit, p.Offset)
	case p.Limit > 0:
		return fmt.Sprintf("%s LIMIT %d", sql, p.Limit)
	case p.Offset > 0 && d == Postgres:
		return fmt.Sprintf("%s OFFSET %d", sql, p.Offset)
	case p.Offset > 0:
		return fmt.Sprintf("%s LIMIT -1 OFFSET %d", sql, p.Offset)
	}
	return sql
}
