package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/value"
)

var (
	_ datastore.DataStore = (*Store)(nil)
	_ datastore.Sequencer = (*Store)(nil)
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func quote(name string) string {
	return `"` + name + `"`
}

func checkNames(table string, cols []string) error {
	if err := datastore.CheckIdentifier(table); err != nil {
		return err
	}
	for _, c := range cols {
		if err := datastore.CheckIdentifier(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	s.logger.Debug("sql exec", "query", query, "args", len(args))
	return q.ExecContext(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, q queryer, query string, args ...any) ([]value.Object, error) {
	s.logger.Debug("sql query", "query", query, "args", len(args))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// where renders an AND of equality tests over sorted filter keys, starting
// placeholders at n.
func (s *Store) where(filters datastore.Filters, n int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if err := datastore.CheckIdentifier(k); err != nil {
			return "", nil, err
		}
		parts = append(parts, fmt.Sprintf("%s = %s", quote(k), s.dialect.Placeholder(n+i)))
		args = append(args, filters[k])
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func (s *Store) insert(ctx context.Context, q queryer, table string, rec value.Object) (string, error) {
	rec = rec.Clone()
	id := rec.ID()
	if id == "" {
		id = s.newID()
	}
	rec["id"] = value.String(id)

	cols := rec.SortedKeys()
	if err := checkNames(table, cols); err != nil {
		return "", err
	}
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		marks[i] = s.dialect.Placeholder(i + 1)
		a, err := bindValue(rec[c])
		if err != nil {
			return "", fmt.Errorf("field %s: %w", c, err)
		}
		args[i] = a
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := s.exec(ctx, q, stmt, args...); err != nil {
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

// Insert stores rec and returns its id.
func (s *Store) Insert(ctx context.Context, table string, rec value.Object) (string, error) {
	return s.insert(ctx, s.db, table, rec)
}

// InsertMany inserts every record inside one transaction.
func (s *Store) InsertMany(ctx context.Context, table string, recs []value.Object) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		id, err := s.insert(ctx, tx, table, rec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, table, id string) (value.Object, error) {
	if err := datastore.CheckIdentifier(table); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE id = %s", quote(table), s.dialect.Placeholder(1))
	rows, err := s.query(ctx, s.db, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	if len(rows) == 0 {
		return nil, datastore.ErrNotFound
	}
	return rows[0], nil
}

// Update sets the given columns. The id column is never written.
func (s *Store) Update(ctx context.Context, table, id string, rec value.Object) error {
	cols := slices.DeleteFunc(rec.SortedKeys(), func(k string) bool { return k == "id" })
	if len(cols) == 0 {
		_, err := s.Get(ctx, table, id)
		return err
	}
	if err := checkNames(table, cols); err != nil {
		return err
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", quote(c), s.dialect.Placeholder(i+1))
		a, err := bindValue(rec[c])
		if err != nil {
			return fmt.Errorf("field %s: %w", c, err)
		}
		args = append(args, a)
	}
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		quote(table), strings.Join(sets, ", "), s.dialect.Placeholder(len(cols)+1))
	res, err := s.exec(ctx, s.db, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	return requireAffected(res)
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := datastore.CheckIdentifier(table); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = %s", quote(table), s.dialect.Placeholder(1))
	res, err := s.exec(ctx, s.db, stmt, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

// List returns records ordered by id. UUIDv7 ids sort by creation time.
func (s *Store) List(ctx context.Context, table string, page datastore.Page) ([]value.Object, error) {
	if err := datastore.CheckIdentifier(table); err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s ORDER BY id", quote(table))
	var args []any
	switch {
	case page.Limit > 0:
		fmt.Fprintf(&b, " LIMIT %s OFFSET %s", s.dialect.Placeholder(1), s.dialect.Placeholder(2))
		args = append(args, page.Limit, max(page.Offset, 0))
	case page.Offset > 0 && s.dialect == query.SQLite:
		fmt.Fprintf(&b, " LIMIT -1 OFFSET %s", s.dialect.Placeholder(1))
		args = append(args, page.Offset)
	case page.Offset > 0:
		fmt.Fprintf(&b, " OFFSET %s", s.dialect.Placeholder(1))
		args = append(args, page.Offset)
	}
	rows, err := s.query(ctx, s.db, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return rows, nil
}

// Find returns every record matching filters.
func (s *Store) Find(ctx context.Context, table string, filters datastore.Filters) ([]value.Object, error) {
	return s.find(ctx, table, filters, "")
}

func (s *Store) find(ctx context.Context, table string, filters datastore.Filters, suffix string) ([]value.Object, error) {
	if err := datastore.CheckIdentifier(table); err != nil {
		return nil, err
	}
	where, args, err := s.where(filters, 1)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT * FROM %s%s ORDER BY id%s", quote(table), where, suffix)
	rows, err := s.query(ctx, s.db, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	return rows, nil
}

// FindFirst returns the first match or ErrNotFound.
func (s *Store) FindFirst(ctx context.Context, table string, filters datastore.Filters) (value.Object, error) {
	rows, err := s.find(ctx, table, filters, " LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, datastore.ErrNotFound
	}
	return rows[0], nil
}

// Count counts matching records.
func (s *Store) Count(ctx context.Context, table string, filters datastore.Filters) (int64, error) {
	if err := datastore.CheckIdentifier(table); err != nil {
		return 0, err
	}
	where, args, err := s.where(filters, 1)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s%s", quote(table), where)
	rows, err := s.query(ctx, s.db, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	d, _ := value.ToDecimal(rows[0]["n"])
	return d.IntPart(), nil
}

// Aggregate counts records per distinct groupBy value.
func (s *Store) Aggregate(ctx context.Context, table, groupBy string, filters datastore.Filters) ([]datastore.GroupCount, error) {
	if err := checkNames(table, []string{groupBy}); err != nil {
		return nil, err
	}
	where, args, err := s.where(filters, 1)
	if err != nil {
		return nil, err
	}
	col := quote(groupBy)
	stmt := fmt.Sprintf("SELECT %s AS grp, COUNT(*) AS n FROM %s%s GROUP BY %s ORDER BY %s",
		col, quote(table), where, col, col)
	rows, err := s.query(ctx, s.db, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", table, err)
	}
	out := make([]datastore.GroupCount, 0, len(rows))
	for _, r := range rows {
		key := value.Display(r["grp"])
		if value.IsNull(r.Get("grp")) {
			key = "Unknown"
		}
		n, _ := value.ToDecimal(r["n"])
		out = append(out, datastore.GroupCount{Key: key, Count: n.IntPart()})
	}
	return out, nil
}

// Query runs raw SQL.
func (s *Store) Query(ctx context.Context, sqlText string) ([]value.Object, error) {
	return s.QueryWithParams(ctx, sqlText, nil)
}

// QueryWithParams runs raw SQL with bound parameters.
func (s *Store) QueryWithParams(ctx context.Context, sqlText string, params []value.Value) ([]value.Object, error) {
	args, err := bindAll(params)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.db, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// NextSequence atomically increments the (name, scope) counter and
// returns the new value; the first call returns 1.
func (s *Store) NextSequence(ctx context.Context, name, scope string) (int64, error) {
	stmt := fmt.Sprintf(
		"INSERT INTO _gurih_sequences (name, context, value) VALUES (%s, %s, 1) "+
			"ON CONFLICT (name, context) DO UPDATE SET value = _gurih_sequences.value + 1 RETURNING value",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	rows, err := s.query(ctx, s.db, stmt, name, scope)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	if len(rows) == 0 {
		return 0, errors.New("next sequence returned no row")
	}
	d, ok := value.ToDecimal(rows[0]["value"])
	if !ok {
		return 0, fmt.Errorf("next sequence %s: non-numeric value", name)
	}
	return d.IntPart(), nil
}
