package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/value"
)

func newMock(t *testing.T, d query.Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, d, WithIDGenerator(func() string { return "gen-1" })), mock
}

func TestStatementShapes(t *testing.T) {
	ctx := context.Background()
	rec := value.Object{"code": value.String("101"), "amount": value.Of("12.50"), "active": value.Bool(true)}

	tests := []struct {
		name    string
		dialect query.Dialect
		setup   func(m sqlmock.Sqlmock)
		run     func(s *Store) error
	}{
		{
			name:    "sqlite insert",
			dialect: query.SQLite,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(`INSERT INTO "account" ("active", "amount", "code", "id") VALUES (?, ?, ?, ?)`).
					WithArgs(true, "12.50", "101", "gen-1").
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
			run: func(s *Store) error {
				id, err := s.Insert(ctx, "account", rec)
				if err == nil && id != "gen-1" {
					t.Errorf("id = %q", id)
				}
				return err
			},
		},
		{
			name:    "postgres insert",
			dialect: query.Postgres,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(`INSERT INTO "account" ("active", "amount", "code", "id") VALUES ($1, $2, $3, $4)`).
					WithArgs(true, "12.50", "101", "gen-1").
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
			run: func(s *Store) error {
				_, err := s.Insert(ctx, "account", rec)
				return err
			},
		},
		{
			name:    "postgres update skips id",
			dialect: query.Postgres,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(`UPDATE "account" SET "code" = $1, "name" = $2 WHERE id = $3`).
					WithArgs("102", "Cash", "a1").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			run: func(s *Store) error {
				return s.Update(ctx, "account", "a1", value.Object{
					"id": value.String("other"), "code": value.String("102"), "name": value.String("Cash"),
				})
			},
		},
		{
			name:    "sqlite find with sorted filters",
			dialect: query.SQLite,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`SELECT * FROM "journal_line" WHERE "account" = ? AND "journal_entry" = ? ORDER BY id`).
					WithArgs("acc1", "je1").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("l1"))
			},
			run: func(s *Store) error {
				_, err := s.Find(ctx, "journal_line", datastore.Filters{"journal_entry": "je1", "account": "acc1"})
				return err
			},
		},
		{
			name:    "sqlite offset without limit",
			dialect: query.SQLite,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`SELECT * FROM "account" ORDER BY id LIMIT -1 OFFSET ?`).
					WithArgs(5).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			run: func(s *Store) error {
				_, err := s.List(ctx, "account", datastore.Page{Offset: 5})
				return err
			},
		},
		{
			name:    "postgres page",
			dialect: query.Postgres,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`SELECT * FROM "account" ORDER BY id LIMIT $1 OFFSET $2`).
					WithArgs(10, 20).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			run: func(s *Store) error {
				_, err := s.List(ctx, "account", datastore.Page{Limit: 10, Offset: 20})
				return err
			},
		},
		{
			name:    "postgres sequence upsert",
			dialect: query.Postgres,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(`INSERT INTO _gurih_sequences (name, context, value) VALUES ($1, $2, 1) ` +
					`ON CONFLICT (name, context) DO UPDATE SET value = _gurih_sequences.value + 1 RETURNING value`).
					WithArgs("JournalNumber", "JE/2024/").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(7)))
			},
			run: func(s *Store) error {
				n, err := s.NextSequence(ctx, "JournalNumber", "JE/2024/")
				if err == nil && n != 7 {
					t.Errorf("sequence = %d", n)
				}
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t, tt.dialect)
			tt.setup(mock)
			require.NoError(t, tt.run(s))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMissingRowsAreNotFound(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t, query.SQLite)

	mock.ExpectQuery(`SELECT * FROM "account" WHERE id = ?`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`DELETE FROM "account" WHERE id = ?`).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.Get(ctx, "account", "nope")
	assert.ErrorIs(t, err, datastore.ErrNotFound)
	err = s.Delete(ctx, "account", "nope")
	assert.ErrorIs(t, err, datastore.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertManyRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t, query.SQLite)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "line" ("id") VALUES (?)`).WithArgs("a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO "line" ("id") VALUES (?)`).WithArgs("b").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.InsertMany(ctx, "line", []value.Object{
		{"id": value.String("a")},
		{"id": value.String("b")},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentifiersAreRejectedBeforeSQL(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t, query.SQLite)

	_, err := s.Insert(ctx, "account; DROP TABLE x", value.Object{})
	assert.ErrorIs(t, err, datastore.ErrInvalidIdentifier)
	_, err = s.Find(ctx, "account", datastore.Filters{`code" OR 1=1 --`: "x"})
	assert.ErrorIs(t, err, datastore.ErrInvalidIdentifier)
	_, err = s.Aggregate(ctx, "account", "type)", nil)
	assert.ErrorIs(t, err, datastore.ErrInvalidIdentifier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateReportsUnknownGroup(t *testing.T) {
	ctx := context.Background()
	s, mock := newMock(t, query.SQLite)
	mock.ExpectQuery(`SELECT "type" AS grp, COUNT(*) AS n FROM "account" GROUP BY "type" ORDER BY "type"`).
		WillReturnRows(sqlmock.NewRows([]string{"grp", "n"}).
			AddRow(nil, int64(1)).
			AddRow("Asset", int64(3)))

	got, err := s.Aggregate(ctx, "account", "type", nil)
	require.NoError(t, err)
	assert.Equal(t, []datastore.GroupCount{{Key: "Unknown", Count: 1}, {Key: "Asset", Count: 3}}, got)
}

func TestSQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "gurih.db"))
	require.NoError(t, err)
	defer s.Close()

	version, err := s.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	_, err = s.DB().ExecContext(ctx, `CREATE TABLE account (id TEXT PRIMARY KEY, code TEXT, balance TEXT, type TEXT)`)
	require.NoError(t, err)

	id, err := s.Insert(ctx, "account", value.Object{"code": value.String("101"), "balance": value.Of("10.50"), "type": value.String("Asset")})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "account", value.Object{"code": value.String("401"), "type": value.String("Revenue")})
	require.NoError(t, err)

	got, err := s.Get(ctx, "account", id)
	require.NoError(t, err)
	assert.Equal(t, value.String("101"), got["code"])
	assert.Equal(t, value.String("10.50"), got["balance"])

	require.NoError(t, s.Update(ctx, "account", id, value.Object{"code": value.String("102")}))
	first, err := s.FindFirst(ctx, "account", datastore.Filters{"code": "102"})
	require.NoError(t, err)
	assert.Equal(t, id, first.ID())

	n, err := s.Count(ctx, "account", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rows, err := s.QueryWithParams(ctx, `SELECT code FROM account WHERE type = ?`, []value.Value{value.String("Revenue")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, value.String("401"), rows[0]["code"])

	require.NoError(t, s.Delete(ctx, "account", id))
	_, err = s.Get(ctx, "account", id)
	assert.ErrorIs(t, err, datastore.ErrNotFound)
}

func TestSQLiteSequencesAreUnique(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "seq.db"))
	require.NoError(t, err)
	defer s.Close()

	const n = 20
	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.NextSequence(ctx, "JournalNumber", "JE/2024/")
			assert.NoError(t, err)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing %d", i)
	}

	other, err := s.NextSequence(ctx, "JournalNumber", "JE/2025/")
	require.NoError(t, err)
	assert.EqualValues(t, 1, other)
}

func TestStoreSharesQueryDialect(t *testing.T) {
	for _, typ := range []string{"sqlite", "PostgreSQL"} {
		d, err := query.ParseDialect(typ)
		require.NoError(t, err)
		s, _ := newMock(t, d)
		assert.Equal(t, d, s.Dialect())
		assert.Equal(t, query.DialectFor(typ), s.Dialect())
	}
}
