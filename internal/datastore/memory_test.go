package datastore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/value"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.Insert(ctx, "account", value.Object{"code": value.String("101")})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, "account", id)
	require.NoError(t, err)
	assert.Equal(t, value.String(id), got["id"])
	assert.Equal(t, value.String("101"), got["code"])

	require.NoError(t, s.Update(ctx, "account", id, value.Object{"name": value.String("Cash")}))
	got, err = s.Get(ctx, "account", id)
	require.NoError(t, err)
	assert.Equal(t, value.String("101"), got["code"], "update merges")
	assert.Equal(t, value.String("Cash"), got["name"])

	require.NoError(t, s.Delete(ctx, "account", id))
	_, err = s.Get(ctx, "account", id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "account", id), ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, "account", id, value.Object{}), ErrNotFound)
}

func TestMemoryStoreKeepsCallerID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, err := s.Insert(ctx, "t", value.Object{"id": value.String("fixed")})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	_, err = s.Insert(ctx, "t", value.Object{"id": value.String("fixed")})
	assert.Error(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, err := s.Insert(ctx, "t", value.Object{"name": value.String("a")})
	require.NoError(t, err)

	got, err := s.Get(ctx, "t", id)
	require.NoError(t, err)
	got["name"] = value.String("mutated")

	again, err := s.Get(ctx, "t", id)
	require.NoError(t, err)
	assert.Equal(t, value.String("a"), again["name"])
}

func TestMemoryStoreInsertManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.InsertMany(ctx, "t", []value.Object{
		{"id": value.String("a")},
		{"id": value.String("a")},
	})
	require.Error(t, err)

	n, err := s.Count(ctx, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryStoreFindAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.InsertMany(ctx, "journal_line", []value.Object{
		{"account": value.String("acc1"), "debit": value.String("100.00"), "posted": value.Bool(true)},
		{"account": value.String("acc1"), "debit": value.String("0.00"), "posted": value.Bool(false)},
		{"account": value.String("acc2"), "debit": value.String("5.00")},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		filters Filters
		want    int64
	}{
		{"no filters", nil, 3},
		{"single field", Filters{"account": "acc1"}, 2},
		{"and semantics", Filters{"account": "acc1", "debit": "100.00"}, 1},
		{"bool compares by text", Filters{"posted": "true"}, 1},
		{"missing field never matches", Filters{"party": "p1"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := s.Count(ctx, "journal_line", tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)

			rows, err := s.Find(ctx, "journal_line", tt.filters)
			require.NoError(t, err)
			assert.Len(t, rows, int(tt.want))
		})
	}

	_, err = s.FindFirst(ctx, "journal_line", Filters{"account": "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListPaginatesInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Insert(ctx, "t", value.Object{"id": value.String(id)})
		require.NoError(t, err)
	}

	rows, err := s.List(ctx, "t", Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID())
	assert.Equal(t, "b", rows[1].ID())

	rows, err = s.List(ctx, "t", Page{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemoryStoreAggregate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.InsertMany(ctx, "invoice", []value.Object{
		{"status": value.String("Draft")},
		{"status": value.String("Posted")},
		{"status": value.String("Draft")},
		{},
	})
	require.NoError(t, err)

	groups, err := s.Aggregate(ctx, "invoice", "status", nil)
	require.NoError(t, err)
	assert.Equal(t, []GroupCount{
		{Key: "Draft", Count: 2},
		{Key: "Posted", Count: 1},
		{Key: "Unknown", Count: 1},
	}, groups)
}

func TestMemoryStoreRejectsSQL(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrSQLUnsupported)
	_, err = s.QueryWithParams(context.Background(), "SELECT ?", []value.Value{value.Int(1)})
	assert.ErrorIs(t, err, ErrSQLUnsupported)
}

func TestMemoryStoreSequenceIsRaceFree(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const workers = 50
	seen := make(chan int64, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextSequence(ctx, "invoice_no", "INV/2024")
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for n := range seen {
		assert.False(t, unique[n], "duplicate sequence value %d", n)
		unique[n] = true
	}
	assert.Len(t, unique, workers)

	n, err := s.NextSequence(ctx, "invoice_no", "INV/2025")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "each scope starts at one")
}

func TestTableName(t *testing.T) {
	tests := map[string]string{
		"JournalEntry":      "journal_entry",
		"Account":           "account",
		"HTTPRequest":       "http_request",
		"already_snake":     "already_snake",
		"AccountingPeriod":  "accounting_period",
		"Employee-Document": "employee_document",
	}
	for in, want := range tests {
		assert.Equal(t, want, TableName(in), in)
	}
}

func TestApply(t *testing.T) {
	items := []int{1, 2, 3, 4}
	assert.Equal(t, []int{1, 2, 3, 4}, Apply(items, Page{}))
	assert.Equal(t, []int{2, 3}, Apply(items, Page{Limit: 2, Offset: 1}))
	assert.Nil(t, Apply(items, Page{Offset: 4}))
}

func TestCheckIdentifier(t *testing.T) {
	for _, ok := range []string{"journal_entry", "Account", "a-b", "x1"} {
		assert.NoError(t, CheckIdentifier(ok), ok)
	}
	for _, bad := range []string{"", "a;b", `a"b`, "a'b", "a b", "a.b", "ä"} {
		err := CheckIdentifier(bad)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, bad)
	}
}
