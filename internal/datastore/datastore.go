// Package datastore defines the storage contract consumed by the runtime
// and an in-memory reference implementation.
//
// Stores address records by table name. Translating an entity name into a
// table name is the caller's job (see TableName and schema.Entity.Table).
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/roach88/gurih/internal/value"
)

var (
	// ErrNotFound is returned by Get, Update, Delete and FindFirst when no
	// record matches.
	ErrNotFound = errors.New("record not found")

	// ErrSQLUnsupported is returned by stores that cannot execute raw SQL.
	// Callers use errors.Is to fall back to Find/Get based paths.
	ErrSQLUnsupported = errors.New("raw SQL query not supported")
)

// Filters is an AND of field equality tests. Values compare by their
// plain-text rendering (value.Display).
type Filters map[string]string

// Match reports whether rec satisfies every filter.
// A missing field never matches.
func (f Filters) Match(rec value.Object) bool {
	for k, want := range f {
		got, ok := rec[k]
		if !ok || value.IsNull(got) {
			return false
		}
		if value.Display(got) != want {
			return false
		}
	}
	return true
}

// Page limits a listing. Limit <= 0 means no limit.
type Page struct {
	Limit  int
	Offset int
}

// Apply slices items according to the page.
func Apply[T any](items []T, p Page) []T {
	if p.Offset > 0 {
		if p.Offset >= len(items) {
			return nil
		}
		items = items[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

// GroupCount is one row of an Aggregate result.
type GroupCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// DataStore is the storage contract. Every method may block and takes a
// context. Records always carry "id" once stored.
type DataStore interface {
	// Insert stores rec and returns its id. A missing id is generated.
	Insert(ctx context.Context, table string, rec value.Object) (string, error)

	// InsertMany stores recs in order and returns their ids.
	InsertMany(ctx context.Context, table string, recs []value.Object) ([]string, error)

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, table, id string) (value.Object, error)

	// Update merges rec into the stored record. The id is preserved.
	Update(ctx context.Context, table, id string, rec value.Object) error

	// Delete removes the record or returns ErrNotFound.
	Delete(ctx context.Context, table, id string) error

	List(ctx context.Context, table string, page Page) ([]value.Object, error)
	Find(ctx context.Context, table string, filters Filters) ([]value.Object, error)
	FindFirst(ctx context.Context, table string, filters Filters) (value.Object, error)
	Count(ctx context.Context, table string, filters Filters) (int64, error)

	// Aggregate counts records per distinct value of groupBy.
	// Missing group values are reported as "Unknown".
	Aggregate(ctx context.Context, table, groupBy string, filters Filters) ([]GroupCount, error)

	// Query and QueryWithParams run raw SQL. Non-SQL stores return
	// ErrSQLUnsupported.
	Query(ctx context.Context, sql string) ([]value.Object, error)
	QueryWithParams(ctx context.Context, sql string, params []value.Value) ([]value.Object, error)
}

// Sequencer is implemented by stores that can hand out monotonically
// increasing counters atomically. The first value for a new (name, scope)
// pair is 1.
type Sequencer interface {
	NextSequence(ctx context.Context, name, scope string) (int64, error)
}

// TableName derives the default table name for an entity: snake_case of
// the entity name ("JournalEntry" -> "journal_entry").
func TableName(entity string) string {
	var b strings.Builder
	runes := []rune(entity)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == ' ' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AuditTable receives one row per tracked create, update or delete.
const AuditTable = "_audit_log"

// ErrInvalidIdentifier is wrapped by CheckIdentifier failures.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// CheckIdentifier accepts names made only of letters, digits, '_' and
// '-'. Every schema-supplied table or column name passes through it before
// being written into SQL text.
func CheckIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	for _, r := range name {
		if r == '_' || r == '-' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}
