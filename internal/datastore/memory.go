package datastore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/gurih/internal/value"
)

type memTable struct {
	rows  map[string]value.Object
	order []string
}

type seqKey struct {
	name, scope string
}

// MemoryStore keeps every table in process memory behind one mutex.
// Records are returned as deep copies so callers can never mutate
// stored state. Listing order is insertion order.
type MemoryStore struct {
	mu        sync.Mutex
	tables    map[string]*memTable
	sequences map[seqKey]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:    make(map[string]*memTable),
		sequences: make(map[seqKey]int64),
	}
}

var (
	_ DataStore = (*MemoryStore)(nil)
	_ Sequencer = (*MemoryStore)(nil)
)

func (m *MemoryStore) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{rows: make(map[string]value.Object)}
		m.tables[name] = t
	}
	return t
}

func (m *MemoryStore) insertLocked(table string, rec value.Object) (string, error) {
	t := m.table(table)
	row := rec.Clone()
	if row == nil {
		row = value.Object{}
	}
	id := row.ID()
	if id == "" {
		id = uuid.NewString()
		row["id"] = value.String(id)
	}
	if _, exists := t.rows[id]; exists {
		return "", fmt.Errorf("duplicate id %q in table %s", id, table)
	}
	t.rows[id] = row
	t.order = append(t.order, id)
	return id, nil
}

// Insert implements DataStore.
func (m *MemoryStore) Insert(ctx context.Context, table string, rec value.Object) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(table, rec)
}

// InsertMany implements DataStore. Either every record is stored or none is.
func (m *MemoryStore) InsertMany(ctx context.Context, table string, recs []value.Object) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		id, err := m.insertLocked(table, rec)
		if err != nil {
			m.rollbackLocked(table, ids)
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) rollbackLocked(table string, ids []string) {
	t := m.table(table)
	for _, id := range ids {
		delete(t.rows, id)
	}
	t.order = slices.DeleteFunc(t.order, func(id string) bool {
		return slices.Contains(ids, id)
	})
}

// Get implements DataStore.
func (m *MemoryStore) Get(ctx context.Context, table, id string) (value.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

// Update implements DataStore.
func (m *MemoryStore) Update(ctx context.Context, table, id string, rec value.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		return ErrNotFound
	}
	row, ok := t.rows[id]
	if !ok {
		return ErrNotFound
	}
	merged := row.Merge(rec)
	merged["id"] = value.String(id)
	t.rows[id] = merged
	return nil
}

// Delete implements DataStore.
func (m *MemoryStore) Delete(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		return ErrNotFound
	}
	if _, ok := t.rows[id]; !ok {
		return ErrNotFound
	}
	delete(t.rows, id)
	t.order = slices.DeleteFunc(t.order, func(v string) bool { return v == id })
	return nil
}

// scanLocked returns clones of rows matching filters, in insertion order.
func (m *MemoryStore) scanLocked(table string, filters Filters) []value.Object {
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	var out []value.Object
	for _, id := range t.order {
		row := t.rows[id]
		if filters.Match(row) {
			out = append(out, row.Clone())
		}
	}
	return out
}

// List implements DataStore.
func (m *MemoryStore) List(ctx context.Context, table string, page Page) ([]value.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Apply(m.scanLocked(table, nil), page), nil
}

// Find implements DataStore.
func (m *MemoryStore) Find(ctx context.Context, table string, filters Filters) ([]value.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanLocked(table, filters), nil
}

// FindFirst implements DataStore.
func (m *MemoryStore) FindFirst(ctx context.Context, table string, filters Filters) (value.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.scanLocked(table, filters)
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Count implements DataStore.
func (m *MemoryStore) Count(ctx context.Context, table string, filters Filters) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.scanLocked(table, filters))), nil
}

// Aggregate implements DataStore. Groups are returned sorted by key.
func (m *MemoryStore) Aggregate(ctx context.Context, table, groupBy string, filters Filters) ([]GroupCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int64)
	for _, row := range m.scanLocked(table, filters) {
		key := "Unknown"
		if v := row.Get(groupBy); !value.IsNull(v) {
			key = value.Display(v)
		}
		counts[key]++
	}

	out := make([]GroupCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, GroupCount{Key: k, Count: c})
	}
	slices.SortFunc(out, func(a, b GroupCount) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return out, nil
}

// Query implements DataStore. Raw SQL is not supported.
func (m *MemoryStore) Query(ctx context.Context, sql string) ([]value.Object, error) {
	return nil, ErrSQLUnsupported
}

// QueryWithParams implements DataStore. Raw SQL is not supported.
func (m *MemoryStore) QueryWithParams(ctx context.Context, sql string, params []value.Value) ([]value.Object, error) {
	return nil, ErrSQLUnsupported
}

// NextSequence implements Sequencer.
func (m *MemoryStore) NextSequence(ctx context.Context, name, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seqKey{name: name, scope: scope}
	m.sequences[k]++
	return m.sequences[k], nil
}
