package finance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/value"
)

// journalLines returns the lines of a journal entry. Lines carried in the
// payload, as any array of objects with a debit or credit, win over the
// stored ones.
func (p *Plugin) journalLines(ctx context.Context, env plugin.Env, record value.Object) ([]value.Object, error) {
	var lines []value.Object
	for _, k := range record.SortedKeys() {
		arr, ok := record[k].(value.Array)
		if !ok {
			continue
		}
		for _, item := range arr {
			line, ok := item.(value.Object)
			if ok && (line.Has("debit") || line.Has("credit")) {
				lines = append(lines, line)
			}
		}
	}
	if len(lines) > 0 || env.Store == nil {
		return lines, nil
	}
	id := record.ID()
	if id == "" {
		return nil, nil
	}
	return p.storedLines(ctx, env.Store, env.Table(p.entities.Line), id)
}

func (p *Plugin) storedLines(ctx context.Context, store datastore.DataStore, table, entryID string) ([]value.Object, error) {
	rows, err := store.Find(ctx, table, datastore.Filters{p.entities.EntryFK: entryID})
	if err != nil {
		return nil, storeErr(err, "read journal lines")
	}
	return rows, nil
}

// lineAccount returns the account reference of a line.
func lineAccount(line value.Object) string {
	if id := value.Display(line.Get("account")); id != "" {
		return id
	}
	return value.Display(line.Get("account_id"))
}

// lineParty returns the party reference of a line, if complete.
func lineParty(line value.Object) (partyType, partyID string, ok bool) {
	partyType = value.Display(line.Get("party_type"))
	partyID = value.Display(line.Get("party_id"))
	return partyType, partyID, partyType != "" && partyID != ""
}

func amountOf(line value.Object, field string) decimal.Decimal {
	return value.DecimalOrZero(line.Get(field))
}

// money renders d with at least two places.
func money(d decimal.Decimal) string {
	return d.StringFixed(max(2, -d.Exponent()))
}

// fetchByIDs loads the records of table with the given ids in one SQL
// round trip, or one Get per id on stores without SQL. Missing ids are
// absent from the result.
func fetchByIDs(ctx context.Context, env plugin.Env, table, columns string, ids []string) (map[string]value.Object, error) {
	out := make(map[string]value.Object, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	d := query.DialectFor(dialectOf(env))
	quoted, err := d.Quote(table)
	if err != nil {
		return nil, core.Wrap(core.ErrCodeWorkflow, err, "invalid table %q: %v", table, err)
	}
	marks := make([]string, len(ids))
	params := make([]value.Value, len(ids))
	for i, id := range ids {
		marks[i] = d.Placeholder(i + 1)
		params[i] = value.String(id)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)", columns, quoted, strings.Join(marks, ", "))

	rows, err := env.Store.QueryWithParams(ctx, sql, params)
	switch {
	case err == nil:
		for _, r := range rows {
			out[r.ID()] = r
		}
		return out, nil
	case !errors.Is(err, datastore.ErrSQLUnsupported):
		return nil, storeErr(err, "batch lookup on "+table)
	}

	for _, id := range ids {
		rec, err := env.Store.Get(ctx, table, id)
		if errors.Is(err, datastore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeErr(err, "lookup on "+table)
		}
		out[id] = rec
	}
	return out, nil
}

func dialectOf(env plugin.Env) string {
	if env.Schema == nil {
		return ""
	}
	return env.Schema.Dialect()
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func storeErr(err error, what string) error {
	return core.Wrap(core.ErrCodeDatastore, err, "cannot %s: %v", what, err)
}
