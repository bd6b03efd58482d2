package finance

import (
	"context"
	"errors"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/value"
)

// snapshotParties copies each referenced party's display name onto its
// journal lines. A line that already carries a name keeps it.
func (p *Plugin) snapshotParties(ctx context.Context, env plugin.Env, record value.Object) error {
	id := record.ID()
	if env.Store == nil || id == "" {
		return nil
	}
	table := env.Table(p.entities.Line)
	lines, err := p.storedLines(ctx, env.Store, table, id)
	if err != nil {
		return err
	}
	for _, line := range lines {
		pt, pid, ok := lineParty(line)
		if !ok || line.StrOr("party_name", "") != "" {
			continue
		}
		ent, ok := env.Schema.Entity(pt)
		if !ok {
			continue
		}
		party, err := env.Store.Get(ctx, ent.TableName(), pid)
		if errors.Is(err, datastore.ErrNotFound) {
			continue
		}
		if err != nil {
			return storeErr(err, "read party")
		}
		name := partyName(party)
		if err := env.Store.Update(ctx, table, line.ID(), value.Object{"party_name": value.String(name)}); err != nil {
			return storeErr(err, "snapshot party name")
		}
	}
	return nil
}

func partyName(party value.Object) string {
	for _, f := range []string{"name", "full_name", "description"} {
		if s, ok := party.Str(f); ok && s != "" {
			return s
		}
	}
	return "Unknown"
}

// initLineStatus opens a reconciliation status for every line of the
// entry with its absolute net amount as residual. Lines that already have
// a status are left alone.
func (p *Plugin) initLineStatus(ctx context.Context, env plugin.Env, record value.Object) error {
	id := record.ID()
	if env.Store == nil || id == "" {
		return nil
	}
	lines, err := p.storedLines(ctx, env.Store, env.Table(p.entities.Line), id)
	if err != nil {
		return err
	}
	table := env.Table(p.entities.LineStatus)
	var statuses []value.Object
	for _, line := range lines {
		n, err := env.Store.Count(ctx, table, datastore.Filters{"journal_line": line.ID()})
		if err != nil {
			return storeErr(err, "read line status")
		}
		if n > 0 {
			continue
		}
		residual := amountOf(line, "debit").Sub(amountOf(line, "credit")).Abs()
		statuses = append(statuses, value.Object{
			"journal_line":        value.String(line.ID()),
			"amount_residual":     value.String(residual.StringFixed(2)),
			"is_fully_reconciled": value.Bool(false),
		})
	}
	if len(statuses) == 0 {
		return nil
	}
	if _, err := env.Store.InsertMany(ctx, table, statuses); err != nil {
		return storeErr(err, "create line status")
	}
	return nil
}
