package finance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// checkBalanced requires total debit to equal total credit exactly.
func (p *Plugin) checkBalanced(ctx context.Context, env plugin.Env, record value.Object) error {
	lines, err := p.journalLines(ctx, env, record)
	if err != nil {
		return err
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		debit = debit.Add(amountOf(l, "debit"))
		credit = credit.Add(amountOf(l, "credit"))
	}
	if diff := debit.Sub(credit).Abs(); !diff.IsZero() {
		return core.Validation("Transaction not balanced: Debit %s, Credit %s (Diff %s)",
			money(debit), money(credit), money(diff))
	}
	return nil
}

// checkParties verifies every line's account exists, that accounts
// requiring a party have one, and that referenced parties exist. Accounts
// and parties are fetched in batches.
func (p *Plugin) checkParties(ctx context.Context, env plugin.Env, record value.Object) error {
	if _, err := env.RequireStore("party validation"); err != nil {
		return err
	}
	lines, err := p.journalLines(ctx, env, record)
	if err != nil {
		return err
	}

	accountIDs := make(map[string]bool)
	parties := make(map[string]map[string]bool)
	for _, l := range lines {
		if id := lineAccount(l); id != "" {
			accountIDs[id] = true
		}
		if pt, pid, ok := lineParty(l); ok {
			if parties[pt] == nil {
				parties[pt] = make(map[string]bool)
			}
			parties[pt][pid] = true
		}
	}

	accounts, err := fetchByIDs(ctx, env, env.Table(p.entities.Account), "*", sortedSet(accountIDs))
	if err != nil {
		return err
	}
	existing := make(map[string]map[string]value.Object, len(parties))
	for pt, ids := range parties {
		if _, ok := env.Schema.Entity(pt); !ok {
			continue
		}
		found, err := fetchByIDs(ctx, env, env.Table(pt), "id", sortedSet(ids))
		if err != nil {
			return err
		}
		existing[pt] = found
	}

	for _, l := range lines {
		accountID := lineAccount(l)
		if accountID == "" {
			return core.Validation("Journal line missing account")
		}
		account, ok := accounts[accountID]
		if !ok {
			return core.Validation("Account not found: %s", accountID)
		}
		pt, pid, hasParty := lineParty(l)
		if plugin.Truthy(account.Get("requires_party")) && !hasParty {
			return core.Validation("Account %s (%s) requires a Party (Customer/Vendor) to be specified.",
				account.StrOr("code", "?"), account.StrOr("name", "?"))
		}
		if !hasParty {
			continue
		}
		if _, ok := env.Schema.Entity(pt); !ok {
			return core.Validation("Unknown Party Type: %s", pt)
		}
		if _, ok := existing[pt][pid]; !ok {
			return core.Validation("Referenced Party %s (Type: %s) does not exist.", pid, pt)
		}
	}
	return nil
}

// checkPeriodOpen requires an Open period covering the record's date. The
// period entity defaults to the configured one and may be given as the
// first argument.
func (p *Plugin) checkPeriodOpen(ctx context.Context, env plugin.Env, call schema.Custom, record value.Object) error {
	store, err := env.RequireStore("period check")
	if err != nil {
		return err
	}
	date, ok := record.Str("date")
	if !ok || date == "" {
		date, ok = record.Str("transaction_date")
	}
	if !ok || date == "" {
		return core.Validation("Missing date field for period check")
	}
	if _, ok := expr.ParseDate(date); !ok {
		return core.Validation("Invalid date format: %s", date)
	}

	entity := p.entities.Period
	if arg, ok := plugin.ArgString(call.Args, 0); ok {
		entity = arg
	}
	if err := datastore.CheckIdentifier(entity); err != nil {
		return core.Workflow("Invalid entity name for period check: %v", err)
	}
	ent, ok := env.Schema.Entity(entity)
	if !ok {
		return core.Workflow("Entity '%s' not defined in schema for period check", entity)
	}

	open, err := openPeriodExists(ctx, env, store, ent.TableName(), date)
	if err != nil {
		return err
	}
	if !open {
		return core.Validation("No open %s found for date %s", entity, date)
	}
	return nil
}

func openPeriodExists(ctx context.Context, env plugin.Env, store datastore.DataStore, table, date string) (bool, error) {
	d := query.DialectFor(dialectOf(env))
	quoted, err := d.Quote(table)
	if err != nil {
		return false, core.Wrap(core.ErrCodeWorkflow, err, "invalid table %q: %v", table, err)
	}
	sql := fmt.Sprintf("SELECT id FROM %s WHERE status = %s AND start_date <= %s AND end_date >= %s",
		quoted, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	params := []value.Value{value.String(statusOpen), value.String(date), value.String(date)}
	rows, err := store.QueryWithParams(ctx, sql, params)
	if err == nil {
		return len(rows) > 0, nil
	}
	if !errors.Is(err, datastore.ErrSQLUnsupported) {
		return false, storeErr(err, "query periods")
	}

	// ISO dates order lexically.
	rows, err = store.Find(ctx, table, datastore.Filters{"status": statusOpen})
	if err != nil {
		return false, storeErr(err, "list periods")
	}
	for _, r := range rows {
		if r.StrOr("start_date", "") <= date && r.StrOr("end_date", "~") >= date {
			return true, nil
		}
	}
	return false, nil
}

// checkPeriodOverlap rejects a period whose date range intersects any
// non-Draft period other than itself.
func (p *Plugin) checkPeriodOverlap(ctx context.Context, env plugin.Env, record value.Object) error {
	store, err := env.RequireStore("period overlap check")
	if err != nil {
		return err
	}
	startText, ok := record.Str("start_date")
	if !ok {
		return core.Validation("Missing start_date")
	}
	endText, ok := record.Str("end_date")
	if !ok {
		return core.Validation("Missing end_date")
	}
	start, ok := expr.ParseDate(startText)
	if !ok {
		return core.Validation("Invalid start_date format")
	}
	end, ok := expr.ParseDate(endText)
	if !ok {
		return core.Validation("Invalid end_date format")
	}
	if start.After(end) {
		return core.Validation("Start date must be before or equal to end date")
	}

	periods, err := store.List(ctx, env.Table(p.entities.Period), datastore.Page{})
	if err != nil {
		return storeErr(err, "list periods")
	}
	self := record.ID()
	for _, other := range periods {
		if self != "" && other.ID() == self {
			continue
		}
		if other.StrOr("status", "") == statusDraft {
			continue
		}
		ps, ok1 := expr.ParseDate(other.StrOr("start_date", ""))
		pe, ok2 := expr.ParseDate(other.StrOr("end_date", ""))
		if !ok1 || !ok2 {
			continue
		}
		if !start.After(pe) && !end.Before(ps) {
			return core.Validation("Period overlaps with existing period '%s'", other.StrOr("name", "?"))
		}
	}
	return nil
}

// checkLeafAccounts rejects lines posted to group accounts.
func (p *Plugin) checkLeafAccounts(ctx context.Context, env plugin.Env, record value.Object) error {
	if _, err := env.RequireStore("leaf account check"); err != nil {
		return err
	}
	lines, err := p.journalLines(ctx, env, record)
	if err != nil {
		return err
	}
	ids := make(map[string]bool)
	for _, l := range lines {
		if id := lineAccount(l); id != "" {
			ids[id] = true
		}
	}
	accounts, err := fetchByIDs(ctx, env, env.Table(p.entities.Account), "*", sortedSet(ids))
	if err != nil {
		return err
	}
	for _, id := range sortedSet(ids) {
		if acc, ok := accounts[id]; ok && plugin.Truthy(acc.Get("is_group")) {
			return &core.Error{
				Code:    core.ErrCodeValidation,
				Message: "Cannot post to a group account",
				Details: map[string]string{"account": id},
			}
		}
	}
	return nil
}
