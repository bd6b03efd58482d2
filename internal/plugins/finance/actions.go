package finance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// reverseJournal creates a Draft entry mirroring the given one with debit
// and credit swapped on every line.
func (p *Plugin) reverseJournal(ctx context.Context, step schema.ActionStep, params map[string]string, data plugin.DataAccess, rc core.RuntimeContext) error {
	id, ok := plugin.StepArg(step.Args, "id", params)
	if !ok {
		return core.Workflow("Missing 'id' argument for %s", StepReverseJournal)
	}
	original, err := data.Read(ctx, p.entities.Entry, id, rc)
	if core.IsNotFoundError(err) {
		return core.Workflow("%s not found", p.entities.Entry)
	}
	if err != nil {
		return err
	}
	lines, err := p.storedLines(ctx, data.Store(), data.Schema().Table(p.entities.Line), id)
	if err != nil {
		return err
	}

	entry := original.Clone()
	number := entry.StrOr("entry_number", "")
	if number == "" {
		number = "?"
	}
	for _, k := range []string{"id", "entry_number", "_version"} {
		delete(entry, k)
	}
	entry["status"] = value.String(statusDraft)
	entry["description"] = value.String("Reversal of " + number)
	entry["related_journal"] = value.String(id)

	newID, err := data.Create(ctx, p.entities.Entry, entry, rc)
	if err != nil {
		return err
	}

	reversed := make([]value.Object, len(lines))
	for i, l := range lines {
		r := l.Clone()
		delete(r, "id")
		r[p.entities.EntryFK] = value.String(newID)
		r["debit"] = value.String(amountOf(l, "credit").StringFixed(2))
		r["credit"] = value.String(amountOf(l, "debit").StringFixed(2))
		reversed[i] = r
	}
	if _, err := data.CreateMany(ctx, p.entities.Line, reversed, rc); err != nil {
		return err
	}
	p.logger.Info("journal reversed", "entry", id, "reversal", newID, "lines", len(reversed))
	return nil
}

// accountTotal is the posted activity of one account inside a period.
type accountTotal struct {
	account string
	debit   decimal.Decimal
	credit  decimal.Decimal
}

// closingEntry zeroes the period's Revenue and Expense accounts into
// Retained Earnings with one Draft entry dated at the period end. A period
// without activity produces nothing.
func (p *Plugin) closingEntry(ctx context.Context, step schema.ActionStep, params map[string]string, data plugin.DataAccess, rc core.RuntimeContext) error {
	periodID, ok := plugin.StepArg(step.Args, "period_id", params)
	if !ok {
		return core.Workflow("Missing 'period_id' argument")
	}
	period, err := data.Read(ctx, p.entities.Period, periodID, rc)
	if core.IsNotFoundError(err) {
		return core.Workflow("%s not found", p.entities.Period)
	}
	if err != nil {
		return err
	}
	start := period.StrOr("start_date", "")
	end := period.StrOr("end_date", "")

	s := data.Schema()
	store := data.Store()
	re, err := store.FindFirst(ctx, s.Table(p.entities.Account), datastore.Filters{"system_tag": "retained_earnings"})
	if errors.Is(err, datastore.ErrNotFound) {
		return core.Workflow("Retained Earnings account not found. Please ensure an account with system_tag='retained_earnings' exists.")
	}
	if err != nil {
		return storeErr(err, "find retained earnings account")
	}

	totals, err := p.periodTotals(ctx, s, store, start, end)
	if err != nil {
		return err
	}

	var lines []value.Object
	impact := decimal.Zero // credit to retained earnings
	for _, t := range totals {
		net := t.debit.Sub(t.credit).Round(2)
		switch net.Sign() {
		case 0:
			continue
		case 1:
			lines = append(lines, closingLine(t.account, decimal.Zero, net))
			impact = impact.Sub(net)
		default:
			lines = append(lines, closingLine(t.account, net.Neg(), decimal.Zero))
			impact = impact.Add(net.Neg())
		}
	}
	if len(lines) == 0 {
		p.logger.Info("no activity to close", "period", periodID)
		return nil
	}
	// A break-even period closes without touching retained earnings.
	switch impact.Sign() {
	case 1:
		lines = append(lines, closingLine(re.ID(), decimal.Zero, impact))
	case -1:
		lines = append(lines, closingLine(re.ID(), impact.Neg(), decimal.Zero))
	}

	entryID, err := data.Create(ctx, p.entities.Entry, value.Object{
		"description": value.String("Closing Entry for " + period.StrOr("name", "")),
		"date":        value.String(end),
		"status":      value.String(statusDraft),
	}, rc)
	if err != nil {
		return err
	}
	for _, l := range lines {
		l[p.entities.EntryFK] = value.String(entryID)
	}
	if _, err := data.CreateMany(ctx, p.entities.Line, lines, rc); err != nil {
		return err
	}
	p.logger.Info("closing entry generated", "period", periodID, "entry", entryID, "lines", len(lines))
	return nil
}

func closingLine(account string, debit, credit decimal.Decimal) value.Object {
	return value.Object{
		"account": value.String(account),
		"debit":   value.String(debit.StringFixed(2)),
		"credit":  value.String(credit.StringFixed(2)),
	}
}

// periodTotals sums posted debit and credit per Revenue or Expense account
// for entries dated within [start, end], ordered by account id.
func (p *Plugin) periodTotals(ctx context.Context, s *schema.Schema, store datastore.DataStore, start, end string) ([]accountTotal, error) {
	d := query.DialectFor(s.Dialect())
	lineTable, err := d.Quote(s.Table(p.entities.Line))
	if err != nil {
		return nil, core.Wrap(core.ErrCodeWorkflow, err, "invalid line table: %v", err)
	}
	entryTable, err := d.Quote(s.Table(p.entities.Entry))
	if err != nil {
		return nil, core.Wrap(core.ErrCodeWorkflow, err, "invalid entry table: %v", err)
	}
	accountTable, err := d.Quote(s.Table(p.entities.Account))
	if err != nil {
		return nil, core.Wrap(core.ErrCodeWorkflow, err, "invalid account table: %v", err)
	}
	fk, err := d.Quote(p.entities.EntryFK)
	if err != nil {
		return nil, core.Wrap(core.ErrCodeWorkflow, err, "invalid entry reference: %v", err)
	}

	sql := fmt.Sprintf("SELECT jl.account AS account_id, SUM(jl.debit) AS total_debit, SUM(jl.credit) AS total_credit "+
		"FROM %s jl JOIN %s je ON jl.%s = je.id JOIN %s a ON jl.account = a.id "+
		"WHERE je.status = %s AND je.date >= %s AND je.date <= %s "+
		"AND (a.type = %s OR a.type = %s) "+
		"GROUP BY jl.account ORDER BY jl.account",
		lineTable, entryTable, fk, accountTable,
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5))
	params := []value.Value{
		value.String(statusPosted), value.String(start), value.String(end),
		value.String(typeRevenue), value.String(typeExpense),
	}

	rows, err := store.QueryWithParams(ctx, sql, params)
	if err == nil {
		out := make([]accountTotal, 0, len(rows))
		for _, r := range rows {
			out = append(out, accountTotal{
				account: value.Display(r.Get("account_id")),
				debit:   value.DecimalOrZero(r.Get("total_debit")),
				credit:  value.DecimalOrZero(r.Get("total_credit")),
			})
		}
		return out, nil
	}
	if !errors.Is(err, datastore.ErrSQLUnsupported) {
		return nil, storeErr(err, "aggregate period activity")
	}
	return p.periodTotalsScan(ctx, s, store, start, end)
}

func (p *Plugin) periodTotalsScan(ctx context.Context, s *schema.Schema, store datastore.DataStore, start, end string) ([]accountTotal, error) {
	entries, err := store.Find(ctx, s.Table(p.entities.Entry), datastore.Filters{"status": statusPosted})
	if err != nil {
		return nil, storeErr(err, "list posted entries")
	}
	byAccount := make(map[string]*accountTotal)
	accountType := make(map[string]string)
	for _, e := range entries {
		date := e.StrOr("date", "")
		if date < start || date > end {
			continue
		}
		lines, err := p.storedLines(ctx, store, s.Table(p.entities.Line), e.ID())
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			acc := lineAccount(l)
			typ, seen := accountType[acc]
			if !seen {
				rec, err := store.Get(ctx, s.Table(p.entities.Account), acc)
				if err != nil && !errors.Is(err, datastore.ErrNotFound) {
					return nil, storeErr(err, "read account")
				}
				typ = rec.StrOr("type", "")
				accountType[acc] = typ
			}
			if typ != typeRevenue && typ != typeExpense {
				continue
			}
			t, ok := byAccount[acc]
			if !ok {
				t = &accountTotal{account: acc}
				byAccount[acc] = t
			}
			t.debit = t.debit.Add(amountOf(l, "debit"))
			t.credit = t.credit.Add(amountOf(l, "credit"))
		}
	}
	out := make([]accountTotal, 0, len(byAccount))
	for _, t := range byAccount {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].account < out[j].account })
	return out, nil
}

// reconcile matches amount of a debit line against a credit line,
// reducing both residuals, and records the match.
func (p *Plugin) reconcile(ctx context.Context, step schema.ActionStep, params map[string]string, data plugin.DataAccess, rc core.RuntimeContext) error {
	args := make(map[string]string, 3)
	for _, k := range []string{"debit_line_id", "credit_line_id", "amount"} {
		v, ok := plugin.StepArg(step.Args, k, params)
		if !ok {
			return core.Workflow("Missing '%s' argument for %s", k, StepReconcileEntries)
		}
		args[k] = v
	}
	amount, err := decimal.NewFromString(args["amount"])
	if err != nil || amount.Sign() <= 0 {
		return core.Validation("Reconciliation amount must be a positive number: %s", args["amount"])
	}

	debitStatus, err := p.lineStatus(ctx, data, args["debit_line_id"], amount, rc)
	if err != nil {
		return err
	}
	creditStatus, err := p.lineStatus(ctx, data, args["credit_line_id"], amount, rc)
	if err != nil {
		return err
	}
	for _, st := range []value.Object{debitStatus, creditStatus} {
		residual := value.DecimalOrZero(st.Get("amount_residual")).Sub(amount)
		patch := value.Object{
			"amount_residual":     value.String(residual.StringFixed(2)),
			"is_fully_reconciled": value.Bool(residual.IsZero()),
		}
		if err := data.Update(ctx, p.entities.LineStatus, st.ID(), patch, rc); err != nil {
			return err
		}
	}

	_, err = data.Create(ctx, p.entities.Reconciliation, value.Object{
		"debit_line":  value.String(args["debit_line_id"]),
		"credit_line": value.String(args["credit_line_id"]),
		"amount":      value.String(amount.StringFixed(2)),
		"date":        value.String(p.now().Format(time.DateOnly)),
	}, rc)
	if err != nil {
		return err
	}
	p.logger.Info("lines reconciled", "debit_line", args["debit_line_id"],
		"credit_line", args["credit_line_id"], "amount", amount.StringFixed(2))
	return nil
}

// lineStatus loads the reconciliation status of a line and checks it can
// absorb amount.
func (p *Plugin) lineStatus(ctx context.Context, data plugin.DataAccess, lineID string, amount decimal.Decimal, rc core.RuntimeContext) (value.Object, error) {
	rows, err := data.List(ctx, p.entities.LineStatus, datastore.Filters{"journal_line": lineID}, datastore.Page{Limit: 1}, rc)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, core.Validation("No open balance for journal line '%s'", lineID)
	}
	st := rows[0]
	if plugin.Truthy(st.Get("is_fully_reconciled")) {
		return nil, core.Validation("Journal line '%s' is already fully reconciled", lineID)
	}
	residual := value.DecimalOrZero(st.Get("amount_residual"))
	if amount.GreaterThan(residual) {
		return nil, core.Validation("Reconciliation amount %s exceeds residual %s of journal line '%s'",
			amount.StringFixed(2), residual.StringFixed(2), lineID)
	}
	return st, nil
}
