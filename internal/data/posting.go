package data

import (
	"context"
	"errors"
	"sort"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// PostingTargets names the ledger entities posting rules write to.
type PostingTargets struct {
	Entry   string // header entity
	Line    string // line entity
	Account string // account entity resolved by id, code or system_tag
	EntryFK string // line field referencing the header
}

// DefaultPostingTargets is the standard ledger layout.
var DefaultPostingTargets = PostingTargets{
	Entry:   "JournalEntry",
	Line:    "JournalLine",
	Account: "Account",
	EntryFK: "journal_entry",
}

// WithPostingTargets overrides DefaultPostingTargets.
func WithPostingTargets(t PostingTargets) Option {
	return func(e *Engine) {
		e.posting = t
	}
}

// ExecutePosting turns doc into a Draft ledger entry using the named
// posting rule. Amounts are evaluated as exact decimals and stored with two
// places. It returns the new entry id.
//
// The header is created before its lines; a line failure leaves the header
// behind on stores without transactions.
func (e *Engine) ExecutePosting(ctx context.Context, ruleName string, doc value.Object, rc core.RuntimeContext) (string, error) {
	rule, ok := e.schema.PostingRules[ruleName]
	if !ok {
		return "", core.Workflow("Posting rule '%s' not found", ruleName)
	}
	env := value.Object{"doc": doc}
	eval := e.evaluator()

	description, err := evalText(ctx, eval, rule.Description, env, "description")
	if err != nil {
		return "", err
	}
	date, err := evalText(ctx, eval, rule.Date, env, "date")
	if err != nil {
		return "", err
	}

	accounts := make(map[string]string)
	lines := make([]value.Object, 0, len(rule.Lines))
	for _, pl := range rule.Lines {
		accountID, ok := accounts[pl.Account]
		if !ok {
			accountID, err = e.resolveAccount(ctx, pl.Account)
			if err != nil {
				return "", err
			}
			accounts[pl.Account] = accountID
		}
		line, err := postingLine(ctx, eval, pl, env)
		if err != nil {
			return "", err
		}
		line["account"] = value.String(accountID)
		lines = append(lines, line)
	}

	header := value.Object{
		"description": value.String(description),
		"date":        value.String(date),
		"status":      value.String("Draft"),
	}
	entryID, err := e.Create(ctx, e.posting.Entry, header, rc)
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		l[e.posting.EntryFK] = value.String(entryID)
	}
	if _, err := e.CreateMany(ctx, e.posting.Line, lines, rc); err != nil {
		return "", err
	}
	e.logger.Info("posting executed", "rule", ruleName, "entry", entryID, "lines", len(lines))
	return entryID, nil
}

func evalText(ctx context.Context, eval *expr.Evaluator, x expr.Expr, env value.Value, what string) (string, error) {
	if x == nil {
		return "", nil
	}
	v, err := eval.Eval(ctx, x, env)
	if err != nil {
		return "", core.Wrap(core.ErrCodeEvaluation, err, "Failed to evaluate %s: %v", what, err)
	}
	return value.Display(v), nil
}

// postingLine evaluates one line template. Exactly one side carries the
// amount; the other is zero.
func postingLine(ctx context.Context, eval *expr.Evaluator, pl schema.PostingLine, env value.Value) (value.Object, error) {
	line := value.Object{}
	zero := value.String("0.00")
	switch {
	case pl.Debit != nil:
		amt, err := evalAmount(ctx, eval, pl.Debit, env, pl.Account)
		if err != nil {
			return nil, err
		}
		line["debit"], line["credit"] = amt, zero
	case pl.Credit != nil:
		amt, err := evalAmount(ctx, eval, pl.Credit, env, pl.Account)
		if err != nil {
			return nil, err
		}
		line["debit"], line["credit"] = zero, amt
	}

	names := make([]string, 0, len(pl.Fields))
	for name := range pl.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := eval.Eval(ctx, pl.Fields[name], env)
		if err != nil {
			return nil, core.Wrap(core.ErrCodeEvaluation, err, "Failed to evaluate field '%s': %v", name, err)
		}
		line[name] = v
	}
	return line, nil
}

func evalAmount(ctx context.Context, eval *expr.Evaluator, x expr.Expr, env value.Value, account string) (value.Value, error) {
	v, err := eval.Eval(ctx, x, env)
	if err != nil {
		return nil, core.Wrap(core.ErrCodeEvaluation, err, "Failed to evaluate amount for account '%s': %v", account, err)
	}
	if value.IsNull(v) {
		return value.String("0.00"), nil
	}
	d, ok := value.ToDecimal(v)
	if !ok {
		return nil, core.Validation("Amount for account '%s' is not a number: %s", account, value.Display(v))
	}
	return value.String(d.StringFixed(2)), nil
}

// resolveAccount finds an account by id, then code, then system_tag.
func (e *Engine) resolveAccount(ctx context.Context, term string) (string, error) {
	table := e.schema.Table(e.posting.Account)
	rec, err := e.store.Get(ctx, table, term)
	if err == nil {
		return rec.ID(), nil
	}
	if !errors.Is(err, datastore.ErrNotFound) {
		return "", storeError(err, e.posting.Account, term)
	}
	for _, field := range []string{"code", "system_tag"} {
		if ent, ok := e.schema.Entity(e.posting.Account); ok {
			if _, declared := ent.Field(field); !declared {
				continue
			}
		}
		rec, err := e.store.FindFirst(ctx, table, datastore.Filters{field: term})
		if err == nil {
			return rec.ID(), nil
		}
		if !errors.Is(err, datastore.ErrNotFound) {
			return "", storeError(err, e.posting.Account, term)
		}
	}
	return "", core.Validation("Account '%s' not found", term)
}
