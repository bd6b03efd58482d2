// Package finance implements the double-entry ledger rules as a plugin:
// journal preconditions, posting effects, ledger action steps and a delete
// guard for accounts still in use.
//
// Amounts are handled as exact decimals throughout. A transaction is
// balanced only when debits and credits are equal to the last digit.
package finance

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Entities names the ledger entities the plugin reads and writes.
type Entities struct {
	Entry          string
	Line           string
	Account        string
	Period         string
	LineStatus     string
	Reconciliation string

	// EntryFK is the line field referencing its entry.
	EntryFK string
}

// DefaultEntities is the standard ledger layout.
var DefaultEntities = Entities{
	Entry:          "JournalEntry",
	Line:           "JournalLine",
	Account:        "Account",
	Period:         "AccountingPeriod",
	LineStatus:     "JournalLineStatus",
	Reconciliation: "Reconciliation",
	EntryFK:        "journal_entry",
}

// Step types handled by the plugin.
const (
	StepReverseJournal   = "finance:reverse_journal"
	StepClosingEntry     = "finance:generate_closing_entry"
	StepReconcileEntries = "finance:reconcile_entries"
)

// Status and account type values the plugin reads and writes.
const (
	statusDraft  = "Draft"
	statusPosted = "Posted"
	statusOpen   = "Open"
	typeRevenue  = "Revenue"
	typeExpense  = "Expense"
)

// Plugin is the finance plugin. It is stateless and safe for concurrent
// use.
type Plugin struct {
	entities Entities
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithEntities overrides DefaultEntities.
func WithEntities(e Entities) Option {
	return func(p *Plugin) {
		p.entities = e
	}
}

// WithClock sets the clock used to date reconciliations.
func WithClock(now func() time.Time) Option {
	return func(p *Plugin) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger. Nil keeps the discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Plugin) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates the finance plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{
		entities: DefaultEntities,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ plugin.Plugin      = (*Plugin)(nil)
	_ plugin.DeleteGuard = (*Plugin)(nil)
)

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "finance" }

// CheckPrecondition implements plugin.Plugin.
func (p *Plugin) CheckPrecondition(ctx context.Context, env plugin.Env, call schema.Custom, record value.Object) (bool, error) {
	switch call.Name {
	case "balanced_transaction":
		return true, p.checkBalanced(ctx, env, record)
	case "valid_parties":
		return true, p.checkParties(ctx, env, record)
	case "period_open":
		return true, p.checkPeriodOpen(ctx, env, call, record)
	case "no_period_overlap":
		return true, p.checkPeriodOverlap(ctx, env, record)
	case "leaf_accounts":
		return true, p.checkLeafAccounts(ctx, env, record)
	}
	return false, nil
}

// ApplyEffect implements plugin.Plugin.
func (p *Plugin) ApplyEffect(_ context.Context, env plugin.Env, call schema.Custom, _ string, record value.Object) (plugin.Effect, bool, error) {
	switch call.Name {
	case "post_journal":
		rule, ok := plugin.ArgString(call.Args, 0)
		if !ok {
			return plugin.Effect{}, true, core.Workflow("post_journal requires a posting rule name")
		}
		return plugin.Effect{Postings: []string{rule}}, true, nil
	case "snapshot_parties":
		return plugin.Effect{Writes: []func(context.Context) error{func(ctx context.Context) error {
			return p.snapshotParties(ctx, env, record)
		}}}, true, nil
	case "init_line_status":
		return plugin.Effect{Writes: []func(context.Context) error{func(ctx context.Context) error {
			return p.initLineStatus(ctx, env, record)
		}}}, true, nil
	}
	return plugin.Effect{}, false, nil
}

// ExecuteActionStep implements plugin.Plugin.
func (p *Plugin) ExecuteActionStep(ctx context.Context, step schema.ActionStep, params map[string]string, data plugin.DataAccess, rc core.RuntimeContext) (bool, error) {
	switch step.Type {
	case StepReverseJournal:
		return true, p.reverseJournal(ctx, step, params, data, rc)
	case StepClosingEntry:
		return true, p.closingEntry(ctx, step, params, data, rc)
	case StepReconcileEntries:
		return true, p.reconcile(ctx, step, params, data, rc)
	}
	return false, nil
}
