// Package hr implements personnel rules as a plugin: service and age
// thresholds, effective date checks, periodic raise eligibility and the
// payroll and rank flag effects.
package hr

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Entities names the records the raise eligibility check reads.
type Entities struct {
	Employee string
	Review   string
}

// DefaultEntities is the standard personnel layout.
var DefaultEntities = Entities{Employee: "Employee", Review: "PerformanceReview"}

// Plugin is the HR plugin. It is stateless and safe for concurrent use.
type Plugin struct {
	entities Entities
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

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Plugin) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates the HR plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{entities: DefaultEntities, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ plugin.Plugin = (*Plugin)(nil)

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "hr" }

// CheckPrecondition implements plugin.Plugin.
func (p *Plugin) CheckPrecondition(ctx context.Context, env plugin.Env, call schema.Custom, record value.Object) (bool, error) {
	switch call.Name {
	case "min_years_of_service":
		return true, minYears(ctx, env, call, record, "years_of_service", "join_date", "Minimum years of service not met")
	case "min_age":
		return true, minYears(ctx, env, call, record, "age", "birth_date", "Minimum age not met")
	case "valid_effective_date":
		return true, validEffectiveDate(ctx, env, call, record)
	case "check_kgb_eligibility":
		return true, p.checkRaiseEligibility(ctx, env, call, record)
	}
	return false, nil
}

// ApplyEffect implements plugin.Plugin.
func (p *Plugin) ApplyEffect(_ context.Context, _ plugin.Env, call schema.Custom, _ string, _ value.Object) (plugin.Effect, bool, error) {
	switch call.Name {
	case "suspend_payroll":
		suspend := plugin.ArgBool(call.Args, 0, true)
		return plugin.Effect{Updates: value.Object{"is_payroll_active": value.Bool(!suspend)}}, true, nil
	case "update_rank_eligibility":
		eligible := plugin.ArgBool(call.Args, 0, true)
		return plugin.Effect{Updates: value.Object{"rank_eligible": value.Bool(eligible)}}, true, nil
	}
	return plugin.Effect{}, false, nil
}

// ExecuteActionStep implements plugin.Plugin. HR declares no steps.
func (p *Plugin) ExecuteActionStep(context.Context, schema.ActionStep, map[string]string, plugin.DataAccess, core.RuntimeContext) (bool, error) {
	return false, nil
}

// minYears evaluates fn(from) >= n, where n is the first argument and from
// the "from" keyword or def.
func minYears(ctx context.Context, env plugin.Env, call schema.Custom, record value.Object, fn, def, failure string) error {
	raw, ok := plugin.ArgString(call.Args, 0)
	if !ok {
		return core.Validation("%s requires numeric argument", call.Name)
	}
	n, err := decimal.NewFromString(raw)
	if err != nil {
		return core.Validation("%s requires numeric argument", call.Name)
	}
	check := &expr.Binary{
		Op:    expr.OpGe,
		Left:  &expr.Call{Name: fn, Args: []expr.Expr{&expr.Field{Path: plugin.Kwarg(call.Kwargs, "from", def)}}},
		Right: &expr.Literal{Value: value.NewDecimal(n)},
	}
	met, err := env.Evaluator().EvalBool(ctx, check, record)
	if err != nil {
		return err
	}
	if !met {
		return core.Validation("%s: requires %s", failure, n.String())
	}
	return nil
}

func validEffectiveDate(ctx context.Context, env plugin.Env, call schema.Custom, record value.Object) error {
	field, ok := plugin.ArgString(call.Args, 0)
	if !ok {
		return core.Validation("valid_effective_date requires field name")
	}
	check := &expr.Call{Name: "valid_date", Args: []expr.Expr{&expr.Field{Path: field}}}
	valid, err := env.Evaluator().EvalBool(ctx, check, record)
	if err != nil {
		return err
	}
	if !valid {
		return core.Validation("Invalid effective date for field %s", field)
	}
	return nil
}
