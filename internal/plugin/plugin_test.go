package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// stub handles exactly the names it is given.
type stub struct {
	name    string
	checks  map[string]error
	effects map[string]Effect
	steps   map[string]error
	calls   *[]string
}

func (s stub) Name() string { return s.name }

func (s stub) CheckPrecondition(_ context.Context, _ Env, call schema.Custom, _ value.Object) (bool, error) {
	err, ok := s.checks[call.Name]
	if ok && s.calls != nil {
		*s.calls = append(*s.calls, s.name+":"+call.Name)
	}
	return ok, err
}

func (s stub) ApplyEffect(_ context.Context, _ Env, call schema.Custom, _ string, _ value.Object) (Effect, bool, error) {
	eff, ok := s.effects[call.Name]
	return eff, ok, nil
}

func (s stub) ExecuteActionStep(_ context.Context, step schema.ActionStep, _ map[string]string, _ DataAccess, _ core.RuntimeContext) (bool, error) {
	err, ok := s.steps[step.Type]
	return ok, err
}

type guard struct {
	stub
	veto error
}

func (g guard) CheckDelete(context.Context, Env, string, value.Object) error { return g.veto }

func TestRegistry_CheckPrecondition(t *testing.T) {
	var calls []string
	first := stub{name: "first", checks: map[string]error{"balanced": errors.New("first says no")}, calls: &calls}
	second := stub{name: "second", checks: map[string]error{"balanced": nil, "min_age": nil}, calls: &calls}
	r := NewRegistry([]Plugin{first, second})
	ctx := context.Background()

	tests := []struct {
		name    string
		call    string
		wantErr string
	}{
		{"first match decides", "balanced", "first says no"},
		{"later plugin handles", "min_age", ""},
		{"unknown passes", "nobody_knows", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.CheckPrecondition(ctx, Env{}, schema.Custom{Name: tt.call}, value.Object{})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, []string{"first:balanced", "second:min_age"}, calls)
}

func TestRegistry_ApplyEffect(t *testing.T) {
	r := NewRegistry([]Plugin{
		stub{name: "a", effects: map[string]Effect{"suspend": {Updates: value.Object{"active": value.Bool(false)}}}},
		stub{name: "b", effects: map[string]Effect{"suspend": {Notifications: []string{"ignored"}}}},
	})

	eff, err := r.ApplyEffect(context.Background(), Env{}, schema.Custom{Name: "suspend"}, "Employee", value.Object{})
	require.NoError(t, err)
	assert.Equal(t, value.Object{"active": value.Bool(false)}, eff.Updates)
	assert.Empty(t, eff.Notifications)

	eff, err = r.ApplyEffect(context.Background(), Env{}, schema.Custom{Name: "unknown"}, "Employee", value.Object{})
	require.NoError(t, err)
	assert.Equal(t, Effect{}, eff)
}

func TestRegistry_ExecuteActionStep(t *testing.T) {
	r := NewRegistry([]Plugin{stub{name: "fin", steps: map[string]error{"finance:reverse_journal": nil}}})
	ctx := context.Background()

	require.NoError(t, r.ExecuteActionStep(ctx, schema.ActionStep{Type: "finance:reverse_journal"}, nil, nil, core.SystemContext()))

	err := r.ExecuteActionStep(ctx, schema.ActionStep{Type: "hr:unknown"}, nil, nil, core.SystemContext())
	require.Error(t, err)
	assert.True(t, core.IsWorkflowError(err))
	assert.Contains(t, err.Error(), "hr:unknown")
}

func TestRegistry_CheckDelete(t *testing.T) {
	ctx := context.Background()
	ok := NewRegistry([]Plugin{stub{name: "plain"}, guard{stub: stub{name: "g"}}})
	assert.NoError(t, ok.CheckDelete(ctx, Env{}, "Account", value.Object{}))

	vetoed := NewRegistry([]Plugin{guard{stub: stub{name: "g"}, veto: core.Validation("in use")}})
	err := vetoed.CheckDelete(ctx, Env{}, "Account", value.Object{})
	assert.True(t, core.IsValidationError(err))
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	ctx := context.Background()
	assert.NoError(t, r.CheckPrecondition(ctx, Env{}, schema.Custom{Name: "x"}, nil))
	eff, err := r.ApplyEffect(ctx, Env{}, schema.Custom{Name: "x"}, "E", nil)
	assert.NoError(t, err)
	assert.Equal(t, Effect{}, eff)
	assert.Error(t, r.ExecuteActionStep(ctx, schema.ActionStep{Type: "x"}, nil, nil, core.RuntimeContext{}))
	assert.Nil(t, r.Plugins())
}

func TestEffectMerge(t *testing.T) {
	var e Effect
	e.Merge(Effect{Updates: value.Object{"a": value.Int(1)}, Notifications: []string{"n1"}})
	e.Merge(Effect{Updates: value.Object{"a": value.Int(2), "b": value.Bool(true)}, Postings: []string{"P"}})

	assert.Equal(t, value.Object{"a": value.Int(2), "b": value.Bool(true)}, e.Updates)
	assert.Equal(t, []string{"n1"}, e.Notifications)
	assert.Equal(t, []string{"P"}, e.Postings)
}

func TestEnvRequireStore(t *testing.T) {
	_, err := Env{}.RequireStore("valid_parties")
	require.Error(t, err)
	assert.True(t, core.IsWorkflowError(err))
	assert.Equal(t, "journal_line", Env{}.Table("JournalLine"))
}

func TestArgs(t *testing.T) {
	args := []expr.Expr{
		expr.MustParse("'AccountingPeriod'"),
		expr.MustParse("AccountingPeriod"),
		expr.MustParse("58"),
		expr.MustParse("true"),
		expr.MustParse("a + b"),
	}

	s, ok := ArgString(args, 0)
	assert.True(t, ok)
	assert.Equal(t, "AccountingPeriod", s)
	s, ok = ArgString(args, 1)
	assert.True(t, ok)
	assert.Equal(t, "AccountingPeriod", s)
	_, ok = ArgString(args, 4)
	assert.False(t, ok)
	_, ok = ArgString(args, 9)
	assert.False(t, ok)

	n, ok := ArgInt(args, 2)
	assert.True(t, ok)
	assert.Equal(t, int64(58), n)
	_, ok = ArgInt(args, 0)
	assert.False(t, ok)

	assert.True(t, ArgBool(args, 3, false))
	assert.True(t, ArgBool(args, 7, true))
	assert.Equal(t, "join_date", Kwarg(map[string]string{"from": "join_date"}, "from", "x"))
	assert.Equal(t, "x", Kwarg(nil, "from", "x"))
}

func TestResolveParam(t *testing.T) {
	params := map[string]string{"id": "je-1", "period_id": "p-9"}
	tests := []struct {
		raw  string
		want string
	}{
		{"param:id", "je-1"},
		{"param('id')", "je-1"},
		{"param(period_id)", "p-9"},
		{"${period_id}", "p-9"},
		{"Closed", "Closed"},
		{"param:missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveParam(tt.raw, params))
		})
	}

	v, ok := StepArg(map[string]string{"id": "param:id"}, "id", params)
	assert.True(t, ok)
	assert.Equal(t, "je-1", v)
	_, ok = StepArg(map[string]string{}, "id", params)
	assert.False(t, ok)
}
