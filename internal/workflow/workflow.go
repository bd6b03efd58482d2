// Package workflow runs the state machines declared in a schema: initial
// states, transition validation and effect folding.
//
// The engine never persists anything. The Data Engine asks it whether a
// state change is allowed, what the change contributes (field updates,
// notifications, posting rules), and writes the result itself.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Notifier receives workflow notification topics once the transition that
// raised them has been persisted.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Notification is one delivered topic.
type Notification struct {
	Topic    string
	Entity   string
	RecordID string
}

// Engine evaluates workflows for one schema. It is immutable after New and
// safe for concurrent use.
type Engine struct {
	schema   *schema.Schema
	plugins  *plugin.Registry
	store    datastore.DataStore
	now      func() time.Time
	logger   *slog.Logger
	notifier Notifier
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlugins sets the registry custom preconditions and effects dispatch to.
func WithPlugins(r *plugin.Registry) Option {
	return func(e *Engine) {
		e.plugins = r
	}
}

// WithStore gives plugin hooks and data-dependent expressions a datastore.
func WithStore(ds datastore.DataStore) Option {
	return func(e *Engine) {
		e.store = ds
	}
}

// WithClock sets the source of "now" passed to hooks and expressions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger. Nil keeps the discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNotifier sets where Notify delivers topics.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// New creates an Engine for s.
func New(s *schema.Schema, opts ...Option) *Engine {
	e := &Engine{
		schema: s,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) env() plugin.Env {
	return plugin.Env{Schema: e.schema, Store: e.store, Now: e.now}
}

// Workflow returns the workflow bound to entity.
func (e *Engine) Workflow(entity string) (*schema.Workflow, bool) {
	return e.schema.WorkflowFor(entity)
}

// InitialState returns the state new records of entity start in.
func (e *Engine) InitialState(entity string) (string, bool) {
	wf, ok := e.schema.WorkflowFor(entity)
	if !ok || wf.InitialState == "" {
		return "", false
	}
	return wf.InitialState, true
}

// TrackedField returns the field holding entity's workflow state.
func (e *Engine) TrackedField(entity string) (string, bool) {
	wf, ok := e.schema.WorkflowFor(entity)
	if !ok {
		return "", false
	}
	return wf.Field, true
}

// StateOf reads the workflow state from record. Records without a state
// are in no state ("").
func (e *Engine) StateOf(entity string, record value.Object) string {
	field, ok := e.TrackedField(entity)
	if !ok {
		return ""
	}
	s, _ := record.Str(field)
	return s
}

// TransitionPermission returns the permission required to move entity
// from one state to another, or "" when none is required.
func (e *Engine) TransitionPermission(entity, from, to string) string {
	if from == to {
		return ""
	}
	wf, ok := e.schema.WorkflowFor(entity)
	if !ok {
		return ""
	}
	t, ok := wf.Transition(from, to)
	if !ok {
		return ""
	}
	return t.Permission
}

// IsImmutable reports whether state locks records of entity.
func (e *Engine) IsImmutable(entity, state string) bool {
	if state == "" {
		return false
	}
	wf, ok := e.schema.WorkflowFor(entity)
	if !ok {
		return false
	}
	return wf.IsImmutable(state)
}

// CheckPermission fails with a PERMISSION error when the transition
// requires a permission rc lacks.
func (e *Engine) CheckPermission(rc core.RuntimeContext, entity, from, to string) error {
	perm := e.TransitionPermission(entity, from, to)
	if perm == "" || rc.HasPermission(perm) {
		return nil
	}
	return core.TransitionPermission(perm, entity)
}

// ValidateTransition checks that entity may move from one state to
// another. Staying in the same state always succeeds, as does any change
// on an entity without a workflow. Preconditions run in declared order and
// the first failure is returned.
func (e *Engine) ValidateTransition(ctx context.Context, entity, from, to string, record value.Object) error {
	if from == to {
		return nil
	}
	wf, ok := e.schema.WorkflowFor(entity)
	if !ok {
		return nil
	}
	t, ok := wf.Transition(from, to)
	if !ok {
		return core.Workflow("Invalid transition from '%s' to '%s' for entity '%s'", from, to, entity)
	}

	env := e.env()
	eval := env.Evaluator()
	for _, pre := range t.Preconditions {
		switch p := pre.(type) {
		case schema.Assertion:
			holds, err := eval.EvalBool(ctx, p.Expr, record)
			if err != nil {
				return err
			}
			if !holds {
				return assertionFailed(entity, p)
			}
		case schema.Custom:
			if err := e.plugins.CheckPrecondition(ctx, env, p, record); err != nil {
				return err
			}
		}
	}
	e.logger.Debug("transition validated", "entity", entity, "transition", t.Name, "from", from, "to", to)
	return nil
}

func assertionFailed(entity string, a schema.Assertion) error {
	src := a.Expr.String()
	msg := a.Message
	if msg == "" {
		msg = "Precondition failed: " + src
	}
	return &core.Error{
		Code:    core.ErrCodeValidation,
		Message: msg,
		Entity:  entity,
		Details: map[string]string{"assertion": src},
	}
}

// ApplyEffects folds the transition's effects in declared order. It
// returns nothing for a non-transition or an undeclared one.
func (e *Engine) ApplyEffects(ctx context.Context, entity, from, to string, record value.Object) (plugin.Effect, error) {
	var out plugin.Effect
	if from == to {
		return out, nil
	}
	wf, ok := e.schema.WorkflowFor(entity)
	if !ok {
		return out, nil
	}
	t, ok := wf.Transition(from, to)
	if !ok {
		return out, nil
	}

	env := e.env()
	for _, eff := range t.Effects {
		switch x := eff.(type) {
		case schema.Notify:
			out.Notifications = append(out.Notifications, x.Topic)
		case schema.UpdateField:
			out.Merge(plugin.Effect{Updates: value.Object{x.Field: value.String(x.Value)}})
		case schema.Custom:
			contrib, err := e.plugins.ApplyEffect(ctx, env, x, entity, record)
			if err != nil {
				return plugin.Effect{}, err
			}
			out.Merge(contrib)
		}
	}
	return out, nil
}

// Notify logs and delivers topics raised by a persisted transition.
func (e *Engine) Notify(ctx context.Context, entity, recordID string, topics []string) {
	for _, topic := range topics {
		e.logger.Info("workflow notification", "topic", topic, "entity", entity, "id", recordID)
		if e.notifier != nil {
			e.notifier.Notify(ctx, Notification{Topic: topic, Entity: entity, RecordID: recordID})
		}
	}
}
