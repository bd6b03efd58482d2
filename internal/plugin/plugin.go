// Package plugin defines how domain packages extend the runtime with named
// preconditions, effects and action steps the generic engines do not know.
//
// Plugins are held in a Registry in a fixed order built once at startup.
// Dispatch is first match: the first plugin that recognizes a name decides
// the outcome. A precondition no plugin recognizes passes.
package plugin

import (
	"context"
	"time"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Env is what precondition, effect and delete hooks may consult.
type Env struct {
	Schema *schema.Schema

	// Store is nil when the caller runs without a datastore. Hooks that
	// need one fail with a WORKFLOW error.
	Store datastore.DataStore

	// Now defaults to time.Now.
	Now func() time.Time
}

// Table maps an entity name to its storage table.
func (e Env) Table(entity string) string {
	if e.Schema == nil {
		return datastore.TableName(entity)
	}
	return e.Schema.Table(entity)
}

// Clock returns the current time from Now, or the wall clock.
func (e Env) Clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluator returns an expression evaluator bound to this environment.
func (e Env) Evaluator() *expr.Evaluator {
	return expr.New(expr.WithStore(e.Store), expr.WithTables(e.Table), expr.WithClock(e.Now))
}

// RequireStore returns the store or a WORKFLOW error naming the hook.
func (e Env) RequireStore(hook string) (datastore.DataStore, error) {
	if e.Store == nil {
		return nil, core.Workflow("Datastore not available for %s", hook)
	}
	return e.Store, nil
}

// Effect is what applying one or more effects contributes to a transition.
type Effect struct {
	// Updates are raw field values the Data Engine coerces and persists.
	Updates value.Object

	// Notifications are topics to announce.
	Notifications []string

	// Postings are posting rule names to execute against the record.
	Postings []string

	// Writes change related records. The Data Engine runs them in order
	// once rules and postings have passed, just before the record itself
	// is persisted.
	Writes []func(ctx context.Context) error
}

// Merge folds o into e. Later updates win.
func (e *Effect) Merge(o Effect) {
	if len(o.Updates) > 0 {
		if e.Updates == nil {
			e.Updates = make(value.Object, len(o.Updates))
		}
		for k, v := range o.Updates {
			e.Updates[k] = v
		}
	}
	e.Notifications = append(e.Notifications, o.Notifications...)
	e.Postings = append(e.Postings, o.Postings...)
	e.Writes = append(e.Writes, o.Writes...)
}

// DataAccess is the engine surface action steps call back into. Every
// call goes through the Data Engine's permission, validation, workflow and
// audit path.
type DataAccess interface {
	Schema() *schema.Schema
	Store() datastore.DataStore

	Create(ctx context.Context, entity string, rec value.Object, rc core.RuntimeContext) (string, error)
	CreateMany(ctx context.Context, entity string, recs []value.Object, rc core.RuntimeContext) ([]string, error)
	Read(ctx context.Context, entity, id string, rc core.RuntimeContext) (value.Object, error)
	Update(ctx context.Context, entity, id string, patch value.Object, rc core.RuntimeContext) error
	Delete(ctx context.Context, entity, id string, rc core.RuntimeContext) error
	List(ctx context.Context, entity string, opts datastore.Filters, page datastore.Page, rc core.RuntimeContext) ([]value.Object, error)
}

// Plugin implements domain-specific hooks. Each method reports handled as
// false when the name is not one of its own.
type Plugin interface {
	Name() string

	// CheckPrecondition returns an error when it recognizes call.Name and
	// the business condition does not hold.
	CheckPrecondition(ctx context.Context, env Env, call schema.Custom, record value.Object) (handled bool, err error)

	// ApplyEffect computes the effect's contribution. It must not write to
	// env.Store; changes to related records go into Effect.Writes.
	ApplyEffect(ctx context.Context, env Env, call schema.Custom, entity string, record value.Object) (eff Effect, handled bool, err error)

	// ExecuteActionStep runs one step of a named action.
	ExecuteActionStep(ctx context.Context, step schema.ActionStep, params map[string]string, data DataAccess, rc core.RuntimeContext) (handled bool, err error)
}

// DeleteGuard is implemented by plugins that can veto deletes, for example
// of records still referenced elsewhere.
type DeleteGuard interface {
	CheckDelete(ctx context.Context, env Env, entity string, record value.Object) error
}
