// Package data is the Data Engine: the single entry point for creating,
// reading, updating, deleting and listing records of a schema.
//
// Every operation checks permissions, validates and coerces fields,
// consults the workflow engine, runs schema rules and plugin hooks, and
// writes an audit row for tracked entities. Checks short-circuit on the
// first failure and nothing is written for a failed operation. Effects
// that span several records (posting N journal lines) are not
// transactional against stores without transactions.
package data

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/workflow"
)

// DefaultBatchConcurrency bounds concurrent per-record validation in
// CreateMany.
const DefaultBatchConcurrency = 8

// Engine is safe for concurrent use. Its schema and plugin registry are
// fixed at construction.
type Engine struct {
	schema   *schema.Schema
	store    datastore.DataStore
	plugins  *plugin.Registry
	workflow *workflow.Engine
	compiler *query.Compiler
	hasher   PasswordHasher
	newID    func() string
	now      func() time.Time
	logger   *slog.Logger

	notifier workflow.Notifier
	dialect  query.Dialect
	batch    int
	posting  PostingTargets

	serialMu    sync.Mutex
	serialLocks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlugins sets the plugin registry shared with the workflow engine.
func WithPlugins(r *plugin.Registry) Option {
	return func(e *Engine) {
		e.plugins = r
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

// WithClock sets the time source for serial numbers, audit timestamps and
// date-dependent expressions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator sets how record and audit ids are generated.
// The default is UUIDv7.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithPasswordHasher replaces the argon2id hasher for password fields.
func WithPasswordHasher(h PasswordHasher) Option {
	return func(e *Engine) {
		if h != nil {
			e.hasher = h
		}
	}
}

// WithNotifier receives workflow notifications after a transition has
// been persisted.
func WithNotifier(n workflow.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithDialect sets the query dialect used when the schema names no
// database.
func WithDialect(d query.Dialect) Option {
	return func(e *Engine) {
		e.dialect = d
	}
}

// WithBatchConcurrency bounds concurrent validation in CreateMany.
func WithBatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batch = n
		}
	}
}

// New creates an Engine over s and store.
func New(s *schema.Schema, store datastore.DataStore, opts ...Option) *Engine {
	e := &Engine{
		schema:      s,
		store:       store,
		hasher:      DefaultArgon2(),
		newID:       newUUIDv7,
		now:         time.Now,
		logger:      slog.New(slog.DiscardHandler),
		batch:       DefaultBatchConcurrency,
		posting:     DefaultPostingTargets,
		serialLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.plugins == nil {
		e.plugins = plugin.NewRegistry(nil)
	}
	e.workflow = workflow.New(s,
		workflow.WithPlugins(e.plugins),
		workflow.WithStore(store),
		workflow.WithClock(e.now),
		workflow.WithLogger(e.logger),
		workflow.WithNotifier(e.notifier),
	)
	e.compiler = query.NewCompiler(s, e.dialect)
	return e
}

func newUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Schema returns the schema the engine serves.
func (e *Engine) Schema() *schema.Schema { return e.schema }

// Store returns the underlying datastore.
func (e *Engine) Store() datastore.DataStore { return e.store }

// Workflow returns the workflow engine sharing this engine's plugins.
func (e *Engine) Workflow() *workflow.Engine { return e.workflow }

// Compiler returns the query compiler.
func (e *Engine) Compiler() *query.Compiler { return e.compiler }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

func (e *Engine) env() plugin.Env {
	return plugin.Env{Schema: e.schema, Store: e.store, Now: e.now}
}

func (e *Engine) evaluator() *expr.Evaluator {
	return e.env().Evaluator()
}

func (e *Engine) entity(name string) (*schema.Entity, error) {
	ent, ok := e.schema.Entity(name)
	if !ok {
		return nil, core.Workflow("Entity '%s' not defined", name)
	}
	return ent, nil
}

func requirePerm(rc core.RuntimeContext, ent *schema.Entity, verb string) error {
	return rc.Require(ent.Permission(verb), verb, ent.Name)
}

// storeError classifies a datastore failure. A missing record becomes
// NOT_FOUND; anything else is DATASTORE.
func storeError(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, datastore.ErrNotFound) {
		return &core.Error{
			Code:    core.ErrCodeNotFound,
			Message: fmt.Sprintf("Record '%s' not found in entity '%s'", id, entity),
			Entity:  entity,
			Err:     err,
		}
	}
	return core.Wrap(core.ErrCodeDatastore, err, "datastore failure on entity '%s': %v", entity, err)
}
