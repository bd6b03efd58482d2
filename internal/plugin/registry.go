package plugin

import (
	"context"
	"log/slog"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Registry holds plugins in dispatch order. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	plugins []Plugin
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for dispatch tracing.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a registry dispatching to plugins in the given order.
func NewRegistry(plugins []Plugin, opts ...RegistryOption) *Registry {
	r := &Registry{
		plugins: append([]Plugin(nil), plugins...),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Plugins returns the registered plugins in dispatch order.
func (r *Registry) Plugins() []Plugin {
	if r == nil {
		return nil
	}
	return append([]Plugin(nil), r.plugins...)
}

// CheckPrecondition asks each plugin in order. The first that handles the
// name decides. Unknown names pass.
func (r *Registry) CheckPrecondition(ctx context.Context, env Env, call schema.Custom, record value.Object) error {
	if r == nil {
		return nil
	}
	for _, p := range r.plugins {
		handled, err := p.CheckPrecondition(ctx, env, call, record)
		if !handled {
			continue
		}
		r.logger.Debug("precondition checked",
			"plugin", p.Name(), "precondition", call.Name, "ok", err == nil)
		return err
	}
	r.logger.Debug("precondition not handled by any plugin", "precondition", call.Name)
	return nil
}

// ApplyEffect asks each plugin in order. The first that handles the name
// contributes; an unknown effect contributes nothing.
func (r *Registry) ApplyEffect(ctx context.Context, env Env, call schema.Custom, entity string, record value.Object) (Effect, error) {
	if r == nil {
		return Effect{}, nil
	}
	for _, p := range r.plugins {
		eff, handled, err := p.ApplyEffect(ctx, env, call, entity, record)
		if !handled {
			continue
		}
		if err != nil {
			return Effect{}, err
		}
		r.logger.Debug("effect applied",
			"plugin", p.Name(), "effect", call.Name, "entity", entity)
		return eff, nil
	}
	r.logger.Debug("effect not handled by any plugin", "effect", call.Name, "entity", entity)
	return Effect{}, nil
}

// ExecuteActionStep runs step on the first plugin that handles it. A step
// nobody handles is a WORKFLOW error.
func (r *Registry) ExecuteActionStep(ctx context.Context, step schema.ActionStep, params map[string]string, data DataAccess, rc core.RuntimeContext) error {
	if r != nil {
		for _, p := range r.plugins {
			handled, err := p.ExecuteActionStep(ctx, step, params, data, rc)
			if !handled {
				continue
			}
			return err
		}
	}
	return core.Workflow("no plugin handled action step '%s'", step.Type)
}

// CheckDelete runs every plugin implementing DeleteGuard. The first veto
// wins.
func (r *Registry) CheckDelete(ctx context.Context, env Env, entity string, record value.Object) error {
	if r == nil {
		return nil
	}
	for _, p := range r.plugins {
		g, ok := p.(DeleteGuard)
		if !ok {
			continue
		}
		if err := g.CheckDelete(ctx, env, entity, record); err != nil {
			return err
		}
	}
	return nil
}
