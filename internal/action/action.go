// Package action runs the schema's named multi-step actions.
//
// An action is a list of steps parameterized at call time. The built-in
// step types entity:update and entity:delete go straight to the Data
// Engine; every other step type is offered to the plugins in order.
// Steps run sequentially and stop at the first failure. Earlier steps are
// not rolled back.
package action

import (
	"context"
	"log/slog"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Built-in step types.
const (
	StepUpdate = "entity:update"
	StepDelete = "entity:delete"
)

// Engine executes actions against a Data Engine.
type Engine struct {
	data    plugin.DataAccess
	plugins *plugin.Registry
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Nil keeps the discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine. plugins may be nil, in which case only built-in
// steps run.
func New(data plugin.DataAccess, plugins *plugin.Registry, opts ...Option) *Engine {
	e := &Engine{
		data:    data,
		plugins: plugins,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the named action with params. Every declared param must be
// supplied.
func (e *Engine) Execute(ctx context.Context, name string, params map[string]string, rc core.RuntimeContext) error {
	act, ok := e.data.Schema().Actions[name]
	if !ok {
		return core.NotFound("Action '%s' not found", name)
	}
	for _, p := range act.Params {
		if params[p] == "" {
			return &core.Error{
				Code:    core.ErrCodeValidation,
				Message: "Missing parameter '" + p + "' for action '" + name + "'",
				Details: map[string]string{"param": p},
			}
		}
	}

	for i, step := range act.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.step(ctx, step, params, rc); err != nil {
			e.logger.Warn("action step failed", "action", name, "step", i+1, "type", step.Type, "error", err)
			return err
		}
		e.logger.Debug("action step done", "action", name, "step", i+1, "type", step.Type)
	}
	e.logger.Info("action executed", "action", name, "steps", len(act.Steps), "user", rc.UserID)
	return nil
}

func (e *Engine) step(ctx context.Context, step schema.ActionStep, params map[string]string, rc core.RuntimeContext) error {
	switch step.Type {
	case StepUpdate:
		entity, id, err := target(step, params)
		if err != nil {
			return err
		}
		return e.data.Update(ctx, entity, id, patchOf(step, params), rc)
	case StepDelete:
		entity, id, err := target(step, params)
		if err != nil {
			return err
		}
		return e.data.Delete(ctx, entity, id, rc)
	}
	return e.plugins.ExecuteActionStep(ctx, step, params, e.data, rc)
}

func target(step schema.ActionStep, params map[string]string) (string, string, error) {
	if step.Target == "" {
		return "", "", core.Workflow("Action step '%s' requires a target entity", step.Type)
	}
	id, ok := plugin.StepArg(step.Args, "id", params)
	if !ok {
		return "", "", core.Validation("Missing 'id' argument for %s", step.Type)
	}
	return step.Target, id, nil
}

// patchOf turns every argument except id into a field update. Values stay
// text; the Data Engine coerces them by field type.
func patchOf(step schema.ActionStep, params map[string]string) value.Object {
	patch := make(value.Object, len(step.Args))
	for k, raw := range step.Args {
		if k == "id" {
			continue
		}
		patch[k] = value.String(plugin.ResolveParam(raw, params))
	}
	return patch
}
