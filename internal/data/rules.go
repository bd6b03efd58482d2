package data

import (
	"context"
	"errors"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/value"
)

// checkRules evaluates the rules bound to "<entity>:<event>". The
// expression sees the record's fields directly, plus self (the new
// record) and old (the stored record on update, else null).
func (e *Engine) checkRules(ctx context.Context, entity, event string, rec, old value.Object) error {
	rules := e.schema.RulesFor(entity, event)
	if len(rules) == 0 {
		return nil
	}

	env := rec.Clone()
	env["self"] = rec
	if old != nil {
		env["old"] = old
	} else {
		env["old"] = value.Null{}
	}

	eval := e.evaluator()
	for _, r := range rules {
		holds, err := eval.EvalBool(ctx, r.Assert, env)
		if err != nil {
			var ce *core.Error
			if errors.As(err, &ce) && ce.Code == core.ErrCodeEvaluation {
				return &core.Error{
					Code:    core.ErrCodeEvaluation,
					Message: "Rule '" + r.Name + "' error: " + ce.Message,
					Entity:  entity,
					Err:     err,
				}
			}
			return err
		}
		if !holds {
			return &core.Error{
				Code:    core.ErrCodeValidation,
				Message: r.Message,
				Entity:  entity,
				Details: map[string]string{"rule": r.Name},
			}
		}
	}
	return nil
}
