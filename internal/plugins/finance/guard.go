package finance

import (
	"context"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/value"
)

// CheckDelete implements plugin.DeleteGuard. An account referenced by any
// journal line cannot be deleted.
func (p *Plugin) CheckDelete(ctx context.Context, env plugin.Env, entity string, record value.Object) error {
	if entity != p.entities.Account || env.Store == nil {
		return nil
	}
	n, err := env.Store.Count(ctx, env.Table(p.entities.Line), datastore.Filters{"account": record.ID()})
	if err != nil {
		return storeErr(err, "count journal lines")
	}
	if n > 0 {
		return &core.Error{
			Code: core.ErrCodeValidation,
			Message: "Cannot delete account '" + record.StrOr("code", record.ID()) +
				"' because it is referenced by journal lines",
			Entity:  entity,
			Details: map[string]string{"references": value.Display(value.Int(n))},
		}
	}
	return nil
}
