package data

import (
	"context"
	"time"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/value"
)

// Audit actions.
const (
	AuditCreate = "CREATE"
	AuditUpdate = "UPDATE"
	AuditDelete = "DELETE"
)

func (e *Engine) auditRow(entity, id, action string, rc core.RuntimeContext, diff value.Value) value.Object {
	if diff == nil {
		diff = value.Null{}
	}
	return value.Object{
		"id":        value.String(e.newID()),
		"entity":    value.String(entity),
		"record_id": value.String(id),
		"action":    value.String(action),
		"user_id":   value.String(rc.UserID),
		"diff":      diff,
		"timestamp": value.String(e.now().UTC().Format(time.RFC3339)),
	}
}

func (e *Engine) writeAudit(ctx context.Context, rows ...value.Object) error {
	if len(rows) == 0 {
		return nil
	}
	var err error
	if len(rows) == 1 {
		_, err = e.store.Insert(ctx, datastore.AuditTable, rows[0])
	} else {
		_, err = e.store.InsertMany(ctx, datastore.AuditTable, rows)
	}
	if err != nil {
		return core.Wrap(core.ErrCodeDatastore, err, "cannot write audit log: %v", err)
	}
	return nil
}

// canonicalDiff renders v as canonical JSON text for the diff column.
func canonicalDiff(v value.Value) (value.Value, error) {
	b, err := value.MarshalCanonical(v)
	if err != nil {
		return nil, core.Wrap(core.ErrCodeInternal, err, "cannot encode audit diff: %v", err)
	}
	return value.String(b), nil
}

// diffOf builds {field: {old, new}} for every key of patch whose value
// differs from stored. The id is never part of a diff.
func diffOf(stored, patch value.Object) value.Object {
	out := value.Object{}
	for k, nv := range patch {
		if k == idKey {
			continue
		}
		ov := stored.Get(k)
		if value.Equal(ov, nv) {
			continue
		}
		out[k] = value.Object{"old": orNull(ov), "new": orNull(nv)}
	}
	return out
}

func orNull(v value.Value) value.Value {
	if v == nil {
		return value.Null{}
	}
	return v
}
