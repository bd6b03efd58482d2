package data

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

var _ plugin.DataAccess = (*Engine)(nil)

// Create validates payload and stores it as a new record of entity.
//
// Absent fields take their defaults and a workflow-tracked field takes the
// initial state. Serial fields are assigned last, after every check has
// passed, so rejected records never consume a number.
func (e *Engine) Create(ctx context.Context, entity string, payload value.Object, rc core.RuntimeContext) (string, error) {
	ent, err := e.entity(entity)
	if err != nil {
		return "", err
	}
	if err := requirePerm(rc, ent, "create"); err != nil {
		return "", err
	}

	rec, err := e.prepare(ctx, ent, payload)
	if err != nil {
		return "", err
	}
	if err := e.finish(ctx, ent, rec); err != nil {
		return "", err
	}

	row := storable(ent, rec)
	id, err := e.store.Insert(ctx, ent.TableName(), row)
	if err != nil {
		return "", storeError(err, entity, rec.ID())
	}

	if ent.TrackChanges() {
		diff, err := canonicalDiff(row)
		if err != nil {
			return "", err
		}
		if err := e.writeAudit(ctx, e.auditRow(entity, id, AuditCreate, rc, diff)); err != nil {
			return "", err
		}
	}
	e.logger.Debug("record created", "entity", entity, "id", id)
	return id, nil
}

// CreateMany creates records with the same checks as Create. Records are
// validated concurrently; the error reported is the one for the earliest
// failing record. Serials are assigned in input order and all records go
// to the store in one batch.
func (e *Engine) CreateMany(ctx context.Context, entity string, payloads []value.Object, rc core.RuntimeContext) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	ent, err := e.entity(entity)
	if err != nil {
		return nil, err
	}
	if err := requirePerm(rc, ent, "create"); err != nil {
		return nil, err
	}

	recs := make([]value.Object, len(payloads))
	errs := make([]error, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batch)
	for i, p := range payloads {
		g.Go(func() error {
			recs[i], errs[i] = e.prepare(gctx, ent, p)
			return errs[i]
		})
	}
	waitErr := g.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if waitErr != nil {
		return nil, waitErr
	}

	rows := make([]value.Object, len(recs))
	for i, rec := range recs {
		if err := e.finish(ctx, ent, rec); err != nil {
			return nil, err
		}
		rows[i] = storable(ent, rec)
	}

	ids, err := e.store.InsertMany(ctx, ent.TableName(), rows)
	if err != nil {
		return nil, storeError(err, entity, "")
	}

	if ent.TrackChanges() {
		audits := make([]value.Object, 0, len(ids))
		for i, id := range ids {
			diff, err := canonicalDiff(rows[i])
			if err != nil {
				return nil, err
			}
			audits = append(audits, e.auditRow(entity, id, AuditCreate, rc, diff))
		}
		if err := e.writeAudit(ctx, audits...); err != nil {
			return nil, err
		}
	}
	e.logger.Debug("records created", "entity", entity, "count", len(ids))
	return ids, nil
}

// prepare runs every create check that does not assign identifiers.
func (e *Engine) prepare(ctx context.Context, ent *schema.Entity, payload value.Object) (value.Object, error) {
	rec := payload.Clone()
	if rec == nil {
		rec = value.Object{}
	}
	applyDefaults(ent, rec)
	if field, ok := e.workflow.TrackedField(ent.Name); ok {
		if v := rec.Get(field); value.IsNull(v) || v == value.String("") {
			if initial, ok := e.workflow.InitialState(ent.Name); ok {
				rec[field] = value.String(initial)
			}
		}
	}
	if err := e.normalize(ent, rec); err != nil {
		return nil, err
	}
	if err := checkRequired(ent, rec); err != nil {
		return nil, err
	}
	if err := e.checkParentLock(ctx, ent, rec); err != nil {
		return nil, err
	}
	if err := e.checkRules(ctx, ent.Name, "create", rec, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// finish assigns the id, the initial version and serial numbers.
func (e *Engine) finish(ctx context.Context, ent *schema.Entity, rec value.Object) error {
	if rec.ID() == "" {
		rec[idKey] = value.String(e.newID())
	}
	if ent.Versioned() {
		rec[versionKey] = value.Int(1)
	}
	return e.assignSerials(ctx, ent, rec)
}

// Read returns one record of entity.
func (e *Engine) Read(ctx context.Context, entity, id string, rc core.RuntimeContext) (value.Object, error) {
	ent, err := e.entity(entity)
	if err != nil {
		return nil, err
	}
	if err := requirePerm(rc, ent, "read"); err != nil {
		return nil, err
	}
	rec, err := e.store.Get(ctx, ent.TableName(), id)
	if err != nil {
		return nil, storeError(err, entity, id)
	}
	return rec, nil
}

// checkParentLock rejects changes to a composition child whose parent is
// in an immutable workflow state. A dangling parent reference does not
// lock.
func (e *Engine) checkParentLock(ctx context.Context, ent *schema.Entity, rec value.Object) error {
	for _, rel := range ent.CompositionParents() {
		pid := rel.FKValue(rec)
		if pid == "" {
			continue
		}
		parent, err := e.store.Get(ctx, e.schema.Table(rel.Target), pid)
		if errors.Is(err, datastore.ErrNotFound) {
			continue
		}
		if err != nil {
			return storeError(err, rel.Target, pid)
		}
		state := e.workflow.StateOf(rel.Target, parent)
		if e.workflow.IsImmutable(rel.Target, state) {
			return &core.Error{
				Code:    core.ErrCodeValidation,
				Message: "Cannot modify record because parent '" + rel.Target + "' is in immutable state '" + state + "'",
				Entity:  ent.Name,
				Details: map[string]string{"parent": rel.Target, "parent_id": pid, "state": state},
			}
		}
	}
	return nil
}
