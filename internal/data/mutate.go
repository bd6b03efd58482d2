package data

import (
	"context"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// Update merges patch into the stored record of entity.
//
// A record in an immutable workflow state cannot be updated at all, not
// even to leave that state. When patch changes the workflow field the
// transition is validated against the merged record and its effects are
// folded into the write. Rules are checked before anything is written;
// posting rules raised by the effects run next, then the effects' writes to
// related records, then the record itself is persisted.
//
// The read-modify-write is not atomic. Entities with the versioned option
// can send the _version they read; a mismatch is rejected.
func (e *Engine) Update(ctx context.Context, entity, id string, patch value.Object, rc core.RuntimeContext) error {
	ent, err := e.entity(entity)
	if err != nil {
		return err
	}
	if err := requirePerm(rc, ent, "update"); err != nil {
		return err
	}
	if err := requirePerm(rc, ent, "read"); err != nil {
		return err
	}

	table := ent.TableName()
	stored, err := e.store.Get(ctx, table, id)
	if err != nil {
		return storeError(err, entity, id)
	}

	current := e.workflow.StateOf(entity, stored)
	if e.workflow.IsImmutable(entity, current) {
		return &core.Error{
			Code:    core.ErrCodeValidation,
			Message: "Cannot update record because it is in immutable state '" + current + "'",
			Entity:  entity,
			Details: map[string]string{"state": current},
		}
	}

	changes := patch.Clone()
	if changes == nil {
		changes = value.Object{}
	}
	delete(changes, idKey)
	if err := e.checkVersion(ent, stored, changes); err != nil {
		return err
	}
	if err := e.normalize(ent, changes); err != nil {
		return err
	}

	merged := stored.Merge(changes)
	if err := e.checkParentLock(ctx, ent, stored); err != nil {
		return err
	}
	if err := e.checkParentLock(ctx, ent, merged); err != nil {
		return err
	}

	var (
		notifications []string
		postings      []string
		writes        []func(context.Context) error
	)
	if field, ok := e.workflow.TrackedField(entity); ok && changes.Has(field) {
		next, _ := changes.Str(field)
		if next != current {
			if err := e.workflow.CheckPermission(rc, entity, current, next); err != nil {
				return err
			}
			full, err := e.withChildren(ctx, ent, id, merged)
			if err != nil {
				return err
			}
			if err := e.workflow.ValidateTransition(ctx, entity, current, next, full); err != nil {
				return err
			}
			eff, err := e.workflow.ApplyEffects(ctx, entity, current, next, full)
			if err != nil {
				return err
			}
			if len(eff.Updates) > 0 {
				updates := eff.Updates.Clone()
				delete(updates, idKey)
				if err := e.normalize(ent, updates); err != nil {
					return err
				}
				for k, v := range updates {
					changes[k] = v
				}
				merged = stored.Merge(changes)
			}
			notifications = eff.Notifications
			postings = eff.Postings
			writes = eff.Writes
		}
	}

	if err := e.checkRules(ctx, entity, "update", merged, stored); err != nil {
		return err
	}

	for _, name := range postings {
		if _, err := e.ExecutePosting(ctx, name, merged, rc); err != nil {
			e.logger.Error("posting failed", "entity", entity, "id", id, "rule", name, "error", err)
			code := core.CodeOf(err)
			if code == "" {
				code = core.ErrCodeWorkflow
			}
			return &core.Error{Code: code, Message: "Posting failed: " + core.MessageOf(err), Entity: entity, Err: err}
		}
	}

	for _, write := range writes {
		if err := write(ctx); err != nil {
			return err
		}
	}

	row := storable(ent, changes)
	if err := e.store.Update(ctx, table, id, row); err != nil {
		return storeError(err, entity, id)
	}

	if ent.TrackChanges() {
		if diff := diffOf(stored, row); len(diff) > 0 {
			text, err := canonicalDiff(diff)
			if err != nil {
				return err
			}
			if err := e.writeAudit(ctx, e.auditRow(entity, id, AuditUpdate, rc, text)); err != nil {
				return err
			}
		}
	}

	e.workflow.Notify(ctx, entity, id, notifications)
	e.logger.Debug("record updated", "entity", entity, "id", id)
	return nil
}

// checkVersion enforces optimistic concurrency on versioned entities and
// stages the next version number in changes.
func (e *Engine) checkVersion(ent *schema.Entity, stored, changes value.Object) error {
	if !ent.Versioned() {
		return nil
	}
	have, _ := value.ToDecimal(stored.Get(versionKey))
	if sent, ok := changes[versionKey]; ok && !value.IsNull(sent) {
		want, ok := value.ToDecimal(sent)
		if !ok || !want.Equal(have) {
			return &core.Error{
				Code: core.ErrCodeValidation,
				Message: "Record '" + stored.ID() + "' was modified concurrently: version " +
					value.Display(sent) + " is stale, current is " + have.String(),
				Entity:  ent.Name,
				Details: map[string]string{"current_version": have.String()},
			}
		}
	}
	changes[versionKey] = value.Int(have.IntPart() + 1)
	return nil
}

// withChildren returns rec with the rows of every has-many composition
// relationship attached under the relationship name, unless the payload
// already carries them. Preconditions such as a balance check read them.
func (e *Engine) withChildren(ctx context.Context, ent *schema.Entity, id string, rec value.Object) (value.Object, error) {
	out := rec
	for _, rel := range ent.Relationships {
		if rel.Kind != schema.HasMany || rel.Ownership != schema.Composition {
			continue
		}
		if _, ok := rec.Get(rel.Name).(value.Array); ok {
			continue
		}
		rows, err := e.store.Find(ctx, e.schema.Table(rel.Target), datastore.Filters{rel.FK(): id})
		if err != nil {
			return nil, storeError(err, rel.Target, "")
		}
		arr := make(value.Array, len(rows))
		for i, r := range rows {
			arr[i] = r
		}
		out = out.Merge(value.Object{rel.Name: arr})
	}
	return out, nil
}

// Delete removes one record of entity. Records in an immutable state, and
// composition children of such records, cannot be deleted. Plugins with a
// delete guard may veto.
func (e *Engine) Delete(ctx context.Context, entity, id string, rc core.RuntimeContext) error {
	ent, err := e.entity(entity)
	if err != nil {
		return err
	}
	if err := requirePerm(rc, ent, "delete"); err != nil {
		return err
	}
	if err := requirePerm(rc, ent, "read"); err != nil {
		return err
	}

	table := ent.TableName()
	stored, err := e.store.Get(ctx, table, id)
	if err != nil {
		return storeError(err, entity, id)
	}

	if state := e.workflow.StateOf(entity, stored); e.workflow.IsImmutable(entity, state) {
		return &core.Error{
			Code:    core.ErrCodeValidation,
			Message: "Cannot delete record in immutable state '" + state + "'",
			Entity:  entity,
			Details: map[string]string{"state": state},
		}
	}
	if err := e.checkParentLock(ctx, ent, stored); err != nil {
		return err
	}
	if err := e.checkRules(ctx, entity, "delete", stored, nil); err != nil {
		return err
	}
	if err := e.plugins.CheckDelete(ctx, e.env(), entity, stored); err != nil {
		return err
	}

	if err := e.store.Delete(ctx, table, id); err != nil {
		return storeError(err, entity, id)
	}
	if ent.TrackChanges() {
		if err := e.writeAudit(ctx, e.auditRow(entity, id, AuditDelete, rc, nil)); err != nil {
			return err
		}
	}
	e.logger.Debug("record deleted", "entity", entity, "id", id)
	return nil
}
