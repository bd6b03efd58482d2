package data

import (
	"context"
	"errors"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/value"
)

// List returns records of an entity or the rows of a named query.
//
// For an entity, filters are equality tests and the page is applied after
// filtering. For a query, filters become the query's runtime params.
// Read permission is required on every entity the result touches.
func (e *Engine) List(ctx context.Context, name string, filters datastore.Filters, page datastore.Page, rc core.RuntimeContext) ([]value.Object, error) {
	if e.compiler.Has(name) {
		return e.listQuery(ctx, name, filters, page, rc)
	}
	ent, ok := e.schema.Entity(name)
	if !ok {
		return nil, core.Workflow("Entity or Query '%s' not defined", name)
	}
	if err := requirePerm(rc, ent, "read"); err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		rows, err := e.store.List(ctx, ent.TableName(), page)
		if err != nil {
			return nil, storeError(err, name, "")
		}
		return rows, nil
	}
	rows, err := e.store.Find(ctx, ent.TableName(), filters)
	if err != nil {
		return nil, storeError(err, name, "")
	}
	return datastore.Apply(rows, page), nil
}

func (e *Engine) listQuery(ctx context.Context, name string, filters datastore.Filters, page datastore.Page, rc core.RuntimeContext) ([]value.Object, error) {
	strategy, err := e.compiler.Plan(name, query.ParseParams(filters))
	if err != nil {
		return nil, err
	}
	for _, entity := range strategy.Entities {
		ent, ok := e.schema.Entity(entity)
		if !ok {
			if err := rc.Require("read:"+entity, "read", entity); err != nil {
				return nil, err
			}
			continue
		}
		if err := requirePerm(rc, ent, "read"); err != nil {
			return nil, err
		}
	}

	var out []value.Object
	for _, plan := range strategy.Plans {
		var rows []value.Object
		switch plan.Kind {
		case query.ExecuteHierarchy:
			rows, err = e.runHierarchy(ctx, name, plan, page)
		default:
			rows, err = e.store.QueryWithParams(ctx, plan.Dialect.Paginate(plan.SQL, page), plan.Params)
			err = queryError(err, name)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	e.logger.Debug("query listed", "query", name, "rows", len(out))
	return out, nil
}

// runHierarchy fetches the tree structure, flattens it into the visible
// page and overlays the full detail rows for the nodes on that page.
func (e *Engine) runHierarchy(ctx context.Context, name string, plan query.Plan, page datastore.Page) ([]value.Object, error) {
	viaSQL := true
	rows, err := e.store.QueryWithParams(ctx, plan.StructureSQL, plan.Params)
	if errors.Is(err, datastore.ErrSQLUnsupported) && plan.TableOnly {
		viaSQL = false
		rows, err = e.store.List(ctx, plan.Table, datastore.Page{})
	}
	if err != nil {
		return nil, queryError(err, name)
	}

	nodes, err := query.BuildHierarchy(rows, plan.ParentField, plan.RollupFields, page)
	if err != nil {
		return nil, core.Wrap(core.ErrCodeWorkflow, err, "Query '%s': %v", name, err)
	}
	if !viaSQL || len(nodes) == 0 {
		return nodes, nil
	}

	sql, params := plan.DetailSQL(query.NodeIDs(nodes))
	details, err := e.store.QueryWithParams(ctx, sql, params)
	if err != nil {
		return nil, queryError(err, name)
	}
	return query.MergeDetails(nodes, details), nil
}

func queryError(err error, name string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, datastore.ErrSQLUnsupported) {
		return core.Wrap(core.ErrCodeWorkflow, err, "Query '%s' requires a SQL datastore", name)
	}
	return core.Wrap(core.ErrCodeDatastore, err, "Query '%s' failed: %v", name, err)
}
