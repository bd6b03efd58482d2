package query

import (
	"fmt"
	"strings"

	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// scopeEntry is an entity reachable from the query: the root or a join
// target.
type scopeEntry struct {
	name   string
	table  string
	entity *schema.Entity
}

func (s *scopeEntry) has(field string) bool {
	if s.entity == nil {
		return false
	}
	_, ok := s.entity.Field(field)
	return ok
}

// builder accumulates one plan. Bound arguments are appended in the order
// their placeholders appear in the SQL text.
type builder struct {
	schema  *schema.Schema
	dialect Dialect
	params  map[string]value.Value
	args    []value.Value
	scope   []*scopeEntry
	aliases map[string]bool
}

func (b *builder) build(q *schema.Query) (Plan, error) {
	root, err := b.enter(q.Root)
	if err != nil {
		return Plan{}, err
	}
	// Join targets are registered before rendering so plain field names
	// in root formulas can resolve to joined columns.
	if err := b.collect(q.Joins); err != nil {
		return Plan{}, err
	}
	b.aliases = outputAliases(q)

	var selects []string
	if q.Kind == schema.QueryHierarchy && (len(q.Selections) > 0 || len(q.Formulas) > 0) {
		cols, err := b.structureColumns(q, root)
		if err != nil {
			return Plan{}, err
		}
		selects = append(selects, cols...)
	}
	parts, err := b.projection(root, q.Selections, q.Formulas)
	if err != nil {
		return Plan{}, err
	}
	selects = append(selects, parts...)

	var joins []string
	next := 1
	if err := b.joins(root, q.Joins, &next, &selects, &joins); err != nil {
		return Plan{}, err
	}

	from, err := b.dialect.Quote(root.table)
	if err != nil {
		return Plan{}, err
	}
	selectClause := "*"
	if len(selects) > 0 {
		selectClause = strings.Join(selects, ", ")
	}
	sql := "SELECT " + selectClause + " FROM " + from
	if len(joins) > 0 {
		sql += " " + strings.Join(joins, " ")
	}

	if len(q.Filters) > 0 {
		conds := make([]string, len(q.Filters))
		for i, f := range q.Filters {
			c, err := b.render(f, root)
			if err != nil {
				return Plan{}, fmt.Errorf("filter %d: %w", i, err)
			}
			if bin, ok := f.(*expr.Binary); ok && bin.Op == expr.OpOr && len(q.Filters) > 1 {
				c = "(" + c + ")"
			}
			conds[i] = c
		}
		sql += " WHERE " + strings.Join(conds, " AND ")
	}

	if len(q.GroupBy) > 0 {
		groups := make([]string, len(q.GroupBy))
		for i, g := range q.GroupBy {
			col, err := b.groupColumn(g, root)
			if err != nil {
				return Plan{}, fmt.Errorf("group_by %q: %w", g, err)
			}
			groups[i] = col
		}
		sql += " GROUP BY " + strings.Join(groups, ", ")
	}

	plan := Plan{
		Kind:    ExecuteSQL,
		Dialect: b.dialect,
		SQL:     sql,
		Params:  b.args,
	}
	if q.Kind != schema.QueryHierarchy {
		return plan, nil
	}
	if q.Hierarchy == nil {
		return Plan{}, fmt.Errorf("hierarchy definition missing")
	}
	structure, err := b.structureSQL(sql, q.Hierarchy)
	if err != nil {
		return Plan{}, err
	}
	plan.Kind = ExecuteHierarchy
	plan.StructureSQL = structure
	plan.Table = root.table
	plan.ParentField = q.Hierarchy.ParentField
	plan.RollupFields = append([]string(nil), q.Hierarchy.RollupFields...)
	plan.TableOnly = len(q.Joins) == 0 && len(q.Filters) == 0
	return plan, nil
}

func (b *builder) enter(entity string) (*scopeEntry, error) {
	e, ok := b.schema.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("entity '%s' not defined", entity)
	}
	s := &scopeEntry{name: entity, table: e.TableName(), entity: e}
	b.scope = append(b.scope, s)
	return s, nil
}

func (b *builder) collect(joins []schema.Join) error {
	for _, j := range joins {
		if _, err := b.enter(j.Target); err != nil {
			return err
		}
		if err := b.collect(j.Joins); err != nil {
			return err
		}
	}
	return nil
}

func outputAliases(q *schema.Query) map[string]bool {
	out := make(map[string]bool)
	var walk func(sels []schema.Selection, forms []schema.Formula, joins []schema.Join)
	walk = func(sels []schema.Selection, forms []schema.Formula, joins []schema.Join) {
		for _, s := range sels {
			if s.Alias != "" {
				out[s.Alias] = true
			}
		}
		for _, f := range forms {
			out[f.Name] = true
		}
		for _, j := range joins {
			walk(j.Selections, j.Formulas, j.Joins)
		}
	}
	walk(q.Selections, q.Formulas, q.Joins)
	return out
}

// structureColumns adds id, the parent field and rollup fields to a
// hierarchy projection when the query does not select them itself.
func (b *builder) structureColumns(q *schema.Query, root *scopeEntry) ([]string, error) {
	if q.Hierarchy == nil {
		return nil, fmt.Errorf("hierarchy definition missing")
	}
	present := make(map[string]bool)
	for _, s := range q.Selections {
		if s.Alias != "" {
			present[s.Alias] = true
		} else {
			present[s.Field] = true
		}
	}
	for _, f := range q.Formulas {
		present[f.Name] = true
	}
	want := append([]string{"id", q.Hierarchy.ParentField}, q.Hierarchy.RollupFields...)
	var cols []string
	for _, f := range want {
		if present[f] {
			continue
		}
		present[f] = true
		col, err := b.dialect.Column(root.table, f)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func (b *builder) projection(s *scopeEntry, sels []schema.Selection, forms []schema.Formula) ([]string, error) {
	var out []string
	for _, sel := range sels {
		col, err := b.dialect.Column(s.table, sel.Field)
		if err != nil {
			return nil, err
		}
		if sel.Alias != "" {
			alias, err := b.dialect.Quote(sel.Alias)
			if err != nil {
				return nil, err
			}
			col += " AS " + alias
		}
		out = append(out, col)
	}
	for _, f := range forms {
		alias, err := b.dialect.Quote(f.Name)
		if err != nil {
			return nil, err
		}
		sql, err := b.render(f.Expr, s)
		if err != nil {
			return nil, fmt.Errorf("formula %q: %w", f.Name, err)
		}
		out = append(out, sql+" AS "+alias)
	}
	return out, nil
}

// joins renders LEFT JOINs depth first. next indexes b.scope, which was
// populated in the same order by collect.
func (b *builder) joins(parent *scopeEntry, joins []schema.Join, next *int, selects, clauses *[]string) error {
	for _, j := range joins {
		target := b.scope[*next]
		*next++

		table, err := b.dialect.Quote(target.table)
		if err != nil {
			return err
		}
		on, err := b.joinCondition(parent, target)
		if err != nil {
			return err
		}
		*clauses = append(*clauses, "LEFT JOIN "+table+" ON "+on)

		parts, err := b.projection(target, j.Selections, j.Formulas)
		if err != nil {
			return err
		}
		*selects = append(*selects, parts...)

		if err := b.joins(target, j.Joins, next, selects, clauses); err != nil {
			return err
		}
	}
	return nil
}

// joinCondition uses the parent's belongs_to relationship to the target
// when declared, then the target's belongs_to back to the parent, then
// falls back to target.<parent_table>_id = parent.id.
func (b *builder) joinCondition(parent, target *scopeEntry) (string, error) {
	if rel, ok := parent.entity.RelationshipTo(target.name); ok && rel.Kind == schema.BelongsTo {
		return b.equate(parent.table, rel.FK(), target.table, "id")
	}
	if rel, ok := target.entity.RelationshipTo(parent.name); ok && rel.Kind == schema.BelongsTo {
		return b.equate(target.table, rel.FK(), parent.table, "id")
	}
	return b.equate(target.table, parent.table+"_id", parent.table, "id")
}

func (b *builder) equate(lt, lc, rt, rc string) (string, error) {
	l, err := b.dialect.Column(lt, lc)
	if err != nil {
		return "", err
	}
	r, err := b.dialect.Column(rt, rc)
	if err != nil {
		return "", err
	}
	return l + " = " + r, nil
}

// groupColumn resolves a group_by name: an output alias first, then a
// field of the root or a joined entity.
func (b *builder) groupColumn(name string, root *scopeEntry) (string, error) {
	if b.aliases[name] {
		return b.dialect.Quote(name)
	}
	return b.field(name, root)
}

func (b *builder) structureSQL(sql string, h *schema.Hierarchy) (string, error) {
	cols := append([]string{"id", h.ParentField}, h.RollupFields...)
	quoted := make([]string, 0, len(cols))
	seen := make(map[string]bool)
	for _, c := range cols {
		if seen[c] {
			continue
		}
		seen[c] = true
		q, err := b.dialect.Quote(c)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}
	return "SELECT " + strings.Join(quoted, ", ") + " FROM (" + sql + ") AS structure", nil
}
