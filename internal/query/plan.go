// Package query compiles the schema's declarative queries into
// parameterized SQL.
//
// Every literal in a filter or formula becomes a bound parameter, and every
// schema-supplied identifier passes datastore.CheckIdentifier before it is
// written into SQL text. Hierarchy queries compile to a plan the Data
// Engine executes in two steps: a structure pass that BuildHierarchy turns
// into a tree, then a detail fetch for the visible page.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// PlanKind selects how a plan is executed.
type PlanKind string

const (
	ExecuteSQL       PlanKind = "sql"
	ExecuteHierarchy PlanKind = "hierarchy"
)

// Plan is one executable unit of a query.
type Plan struct {
	Kind    PlanKind
	Dialect Dialect
	SQL     string
	Params  []value.Value

	// Hierarchy plans only.
	StructureSQL string
	Table        string
	ParentField  string
	RollupFields []string

	// TableOnly is set when the query has no joins and no filters, so
	// listing Table yields the same rows as SQL. Stores without SQL use
	// it as their fallback.
	TableOnly bool
}

// Strategy is the compiled form of a query.
type Strategy struct {
	Query   string
	Dialect Dialect

	// Entities lists every entity the plans read: root first, then join
	// targets depth first. Callers check read permission on each.
	Entities []string

	Plans []Plan
}

// Compiler plans queries for one schema and dialect. It is immutable and
// safe for concurrent use.
type Compiler struct {
	schema  *schema.Schema
	dialect Dialect
}

// NewCompiler creates a Compiler. The schema's database type wins over
// fallback; with neither, plans render as SQLite.
func NewCompiler(s *schema.Schema, fallback Dialect) *Compiler {
	d := fallback
	if t := s.Dialect(); t != "" {
		d = DialectFor(t)
	}
	if d == "" {
		d = SQLite
	}
	return &Compiler{schema: s, dialect: d}
}

// Dialect returns the dialect plans are rendered in.
func (c *Compiler) Dialect() Dialect { return c.dialect }

// Has reports whether name is a query.
func (c *Compiler) Has(name string) bool {
	_, ok := c.schema.Queries[name]
	return ok
}

// Plan compiles the named query. params feed param('key') calls.
func (c *Compiler) Plan(name string, params map[string]value.Value) (*Strategy, error) {
	q, ok := c.schema.Queries[name]
	if !ok {
		return nil, core.NotFound("Query '%s' not found in schema", name)
	}
	b := &builder{
		schema:  c.schema,
		dialect: c.dialect,
		params:  params,
		args:    []value.Value{},
	}
	plan, err := b.build(q)
	if err != nil {
		return nil, core.Wrap(core.ErrCodeWorkflow, err, "cannot plan query '%s'", name)
	}

	entities := make([]string, 0, len(b.scope))
	seen := make(map[string]bool)
	for _, s := range b.scope {
		if !seen[s.name] {
			seen[s.name] = true
			entities = append(entities, s.name)
		}
	}
	return &Strategy{
		Query:    name,
		Dialect:  c.dialect,
		Entities: entities,
		Plans:    []Plan{plan},
	}, nil
}

// DetailSQL wraps the plan's SQL to fetch only the given record ids.
func (p *Plan) DetailSQL(ids []string) (string, []value.Value) {
	args := make([]value.Value, 0, len(p.Params)+len(ids))
	args = append(args, p.Params...)
	marks := make([]string, len(ids))
	for i, id := range ids {
		args = append(args, value.String(id))
		marks[i] = p.Dialect.Placeholder(len(args))
	}
	sql := fmt.Sprintf("SELECT * FROM (%s) AS details WHERE details.id IN (%s)", p.SQL, strings.Join(marks, ", "))
	return sql, args
}

// Explain renders the strategy as text for the CLI and golden files.
func (s *Strategy) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "query: %s\n", s.Query)
	fmt.Fprintf(&b, "dialect: %s\n", s.Dialect)
	fmt.Fprintf(&b, "entities: %s\n", strings.Join(s.Entities, ", "))
	for i, p := range s.Plans {
		fmt.Fprintf(&b, "plan %d: %s\n", i+1, p.Kind)
		fmt.Fprintf(&b, "  sql: %s\n", p.SQL)
		params, err := value.MarshalCanonical(value.Array(p.Params))
		if err != nil {
			params = []byte(strconv.Quote(err.Error()))
		}
		fmt.Fprintf(&b, "  params: %s\n", params)
		if p.Kind == ExecuteHierarchy {
			fmt.Fprintf(&b, "  structure: %s\n", p.StructureSQL)
			fmt.Fprintf(&b, "  parent_field: %s\n", p.ParentField)
			fmt.Fprintf(&b, "  rollup_fields: %s\n", strings.Join(p.RollupFields, ", "))
		}
	}
	return b.String()
}
