package schema

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"cuelang.org/go/cue/token"
)

// Error is a schema problem located by its document path, and by source
// position when the loader knows it.
type Error struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Path, e.Message)
	}
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Errors unpacks a joined Build or Validate error into its schema errors.
func Errors(err error) []*Error {
	if err == nil {
		return nil
	}
	var out []*Error
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var se *Error
		if errors.As(err, &se) {
			out = append(out, se)
			return
		}
		out = append(out, &Error{Message: err.Error()})
	}
	walk(err)
	return out
}

// Validate checks cross references and builds lookup indexes. It reports
// every problem found, not just the first.
func (s *Schema) Validate() error {
	v := &validator{s: s}
	for _, name := range slices.Sorted(maps.Keys(s.Entities)) {
		v.entity(s.Entities[name])
	}
	byEntity := map[string]*Workflow{}
	for _, name := range slices.Sorted(maps.Keys(s.Workflows)) {
		wf := s.Workflows[name]
		v.workflow(wf)
		if prev, dup := byEntity[wf.Entity]; dup {
			v.fail("workflows."+name, "entity %q already has workflow %q", wf.Entity, prev.Name)
			continue
		}
		byEntity[wf.Entity] = wf
	}
	for _, name := range slices.Sorted(maps.Keys(s.Queries)) {
		v.query(s.Queries[name])
	}
	for _, name := range slices.Sorted(maps.Keys(s.PostingRules)) {
		v.postingRule(s.PostingRules[name])
	}
	for _, name := range slices.Sorted(maps.Keys(s.SerialGenerators)) {
		if g := s.SerialGenerators[name]; g.Digits < 0 {
			v.fail("serial_generators."+name, "digits must not be negative")
		}
	}
	for _, name := range slices.Sorted(maps.Keys(s.Actions)) {
		for i, st := range s.Actions[name].Steps {
			if st.Type == "" {
				v.fail(fmt.Sprintf("actions.%s.steps[%d]", name, i), "step type is required")
			}
		}
	}
	for i, r := range s.Rules {
		v.rule(i, r)
	}
	switch s.Dialect() {
	case "", "sqlite", "postgres", "postgresql":
	default:
		v.fail("database.type", "unsupported database type %q", s.Database.Type)
	}

	if len(v.errs) > 0 {
		return errors.Join(v.errs...)
	}
	s.workflowByEntity = byEntity
	return nil
}

type validator struct {
	s    *Schema
	errs []error
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, &Error{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) entity(e *Entity) {
	path := "entities." + e.Name
	seen := map[string]bool{}
	for i, f := range e.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", path, i)
		if f.Name == "" {
			v.fail(fp, "field name is required")
			continue
		}
		if seen[f.Name] {
			v.fail(fp, "duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if !knownFieldTypes[f.Type] {
			v.fail(fp, "unknown field type %q", f.Type)
		}
		if f.Type == TypeEnum && len(f.EnumValues) == 0 {
			v.fail(fp, "enum field %q declares no values", f.Name)
		}
		if f.Serial != "" {
			if _, ok := v.s.SerialGenerators[f.Serial]; !ok {
				v.fail(fp, "unknown serial generator %q", f.Serial)
			}
		}
		if f.References != "" {
			if _, ok := v.s.Entities[f.References]; !ok {
				v.fail(fp, "field %q references unknown entity %q", f.Name, f.References)
			}
		}
	}
	for i, r := range e.Relationships {
		rp := fmt.Sprintf("%s.relationships[%d]", path, i)
		if _, ok := v.s.Entities[r.Target]; !ok {
			v.fail(rp, "unknown target entity %q", r.Target)
		}
		switch r.Kind {
		case BelongsTo, HasMany, HasOne:
		default:
			v.fail(rp, "unknown relationship kind %q", r.Kind)
		}
		switch r.Ownership {
		case Reference, Composition:
		default:
			v.fail(rp, "unknown ownership %q", r.Ownership)
		}
	}
}

func (v *validator) workflow(wf *Workflow) {
	path := "workflows." + wf.Name
	e, ok := v.s.Entities[wf.Entity]
	if !ok {
		v.fail(path, "unknown entity %q", wf.Entity)
	} else if _, ok := e.Field(wf.Field); !ok {
		v.fail(path, "entity %q has no field %q", wf.Entity, wf.Field)
	}
	states := map[string]bool{}
	for _, st := range wf.States {
		if states[st.Name] {
			v.fail(path, "duplicate state %q", st.Name)
		}
		states[st.Name] = true
	}
	if !states[wf.InitialState] {
		v.fail(path, "initial state %q is not declared", wf.InitialState)
	}
	for i, t := range wf.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", path, i)
		if !states[t.From] {
			v.fail(tp, "unknown from state %q", t.From)
		}
		if !states[t.To] {
			v.fail(tp, "unknown to state %q", t.To)
		}
		for _, eff := range t.Effects {
			if u, ok := eff.(UpdateField); ok && e != nil {
				if _, ok := e.Field(u.Field); !ok {
					v.fail(tp, "update effect targets unknown field %q", u.Field)
				}
			}
		}
	}
}

func (v *validator) query(q *Query) {
	path := "queries." + q.Name
	if _, ok := v.s.Entities[q.Root]; !ok {
		v.fail(path, "unknown root entity %q", q.Root)
	}
	switch q.Kind {
	case QueryFlat, QueryNested:
	case QueryHierarchy:
		if q.Hierarchy == nil || q.Hierarchy.ParentField == "" {
			v.fail(path, "hierarchy query needs a parent_field")
		}
	default:
		v.fail(path, "unknown query kind %q", q.Kind)
	}
	var checkJoins func(string, []Join)
	checkJoins = func(p string, joins []Join) {
		for i, j := range joins {
			jp := fmt.Sprintf("%s.joins[%d]", p, i)
			if _, ok := v.s.Entities[j.Target]; !ok {
				v.fail(jp, "unknown join target %q", j.Target)
			}
			checkJoins(jp, j.Joins)
		}
	}
	checkJoins(path, q.Joins)
}

func (v *validator) postingRule(r *PostingRule) {
	path := "posting_rules." + r.Name
	if _, ok := v.s.Entities[r.Source]; !ok {
		v.fail(path, "unknown source entity %q", r.Source)
	}
	if len(r.Lines) == 0 {
		v.fail(path, "posting rule has no lines")
	}
	for i, l := range r.Lines {
		lp := fmt.Sprintf("%s.lines[%d]", path, i)
		if strings.TrimSpace(l.Account) == "" {
			v.fail(lp, "account is required")
		}
		if l.Debit == nil && l.Credit == nil {
			v.fail(lp, "line needs a debit or credit expression")
		}
	}
}

func (v *validator) rule(i int, r *Rule) {
	path := fmt.Sprintf("rules[%d]", i)
	entity, event, ok := strings.Cut(r.On, ":")
	if !ok {
		v.fail(path, "'on' must be <Entity>:<event>, got %q", r.On)
		return
	}
	if _, ok := v.s.Entities[entity]; !ok {
		v.fail(path, "unknown entity %q", entity)
	}
	switch event {
	case "create", "update", "delete":
	default:
		v.fail(path, "unknown event %q", event)
	}
	if r.Assert == nil {
		v.fail(path, "assert is required")
	}
}
