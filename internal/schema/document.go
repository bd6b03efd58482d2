package schema

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/value"
)

// Document is the serialized schema form shared by the YAML and CUE
// loaders. Expressions are source text; Build parses them.
type Document struct {
	Name             string                        `yaml:"name" json:"name"`
	Version          string                        `yaml:"version" json:"version"`
	Database         *DatabaseDoc                  `yaml:"database" json:"database,omitempty"`
	Entities         map[string]EntityDoc          `yaml:"entities" json:"entities,omitempty"`
	Workflows        map[string]WorkflowDoc        `yaml:"workflows" json:"workflows,omitempty"`
	Queries          map[string]QueryDoc           `yaml:"queries" json:"queries,omitempty"`
	PostingRules     map[string]PostingRuleDoc     `yaml:"posting_rules" json:"posting_rules,omitempty"`
	SerialGenerators map[string]SerialGeneratorDoc `yaml:"serial_generators" json:"serial_generators,omitempty"`
	Actions          map[string]ActionDoc          `yaml:"actions" json:"actions,omitempty"`
	Rules            []RuleDoc                     `yaml:"rules" json:"rules,omitempty"`
}

type DatabaseDoc struct {
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url,omitempty"`
}

type EntityDoc struct {
	Table         string            `yaml:"table" json:"table,omitempty"`
	Fields        []FieldDoc        `yaml:"fields" json:"fields,omitempty"`
	Relationships []RelationshipDoc `yaml:"relationships" json:"relationships,omitempty"`
	Options       map[string]string `yaml:"options" json:"options,omitempty"`
}

type FieldDoc struct {
	Name       string   `yaml:"name" json:"name"`
	Type       string   `yaml:"type" json:"type"`
	Values     []string `yaml:"values" json:"values,omitempty"`
	Required   bool     `yaml:"required" json:"required,omitempty"`
	Unique     bool     `yaml:"unique" json:"unique,omitempty"`
	Default    any      `yaml:"default" json:"default,omitempty"`
	Serial     string   `yaml:"serial" json:"serial,omitempty"`
	References string   `yaml:"references" json:"references,omitempty"`
}

type RelationshipDoc struct {
	Name       string `yaml:"name" json:"name"`
	Target     string `yaml:"target" json:"target"`
	Kind       string `yaml:"kind" json:"kind"`
	Ownership  string `yaml:"ownership" json:"ownership,omitempty"`
	ForeignKey string `yaml:"foreign_key" json:"foreign_key,omitempty"`
}

type WorkflowDoc struct {
	Entity      string          `yaml:"entity" json:"entity"`
	Field       string          `yaml:"field" json:"field"`
	Initial     string          `yaml:"initial" json:"initial"`
	States      []StateDoc      `yaml:"states" json:"states"`
	Transitions []TransitionDoc `yaml:"transitions" json:"transitions,omitempty"`
}

type StateDoc struct {
	Name      string `yaml:"name" json:"name"`
	Immutable bool   `yaml:"immutable" json:"immutable,omitempty"`
}

type TransitionDoc struct {
	Name          string     `yaml:"name" json:"name"`
	From          string     `yaml:"from" json:"from"`
	To            string     `yaml:"to" json:"to"`
	Permission    string     `yaml:"permission" json:"permission,omitempty"`
	Preconditions []StepDoc  `yaml:"preconditions" json:"preconditions,omitempty"`
	Effects       []StepDoc  `yaml:"effects" json:"effects,omitempty"`
}

// StepDoc is a precondition or effect. Exactly one of Assert, Custom,
// Notify or Update is set.
type StepDoc struct {
	Assert  string            `yaml:"assert" json:"assert,omitempty"`
	Message string            `yaml:"message" json:"message,omitempty"`
	Custom  string            `yaml:"custom" json:"custom,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Kwargs  map[string]string `yaml:"kwargs" json:"kwargs,omitempty"`
	Notify  string            `yaml:"notify" json:"notify,omitempty"`
	Update  *UpdateDoc        `yaml:"update" json:"update,omitempty"`
}

type UpdateDoc struct {
	Field string `yaml:"field" json:"field"`
	Value string `yaml:"value" json:"value"`
}

type QueryDoc struct {
	Root      string         `yaml:"root" json:"root"`
	Kind      string         `yaml:"kind" json:"kind,omitempty"`
	Select    []SelectionDoc `yaml:"select" json:"select,omitempty"`
	Formulas  []FormulaDoc   `yaml:"formulas" json:"formulas,omitempty"`
	Filters   []string       `yaml:"filters" json:"filters,omitempty"`
	Joins     []JoinDoc      `yaml:"joins" json:"joins,omitempty"`
	GroupBy   []string       `yaml:"group_by" json:"group_by,omitempty"`
	Hierarchy *HierarchyDoc  `yaml:"hierarchy" json:"hierarchy,omitempty"`
}

type SelectionDoc struct {
	Field string `yaml:"field" json:"field"`
	Alias string `yaml:"alias" json:"alias,omitempty"`
}

type FormulaDoc struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

type JoinDoc struct {
	Target   string         `yaml:"target" json:"target"`
	Select   []SelectionDoc `yaml:"select" json:"select,omitempty"`
	Formulas []FormulaDoc   `yaml:"formulas" json:"formulas,omitempty"`
	Joins    []JoinDoc      `yaml:"joins" json:"joins,omitempty"`
}

type HierarchyDoc struct {
	ParentField string   `yaml:"parent_field" json:"parent_field"`
	Rollup      []string `yaml:"rollup" json:"rollup,omitempty"`
}

type PostingRuleDoc struct {
	Source      string           `yaml:"source" json:"source"`
	Description string           `yaml:"description" json:"description"`
	Date        string           `yaml:"date" json:"date"`
	Lines       []PostingLineDoc `yaml:"lines" json:"lines"`
}

type PostingLineDoc struct {
	Account string            `yaml:"account" json:"account"`
	Debit   string            `yaml:"debit" json:"debit,omitempty"`
	Credit  string            `yaml:"credit" json:"credit,omitempty"`
	Fields  map[string]string `yaml:"fields" json:"fields,omitempty"`
}

type SerialGeneratorDoc struct {
	Prefix     string `yaml:"prefix" json:"prefix,omitempty"`
	DateFormat string `yaml:"date_format" json:"date_format,omitempty"`
	Digits     int    `yaml:"digits" json:"digits"`
}

type ActionDoc struct {
	Params []string        `yaml:"params" json:"params,omitempty"`
	Steps  []ActionStepDoc `yaml:"steps" json:"steps"`
}

type ActionStepDoc struct {
	Type   string            `yaml:"type" json:"type"`
	Target string            `yaml:"target" json:"target,omitempty"`
	Args   map[string]string `yaml:"args" json:"args,omitempty"`
}

type RuleDoc struct {
	Name    string `yaml:"name" json:"name"`
	On      string `yaml:"on" json:"on"`
	Assert  string `yaml:"assert" json:"assert"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// builder accumulates problems so one pass reports all of them.
type builder struct {
	errs []error
}

func (b *builder) fail(path, format string, args ...any) {
	b.errs = append(b.errs, &Error{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (b *builder) parse(path, src string) expr.Expr {
	x, err := expr.Parse(src)
	if err != nil {
		b.fail(path, "%v", err)
		return nil
	}
	return x
}

func (b *builder) parseOptional(path, src string) expr.Expr {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	return b.parse(path, src)
}

// Build converts a Document into a validated Schema. Every problem found
// is reported; the returned error joins them.
func Build(doc *Document) (*Schema, error) {
	b := &builder{}
	s := &Schema{
		Name:             doc.Name,
		Version:          doc.Version,
		Entities:         make(map[string]*Entity, len(doc.Entities)),
		Workflows:        make(map[string]*Workflow, len(doc.Workflows)),
		Queries:          make(map[string]*Query, len(doc.Queries)),
		PostingRules:     make(map[string]*PostingRule, len(doc.PostingRules)),
		SerialGenerators: make(map[string]*SerialGenerator, len(doc.SerialGenerators)),
		Actions:          make(map[string]*Action, len(doc.Actions)),
	}
	if doc.Database != nil {
		s.Database = &Database{Type: doc.Database.Type, URL: doc.Database.URL}
	}

	for _, name := range slices.Sorted(maps.Keys(doc.Entities)) {
		s.Entities[name] = b.entity(name, doc.Entities[name])
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Workflows)) {
		s.Workflows[name] = b.workflow(name, doc.Workflows[name])
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Queries)) {
		s.Queries[name] = b.query(name, doc.Queries[name])
	}
	for _, name := range slices.Sorted(maps.Keys(doc.PostingRules)) {
		s.PostingRules[name] = b.postingRule(name, doc.PostingRules[name])
	}
	for name, g := range doc.SerialGenerators {
		s.SerialGenerators[name] = &SerialGenerator{
			Name:       name,
			Prefix:     g.Prefix,
			DateFormat: g.DateFormat,
			Digits:     g.Digits,
		}
	}
	for name, a := range doc.Actions {
		act := &Action{Name: name, Params: a.Params}
		for _, st := range a.Steps {
			act.Steps = append(act.Steps, ActionStep{Type: st.Type, Target: st.Target, Args: st.Args})
		}
		s.Actions[name] = act
	}
	for i, r := range doc.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		s.Rules = append(s.Rules, &Rule{
			Name:    r.Name,
			On:      r.On,
			Assert:  b.parse(path+".assert", r.Assert),
			Message: r.Message,
		})
	}

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *builder) entity(name string, d EntityDoc) *Entity {
	e := &Entity{Name: name, Table: d.Table, Options: d.Options}
	if e.Options == nil {
		e.Options = map[string]string{}
	}
	for i, f := range d.Fields {
		path := fmt.Sprintf("entities.%s.fields[%d]", name, i)
		field := Field{
			Name:       f.Name,
			Type:       FieldType(strings.ToLower(f.Type)),
			EnumValues: f.Values,
			Required:   f.Required,
			Unique:     f.Unique,
			Serial:     f.Serial,
			References: f.References,
		}
		if field.Type == "" {
			field.Type = TypeString
		}
		if f.Default != nil {
			v, err := value.FromAny(f.Default)
			if err != nil {
				b.fail(path+".default", "%v", err)
			}
			field.Default = v
		}
		e.Fields = append(e.Fields, field)
	}
	for _, r := range d.Relationships {
		rel := Relationship{
			Name:       r.Name,
			Target:     r.Target,
			Kind:       RelationKind(strings.ToLower(r.Kind)),
			Ownership:  Ownership(strings.ToLower(r.Ownership)),
			ForeignKey: r.ForeignKey,
		}
		if rel.Ownership == "" {
			rel.Ownership = Reference
		}
		e.Relationships = append(e.Relationships, rel)
	}
	return e
}

func (b *builder) workflow(name string, d WorkflowDoc) *Workflow {
	wf := &Workflow{Name: name, Entity: d.Entity, Field: d.Field, InitialState: d.Initial}
	for _, st := range d.States {
		wf.States = append(wf.States, State{Name: st.Name, Immutable: st.Immutable})
	}
	for i, t := range d.Transitions {
		path := fmt.Sprintf("workflows.%s.transitions[%d]", name, i)
		tr := Transition{Name: t.Name, From: t.From, To: t.To, Permission: t.Permission}
		for j, p := range t.Preconditions {
			if pre := b.precondition(fmt.Sprintf("%s.preconditions[%d]", path, j), p); pre != nil {
				tr.Preconditions = append(tr.Preconditions, pre)
			}
		}
		for j, e := range t.Effects {
			if eff := b.effect(fmt.Sprintf("%s.effects[%d]", path, j), e); eff != nil {
				tr.Effects = append(tr.Effects, eff)
			}
		}
		wf.Transitions = append(wf.Transitions, tr)
	}
	return wf
}

func (b *builder) custom(path string, d StepDoc) Custom {
	c := Custom{Name: d.Custom, Kwargs: d.Kwargs}
	for i, a := range d.Args {
		if x := b.parse(fmt.Sprintf("%s.args[%d]", path, i), a); x != nil {
			c.Args = append(c.Args, x)
		}
	}
	return c
}

func (b *builder) precondition(path string, d StepDoc) Precondition {
	switch {
	case d.Assert != "":
		x := b.parse(path+".assert", d.Assert)
		if x == nil {
			return nil
		}
		return Assertion{Expr: x, Message: d.Message}
	case d.Custom != "":
		return b.custom(path, d)
	}
	b.fail(path, "precondition needs 'assert' or 'custom'")
	return nil
}

func (b *builder) effect(path string, d StepDoc) Effect {
	switch {
	case d.Notify != "":
		return Notify{Topic: d.Notify}
	case d.Update != nil:
		if d.Update.Field == "" {
			b.fail(path+".update", "update effect needs a field")
			return nil
		}
		return UpdateField{Field: d.Update.Field, Value: d.Update.Value}
	case d.Custom != "":
		return b.custom(path, d)
	}
	b.fail(path, "effect needs 'notify', 'update' or 'custom'")
	return nil
}

func (b *builder) selections(docs []SelectionDoc) []Selection {
	out := make([]Selection, 0, len(docs))
	for _, d := range docs {
		out = append(out, Selection{Field: d.Field, Alias: d.Alias})
	}
	return out
}

func (b *builder) formulas(path string, docs []FormulaDoc) []Formula {
	var out []Formula
	for i, d := range docs {
		if x := b.parse(fmt.Sprintf("%s.formulas[%d]", path, i), d.Expr); x != nil {
			out = append(out, Formula{Name: d.Name, Expr: x})
		}
	}
	return out
}

func (b *builder) joins(path string, docs []JoinDoc) []Join {
	var out []Join
	for i, d := range docs {
		jp := fmt.Sprintf("%s.joins[%d]", path, i)
		out = append(out, Join{
			Target:     d.Target,
			Selections: b.selections(d.Select),
			Formulas:   b.formulas(jp, d.Formulas),
			Joins:      b.joins(jp, d.Joins),
		})
	}
	return out
}

func (b *builder) query(name string, d QueryDoc) *Query {
	path := "queries." + name
	q := &Query{
		Name:       name,
		Root:       d.Root,
		Kind:       QueryKind(strings.ToLower(d.Kind)),
		Selections: b.selections(d.Select),
		Formulas:   b.formulas(path, d.Formulas),
		Joins:      b.joins(path, d.Joins),
		GroupBy:    d.GroupBy,
	}
	if q.Kind == "" {
		q.Kind = QueryFlat
		if d.Hierarchy != nil {
			q.Kind = QueryHierarchy
		}
	}
	for i, f := range d.Filters {
		if x := b.parse(fmt.Sprintf("%s.filters[%d]", path, i), f); x != nil {
			q.Filters = append(q.Filters, x)
		}
	}
	if d.Hierarchy != nil {
		q.Hierarchy = &Hierarchy{ParentField: d.Hierarchy.ParentField, RollupFields: d.Hierarchy.Rollup}
	}
	return q
}

func (b *builder) postingRule(name string, d PostingRuleDoc) *PostingRule {
	path := "posting_rules." + name
	r := &PostingRule{
		Name:        name,
		Source:      d.Source,
		Description: b.parseOptional(path+".description", d.Description),
		Date:        b.parseOptional(path+".date", d.Date),
	}
	for i, l := range d.Lines {
		lp := fmt.Sprintf("%s.lines[%d]", path, i)
		line := PostingLine{
			Account: l.Account,
			Debit:   b.parseOptional(lp+".debit", l.Debit),
			Credit:  b.parseOptional(lp+".credit", l.Credit),
		}
		if len(l.Fields) > 0 {
			line.Fields = make(map[string]expr.Expr, len(l.Fields))
			for k, src := range l.Fields {
				if x := b.parse(lp+".fields."+k, src); x != nil {
					line.Fields[k] = x
				}
			}
		}
		r.Lines = append(r.Lines, line)
	}
	return r
}
