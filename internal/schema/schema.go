// Package schema holds the immutable application schema the runtime
// interprets: entities, workflows, queries, posting rules, serial
// generators, actions and rules.
//
// A Schema is built once by a loader (LoadYAML, LoadCUE), validated, and
// then shared read-only by every operation. Nothing in this package
// mutates a Schema after Build returns.
package schema

import (
	"strings"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/value"
)

// Schema is the root of the application definition.
type Schema struct {
	Name             string
	Version          string
	Database         *Database
	Entities         map[string]*Entity
	Workflows        map[string]*Workflow
	Queries          map[string]*Query
	PostingRules     map[string]*PostingRule
	SerialGenerators map[string]*SerialGenerator
	Actions          map[string]*Action
	Rules            []*Rule

	workflowByEntity map[string]*Workflow
}

// Database names the SQL dialect queries are compiled for.
type Database struct {
	Type string
	URL  string
}

// FieldType is the semantic type of a field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeText     FieldType = "text"
	TypeInteger  FieldType = "integer"
	TypeDecimal  FieldType = "decimal"
	TypeMoney    FieldType = "money"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypePassword FieldType = "password"
	TypeEnum     FieldType = "enum"
	TypeRelation FieldType = "relation"
	TypeSerial   FieldType = "serial"
	TypeEmail    FieldType = "email"
	TypeCode     FieldType = "code"
)

var knownFieldTypes = map[FieldType]bool{
	TypeString: true, TypeText: true, TypeInteger: true, TypeDecimal: true,
	TypeMoney: true, TypeBoolean: true, TypeDate: true, TypeDateTime: true,
	TypePassword: true, TypeEnum: true, TypeRelation: true, TypeSerial: true,
	TypeEmail: true, TypeCode: true,
}

// Entity is a named record type.
type Entity struct {
	Name          string
	Table         string
	Fields        []Field
	Relationships []Relationship
	Options       map[string]string
}

// Field describes one entity field.
type Field struct {
	Name       string
	Type       FieldType
	EnumValues []string
	Required   bool
	Unique     bool
	Default    value.Value
	Serial     string // serial generator name
	References string // target entity for relation fields
}

// RelationKind is the cardinality of a relationship.
type RelationKind string

const (
	BelongsTo RelationKind = "belongs_to"
	HasMany   RelationKind = "has_many"
	HasOne    RelationKind = "has_one"
)

// Ownership says whether a child's lifecycle is bound to its parent.
type Ownership string

const (
	Reference   Ownership = "reference"
	Composition Ownership = "composition"
)

// Relationship links an entity to a target entity.
type Relationship struct {
	Name       string
	Target     string
	Kind       RelationKind
	Ownership  Ownership
	ForeignKey string // defaults to "<name>_id"
}

// FK returns the field holding the foreign key on the owning side.
func (r Relationship) FK() string {
	if r.ForeignKey != "" {
		return r.ForeignKey
	}
	return r.Name + "_id"
}

// FKValue reads the foreign key from rec, accepting either "<name>_id" (or
// the declared key) or the bare relationship name.
func (r Relationship) FKValue(rec value.Object) string {
	for _, k := range []string{r.FK(), r.Name} {
		if v := rec.Get(k); !value.IsNull(v) {
			if s := value.Display(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// Workflow is a state machine bound to one field of one entity.
type Workflow struct {
	Name         string
	Entity       string
	Field        string
	InitialState string
	States       []State
	Transitions  []Transition
}

// State is a workflow state. An immutable state locks the record and its
// composition children.
type State struct {
	Name      string
	Immutable bool
}

// Transition is a named edge between two states.
type Transition struct {
	Name          string
	From          string
	To            string
	Permission    string
	Preconditions []Precondition
	Effects       []Effect
}

// Precondition is a sealed interface: Assertion or Custom.
type Precondition interface {
	precondition()
}

// Effect is a sealed interface: Notify, UpdateField or Custom.
type Effect interface {
	effect()
}

// Assertion must evaluate to boolean true.
type Assertion struct {
	Expr    expr.Expr
	Message string
}

func (Assertion) precondition() {}

// Custom is a plugin-dispatched precondition or effect.
type Custom struct {
	Name   string
	Args   []expr.Expr
	Kwargs map[string]string
}

func (Custom) precondition() {}
func (Custom) effect()       {}

// Notify emits a notification topic.
type Notify struct {
	Topic string
}

func (Notify) effect() {}

// UpdateField stages a raw value for a field. The Data Engine coerces it
// to the field's type.
type UpdateField struct {
	Field string
	Value string
}

func (UpdateField) effect() {}

// QueryKind selects the query execution path.
type QueryKind string

const (
	QueryFlat      QueryKind = "flat"
	QueryNested    QueryKind = "nested"
	QueryHierarchy QueryKind = "hierarchy"
)

// Query is a declarative query over a root entity.
type Query struct {
	Name       string
	Root       string
	Kind       QueryKind
	Selections []Selection
	Formulas   []Formula
	Filters    []expr.Expr
	Joins      []Join
	GroupBy    []string
	Hierarchy  *Hierarchy
}

// Selection picks a field, optionally renamed.
type Selection struct {
	Field string
	Alias string
}

// Formula is a computed column.
type Formula struct {
	Name string
	Expr expr.Expr
}

// Join pulls in a related entity, recursively.
type Join struct {
	Target     string
	Selections []Selection
	Formulas   []Formula
	Joins      []Join
}

// Hierarchy configures tree materialization with numeric rollups.
type Hierarchy struct {
	ParentField  string
	RollupFields []string
}

// PostingRule turns a source document into a journal entry.
type PostingRule struct {
	Name        string
	Source      string
	Description expr.Expr
	Date        expr.Expr
	Lines       []PostingLine
}

// PostingLine is one ledger line template.
type PostingLine struct {
	Account string // id, code or system_tag
	Debit   expr.Expr
	Credit  expr.Expr
	Fields  map[string]expr.Expr
}

// SerialGenerator produces prefix + date + zero-padded counter identifiers.
type SerialGenerator struct {
	Name       string
	Prefix     string
	DateFormat string
	Digits     int
}

// Action is a named multi-step operation.
type Action struct {
	Name   string
	Params []string
	Steps  []ActionStep
}

// ActionStep is one step of an Action. Type is "entity:delete",
// "entity:update" or a plugin step name.
type ActionStep struct {
	Type   string
	Target string
	Args   map[string]string
}

// Rule is an assertion bound to an entity lifecycle event.
type Rule struct {
	Name    string
	On      string // "<Entity>:<create|update|delete>"
	Assert  expr.Expr
	Message string
}

// Entity returns the named entity.
func (s *Schema) Entity(name string) (*Entity, bool) {
	e, ok := s.Entities[name]
	return e, ok
}

// Table returns the storage table for an entity name. Unknown entities
// fall back to the snake_case default.
func (s *Schema) Table(entity string) string {
	if e, ok := s.Entities[entity]; ok {
		return e.TableName()
	}
	return datastore.TableName(entity)
}

// WorkflowFor returns the workflow bound to an entity, if any.
func (s *Schema) WorkflowFor(entity string) (*Workflow, bool) {
	if s.workflowByEntity != nil {
		wf, ok := s.workflowByEntity[entity]
		return wf, ok
	}
	for _, wf := range s.Workflows {
		if wf.Entity == entity {
			return wf, true
		}
	}
	return nil, false
}

// RulesFor returns rules bound to "<entity>:<event>", in declaration order.
func (s *Schema) RulesFor(entity, event string) []*Rule {
	on := entity + ":" + event
	var out []*Rule
	for _, r := range s.Rules {
		if r.On == on {
			out = append(out, r)
		}
	}
	return out
}

// Dialect returns the configured database type, or "" when the schema
// does not name one.
func (s *Schema) Dialect() string {
	if s.Database == nil {
		return ""
	}
	return strings.ToLower(s.Database.Type)
}

// TableName returns the entity's storage table.
func (e *Entity) TableName() string {
	if e.Table != "" {
		return e.Table
	}
	return datastore.TableName(e.Name)
}

// Field returns the named field.
func (e *Entity) Field(name string) (*Field, bool) {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i], true
		}
	}
	return nil, false
}

// Relationship returns the named relationship.
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	for i := range e.Relationships {
		if e.Relationships[i].Name == name {
			return &e.Relationships[i], true
		}
	}
	return nil, false
}

// RelationshipTo returns the first relationship targeting entity.
func (e *Entity) RelationshipTo(target string) (*Relationship, bool) {
	for i := range e.Relationships {
		if e.Relationships[i].Target == target {
			return &e.Relationships[i], true
		}
	}
	return nil, false
}

// CompositionParents returns BelongsTo relationships with composition
// ownership: the parents whose immutability locks this entity.
func (e *Entity) CompositionParents() []Relationship {
	var out []Relationship
	for _, r := range e.Relationships {
		if r.Kind == BelongsTo && r.Ownership == Composition {
			out = append(out, r)
		}
	}
	return out
}

// Option returns an entity option or "".
func (e *Entity) Option(key string) string {
	return e.Options[key]
}

// Permission returns the permission string guarding verb on this entity:
// the "<verb>_permission" option if set, else "<verb>:<Entity>".
func (e *Entity) Permission(verb string) string {
	if p := e.Options[verb+"_permission"]; p != "" {
		return p
	}
	return verb + ":" + e.Name
}

// TrackChanges reports whether audit rows are written.
func (e *Entity) TrackChanges() bool {
	return strings.EqualFold(e.Options["track_changes"], "true")
}

// Versioned reports whether optimistic _version checks are enabled.
func (e *Entity) Versioned() bool {
	return strings.EqualFold(e.Options["versioned"], "true")
}

// State returns the named state.
func (w *Workflow) State(name string) (*State, bool) {
	for i := range w.States {
		if w.States[i].Name == name {
			return &w.States[i], true
		}
	}
	return nil, false
}

// Transition returns the transition from -> to.
func (w *Workflow) Transition(from, to string) (*Transition, bool) {
	for i := range w.Transitions {
		t := &w.Transitions[i]
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return nil, false
}

// IsImmutable reports whether state is declared immutable.
func (w *Workflow) IsImmutable(state string) bool {
	st, ok := w.State(state)
	return ok && st.Immutable
}
