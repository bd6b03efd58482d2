package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/value"
)

const invoiceYAML = `
name: billing
database:
  type: postgres
serial_generators:
  InvoiceNumber: {prefix: "INV-", date_format: "YYYY", digits: 4}
entities:
  Party:
    fields:
      - {name: name, type: string, required: true}
  Invoice:
    options:
      track_changes: "true"
      delete_permission: public
    fields:
      - {name: number, type: serial, serial: InvoiceNumber}
      - {name: customer, type: relation, references: Party}
      - {name: total_amount, type: money, required: true, default: "0"}
      - {name: status, type: enum, values: [Draft, Posted]}
    relationships:
      - {name: customer, target: Party, kind: belongs_to}
  InvoiceLine:
    fields:
      - {name: invoice, type: relation, references: Invoice}
      - {name: amount, type: money}
    relationships:
      - {name: invoice, target: Invoice, kind: belongs_to, ownership: composition, foreign_key: invoice}
workflows:
  InvoiceFlow:
    entity: Invoice
    field: status
    initial: Draft
    states:
      - {name: Draft}
      - {name: Posted, immutable: true}
    transitions:
      - name: post
        from: Draft
        to: Posted
        permission: approve_invoice
        preconditions:
          - {assert: "total_amount > 0", message: "must be positive"}
          - {custom: period_open, args: ["AccountingPeriod"], kwargs: {strict: "true"}}
        effects:
          - {notify: posted}
          - {update: {field: total_amount, value: "1"}}
          - {custom: post_journal, args: ["'InvoicePosting'"]}
queries:
  OpenInvoices:
    root: Invoice
    select: [{field: number}, {field: total_amount, alias: total}]
    filters: ["status == 'Draft'"]
    joins: [{target: Party, select: [{field: name}]}]
rules:
  - {name: positive, on: "Invoice:create", assert: "total_amount > 0", message: "positive"}
`

func TestParseYAML(t *testing.T) {
	s, err := ParseYAML([]byte(invoiceYAML))
	require.NoError(t, err)

	assert.Equal(t, "billing", s.Name)
	assert.Equal(t, "postgres", s.Dialect())

	inv, ok := s.Entity("Invoice")
	require.True(t, ok)
	assert.Equal(t, "invoice", inv.TableName())
	assert.True(t, inv.TrackChanges())
	assert.False(t, inv.Versioned())
	assert.Equal(t, "create:Invoice", inv.Permission("create"))
	assert.Equal(t, "public", inv.Permission("delete"))

	total, ok := inv.Field("total_amount")
	require.True(t, ok)
	assert.Equal(t, TypeMoney, total.Type)
	assert.Equal(t, value.String("0"), total.Default)

	rel, ok := inv.Relationship("customer")
	require.True(t, ok)
	assert.Equal(t, Reference, rel.Ownership)
	assert.Equal(t, "customer_id", rel.FK())

	line, _ := s.Entity("InvoiceLine")
	parents := line.CompositionParents()
	require.Len(t, parents, 1)
	assert.Equal(t, "invoice", parents[0].FK())
	assert.Equal(t, "inv1", parents[0].FKValue(value.Object{"invoice": value.String("inv1")}))

	wf, ok := s.WorkflowFor("Invoice")
	require.True(t, ok)
	assert.Equal(t, "Draft", wf.InitialState)
	assert.True(t, wf.IsImmutable("Posted"))
	assert.False(t, wf.IsImmutable("Draft"))

	tr, ok := wf.Transition("Draft", "Posted")
	require.True(t, ok)
	assert.Equal(t, "approve_invoice", tr.Permission)
	require.Len(t, tr.Preconditions, 2)
	assertion, ok := tr.Preconditions[0].(Assertion)
	require.True(t, ok)
	assert.Equal(t, "total_amount > 0", assertion.Expr.String())
	custom, ok := tr.Preconditions[1].(Custom)
	require.True(t, ok)
	assert.Equal(t, "period_open", custom.Name)
	assert.Equal(t, &expr.Field{Path: "AccountingPeriod"}, custom.Args[0])
	assert.Equal(t, "true", custom.Kwargs["strict"])

	require.Len(t, tr.Effects, 3)
	assert.Equal(t, Notify{Topic: "posted"}, tr.Effects[0])
	assert.Equal(t, UpdateField{Field: "total_amount", Value: "1"}, tr.Effects[1])

	_, ok = wf.Transition("Posted", "Draft")
	assert.False(t, ok)

	q := s.Queries["OpenInvoices"]
	assert.Equal(t, QueryFlat, q.Kind)
	assert.Equal(t, "Party", q.Joins[0].Target)

	assert.Len(t, s.RulesFor("Invoice", "create"), 1)
	assert.Empty(t, s.RulesFor("Invoice", "update"))
	assert.Equal(t, "party", s.Table("Party"))
	assert.Equal(t, "ledger_entry", s.Table("LedgerEntry"))
}

func TestParseYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := ParseYAML([]byte("name: x\nentitys: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entitys")
}

func TestBuildReportsEveryProblem(t *testing.T) {
	doc := `
entities:
  Order:
    fields:
      - {name: total, type: monies}
      - {name: code, type: serial, serial: Missing}
      - {name: kind, type: enum}
    relationships:
      - {name: owner, target: Nobody, kind: belongs_to}
workflows:
  OrderFlow:
    entity: Order
    field: state
    initial: New
    states: [{name: Open}, {name: Open}]
    transitions:
      - {name: go, from: Open, to: Gone}
queries:
  Q:
    root: Ghost
    kind: hierarchy
posting_rules:
  P:
    source: Order
    lines: [{account: ""}]
rules:
  - {name: r, on: "Order", assert: "true"}
`
	_, err := ParseYAML([]byte(doc))
	require.Error(t, err)

	msgs := map[string]bool{}
	for _, e := range Errors(err) {
		msgs[e.Message] = true
	}
	for _, want := range []string{
		`unknown field type "monies"`,
		`unknown serial generator "Missing"`,
		`enum field "kind" declares no values`,
		`unknown target entity "Nobody"`,
		`entity "Order" has no field "state"`,
		`duplicate state "Open"`,
		`initial state "New" is not declared`,
		`unknown to state "Gone"`,
		`unknown root entity "Ghost"`,
		"hierarchy query needs a parent_field",
		"account is required",
		"line needs a debit or credit expression",
		`'on' must be <Entity>:<event>, got "Order"`,
	} {
		assert.True(t, msgs[want], "missing error %q in %v", want, err)
	}
}

func TestBuildReportsExpressionErrors(t *testing.T) {
	doc := `
entities:
  A:
    fields: [{name: x, type: integer}]
rules:
  - {name: r, on: "A:create", assert: "x >", message: "m"}
`
	_, err := ParseYAML([]byte(doc))
	require.Error(t, err)
	errs := Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, "rules[0].assert", errs[0].Path)
}

func TestLoadApplicationFixture(t *testing.T) {
	s, err := Load(filepath.Join("..", "testutil", "testdata", "app.yaml"))
	require.NoError(t, err)

	for _, name := range []string{"Account", "JournalEntry", "JournalLine", "Invoice", "Employee"} {
		_, ok := s.Entity(name)
		assert.True(t, ok, name)
	}
	_, ok := s.WorkflowFor("JournalEntry")
	assert.True(t, ok)
	assert.Equal(t, QueryHierarchy, s.Queries["AccountTree"].Kind)
}

const invoiceCUE = `package test

name: "billing"
entities: {
	Invoice: {
		fields: [
			{name: "total_amount", type: "money", required: true},
			{name: "status", type: "enum", values: ["Draft", "Posted"]},
		]
	}
}
workflows: {
	InvoiceFlow: {
		entity: "Invoice"
		field:  "status"
		initial: "Draft"
		states: [{name: "Draft"}, {name: "Posted", immutable: true}]
		transitions: [{name: "post", from: "Draft", to: "Posted"}]
	}
}
`

func TestLoadCUE(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.cue"), []byte(invoiceCUE), 0o644))

	s, err := LoadCUE(dir)
	require.NoError(t, err)

	wf, ok := s.WorkflowFor("Invoice")
	require.True(t, ok)
	assert.True(t, wf.IsImmutable("Posted"))

	// A single file path loads the same package.
	s2, err := Load(filepath.Join(dir, "app.cue"))
	require.NoError(t, err)
	assert.Equal(t, s.Name, s2.Name)
}

func TestLoadCUEErrorsCarryPositions(t *testing.T) {
	bad := `package test

entities: {
	Invoice: {
		fields: [{name: "status", type: "string"}]
	}
}
workflows: {
	Flow: {
		entity: "Invoice"
		field: "status"
		initial: "Nowhere"
		states: [{name: "Draft"}]
	}
}
`
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(bad), 0o644))

	_, err := LoadCUE(dir)
	require.Error(t, err)
	errs := Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, "workflows.Flow", errs[0].Path)
	assert.True(t, errs[0].Pos.IsValid())
	assert.Contains(t, err.Error(), "bad.cue")
}

func TestLoadCUEEmptyDirectory(t *testing.T) {
	_, err := LoadCUE(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CUE files")
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
