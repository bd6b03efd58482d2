package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ResolvesSchemaPath(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/post_journal.yaml")
	require.NoError(t, err)

	assert.Equal(t, "post_journal", sc.Name)
	assert.True(t, filepath.IsAbs(sc.SchemaPath()))
	assert.Equal(t, "app.yaml", filepath.Base(sc.SchemaPath()))
	_, err = os.Stat(sc.SchemaPath())
	assert.NoError(t, err)

	require.Len(t, sc.Setup, 6)
	assert.Equal(t, OpCreateMany, sc.Setup[5].Op)
	assert.Len(t, sc.Setup[5].Records, 2)
	require.NotNil(t, sc.Flow[0].Expect)
	assert.Equal(t, "VALIDATION", sc.Flow[0].Expect.Error)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/absent.yaml")
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing name", "flow: [{op: list, entity: Party}]", "name is required"},
		{"empty flow", "name: x", "flow must contain at least one step"},
		{"unknown key", "name: x\nflows: []", "field flows not found"},
		{"unknown op", "name: x\nflow: [{op: upsert, entity: Party}]", `flow[0]: unknown op "upsert"`},
		{"read without id", "name: x\nflow: [{op: read, entity: Party}]", "flow[0]: read step requires id"},
		{"missing entity", "name: x\nflow: [{op: list}]", "flow[0]: list step requires entity"},
		{"empty create_many", "name: x\nflow: [{op: create_many, entity: Party}]", "create_many step requires records"},
		{"action without name", "name: x\nflow: [{op: action}]", "action step requires action"},
		{"post without rule", "name: x\nflow: [{op: post, entity: Invoice, id: a}]", "post step requires rule, entity and id"},
		{
			"expect in setup",
			"name: x\nsetup: [{op: list, entity: Party, expect: {count: 1}}]\nflow: [{op: list, entity: Party}]",
			"setup[0]: setup steps cannot carry expect",
		},
		{"bad clock", "name: x\nnow: tomorrow\nflow: [{op: list, entity: Party}]", `now "tomorrow"`},
		{
			"unknown assertion",
			"name: x\nflow: [{op: list, entity: Party}]\nassertions: [{type: eventually}]",
			`assertions[0]: unknown assertion type "eventually"`,
		},
		{
			"short trace order",
			"name: x\nflow: [{op: list, entity: Party}]\nassertions: [{type: trace_order, keys: [a]}]",
			"trace_order requires at least two keys",
		},
		{
			"notified without topic",
			"name: x\nflow: [{op: list, entity: Party}]\nassertions: [{type: notified}]",
			"notified requires topic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestScenarioClock(t *testing.T) {
	tests := []struct {
		now  string
		want time.Time
	}{
		{"", time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03-15", time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)},
		{"2024-03-15T09:30:00+02:00", time.Date(2024, time.March, 15, 7, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			got, err := (&Scenario{Now: tt.now}).Clock()
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestStepTarget(t *testing.T) {
	assert.Equal(t, "Party", Step{Op: OpList, Entity: "Party"}.Target())
	assert.Equal(t, "ReverseJournal", Step{Op: OpAction, Action: "ReverseJournal"}.Target())
	assert.Equal(t, "InvoicePosting", Step{Op: OpPost, Rule: "InvoicePosting", Entity: "Invoice"}.Target())
}
