package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/testutil"
)

func TestScenarioFiles(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			sc, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(context.Background(), sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestGoldenTrace(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/suspend_payroll.yaml")
	require.NoError(t, err)

	result := RunWithGolden(t, sc)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, map[string]string{"emp": "rec-0001"}, result.Bindings)
}

func inline(t *testing.T, body string) *Scenario {
	t.Helper()
	sc, err := ParseScenario([]byte(body))
	require.NoError(t, err)
	return sc
}

func run(t *testing.T, sc *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), sc, WithSchema(testutil.AppSchema(t)))
	require.NoError(t, err)
	return result
}

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	result := run(t, inline(t, `
name: wrong_expectations
flow:
  - op: create
    entity: Party
    record: {name: Acme}
    expect: {error: VALIDATION}
  - op: create
    entity: Party
    record: {}
  - op: list
    entity: Party
    expect: {count: 3}
`))

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Equal(t, "flow[0] create Party: expected VALIDATION error, got success", result.Errors[0])
	assert.Contains(t, result.Errors[1], "flow[1] create Party: expected success, got VALIDATION")
	assert.Equal(t, "flow[2] list Party: expected 3 rows, got 1", result.Errors[2])
}

func TestRun_ErrorMessageMismatch(t *testing.T) {
	result := run(t, inline(t, `
name: message_mismatch
flow:
  - op: read
    entity: Party
    id: nope
    expect: {error: NOT_FOUND, message: "something else"}
`))

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `got "Record 'nope' not found in entity 'Party'"`)
}

func TestRun_SetupFailureAborts(t *testing.T) {
	result := run(t, inline(t, `
name: broken_setup
setup:
  - op: create
    entity: Nowhere
    record: {name: x}
flow:
  - op: list
    entity: Party
assertions:
  - type: record_count
    entity: Party
    count: 5
`))

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1, "flow and assertions are skipped")
	assert.Contains(t, result.Errors[0], "setup[0] create Nowhere")
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "WORKFLOW", result.Trace[1].Outcome)
}

func TestRun_UnboundReference(t *testing.T) {
	result := run(t, inline(t, `
name: unbound
flow:
  - op: read
    entity: Party
    id: $missing
    expect: {error: VALIDATION, message: "unbound reference $missing"}
`))

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "VALIDATION", result.Trace[1].Outcome)
}

func TestRun_CreateManyBindsEachID(t *testing.T) {
	result := run(t, inline(t, `
name: bulk
flow:
  - op: create_many
    entity: Party
    as: p
    records:
      - {name: One}
      - {name: Two}
  - op: read
    entity: Party
    id: $p.2
    expect:
      record: {name: Two, id: $p.2}
assertions:
  - type: final_state
    entity: Party
    where: {name: One}
    expect: {id: $p.1}
`))

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "rec-0001", result.Bindings["p.1"])
	assert.Equal(t, "rec-0002", result.Bindings["p.2"])
	assert.Equal(t, "rec-0001,rec-0002", result.Trace[1].ID)
}

func TestRun_ScenarioUser(t *testing.T) {
	result := run(t, inline(t, `
name: restricted
user: {id: viewer, permissions: ["read:Party"]}
flow:
  - op: list
    entity: Party
  - op: create
    entity: Party
    record: {name: Acme}
    expect: {error: PERMISSION, message: "create:Party"}
`))

	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_WithoutSchema(t *testing.T) {
	sc := inline(t, `
name: no_schema
flow:
  - op: list
    entity: Party
`)
	_, err := Run(context.Background(), sc)
	assert.EqualError(t, err, "scenario no_schema: no schema given")
}

func TestRun_UnknownPlugin(t *testing.T) {
	sc := inline(t, `
name: bad_plugin
plugins: [payroll]
flow:
  - op: list
    entity: Party
`)
	_, err := Run(context.Background(), sc, WithSchema(testutil.AppSchema(t)))
	assert.EqualError(t, err, `scenario bad_plugin: unknown plugin "payroll"`)
}
