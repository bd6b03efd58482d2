package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one runnable conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Schema is the schema file or CUE directory, relative to the scenario
	// file. Run accepts a preloaded schema through WithSchema instead.
	Schema string `yaml:"schema,omitempty"`

	// Now freezes the clock, as YYYY-MM-DD or RFC 3339. Defaults to
	// 2024-01-01.
	Now string `yaml:"now,omitempty"`

	// Plugins lists plugin names in dispatch order. Empty means all.
	Plugins []string `yaml:"plugins,omitempty"`

	// User runs every step that does not name its own user. Empty means
	// the system context.
	User *User `yaml:"user,omitempty"`

	// Setup steps must succeed; the first failure aborts the run.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow steps are checked against their expect clauses.
	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions,omitempty"`

	// dir is where the scenario file lives.
	dir string
}

// User is the caller a step runs as.
type User struct {
	ID          string   `yaml:"id"`
	Roles       []string `yaml:"roles,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
}

// Step operations.
const (
	OpCreate     = "create"
	OpCreateMany = "create_many"
	OpRead       = "read"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpList       = "list"
	OpPost       = "post"
	OpAction     = "action"
)

var knownOps = []string{OpCreate, OpCreateMany, OpRead, OpUpdate, OpDelete, OpList, OpPost, OpAction}

// Step is one operation against the Data Engine or the Action Engine.
type Step struct {
	Op string `yaml:"op"`

	// Entity is the entity, or for list a query name.
	Entity string `yaml:"entity,omitempty"`

	// ID addresses read, update and delete, and the source document of a
	// post.
	ID string `yaml:"id,omitempty"`

	// As binds the created id (create, post) or the ids of create_many as
	// As.1, As.2 and so on.
	As string `yaml:"as,omitempty"`

	Record  map[string]any   `yaml:"record,omitempty"`
	Records []map[string]any `yaml:"records,omitempty"`

	Filters map[string]string `yaml:"filters,omitempty"`
	Limit   int               `yaml:"limit,omitempty"`
	Offset  int               `yaml:"offset,omitempty"`

	// Rule names the posting rule of a post step.
	Rule string `yaml:"rule,omitempty"`

	// Action and Params drive an action step.
	Action string            `yaml:"action,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`

	User *User `yaml:"user,omitempty"`

	// Expect checks the outcome. Nil means the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Target is the trace target of the step.
func (s Step) Target() string {
	if s.Op == OpAction {
		return s.Action
	}
	if s.Op == OpPost {
		return s.Rule
	}
	return s.Entity
}

// Expect describes the expected outcome of a step.
type Expect struct {
	// Error is the expected error code, such as VALIDATION. Empty expects
	// success.
	Error string `yaml:"error,omitempty"`

	// Message must appear in the error message.
	Message string `yaml:"message,omitempty"`

	// Record is a subset the record returned by read must contain.
	Record map[string]any `yaml:"record,omitempty"`

	// Count is the number of rows list must return.
	Count *int `yaml:"count,omitempty"`
}

// Assertion checks the trace or the final store contents.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Key is "op:target" for trace_contains and trace_count.
	Key string `yaml:"key,omitempty"`

	// Outcome narrows trace_contains to completions with this outcome.
	Outcome string `yaml:"outcome,omitempty"`

	// Keys is the expected order for trace_order.
	Keys []string `yaml:"keys,omitempty"`

	Count int `yaml:"count,omitempty"`

	// Entity, Where and Expect drive final_state and record_count.
	Entity string         `yaml:"entity,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Topic is the notification topic for notified.
	Topic string `yaml:"topic,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertRecordCount   = "record_count"
	AssertNotified      = "notified"
)

var knownAssertions = []string{
	AssertTraceContains, AssertTraceOrder, AssertTraceCount,
	AssertFinalState, AssertRecordCount, AssertNotified,
}

// LoadScenario reads a scenario file. Unknown keys are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve scenario dir: %w", err)
	}
	sc.dir = abs
	return sc, nil
}

// ParseScenario decodes and validates scenario YAML. A relative schema
// path resolves against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// SchemaPath returns the schema location resolved against the scenario
// file, or "" when none is set.
func (s *Scenario) SchemaPath() string {
	if s.Schema == "" || filepath.IsAbs(s.Schema) || s.dir == "" {
		return s.Schema
	}
	return filepath.Join(s.dir, s.Schema)
}

// Clock returns the frozen scenario time.
func (s *Scenario) Clock() (time.Time, error) {
	if s.Now == "" {
		return time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	}
	if t, err := time.Parse(time.DateOnly, s.Now); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s.Now)
	if err != nil {
		return time.Time{}, fmt.Errorf("now %q: expected YYYY-MM-DD or RFC 3339", s.Now)
	}
	return t.UTC(), nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must contain at least one step")
	}
	if _, err := s.Clock(); err != nil {
		return err
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot carry expect", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	if !slices.Contains(knownOps, s.Op) {
		return fmt.Errorf("unknown op %q", s.Op)
	}
	switch s.Op {
	case OpAction:
		if s.Action == "" {
			return fmt.Errorf("action step requires action")
		}
		return nil
	case OpPost:
		if s.Rule == "" || s.Entity == "" || s.ID == "" {
			return fmt.Errorf("post step requires rule, entity and id")
		}
		return nil
	}
	if s.Entity == "" {
		return fmt.Errorf("%s step requires entity", s.Op)
	}
	switch s.Op {
	case OpRead, OpUpdate, OpDelete:
		if s.ID == "" {
			return fmt.Errorf("%s step requires id", s.Op)
		}
	case OpCreateMany:
		if len(s.Records) == 0 {
			return fmt.Errorf("create_many step requires records")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	if !slices.Contains(knownAssertions, a.Type) {
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Key == "" {
			return fmt.Errorf("%s requires key", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Keys) < 2 {
			return fmt.Errorf("trace_order requires at least two keys")
		}
	case AssertFinalState, AssertRecordCount:
		if a.Entity == "" {
			return fmt.Errorf("%s requires entity", a.Type)
		}
	case AssertNotified:
		if a.Topic == "" {
			return fmt.Errorf("notified requires topic")
		}
	}
	return nil
}
