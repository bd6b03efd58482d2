package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/gurih/internal/value"
)

// Snapshot renders the deterministic parts of a result (trace and
// notifications) as canonical JSON.
func Snapshot(name string, r *Result) ([]byte, error) {
	trace := make([]any, len(r.Trace))
	for i, e := range r.Trace {
		m := map[string]any{
			"type":   e.Type,
			"seq":    e.Seq,
			"op":     e.Op,
			"target": e.Target,
		}
		if e.Args != nil {
			m["args"] = e.Args
		}
		if e.Outcome != "" {
			m["outcome"] = e.Outcome
		}
		if e.ID != "" {
			m["id"] = e.ID
		}
		if e.Message != "" {
			m["message"] = e.Message
		}
		trace[i] = m
	}
	notes := make([]any, len(r.Notifications))
	for i, n := range r.Notifications {
		notes[i] = map[string]any{
			"topic":     n.Topic,
			"entity":    n.Entity,
			"record_id": n.RecordID,
		}
	}
	v, err := value.FromAny(map[string]any{
		"scenario":      name,
		"trace":         trace,
		"notifications": notes,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	return value.MarshalCanonical(v)
}

// RunWithGolden runs the scenario and compares its snapshot with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario, opts ...Option) *Result {
	t.Helper()
	result, err := Run(context.Background(), sc, opts...)
	if err != nil {
		t.Fatalf("run scenario %s: %v", sc.Name, err)
	}
	AssertGolden(t, sc.Name, result)
	return result
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	data, err := Snapshot(name, result)
	if err != nil {
		t.Fatalf("%v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
