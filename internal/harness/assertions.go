package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/value"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s assertion failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// completions returns the completion events in trace order.
func completions(trace []TraceEvent) []TraceEvent {
	out := make([]TraceEvent, 0, len(trace)/2)
	for _, e := range trace {
		if e.Type == EventCompletion {
			out = append(out, e)
		}
	}
	return out
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range completions(trace) {
		if e.Key() != a.Key {
			continue
		}
		if a.Outcome == "" || e.Outcome == a.Outcome {
			return nil
		}
	}
	want := a.Key
	if a.Outcome != "" {
		want += " with outcome " + a.Outcome
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: want,
		Actual:   "no matching completion",
	}
}

// assertTraceOrder checks that the keys complete in the given relative
// order. Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, e := range completions(trace) {
		if next < len(a.Keys) && e.Key() == a.Keys[next] {
			next++
		}
	}
	if next == len(a.Keys) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Keys, " -> "),
		Actual:   fmt.Sprintf("%s not found after %d matched steps", a.Keys[next], next),
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range completions(trace) {
		if e.Key() == a.Key && (a.Outcome == "" || e.Outcome == a.Outcome) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Key),
			Actual:   fmt.Sprintf("%d occurrences", count),
		}
	}
	return nil
}

// whereFilters resolves $references in an assertion's where clause.
func whereFilters(where map[string]any, bindings map[string]string) (datastore.Filters, error) {
	f := make(datastore.Filters, len(where))
	for k, v := range where {
		s := value.Display(value.Of(v))
		if name, ok := strings.CutPrefix(s, "$"); ok {
			id, bound := bindings[name]
			if !bound {
				return nil, fmt.Errorf("unbound reference %s", s)
			}
			s = id
		}
		f[k] = s
	}
	return f, nil
}

// assertFinalState finds exactly one record matching Where and checks
// Expect against it with subset semantics.
func assertFinalState(ctx context.Context, st datastore.DataStore, s *schema.Schema, r *Result, a Assertion) error {
	where, err := whereFilters(a.Where, r.Bindings)
	if err != nil {
		return err
	}
	rows, err := st.Find(ctx, s.Table(a.Entity), where)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s", a.Entity),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record in %s where %s", a.Entity, formatWhere(where)),
			Actual:   "record not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one record in %s where %s", a.Entity, formatWhere(where)),
			Actual:   fmt.Sprintf("%d records matched (assertion is ambiguous)", len(rows)),
		}
	}

	expect := make(map[string]any, len(a.Expect))
	for k, v := range a.Expect {
		if str, ok := v.(string); ok {
			if name, ref := strings.CutPrefix(str, "$"); ref {
				if id, bound := r.Bindings[name]; bound {
					v = id
				}
			}
		}
		expect[k] = v
	}
	if msg := subsetMismatch(rows[0], expect); msg != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s where %s to match", a.Entity, formatWhere(where)),
			Actual:   msg,
		}
	}
	return nil
}

func assertRecordCount(ctx context.Context, st datastore.DataStore, s *schema.Schema, r *Result, a Assertion) error {
	where, err := whereFilters(a.Where, r.Bindings)
	if err != nil {
		return err
	}
	n, err := st.Count(ctx, s.Table(a.Entity), where)
	if err != nil {
		return fmt.Errorf("record_count %s: %w", a.Entity, err)
	}
	if n != int64(a.Count) {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d records in %s where %s", a.Count, a.Entity, formatWhere(where)),
			Actual:   fmt.Sprintf("%d records", n),
		}
	}
	return nil
}

func assertNotified(r *Result, a Assertion) error {
	for _, n := range r.Notifications {
		if n.Topic == a.Topic && (a.Entity == "" || n.Entity == a.Entity) {
			return nil
		}
	}
	topics := make([]string, 0, len(r.Notifications))
	for _, n := range r.Notifications {
		topics = append(topics, n.Topic)
	}
	return &AssertionError{
		Type:     AssertNotified,
		Expected: fmt.Sprintf("notification %q", a.Topic),
		Actual:   fmt.Sprintf("%v", topics),
	}
}

// subsetMismatch compares every expected field with rec by plain-text
// rendering, the same way store filters compare. It returns "" on match.
func subsetMismatch(rec value.Object, expected map[string]any) string {
	if rec == nil {
		return "no record returned"
	}
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		want := value.Of(expected[k])
		got := rec.Get(k)
		if value.IsNull(want) {
			if !value.IsNull(got) {
				return fmt.Sprintf("field %q = %s, want null", k, value.Display(got))
			}
			continue
		}
		if value.IsNull(got) {
			return fmt.Sprintf("field %q is missing, want %s", k, value.Display(want))
		}
		if value.Display(got) != value.Display(want) {
			return fmt.Sprintf("field %q = %s, want %s", k, value.Display(got), value.Display(want))
		}
	}
	return ""
}

// formatWhere renders filters deterministically for messages.
func formatWhere(where datastore.Filters) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(ctx context.Context, r *Result, assertions []Assertion, st datastore.DataStore, s *schema.Schema) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(r.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(r.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(r.Trace, a)
		case AssertFinalState:
			err = assertFinalState(ctx, st, s, r, a)
		case AssertRecordCount:
			err = assertRecordCount(ctx, st, s, r, a)
		case AssertNotified:
			err = assertNotified(r, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
