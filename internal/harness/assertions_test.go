package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/testutil"
	"github.com/roach88/gurih/internal/value"
	"github.com/roach88/gurih/internal/workflow"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocation(OpCreate, "Account", nil)
	r.AddCompletion(OpCreate, "Account", OutcomeOK, "a1", "")
	r.AddInvocation(OpUpdate, "JournalEntry", nil)
	r.AddCompletion(OpUpdate, "JournalEntry", "VALIDATION", "", "not balanced")
	r.AddInvocation(OpUpdate, "JournalEntry", nil)
	r.AddCompletion(OpUpdate, "JournalEntry", OutcomeOK, "", "")
	return r.Trace
}

func TestResultTrace(t *testing.T) {
	trace := sampleTrace()
	require.Len(t, trace, 6)
	for i, e := range trace {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, EventInvocation, trace[2].Type)
	assert.Equal(t, "update:JournalEntry", trace[3].Key())
}

func TestTraceAssertions(t *testing.T) {
	trace := sampleTrace()
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"contains", Assertion{Type: AssertTraceContains, Key: "create:Account"}, ""},
		{"contains with outcome", Assertion{Type: AssertTraceContains, Key: "update:JournalEntry", Outcome: "VALIDATION"}, ""},
		{
			"contains missing",
			Assertion{Type: AssertTraceContains, Key: "delete:Account"},
			"trace_contains assertion failed: expected delete:Account, got no matching completion",
		},
		{
			"contains wrong outcome",
			Assertion{Type: AssertTraceContains, Key: "create:Account", Outcome: "PERMISSION"},
			"expected create:Account with outcome PERMISSION",
		},
		{"order", Assertion{Type: AssertTraceOrder, Keys: []string{"create:Account", "update:JournalEntry"}}, ""},
		{
			"order reversed",
			Assertion{Type: AssertTraceOrder, Keys: []string{"update:JournalEntry", "create:Account"}},
			"create:Account not found after 1 matched steps",
		},
		{"count", Assertion{Type: AssertTraceCount, Key: "update:JournalEntry", Count: 2}, ""},
		{"count by outcome", Assertion{Type: AssertTraceCount, Key: "update:JournalEntry", Outcome: OutcomeOK, Count: 1}, ""},
		{
			"count mismatch",
			Assertion{Type: AssertTraceCount, Key: "create:Account", Count: 2},
			"expected 2 occurrences of create:Account, got 1 occurrences",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(context.Background(), &Result{Trace: trace}, []Assertion{tt.assertion}, nil, nil)
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestStateAssertions(t *testing.T) {
	ctx := context.Background()
	s := testutil.AppSchema(t)
	st := datastore.NewMemoryStore()
	for _, rec := range []value.Object{
		{"id": value.String("p1"), "name": value.String("Acme"), "email": value.String("a@acme.test")},
		{"id": value.String("p2"), "name": value.String("Globex")},
		{"id": value.String("p3"), "name": value.String("Globex")},
	} {
		_, err := st.Insert(ctx, "party", rec)
		require.NoError(t, err)
	}
	result := &Result{
		Bindings:      map[string]string{"acme": "p1"},
		Notifications: []workflow.Notification{{Topic: "journal_posted", Entity: "JournalEntry", RecordID: "je1"}},
	}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"final state", Assertion{Type: AssertFinalState, Entity: "Party", Where: map[string]any{"id": "$acme"}, Expect: map[string]any{"name": "Acme"}}, ""},
		{"absent field expected null", Assertion{Type: AssertFinalState, Entity: "Party", Where: map[string]any{"id": "p2"}, Expect: map[string]any{"email": nil}}, ""},
		{
			"field mismatch",
			Assertion{Type: AssertFinalState, Entity: "Party", Where: map[string]any{"id": "p1"}, Expect: map[string]any{"name": "Initech"}},
			`field "name" = Acme, want Initech`,
		},
		{
			"ambiguous",
			Assertion{Type: AssertFinalState, Entity: "Party", Where: map[string]any{"name": "Globex"}},
			"2 records matched (assertion is ambiguous)",
		},
		{
			"not found",
			Assertion{Type: AssertFinalState, Entity: "Party", Where: map[string]any{"name": "Hooli"}},
			"record in Party where name=Hooli",
		},
		{
			"unbound",
			Assertion{Type: AssertFinalState, Entity: "Party", Where: map[string]any{"id": "$who"}},
			"unbound reference $who",
		},
		{"count", Assertion{Type: AssertRecordCount, Entity: "Party", Where: map[string]any{"name": "Globex"}, Count: 2}, ""},
		{
			"count mismatch",
			Assertion{Type: AssertRecordCount, Entity: "Party", Count: 1},
			"expected 1 records in Party where (no conditions), got 3 records",
		},
		{"notified", Assertion{Type: AssertNotified, Topic: "journal_posted", Entity: "JournalEntry"}, ""},
		{
			"not notified",
			Assertion{Type: AssertNotified, Topic: "invoice_posted"},
			`expected notification "invoice_posted", got [journal_posted]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(ctx, result, []Assertion{tt.assertion}, st, s)
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestSubsetMismatch(t *testing.T) {
	rec := value.Object{
		"amount":  value.String("100.00"),
		"active":  value.Bool(true),
		"year":    value.Int(2024),
		"comment": value.Null{},
	}
	assert.Empty(t, subsetMismatch(rec, map[string]any{"amount": "100.00", "active": true, "year": 2024, "comment": nil}))
	assert.Equal(t, `field "amount" = 100.00, want 100`, subsetMismatch(rec, map[string]any{"amount": 100}))
	assert.Equal(t, `field "missing" is missing, want x`, subsetMismatch(rec, map[string]any{"missing": "x"}))
	assert.Equal(t, "no record returned", subsetMismatch(nil, map[string]any{"a": 1}))
}
