package harness

import "github.com/roach88/gurih/internal/workflow"

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// OutcomeOK marks a completion without error. Failed completions carry the
// error code instead.
const OutcomeOK = "ok"

// TraceEvent is one entry of a scenario trace. An invocation records the
// operation and its resolved arguments; the matching completion records
// the outcome and, for creates, the new id.
type TraceEvent struct {
	Type    string         `json:"type"`
	Seq     int64          `json:"seq"`
	Op      string         `json:"op"`
	Target  string         `json:"target"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Key is the "op:target" form trace assertions match against.
func (e TraceEvent) Key() string {
	return e.Op + ":" + e.Target
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Bindings maps the names given with as to the ids they captured.
	Bindings map[string]string `json:"bindings,omitempty"`

	// Notifications holds every workflow topic delivered during the run.
	Notifications []workflow.Notification `json:"notifications,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Bindings: make(map[string]string),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) nextSeq() int64 {
	return int64(len(r.Trace)) + 1
}

// AddInvocation appends an invocation event.
func (r *Result) AddInvocation(op, target string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventInvocation,
		Seq:    r.nextSeq(),
		Op:     op,
		Target: target,
		Args:   args,
	})
}

// AddCompletion appends the completion for the latest invocation.
func (r *Result) AddCompletion(op, target, outcome, id, message string) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    EventCompletion,
		Seq:     r.nextSeq(),
		Op:      op,
		Target:  target,
		Outcome: outcome,
		ID:      id,
		Message: message,
	})
}
