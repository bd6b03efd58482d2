package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/gurih/internal/action"
	"github.com/roach88/gurih/internal/config"
	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/data"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/plugins"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/testutil"
	"github.com/roach88/gurih/internal/value"
	"github.com/roach88/gurih/internal/workflow"
)

// IDPrefix prefixes every id a scenario run generates.
const IDPrefix = "rec"

// scenarioHasher keeps password fields cheap to hash in scenarios.
var scenarioHasher = data.Argon2Hasher{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

// Option configures Run.
type Option func(*runner)

// WithSchema runs against s instead of loading the scenario's schema.
func WithSchema(s *schema.Schema) Option {
	return func(r *runner) {
		r.schema = s
	}
}

// WithLogger sets the logger handed to the engines.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.logger = l
		}
	}
}

type runner struct {
	sc      *Scenario
	schema  *schema.Schema
	logger  *slog.Logger
	store   *datastore.MemoryStore
	data    *data.Engine
	actions *action.Engine
	result  *Result

	mu    sync.Mutex
	notes []workflow.Notification
}

// stepOutput is what a step produced besides its error.
type stepOutput struct {
	ids    []string
	record value.Object
	rows   []value.Object
}

// Run executes a scenario on a fresh in-memory store.
//
// The returned error covers problems that keep the scenario from running
// at all: a missing schema, an unknown plugin, an invalid clock. Step and
// assertion failures are reported through Result.Errors.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	r := &runner{
		sc:     sc,
		logger: slog.New(slog.DiscardHandler),
		store:  datastore.NewMemoryStore(),
		result: NewResult(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.setup(); err != nil {
		return nil, err
	}

	for i, step := range sc.Setup {
		if _, err := r.execute(ctx, step); err != nil {
			r.result.AddError(fmt.Sprintf("setup[%d] %s %s: %v", i, step.Op, step.Target(), err))
			return r.finish(), nil
		}
	}
	for i, step := range sc.Flow {
		out, err := r.execute(ctx, step)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := r.checkExpect(step, out, err); msg != "" {
			r.result.AddError(fmt.Sprintf("flow[%d] %s %s: %s", i, step.Op, step.Target(), msg))
		}
	}

	for _, msg := range EvaluateAssertions(ctx, r.finish(), sc.Assertions, r.store, r.schema) {
		r.result.AddError(msg)
	}
	return r.result, nil
}

func (r *runner) setup() error {
	if r.schema == nil {
		path := r.sc.SchemaPath()
		if path == "" {
			return fmt.Errorf("scenario %s: no schema given", r.sc.Name)
		}
		s, err := schema.Load(path)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", r.sc.Name, err)
		}
		r.schema = s
	}
	now, err := r.sc.Clock()
	if err != nil {
		return err
	}
	clock := testutil.NewFixedClock(now)

	names := r.sc.Plugins
	if len(names) == 0 {
		names = config.KnownPlugins
	}
	registry, err := plugins.Registry(names, r.logger, clock.Now)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", r.sc.Name, err)
	}

	r.data = data.New(r.schema, r.store,
		data.WithClock(clock.Now),
		data.WithIDGenerator(testutil.NewSequentialIDs(IDPrefix).Next),
		data.WithPasswordHasher(scenarioHasher),
		data.WithPlugins(registry),
		data.WithNotifier(workflow.NotifierFunc(r.notify)),
		data.WithLogger(r.logger),
		// Sequential validation keeps id assignment in record order.
		data.WithBatchConcurrency(1),
	)
	r.actions = action.New(r.data, registry, action.WithLogger(r.logger))
	return nil
}

func (r *runner) notify(_ context.Context, n workflow.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *runner) finish() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Notifications = append([]workflow.Notification(nil), r.notes...)
	return r.result
}

func (r *runner) rc(step Step) core.RuntimeContext {
	u := step.User
	if u == nil {
		u = r.sc.User
	}
	if u == nil {
		return core.SystemContext()
	}
	return core.RuntimeContext{UserID: u.ID, Roles: u.Roles, Permissions: u.Permissions}
}

// execute runs one step and records its invocation and completion.
func (r *runner) execute(ctx context.Context, step Step) (stepOutput, error) {
	target := step.Target()
	args, err := r.args(step)
	r.result.AddInvocation(step.Op, target, args)
	if err != nil {
		r.result.AddCompletion(step.Op, target, string(core.ErrCodeValidation), "", err.Error())
		return stepOutput{}, core.Validation("%v", err)
	}

	out, err := r.dispatch(ctx, step)
	if err != nil {
		r.result.AddCompletion(step.Op, target, outcome(err), "", core.MessageOf(err))
		return out, err
	}
	r.result.AddCompletion(step.Op, target, OutcomeOK, strings.Join(out.ids, ","), "")
	r.bind(step, out.ids)
	return out, nil
}

func outcome(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CANCELLED"
	}
	if code := core.CodeOf(err); code != "" {
		return string(code)
	}
	return string(core.ErrCodeInternal)
}

func (r *runner) bind(step Step, ids []string) {
	if step.As == "" || len(ids) == 0 {
		return
	}
	if step.Op == OpCreateMany {
		for i, id := range ids {
			r.result.Bindings[fmt.Sprintf("%s.%d", step.As, i+1)] = id
		}
		return
	}
	r.result.Bindings[step.As] = ids[0]
}

func (r *runner) dispatch(ctx context.Context, step Step) (stepOutput, error) {
	rc := r.rc(step)
	switch step.Op {
	case OpCreate:
		rec, err := r.object(step.Record)
		if err != nil {
			return stepOutput{}, err
		}
		id, err := r.data.Create(ctx, step.Entity, rec, rc)
		if err != nil {
			return stepOutput{}, err
		}
		return stepOutput{ids: []string{id}}, nil

	case OpCreateMany:
		recs := make([]value.Object, 0, len(step.Records))
		for _, m := range step.Records {
			rec, err := r.object(m)
			if err != nil {
				return stepOutput{}, err
			}
			recs = append(recs, rec)
		}
		ids, err := r.data.CreateMany(ctx, step.Entity, recs, rc)
		if err != nil {
			return stepOutput{}, err
		}
		return stepOutput{ids: ids}, nil

	case OpRead:
		rec, err := r.data.Read(ctx, step.Entity, r.ref(step.ID), rc)
		return stepOutput{record: rec}, err

	case OpUpdate:
		patch, err := r.object(step.Record)
		if err != nil {
			return stepOutput{}, err
		}
		return stepOutput{}, r.data.Update(ctx, step.Entity, r.ref(step.ID), patch, rc)

	case OpDelete:
		return stepOutput{}, r.data.Delete(ctx, step.Entity, r.ref(step.ID), rc)

	case OpList:
		rows, err := r.data.List(ctx, step.Entity, r.filters(step.Filters),
			datastore.Page{Limit: step.Limit, Offset: step.Offset}, rc)
		return stepOutput{rows: rows}, err

	case OpPost:
		doc, err := r.data.Read(ctx, step.Entity, r.ref(step.ID), rc)
		if err != nil {
			return stepOutput{}, err
		}
		id, err := r.data.ExecutePosting(ctx, step.Rule, doc, rc)
		if err != nil {
			return stepOutput{}, err
		}
		return stepOutput{ids: []string{id}}, nil

	case OpAction:
		params := make(map[string]string, len(step.Params))
		for k, v := range step.Params {
			params[k] = r.ref(v)
		}
		return stepOutput{}, r.actions.Execute(ctx, step.Action, params, rc)
	}
	return stepOutput{}, core.Workflow("unknown op '%s'", step.Op)
}

// args renders the step's resolved arguments for the trace.
func (r *runner) args(step Step) (map[string]any, error) {
	args := make(map[string]any)
	if step.ID != "" {
		id, err := r.lookup(step.ID)
		if err != nil {
			return args, err
		}
		args["id"] = id
	}
	if step.Record != nil {
		rec, err := r.resolveMap(step.Record)
		if err != nil {
			return args, err
		}
		args["record"] = rec
	}
	if len(step.Records) > 0 {
		recs := make([]any, 0, len(step.Records))
		for _, m := range step.Records {
			rec, err := r.resolveMap(m)
			if err != nil {
				return args, err
			}
			recs = append(recs, rec)
		}
		args["records"] = recs
	}
	if len(step.Filters) > 0 {
		f := make(map[string]any, len(step.Filters))
		for k, v := range r.filters(step.Filters) {
			f[k] = v
		}
		args["filters"] = f
	}
	if len(step.Params) > 0 {
		p := make(map[string]any, len(step.Params))
		for k, v := range step.Params {
			id, err := r.lookup(v)
			if err != nil {
				return args, err
			}
			p[k] = id
		}
		args["params"] = p
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

// lookup resolves a $name reference. Other strings pass through.
func (r *runner) lookup(s string) (string, error) {
	name, ok := strings.CutPrefix(s, "$")
	if !ok {
		return s, nil
	}
	id, ok := r.result.Bindings[name]
	if !ok {
		return "", fmt.Errorf("unbound reference %s", s)
	}
	return id, nil
}

// ref is lookup for values args already validated.
func (r *runner) ref(s string) string {
	id, err := r.lookup(s)
	if err != nil {
		return s
	}
	return id
}

func (r *runner) resolve(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return r.lookup(x)
	case map[string]any:
		return r.resolveMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			rv, err := r.resolve(e)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	return v, nil
}

func (r *runner) resolveMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		rv, err := r.resolve(v)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (r *runner) object(m map[string]any) (value.Object, error) {
	resolved, err := r.resolveMap(m)
	if err != nil {
		return nil, core.Validation("%v", err)
	}
	v, err := value.FromAny(resolved)
	if err != nil {
		return nil, core.Validation("invalid record: %v", err)
	}
	obj, ok := v.(value.Object)
	if !ok {
		return value.Object{}, nil
	}
	return obj, nil
}

func (r *runner) filters(f map[string]string) datastore.Filters {
	if len(f) == 0 {
		return nil
	}
	out := make(datastore.Filters, len(f))
	for k, v := range f {
		out[k] = r.ref(v)
	}
	return out
}

// checkExpect compares a step outcome with its expect clause and returns a
// failure description, or "".
func (r *runner) checkExpect(step Step, out stepOutput, err error) string {
	exp := step.Expect
	if exp == nil {
		exp = &Expect{}
	}
	if exp.Error == "" {
		if err != nil {
			return fmt.Sprintf("expected success, got %s: %s", outcome(err), core.MessageOf(err))
		}
	} else {
		if err == nil {
			return fmt.Sprintf("expected %s error, got success", exp.Error)
		}
		if got := outcome(err); got != exp.Error {
			return fmt.Sprintf("expected %s error, got %s: %s", exp.Error, got, core.MessageOf(err))
		}
		if exp.Message != "" && !strings.Contains(core.MessageOf(err), exp.Message) {
			return fmt.Sprintf("expected message containing %q, got %q", exp.Message, core.MessageOf(err))
		}
		return ""
	}
	if exp.Count != nil && len(out.rows) != *exp.Count {
		return fmt.Sprintf("expected %d rows, got %d", *exp.Count, len(out.rows))
	}
	if len(exp.Record) > 0 {
		want, rerr := r.resolveMap(exp.Record)
		if rerr != nil {
			return rerr.Error()
		}
		if msg := subsetMismatch(out.record, want); msg != "" {
			return msg
		}
	}
	return ""
}
