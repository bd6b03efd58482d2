package data

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/core"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/datastore/sqlstore"
	"github.com/roach88/gurih/internal/expr"
	"github.com/roach88/gurih/internal/plugin"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/schema"
	"github.com/roach88/gurih/internal/testutil"
	"github.com/roach88/gurih/internal/value"
	"github.com/roach88/gurih/internal/workflow"
)

// poster raises the posting rule named by post_journal's first argument.
type poster struct{}

func (poster) Name() string { return "poster" }

func (poster) CheckPrecondition(context.Context, plugin.Env, schema.Custom, value.Object) (bool, error) {
	return false, nil
}

func (poster) ApplyEffect(_ context.Context, _ plugin.Env, call schema.Custom, _ string, _ value.Object) (plugin.Effect, bool, error) {
	if call.Name != "post_journal" {
		return plugin.Effect{}, false, nil
	}
	rule, _ := plugin.ArgString(call.Args, 0)
	return plugin.Effect{Postings: []string{rule}}, true, nil
}

func (poster) ExecuteActionStep(context.Context, schema.ActionStep, map[string]string, plugin.DataAccess, core.RuntimeContext) (bool, error) {
	return false, nil
}

// marker stands in for a plugin whose effect writes related records: each
// snapshot_parties effect inserts one row into the marker table.
type marker struct{}

func (marker) Name() string { return "marker" }

func (marker) CheckPrecondition(context.Context, plugin.Env, schema.Custom, value.Object) (bool, error) {
	return false, nil
}

func (marker) ApplyEffect(_ context.Context, env plugin.Env, call schema.Custom, _ string, rec value.Object) (plugin.Effect, bool, error) {
	if call.Name != "snapshot_parties" {
		return plugin.Effect{}, false, nil
	}
	write := func(ctx context.Context) error {
		_, err := env.Store.Insert(ctx, "marker", value.Object{"entry": value.String(rec.ID())})
		return err
	}
	return plugin.Effect{Writes: []func(context.Context) error{write}}, true, nil
}

func (marker) ExecuteActionStep(context.Context, schema.ActionStep, map[string]string, plugin.DataAccess, core.RuntimeContext) (bool, error) {
	return false, nil
}

// obj builds a record from alternating keys and values.
func obj(kv ...any) value.Object {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return value.ObjectOf(m)
}

// fastHasher keeps password tests quick.
var fastHasher = Argon2Hasher{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}

type fixture struct {
	engine *Engine
	store  *datastore.MemoryStore
	clock  *testutil.FixedClock
	sent   []workflow.Notification
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: datastore.NewMemoryStore(),
		clock: testutil.Date(2024, time.March, 15),
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("rec").Next),
		WithPasswordHasher(fastHasher),
		WithPlugins(plugin.NewRegistry([]plugin.Plugin{poster{}})),
		WithNotifier(workflow.NotifierFunc(func(_ context.Context, n workflow.Notification) {
			f.sent = append(f.sent, n)
		})),
	}
	f.engine = New(testutil.AppSchema(t), f.store, append(base, opts...)...)
	return f
}

func (f *fixture) create(t *testing.T, entity string, rec value.Object) string {
	t.Helper()
	id, err := f.engine.Create(context.Background(), entity, rec, core.SystemContext())
	require.NoError(t, err)
	return id
}

func (f *fixture) read(t *testing.T, entity, id string) value.Object {
	t.Helper()
	rec, err := f.engine.Read(context.Background(), entity, id, core.SystemContext())
	require.NoError(t, err)
	return rec
}

func (f *fixture) ledger(t *testing.T) (cash, sales string) {
	t.Helper()
	cash = f.create(t, "Account", obj("code", "101", "name", "Cash", "type", "Asset"))
	sales = f.create(t, "Account", obj("code", "401", "name", "Sales", "type", "Revenue"))
	return cash, sales
}

func (f *fixture) audits(t *testing.T, action string) []value.Object {
	t.Helper()
	rows, err := f.store.Find(context.Background(), datastore.AuditTable, datastore.Filters{"action": action})
	require.NoError(t, err)
	return rows
}

func TestCreateAppliesDefaultsAndCoerces(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "Account", obj(
		"code", "101", "name", "Cash", "type", "Asset", "balance", 12.5,
	))

	rec := f.read(t, "Account", id)
	assert.Equal(t, value.String("12.50"), rec.Get("balance"))
	assert.Equal(t, value.Bool(false), rec.Get("is_group"))
	assert.Equal(t, value.Bool(true), rec.Get("is_active"))
	assert.Equal(t, "rec-0001", id)
}

func TestCreateSetsInitialState(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "Employee", obj("name", "Ana"))
	assert.Equal(t, value.String("Active"), f.read(t, "Employee", id).Get("status"))
	assert.Equal(t, value.Bool(true), f.read(t, "Employee", id).Get("is_payroll_active"))
}

func TestCreateRejections(t *testing.T) {
	tests := []struct {
		name    string
		entity  string
		rec     value.Object
		code    core.ErrorCode
		message string
	}{
		{
			name:    "missing required",
			entity:  "Account",
			rec:     obj("code", "101", "type", "Asset"),
			code:    core.ErrCodeValidation,
			message: "Missing required field: name",
		},
		{
			name:    "empty string counts as missing",
			entity:  "Party",
			rec:     obj("name", ""),
			code:    core.ErrCodeValidation,
			message: "Missing required field: name",
		},
		{
			name:    "enum outside values",
			entity:  "Account",
			rec:     obj("code", "1", "name", "X", "type", "Cash"),
			code:    core.ErrCodeValidation,
			message: "Invalid value 'Cash' for field type: expected one of Asset, Liability, Equity, Revenue, Expense",
		},
		{
			name:    "money not numeric",
			entity:  "Invoice",
			rec:     obj("date", "2024-03-01", "total_amount", "lots"),
			code:    core.ErrCodeValidation,
			message: "Invalid type for field: total_amount",
		},
		{
			name:    "bad date",
			entity:  "Invoice",
			rec:     obj("date", "2024-02-30", "total_amount", 10),
			code:    core.ErrCodeValidation,
			message: "Invalid date for field date: 2024-02-30",
		},
		{
			name:    "bad email",
			entity:  "Party",
			rec:     obj("name", "Acme", "email", "not-an-address"),
			code:    core.ErrCodeValidation,
			message: "Invalid email for field email: not-an-address",
		},
		{
			name:    "rule violated",
			entity:  "Invoice",
			rec:     obj("date", "2024-03-01", "total_amount", 0),
			code:    core.ErrCodeValidation,
			message: "Invoice total must be positive",
		},
		{
			name:    "unknown entity",
			entity:  "Nope",
			rec:     value.Object{},
			code:    core.ErrCodeWorkflow,
			message: "Entity 'Nope' not defined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Create(context.Background(), tt.entity, tt.rec, core.SystemContext())
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
			assert.Equal(t, tt.message, core.MessageOf(err))
		})
	}
}

func TestCreateRejectedRecordConsumesNoSerial(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(context.Background(), "Invoice",
		obj("date", "2024-03-01", "total_amount", -1), core.SystemContext())
	require.Error(t, err)

	id := f.create(t, "Invoice", obj("date", "2024-03-01", "total_amount", 10))
	assert.Equal(t, value.String("INV-202403-00001"), f.read(t, "Invoice", id).Get("invoice_number"))
}

func TestSerialNumbers(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "JournalEntry", obj("date", "2024-03-01"))
	second := f.create(t, "JournalEntry", obj("date", "2024-03-02"))

	assert.Equal(t, value.String("JE/2024/0001"), f.read(t, "JournalEntry", first).Get("entry_number"))
	assert.Equal(t, value.String("JE/2024/0002"), f.read(t, "JournalEntry", second).Get("entry_number"))

	f.clock.Set(time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC))
	third := f.create(t, "JournalEntry", obj("date", "2025-01-02"))
	assert.Equal(t, value.String("JE/2025/0001"), f.read(t, "JournalEntry", third).Get("entry_number"))

	_, err := f.engine.NextSerial(context.Background(), "Missing")
	assert.Equal(t, "Serial generator 'Missing' not found", core.MessageOf(err))
}

// sqlless hides the memory store's Sequencer so the table-backed counter
// is used.
type sqlless struct{ datastore.DataStore }

func TestSerialFallbackCounter(t *testing.T) {
	store := sqlless{datastore.NewMemoryStore()}
	clock := testutil.Date(2024, time.March, 15)
	e := New(testutil.AppSchema(t), store, WithClock(clock.Now))

	for _, want := range []string{"JE/2024/0001", "JE/2024/0002", "JE/2024/0003"} {
		got, err := e.NextSerial(context.Background(), "JournalNumber")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	rows, err := store.Find(context.Background(), sequenceTable, datastore.Filters{"name": "JournalNumber"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "3", value.Display(rows[0].Get("value")))
}

func TestFormatSerialDate(t *testing.T) {
	at := time.Date(2024, time.July, 9, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		format string
		want   string
	}{
		{"", ""},
		{"YYYY/", "2024/"},
		{"YYYYMMDD-", "20240709-"},
		{"%Y%m-", "202407-"},
		{"%y/%d", "24/09"},
		{"100%%", "100%"},
		{"%q", "%q"},
		{"50%", "50%"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSerialDate(tt.format, at))
		})
	}
}

func TestPasswordFieldIsHashed(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.Create(context.Background(), "User",
		obj("username", "ana", "password", "s3cret"), core.RuntimeContext{})
	require.NoError(t, err, "User create is public")

	stored, ok := f.read(t, "User", id).Str("password")
	require.True(t, ok)
	assert.NotEqual(t, "s3cret", stored)

	match, err := VerifyPassword(stored, "s3cret")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = VerifyPassword(stored, "wrong")
	require.NoError(t, err)
	assert.False(t, match)

	_, err = VerifyPassword("plain", "s3cret")
	assert.Error(t, err)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reader := core.RuntimeContext{UserID: "u1", Permissions: []string{"read:Account"}}

	_, err := f.engine.Create(ctx, "Account", obj("code", "1", "name", "X", "type", "Asset"), reader)
	require.Error(t, err)
	assert.True(t, core.IsPermissionError(err))
	assert.Equal(t, "Missing permission 'create:Account' to create entity 'Account'", core.MessageOf(err))

	id := f.create(t, "Account", obj("code", "1", "name", "X", "type", "Asset"))
	_, err = f.engine.Read(ctx, "Account", id, reader)
	assert.NoError(t, err)

	err = f.engine.Update(ctx, "Account", id, obj("name", "Y"), reader)
	assert.Equal(t, "Missing permission 'update:Account' to update entity 'Account'", core.MessageOf(err))

	err = f.engine.Delete(ctx, "Account", id, reader)
	assert.Equal(t, "Missing permission 'delete:Account' to delete entity 'Account'", core.MessageOf(err))

	_, err = f.engine.List(ctx, "Party", nil, datastore.Page{}, reader)
	assert.Equal(t, "Missing permission 'read:Party' to read entity 'Party'", core.MessageOf(err))
}

func TestReadMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Read(context.Background(), "Party", "ghost", core.SystemContext())
	require.Error(t, err)
	assert.True(t, core.IsNotFoundError(err))
	assert.Equal(t, "Record 'ghost' not found in entity 'Party'", core.MessageOf(err))
}

func TestUpdateMergesAndAudits(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "JournalEntry", obj("date", "2024-03-01", "description", "draft"))

	err := f.engine.Update(context.Background(), "JournalEntry", id,
		obj("description", "edited"), core.SystemContext())
	require.NoError(t, err)

	rec := f.read(t, "JournalEntry", id)
	assert.Equal(t, value.String("edited"), rec.Get("description"))
	assert.Equal(t, value.String("2024-03-01"), rec.Get("date"))
	assert.Equal(t, value.Int(2), rec.Get("_version"))

	updates := f.audits(t, AuditUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, value.String("system"), updates[0].Get("user_id"))
	assert.Equal(t, value.String("2024-03-15T00:00:00Z"), updates[0].Get("timestamp"))
	diff, err := value.ParseObject([]byte(value.Display(updates[0].Get("diff"))))
	require.NoError(t, err)
	assert.Equal(t, obj("old", "draft", "new", "edited"), diff.Get("description"))

	assert.Len(t, f.audits(t, AuditCreate), 1)
}

func TestUpdateVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "JournalEntry", obj("date", "2024-03-01"))

	require.NoError(t, f.engine.Update(ctx, "JournalEntry", id,
		obj("description", "a", "_version", 1), core.SystemContext()))

	err := f.engine.Update(ctx, "JournalEntry", id,
		obj("description", "b", "_version", 1), core.SystemContext())
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))
	assert.Equal(t, "Record '"+id+"' was modified concurrently: version 1 is stale, current is 2", core.MessageOf(err))
}

func TestTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "Employee", obj("name", "Ana", "join_date", "2000-01-01"))

	err := f.engine.Update(ctx, "Employee", id, obj("status", "Nowhere"), core.SystemContext())
	assert.Equal(t, "Invalid value 'Nowhere' for field status: expected one of Active, Suspended, Retired", core.MessageOf(err))

	clerk := core.RuntimeContext{UserID: "clerk", Permissions: []string{"update:Employee", "read:Employee"}}
	err = f.engine.Update(ctx, "Employee", id, obj("status", "Retired"), clerk)
	require.Error(t, err)
	assert.Equal(t, "Missing permission 'retire:Employee' for transition", core.MessageOf(err))

	require.NoError(t, f.engine.Update(ctx, "Employee", id, obj("status", "Retired"), core.SystemContext()))
	rec := f.read(t, "Employee", id)
	assert.Equal(t, value.String("Retired"), rec.Get("status"))
	assert.Equal(t, value.Bool(false), rec.Get("is_payroll_active"), "update effect applied")

	err = f.engine.Update(ctx, "Employee", id, obj("name", "Other"), core.SystemContext())
	assert.Equal(t, "Cannot update record because it is in immutable state 'Retired'", core.MessageOf(err))

	err = f.engine.Delete(ctx, "Employee", id, core.SystemContext())
	assert.Equal(t, "Cannot delete record in immutable state 'Retired'", core.MessageOf(err))
}

func TestUndeclaredTransition(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "AccountingPeriod", obj("name", "P1", "start_date", "2024-01-01", "end_date", "2024-01-31"))

	err := f.engine.Update(context.Background(), "AccountingPeriod", id, obj("status", "Closed"), core.SystemContext())
	require.Error(t, err)
	assert.True(t, core.IsWorkflowError(err))
	assert.Equal(t, "Invalid transition from 'Draft' to 'Closed' for entity 'AccountingPeriod'", core.MessageOf(err))
}

func TestCompositionLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash, sales := f.ledger(t)
	entry := f.create(t, "JournalEntry", obj("date", "2024-03-01"))

	line := f.create(t, "JournalLine", obj("journal_entry", entry, "account", cash, "debit", 10))
	f.create(t, "JournalLine", obj("journal_entry", entry, "account", sales, "credit", 10))

	require.NoError(t, f.engine.Update(ctx, "JournalEntry", entry, obj("status", "Posted"), core.SystemContext()))
	require.Len(t, f.sent, 1)
	assert.Equal(t, workflow.Notification{Topic: "journal_posted", Entity: "JournalEntry", RecordID: entry}, f.sent[0])

	_, err := f.engine.Create(ctx, "JournalLine", obj("journal_entry", entry, "account", cash, "debit", 1), core.SystemContext())
	assert.Equal(t, "Cannot modify record because parent 'JournalEntry' is in immutable state 'Posted'", core.MessageOf(err))

	err = f.engine.Update(ctx, "JournalLine", line, obj("debit", 20), core.SystemContext())
	assert.Equal(t, "Cannot modify record because parent 'JournalEntry' is in immutable state 'Posted'", core.MessageOf(err))

	err = f.engine.Delete(ctx, "JournalLine", line, core.SystemContext())
	assert.Equal(t, "Cannot modify record because parent 'JournalEntry' is in immutable state 'Posted'", core.MessageOf(err))
}

func TestGroupAccountRule(t *testing.T) {
	f := newFixture(t)
	group := f.create(t, "Account", obj("code", "1", "name", "Assets", "type", "Asset", "is_group", true))
	entry := f.create(t, "JournalEntry", obj("date", "2024-03-01"))

	_, err := f.engine.Create(context.Background(), "JournalLine",
		obj("journal_entry", entry, "account", group, "debit", 1), core.SystemContext())
	require.Error(t, err)
	assert.Equal(t, "Cannot post to a group account", core.MessageOf(err))
}

func TestCreateManyReportsEarliestFailure(t *testing.T) {
	f := newFixture(t)
	recs := []value.Object{
		obj("name", "ok"),
		obj("email", "x@example.com"),
		obj("name", "bad", "email", "nope"),
	}
	_, err := f.engine.CreateMany(context.Background(), "Party", recs, core.SystemContext())
	require.Error(t, err)
	assert.Equal(t, "Missing required field: name", core.MessageOf(err))

	rows, err := f.store.List(context.Background(), "party", datastore.Page{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	ids, err := f.engine.CreateMany(context.Background(), "Party", recs[:1], core.SystemContext())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestInvoicePosting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cash, sales := f.ledger(t)
	inv := f.create(t, "Invoice", obj("date", "2024-03-10", "total_amount", "250.5"))

	require.NoError(t, f.engine.Update(ctx, "Invoice", inv, obj("status", "Posted"), core.SystemContext()))

	entries, err := f.store.List(ctx, "journal_entry", datastore.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, value.String("Invoice INV-202403-00001"), entry.Get("description"))
	assert.Equal(t, value.String("2024-03-10"), entry.Get("date"))
	assert.Equal(t, value.String("Draft"), entry.Get("status"))
	assert.Equal(t, value.String("JE/2024/0001"), entry.Get("entry_number"))

	lines, err := f.store.Find(ctx, "journal_line", datastore.Filters{"journal_entry": entry.ID()})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, value.String(cash), lines[0].Get("account"))
	assert.Equal(t, value.String("250.50"), lines[0].Get("debit"))
	assert.Equal(t, value.String("0.00"), lines[0].Get("credit"))
	assert.Equal(t, value.String(sales), lines[1].Get("account"))
	assert.Equal(t, value.String("250.50"), lines[1].Get("credit"))
	assert.Equal(t, value.String("Sales revenue"), lines[1].Get("description"))

	assert.Equal(t, []workflow.Notification{{Topic: "invoice_posted", Entity: "Invoice", RecordID: inv}}, f.sent)

	err = f.engine.Update(ctx, "Invoice", inv, obj("total_amount", 1), core.SystemContext())
	assert.Equal(t, "Cannot update record because it is in immutable state 'Posted'", core.MessageOf(err))
}

func TestInvoicePostingWorkedExample(t *testing.T) {
	tests := []struct {
		name  string
		total any
	}{
		{"decimal text", "1000.00"},
		{"integer", 1000},
		{"exponent", "1e3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			cash, sales := f.ledger(t)
			inv := f.create(t, "Invoice", obj("date", "2024-03-10", "total_amount", tt.total))
			assert.Equal(t, value.String("1000.00"), f.read(t, "Invoice", inv).Get("total_amount"))

			require.NoError(t, f.engine.Update(ctx, "Invoice", inv, obj("status", "Posted"), core.SystemContext()))

			entries, err := f.store.List(ctx, "journal_entry", datastore.Page{})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			lines, err := f.store.Find(ctx, "journal_line", datastore.Filters{"journal_entry": entries[0].ID()})
			require.NoError(t, err)
			require.Len(t, lines, 2)

			// "101" and "401" are account codes; lines reference the ids.
			byAccount := map[string]value.Object{}
			for _, ln := range lines {
				byAccount[ln.StrOr("account", "")] = ln
				assert.Equal(t, value.String(entries[0].ID()), ln.Get("journal_entry"))
			}
			require.Contains(t, byAccount, cash)
			require.Contains(t, byAccount, sales)
			assert.Equal(t, value.String("1000.00"), byAccount[cash].Get("debit"))
			assert.Equal(t, value.String("0.00"), byAccount[cash].Get("credit"))
			assert.Equal(t, value.String("1000.00"), byAccount[sales].Get("credit"))
			assert.Equal(t, value.String("0.00"), byAccount[sales].Get("debit"))
			assert.Equal(t, value.String("Posted"), f.read(t, "Invoice", inv).Get("status"))
		})
	}
}

func TestMoneyRejectsHugeExponent(t *testing.T) {
	f := newFixture(t)
	for _, total := range []any{"1e2000000000", "1e-2000000000", "5e65"} {
		_, err := f.engine.Create(context.Background(), "Invoice",
			obj("date", "2024-03-10", "total_amount", total), core.SystemContext())
		require.Error(t, err, total)
		assert.True(t, core.IsValidationError(err), total)
		assert.Equal(t, "Invalid type for field: total_amount", core.MessageOf(err))
	}
	n, err := f.store.Count(context.Background(), "invoice", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRejectedUpdateRunsNoEffectWrites(t *testing.T) {
	f := newFixture(t, WithPlugins(plugin.NewRegistry([]plugin.Plugin{marker{}, poster{}})))
	ctx := context.Background()
	entry := f.create(t, "JournalEntry", obj("date", "2024-03-10"))

	s := f.engine.Schema()
	base := s.Rules
	s.Rules = append(s.Rules[:len(base):len(base)], &schema.Rule{
		Name:    "frozen",
		On:      "JournalEntry:update",
		Assert:  expr.MustParse("status == 'Draft'"),
		Message: "Journal is frozen",
	})

	err := f.engine.Update(ctx, "JournalEntry", entry, obj("status", "Posted"), core.SystemContext())
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))
	assert.Equal(t, "Journal is frozen", core.MessageOf(err))

	n, err := f.store.Count(ctx, "marker", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, value.String("Draft"), f.read(t, "JournalEntry", entry).Get("status"))
	assert.Empty(t, f.sent)

	s.Rules = base
	require.NoError(t, f.engine.Update(ctx, "JournalEntry", entry, obj("status", "Posted"), core.SystemContext()))
	n, err = f.store.Count(ctx, "marker", datastore.Filters{"entry": entry})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostingFailureLeavesSourceUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.create(t, "Invoice", obj("date", "2024-03-10", "total_amount", 10))

	err := f.engine.Update(ctx, "Invoice", inv, obj("status", "Posted"), core.SystemContext())
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))
	assert.Equal(t, "Posting failed: Account '101' not found", core.MessageOf(err))
	assert.Equal(t, value.String("Draft"), f.read(t, "Invoice", inv).Get("status"))
	assert.Empty(t, f.sent)
}

func TestResolveAccountBySystemTag(t *testing.T) {
	f := newFixture(t)
	re := f.create(t, "Account", obj("code", "300", "name", "RE", "type", "Equity", "system_tag", "retained_earnings"))

	for _, term := range []string{re, "300", "retained_earnings"} {
		got, err := f.engine.resolveAccount(context.Background(), term)
		require.NoError(t, err, term)
		assert.Equal(t, re, got)
	}
}

func TestDeleteAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "JournalEntry", obj("date", "2024-03-01"))

	require.NoError(t, f.engine.Delete(ctx, "JournalEntry", id, core.SystemContext()))
	_, err := f.engine.Read(ctx, "JournalEntry", id, core.SystemContext())
	assert.True(t, core.IsNotFoundError(err))

	deletes := f.audits(t, AuditDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, value.Null{}, deletes[0].Get("diff"))
	assert.Equal(t, value.String(id), deletes[0].Get("record_id"))

	err = f.engine.Delete(ctx, "JournalEntry", id, core.SystemContext())
	assert.True(t, core.IsNotFoundError(err))
}

func TestListEntity(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		typ := "Asset"
		if name == "c" {
			typ = "Expense"
		}
		f.create(t, "Account", obj("code", name, "name", name, "type", typ))
	}
	ctx := context.Background()

	rows, err := f.engine.List(ctx, "Account", nil, datastore.Page{Limit: 2, Offset: 1}, core.SystemContext())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, value.String("b"), rows[0].Get("code"))

	rows, err = f.engine.List(ctx, "Account", datastore.Filters{"type": "Asset"}, datastore.Page{Offset: 2}, core.SystemContext())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, value.String("d"), rows[0].Get("code"))

	_, err = f.engine.List(ctx, "Ghost", nil, datastore.Page{}, core.SystemContext())
	assert.Equal(t, "Entity or Query 'Ghost' not defined", core.MessageOf(err))
}

func TestListQueryWithoutSQL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.List(ctx, "TrialBalance", nil, datastore.Page{}, core.SystemContext())
	require.Error(t, err)
	assert.True(t, core.IsWorkflowError(err))
	assert.Equal(t, "Query 'TrialBalance' requires a SQL datastore", core.MessageOf(err))

	reader := core.RuntimeContext{Permissions: []string{"read:JournalLine", "read:Account"}}
	_, err = f.engine.List(ctx, "TrialBalance", nil, datastore.Page{}, reader)
	assert.Equal(t, "Missing permission 'read:JournalEntry' to read entity 'JournalEntry'", core.MessageOf(err))
}

func TestListHierarchyFallback(t *testing.T) {
	f := newFixture(t)
	root := f.create(t, "Account", obj("code", "1", "name", "Assets", "type", "Asset", "is_group", true))
	f.create(t, "Account", obj("code", "11", "name", "Cash", "type", "Asset", "parent", root, "balance", "10.25"))
	f.create(t, "Account", obj("code", "12", "name", "Bank", "type", "Asset", "parent", root, "balance", 5))
	f.create(t, "Account", obj("code", "4", "name", "Revenue", "type", "Revenue"))

	rows, err := f.engine.List(context.Background(), "AccountTree", nil, datastore.Page{Limit: 1}, core.SystemContext())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, value.String("15.25"), rows[0].Get("balance"))
	assert.Equal(t, value.Int(0), rows[0].Get(query.LevelKey))
	assert.Equal(t, value.Bool(true), rows[0].Get(query.HasChildrenKey))
	assert.Equal(t, value.Int(1), rows[1].Get(query.LevelKey))
	assert.Equal(t, value.Bool(true), rows[2].Get(query.IsLeafKey))
}

func TestListHierarchyOverSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := sqlstore.New(db, query.SQLite)
	e := New(testutil.AppSchema(t), store)

	mock.ExpectQuery(`AS structure`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent", "balance"}).
			AddRow("a", nil, "1.00").
			AddRow("b", "a", "2.50"))
	mock.ExpectQuery(`AS details WHERE details.id IN`).
		WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "balance"}).
			AddRow("a", "1", "Assets", "1.00").
			AddRow("b", "11", "Cash", "2.50"))

	rows, err := e.List(context.Background(), "AccountTree", nil, datastore.Page{}, core.SystemContext())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, value.String("Assets"), rows[0].Get("name"))
	assert.Equal(t, value.String("3.50"), rows[0].Get("balance"), "rollup wins over detail")
	assert.Equal(t, value.String("Cash"), rows[1].Get("name"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFlatQueryPaginates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := New(testutil.AppSchema(t), sqlstore.New(db, query.SQLite))
	mock.ExpectQuery(`FROM "employee" .* LIMIT 10 OFFSET 20`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Ana"))

	rows, err := e.List(context.Background(), "SeniorEmployees", datastore.Filters{"as_of": "2024-01-01"},
		datastore.Page{Limit: 10, Offset: 20}, core.SystemContext())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
