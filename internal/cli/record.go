package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/value"
)

// RecordOptions holds flags shared by the record subcommands.
type RecordOptions struct {
	*RootOptions
	Data    string
	Filters map[string]string
	Limit   int
	Offset  int
}

// NewRecordCommand creates the record command and its subcommands.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Create, read, update, delete and list records",
		Long: `Work with records through the Data Engine. Every write runs field
coercion, rules, workflow transitions and plugin effects exactly as an
application request would.

Examples:
  gurih record create Account --data '{"code":"101","name":"Cash","type":"Asset"}'
  gurih record create JournalLine --data '[{...},{...}]'
  gurih record update JournalEntry <id> --data '{"status":"Posted"}'
  gurih record list TrialBalance
  gurih record list Employee --filter status=Active --limit 20`,
	}

	run := func(fn func(*RecordOptions, []string, *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return fn(opts, args, cmd)
		}
	}

	create := &cobra.Command{
		Use:           "create <entity>",
		Short:         "Create one record, or several from a JSON array",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run(runCreate),
	}
	create.Flags().StringVar(&opts.Data, "data", "{}", "record as a JSON object, or an array of objects")

	read := &cobra.Command{
		Use:           "read <entity> <id>",
		Short:         "Read one record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run(runRead),
	}

	update := &cobra.Command{
		Use:           "update <entity> <id>",
		Short:         "Apply a partial update",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run(runUpdate),
	}
	update.Flags().StringVar(&opts.Data, "data", "{}", "fields to change as a JSON object")

	del := &cobra.Command{
		Use:           "delete <entity> <id>",
		Short:         "Delete one record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run(runDelete),
	}

	list := &cobra.Command{
		Use:           "list <entity-or-query>",
		Short:         "List an entity or run a named query",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run(runList),
	}
	list.Flags().StringToStringVar(&opts.Filters, "filter", nil, "equality filter, or query param, key=value (repeatable)")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows (0 means no limit)")
	list.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")

	cmd.AddCommand(create, read, update, del, list)
	return cmd
}

// parseRecords accepts a JSON object or an array of objects.
func parseRecords(data string) ([]value.Object, bool, error) {
	v, err := value.Parse([]byte(data))
	if err != nil {
		return nil, false, fmt.Errorf("invalid --data JSON: %w", err)
	}
	switch x := v.(type) {
	case value.Object:
		return []value.Object{x}, false, nil
	case value.Array:
		out := make([]value.Object, 0, len(x))
		for i, elem := range x {
			obj, ok := elem.(value.Object)
			if !ok {
				return nil, true, fmt.Errorf("invalid --data: element %d is %s, not an object", i, value.TypeName(elem))
			}
			out = append(out, obj)
		}
		return out, true, nil
	}
	return nil, false, fmt.Errorf("invalid --data: expected an object or an array, got %s", value.TypeName(v))
}

func runCreate(opts *RecordOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	recs, many, err := parseRecords(opts.Data)
	if err != nil {
		return f.CommandError("bad input", err)
	}
	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return f.CommandError("cannot start runtime", err)
	}
	defer rt.Close()

	if !many {
		id, err := rt.data.Create(cmd.Context(), args[0], recs[0], opts.runtimeContext())
		if err != nil {
			return f.Fail(err)
		}
		return f.Result(id, map[string]any{"id": id})
	}
	ids, err := rt.data.CreateMany(cmd.Context(), args[0], recs, opts.runtimeContext())
	if err != nil {
		return f.Fail(err)
	}
	return f.Result(strings.Join(ids, "\n"), map[string]any{"ids": ids})
}

func runRead(opts *RecordOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return f.CommandError("cannot start runtime", err)
	}
	defer rt.Close()

	rec, err := rt.data.Read(cmd.Context(), args[0], args[1], opts.runtimeContext())
	if err != nil {
		return f.Fail(err)
	}
	return writeRecords(f, rec)
}

func runUpdate(opts *RecordOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	patch, err := value.ParseObject([]byte(opts.Data))
	if err != nil {
		return f.CommandError("invalid --data JSON", err)
	}
	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return f.CommandError("cannot start runtime", err)
	}
	defer rt.Close()

	if err := rt.data.Update(cmd.Context(), args[0], args[1], patch, opts.runtimeContext()); err != nil {
		return f.Fail(err)
	}
	return f.Result("updated "+args[1], map[string]any{"id": args[1], "updated": true})
}

func runDelete(opts *RecordOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return f.CommandError("cannot start runtime", err)
	}
	defer rt.Close()

	if err := rt.data.Delete(cmd.Context(), args[0], args[1], opts.runtimeContext()); err != nil {
		return f.Fail(err)
	}
	return f.Result("deleted "+args[1], map[string]any{"id": args[1], "deleted": true})
}

func runList(opts *RecordOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return f.CommandError("cannot start runtime", err)
	}
	defer rt.Close()

	rows, err := rt.data.List(cmd.Context(), args[0], datastore.Filters(opts.Filters),
		datastore.Page{Limit: opts.Limit, Offset: opts.Offset}, opts.runtimeContext())
	if err != nil {
		return f.Fail(err)
	}
	if rows == nil {
		rows = []value.Object{}
	}
	return writeRecords(f, rows)
}

// writeRecords prints records as indented JSON in text mode and inside
// the response envelope in JSON mode.
func writeRecords(f *OutputFormatter, data any) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(f.Writer, string(out))
	return nil
}
