package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ActionOptions holds flags for the action command.
type ActionOptions struct {
	*RootOptions
	Params map[string]string
}

// NewActionCommand creates the action command.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ActionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "action <name>",
		Short: "Execute a named action",
		Long: `Execute a named action from the schema. Steps run in order and the
first failing step stops the action; earlier steps are not rolled back.

Examples:
  gurih action ReverseJournal --param id=<entry-id>
  gurih action CloseAccountingPeriod --param period_id=<period-id>`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringToStringVar(&opts.Params, "param", nil, "action parameter key=value (repeatable)")
	return cmd
}

func runAction(opts *ActionOptions, name string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return f.CommandError("cannot start runtime", err)
	}
	defer rt.Close()

	params := opts.Params
	if params == nil {
		params = map[string]string{}
	}
	f.VerboseLog("Executing %s with %d param(s)", name, len(params))
	if err := rt.actions.Execute(cmd.Context(), name, params, opts.runtimeContext()); err != nil {
		return f.Fail(err)
	}
	return f.Result(fmt.Sprintf("✓ %s completed", name), map[string]any{"action": name, "completed": true})
}
