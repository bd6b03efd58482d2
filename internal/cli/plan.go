package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/value"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Params map[string]string
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <query>",
		Short: "Show the SQL a named query compiles to",
		Long: `Compile a named query from the schema and print its execution plans:
the SQL text, the bound parameters and, for hierarchy queries, the
structure pass.

Examples:
  gurih plan TrialBalance
  gurih plan SeniorEmployees --param as_of=2024-03-31 --db-type postgres`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringToStringVar(&opts.Params, "param", nil, "query parameter key=value (repeatable)")
	return cmd
}

func runPlan(opts *PlanOptions, name string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, s, err := opts.loadSchema(cmd)
	if err != nil {
		return f.CommandError("cannot load schema", err)
	}

	strategy, err := query.NewCompiler(s, query.DialectFor(cfg.Database.Type)).
		Plan(name, query.ParseParams(opts.Params))
	if err != nil {
		return f.Fail(err)
	}
	if f.Format == "json" {
		return f.Success(strategy)
	}
	fmt.Fprint(f.Writer, FormatStrategy(strategy))
	return nil
}

// FormatStrategy renders a compiled query for terminals.
func FormatStrategy(st *query.Strategy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s (%s)\n", st.Query, st.Dialect)
	fmt.Fprintf(&b, "Reads: %s\n", strings.Join(st.Entities, ", "))
	for i, p := range st.Plans {
		fmt.Fprintf(&b, "\nPlan %d [%s]\n", i+1, p.Kind)
		if p.Kind == query.ExecuteHierarchy {
			fmt.Fprintf(&b, "  table: %s (parent %s)\n", p.Table, p.ParentField)
			if len(p.RollupFields) > 0 {
				fmt.Fprintf(&b, "  rollup: %s\n", strings.Join(p.RollupFields, ", "))
			}
			fmt.Fprintf(&b, "  structure: %s\n", p.StructureSQL)
		}
		fmt.Fprintf(&b, "  sql: %s\n", p.SQL)
		if len(p.Params) > 0 {
			params := make([]string, len(p.Params))
			for j, v := range p.Params {
				params[j] = fmt.Sprintf("$%d=%s", j+1, value.Display(v))
			}
			fmt.Fprintf(&b, "  params: %s\n", strings.Join(params, " "))
		}
	}
	return b.String()
}
