package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/gurih/internal/core"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	// Caller identity. An empty User runs as the system context.
	User        string
	Roles       []string
	Permissions []string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the gurih command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "gurih",
		Short: "gurih - schema-driven application runtime",
		Long: `Run a gurih schema: validate it, inspect query plans, work with records,
execute named actions and run YAML scenarios.

Configuration is read from gurih.yaml, GURIH_* environment variables and
the flags below, in increasing precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./gurih.yaml if present)")

	// Configuration overrides; names match config keys through config.Load.
	pf.String("schema", "", "schema file or CUE directory")
	pf.String("db-type", "", "database type (memory|sqlite|postgres)")
	pf.String("db-url", "", "database file path or DSN")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.StringSlice("plugins", nil, "plugins in dispatch order")

	pf.StringVar(&opts.User, "user", "", "run as this user id instead of the system context")
	pf.StringSliceVar(&opts.Roles, "role", nil, "role of --user (repeatable)")
	pf.StringSliceVar(&opts.Permissions, "permission", nil, "permission of --user (repeatable)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewActionCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// runtimeContext is the caller every runtime operation runs as.
func (o *RootOptions) runtimeContext() core.RuntimeContext {
	if o.User == "" {
		return core.SystemContext()
	}
	return core.RuntimeContext{UserID: o.User, Roles: o.Roles, Permissions: o.Permissions}
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
