package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/gurih/internal/schema"
)

// ValidationIssue is one schema problem.
type ValidationIssue struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult is the validate command's output.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Schema    string            `json:"schema"`
	Entities  int               `json:"entities"`
	Workflows int               `json:"workflows"`
	Queries   int               `json:"queries"`
	Actions   int               `json:"actions"`
	Errors    []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [schema]",
		Short: "Load and cross-check a schema",
		Long: `Load a schema (a YAML file, a .cue file or a CUE package directory) and
check its cross references: workflow states, relationship targets,
posting rule accounts, query joins and expressions.

The schema defaults to the configured one.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := opts.loadConfig(cmd)
		if err != nil {
			return f.CommandError("invalid configuration", err)
		}
		path = cfg.Schema
	}
	if _, err := os.Stat(path); err != nil {
		return f.CommandError(fmt.Sprintf("schema not found: %s", path), nil)
	}

	f.VerboseLog("Loading schema from %s", path)
	s, err := schema.Load(path)
	if err != nil {
		return outputValidationErrors(f, path, schema.Errors(err))
	}

	result := ValidationResult{
		Valid:     true,
		Schema:    path,
		Entities:  len(s.Entities),
		Workflows: len(s.Workflows),
		Queries:   len(s.Queries),
		Actions:   len(s.Actions),
	}
	if f.Format == "json" {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "✓ Schema valid: %d entities, %d workflows, %d queries, %d actions\n",
		result.Entities, result.Workflows, result.Queries, result.Actions)
	return nil
}

func outputValidationErrors(f *OutputFormatter, path string, errs []*schema.Error) error {
	issues := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		issue := ValidationIssue{Path: e.Path, Message: e.Message}
		if e.Pos.IsValid() {
			issue.File = e.Pos.Filename()
			issue.Line = e.Pos.Line()
		}
		issues = append(issues, issue)
	}
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))

	if f.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Schema: path, Errors: issues},
			Error:  &CLIError{Code: "VALIDATION", Message: issues[0].Message},
		}
		encoder := json.NewEncoder(f.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(f.Writer, "✗ Validation failed")
	fmt.Fprintln(f.Writer)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(f.Writer, "%s:%d\n", issue.File, issue.Line)
		}
		if issue.Path != "" {
			fmt.Fprintf(f.Writer, "  %s: %s\n\n", issue.Path, issue.Message)
		} else {
			fmt.Fprintf(f.Writer, "  %s\n\n", issue.Message)
		}
	}
	return exitErr
}
