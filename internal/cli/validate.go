package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/docmap/internal/compiler"
	"github.com/roach88/docmap/internal/config"
	"github.com/roach88/docmap/internal/harness"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Source  string `json:"source"` // "config", "model" or a scenario path
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (r ValidationResult) WriteText(w io.Writer) error {
	if r.Valid {
		_, err := fmt.Fprintln(w, "✓ Validation passed")
		return err
	}
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, issue := range r.Errors {
		if issue.Line > 0 {
			fmt.Fprintf(w, "%s:%d\n", issue.Source, issue.Line)
		} else {
			fmt.Fprintf(w, "%s\n", issue.Source)
		}
		fmt.Fprintf(w, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return nil
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scenario.yaml...]",
		Short: "Validate the config, the model and scenario files",
		Long: `Validate the config file and the model it names without opening the
store. Scenario files given as arguments are parsed and checked as well.`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, scenarios []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	result := ValidationResult{Valid: true}
	add := func(issue ValidationIssue) {
		result.Valid = false
		result.Errors = append(result.Errors, issue)
	}

	formatter.VerboseLog("Validating config: %s", configSource(opts))
	// Flag overrides are applied after the file was validated on load.
	if err := opts.Config.Validate(); err != nil {
		add(ValidationIssue{Source: "config", Code: ErrCodeConfig, Message: err.Error()})
	}

	formatter.VerboseLog("Compiling model %s", opts.Config.Model)
	if _, err := compiler.LoadModel(opts.Config.Model); err != nil {
		issue := ValidationIssue{Source: opts.Config.Model, Code: ErrCodeModel, Message: err.Error()}
		var compileErr *compiler.CompileError
		if errors.As(err, &compileErr) && compileErr.Pos.IsValid() {
			issue.Source = compileErr.Pos.Filename()
			issue.Line = compileErr.Pos.Line()
			issue.Message = compileErr.Field + ": " + compileErr.Message
		}
		add(issue)
	}

	for _, path := range scenarios {
		formatter.VerboseLog("Validating scenario: %s", path)
		s, err := harness.LoadScenario(path)
		if err != nil {
			add(ValidationIssue{Source: path, Code: "E_SCENARIO", Message: err.Error()})
			continue
		}
		if _, err := compiler.LoadModel(s.Model); err != nil {
			add(ValidationIssue{Source: path, Code: ErrCodeModel, Message: err.Error()})
		}
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}
	return nil
}

func configSource(opts *RootOptions) string {
	if opts.ConfigPath != "" {
		return opts.ConfigPath
	}
	return config.DefaultFile + " (or defaults)"
}
