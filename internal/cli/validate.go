package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/roach88/geocore/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool            `json:"valid"`
	Config *config.Config  `json:"config,omitempty"`
	Errors []ConfigProblem `json:"errors,omitempty"`
}

// ConfigProblem is one reason a configuration is invalid.
type ConfigProblem struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file",
		Long: `Check a configuration file against the schema, apply GEOCORE_*
environment overrides and validate the result. The effective configuration
is printed with --verbose or --format json.

Without an argument the --config file is validated; without either the
defaults and environment are.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if path != "" {
		formatter.VerboseLog("Validating %s", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationErrors(formatter, configProblems(err))
	}

	if formatter.json() {
		return formatter.Success(ValidationResult{Valid: true, Config: cfg})
	}
	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	if opts.Verbose {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(formatter.Writer, string(data))
	}
	return nil
}

// configProblems splits a load error into one problem per field when the
// validator reports several.
func configProblems(err error) []ConfigProblem {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		problems := make([]ConfigProblem, 0, len(verrs))
		for _, fe := range verrs {
			problems = append(problems, ConfigProblem{
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value()),
			})
		}
		return problems
	}
	var cerr *config.Error
	if errors.As(err, &cerr) {
		p := ConfigProblem{Message: cerr.Message}
		if cerr.Pos.IsValid() {
			p.Line = cerr.Pos.Line()
		}
		return []ConfigProblem{p}
	}
	return []ConfigProblem{{Message: err.Error()}}
}

func outputValidationErrors(formatter *OutputFormatter, problems []ConfigProblem) error {
	msg := fmt.Sprintf("validation failed with %d error(s)", len(problems))
	if formatter.json() {
		if err := formatter.Error(CodeConfig, problems[0].Message, ValidationResult{Errors: problems}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range problems {
		if p.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", p.Line)
		}
		if p.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", p.Field, p.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s\n\n", p.Message)
		}
	}
	return NewExitError(ExitFailure, msg)
}
