package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
)

// GraphOptions holds flags for the graph command.
type GraphOptions struct {
	*RootOptions
	File string
}

// GraphResult is the output of the graph command.
type GraphResult struct {
	Events int                `json:"events"`
	Nodes  []engine.GraphNode `json:"nodes"`
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the reactive graph of derived data",
		Long: `Print the nodes of the reactive graph in evaluation order with their
dependencies and how many times each was computed.

With --file the events of the file (one JSON envelope per line, as for
dispatch) are applied first to an in-memory engine, so the counts show
which derived values each event recomputed. Effects are not performed.

Examples:
  geocore graph
  geocore graph --file events.jsonl --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "apply the events of this file first (- for stdin)")

	return cmd
}

func runGraph(opts *GraphOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	var events []app.Event
	if opts.File != "" {
		if events, err = readEventFile(opts.File, cmd.InOrStdin()); err != nil {
			_ = formatter.Error(CodeInput, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid input", err)
		}
	}

	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())
	e, err := engine.New(app.New(cfg.AppSettings()), engineOptions(cfg, logger)...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build engine", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, ev := range events {
		if _, err := e.Dispatch(ctx, ev); err != nil && e.Halted() != nil {
			_ = formatter.Error(CodeHalted, err.Error(), nil)
			return WrapExitError(ExitFailure, "engine halted", err)
		}
	}

	result := GraphResult{Events: len(events), Nodes: e.Graph()}
	if formatter.json() {
		return formatter.Success(result)
	}
	return outputGraphText(cmd.OutOrStdout(), result)
}

func outputGraphText(w io.Writer, result GraphResult) error {
	width := 0
	for _, n := range result.Nodes {
		width = max(width, len(n.Key))
	}
	if result.Events > 0 {
		fmt.Fprintf(w, "After %d event(s):\n", result.Events)
	}
	for _, n := range result.Nodes {
		line := fmt.Sprintf("%-*s  runs %3d", width, n.Key, n.Runs)
		if len(n.Deps) > 0 {
			line += "  <- " + strings.Join(n.Deps, ", ")
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
