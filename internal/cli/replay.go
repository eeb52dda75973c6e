package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Session  int64
}

// ReplayResult is the output of the replay command.
type ReplayResult struct {
	Session       int64             `json:"session"`
	Transitions   int               `json:"transitions"`
	Deterministic bool              `json:"deterministic"`
	Digest        string            `json:"digest,omitempty"`
	Mismatches    []engine.Mismatch `json:"mismatches"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a journal session and verify determinism",
		Long: `Re-run the external events of a journaled session through a fresh engine
and compare every transition with the journal: outcome, request ids and,
where the journal holds them, state digests.

Responses are fed back exactly as recorded, so the replay needs no
collaborators.

Exit codes:
  0 - The replay reproduced the journal
  1 - Determinism verification failed (differences detected)
  2 - Command error (journal not found, no sessions, etc.)

Examples:
  geocore replay --db ./geocore.db
  geocore replay --db ./geocore.db --session 3
  geocore replay --db ./geocore.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Int64Var(&opts.Session, "session", 0, "session to replay (0 for the latest)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = formatter.Error(CodeConfig, err.Error(), nil)
		return err
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	st, err := openJournal(opts.Database)
	if err != nil {
		_ = formatter.Error(CodeJournal, err.Error(), nil)
		return err
	}
	defer st.Close()

	session := opts.Session
	if session == 0 {
		session, err = st.LatestSession(ctx)
		if errors.Is(err, store.ErrNoSessions) {
			_ = formatter.Error(CodeJournal, "journal has no sessions", nil)
			return NewExitError(ExitCommandError, "journal has no sessions")
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find latest session", err)
		}
	}

	records, err := st.Recorded(ctx, session)
	if err != nil {
		_ = formatter.Error(CodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	formatter.VerboseLog("replaying %d transition(s) of session %d", len(records), session)

	// The configured engine settings must match the recording's.
	report, err := engine.Replay(ctx, app.New(cfg.AppSettings()), records, engineOptions(cfg, logger)...)
	if err != nil {
		_ = formatter.Error(CodeDeterminism, err.Error(), nil)
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	result := ReplayResult{
		Session:       session,
		Transitions:   report.Transitions,
		Deterministic: report.OK(),
		Digest:        report.Digest,
		Mismatches:    report.Mismatches,
	}
	if result.Mismatches == nil {
		result.Mismatches = []engine.Mismatch{}
	}

	if formatter.json() {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(cmd.OutOrStdout(), result, opts.Verbose)
}

// openJournal opens an existing journal. store.Open would create a missing
// one, which replay and trace must not do.
func openJournal(path string) (*store.Store, error) {
	if err := fileExists(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "journal not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}

func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	if result.Deterministic {
		return formatter.Success(result)
	}
	if err := formatter.Error(CodeDeterminism, "determinism verification failed", result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, "determinism verification failed")
}

func outputReplayText(w io.Writer, result ReplayResult, verbose bool) error {
	fmt.Fprintf(w, "Replay of session %d: %d transition(s)\n", result.Session, result.Transitions)
	if verbose && result.Digest != "" {
		fmt.Fprintf(w, "  Final digest: %s\n", result.Digest)
	}
	fmt.Fprintln(w)

	for _, m := range result.Mismatches {
		fmt.Fprintf(w, "✗ seq %d: %s\n", m.Seq, m.Reason)
		if m.Want != "" || m.Got != "" {
			fmt.Fprintf(w, "  want: %s\n  got:  %s\n", m.Want, m.Got)
		}
	}

	if result.Deterministic {
		fmt.Fprintln(w, "✓ Replay reproduced the journal")
		return nil
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}
