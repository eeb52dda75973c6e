package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  int64
	Sessions bool
	Kinds    []string
	Outcomes []string
	Code     string
	From     uint64
	To       uint64
	External bool
	Limit    int
}

// TraceResult is the output of the trace command.
type TraceResult struct {
	Session     int64         `json:"session"`
	Transitions []store.Entry `json:"transitions"`
	Stats       TraceStats    `json:"stats"`
}

// TraceStats counts the listed transitions by outcome.
type TraceStats struct {
	Total     int `json:"total"`
	Applied   int `json:"applied"`
	Rejected  int `json:"rejected"`
	Discarded int `json:"discarded"`
	Failed    int `json:"failed"`
	Requests  int `json:"requests"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query the transitions of a journal session",
		Long: `Query the transitions journaled in a session, with the effect requests
each one issued and, for follow-ups, the transition that caused it.

Filters combine: only transitions matching all of them are listed.
With --sessions the command lists the sessions instead.

Examples:
  geocore trace --db ./geocore.db
  geocore trace --db ./geocore.db --sessions
  geocore trace --db ./geocore.db --session 2 --kind add_entity --kind move_entity
  geocore trace --db ./geocore.db --outcome rejected --code DUPLICATE_ENTITY
  geocore trace --db ./geocore.db --external --from 10 --to 40 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Int64Var(&opts.Session, "session", 0, "session to query (0 for the latest)")
	cmd.Flags().BoolVar(&opts.Sessions, "sessions", false, "list sessions instead of transitions")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "keep only these event kinds")
	cmd.Flags().StringSliceVar(&opts.Outcomes, "outcome", nil, "keep only these outcomes (applied|rejected|discarded|failed)")
	cmd.Flags().StringVar(&opts.Code, "code", "", "keep only transitions that failed with this error code")
	cmd.Flags().Uint64Var(&opts.From, "from", 0, "first seq to list")
	cmd.Flags().Uint64Var(&opts.To, "to", 0, "last seq to list")
	cmd.Flags().BoolVar(&opts.External, "external", false, "keep only events from outside the engine")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "list at most this many transitions")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	filter, err := opts.filter()
	if err != nil {
		_ = formatter.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	st, err := openJournal(opts.Database)
	if err != nil {
		_ = formatter.Error(CodeJournal, err.Error(), nil)
		return err
	}
	defer st.Close()

	if opts.Sessions {
		sessions, err := st.Sessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
		if formatter.json() {
			if sessions == nil {
				sessions = []store.SessionInfo{}
			}
			return formatter.Success(sessions)
		}
		return outputSessionsText(cmd.OutOrStdout(), sessions)
	}

	entries, err := st.ReadTransitions(ctx, filter)
	if errors.Is(err, store.ErrNoSessions) {
		if formatter.json() {
			return formatter.Success(TraceResult{Transitions: []store.Entry{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found in journal.")
		return nil
	}
	if err != nil {
		_ = formatter.Error(CodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	session := filter.Session
	if session == 0 {
		if session, err = st.LatestSession(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to find latest session", err)
		}
	}
	result := TraceResult{Session: session, Transitions: entries, Stats: traceStats(entries)}
	if result.Transitions == nil {
		result.Transitions = []store.Entry{}
	}

	if formatter.json() {
		return formatter.Success(result)
	}
	return outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
}

func (o *TraceOptions) filter() (store.Filter, error) {
	f := store.Filter{
		Session:  o.Session,
		Kinds:    o.Kinds,
		FromSeq:  o.From,
		ToSeq:    o.To,
		Code:     fault.Code(o.Code),
		External: o.External,
		Limit:    o.Limit,
	}
	for _, s := range o.Outcomes {
		out := engine.Outcome(s)
		switch out {
		case engine.OutcomeApplied, engine.OutcomeRejected, engine.OutcomeDiscarded, engine.OutcomeFailed:
		default:
			return store.Filter{}, fmt.Errorf("unknown outcome %q", s)
		}
		f.Outcomes = append(f.Outcomes, out)
	}
	if o.To > 0 && o.From > o.To {
		return store.Filter{}, fmt.Errorf("--from %d is after --to %d", o.From, o.To)
	}
	if o.Limit < 0 {
		return store.Filter{}, fmt.Errorf("--limit must not be negative")
	}
	return f, nil
}

func traceStats(entries []store.Entry) TraceStats {
	s := TraceStats{Total: len(entries)}
	for _, e := range entries {
		s.Requests += len(e.Requests)
		switch e.Outcome {
		case engine.OutcomeApplied:
			s.Applied++
		case engine.OutcomeRejected:
			s.Rejected++
		case engine.OutcomeDiscarded:
			s.Discarded++
		case engine.OutcomeFailed:
			s.Failed++
		}
	}
	return s
}

func outputSessionsText(w io.Writer, sessions []store.SessionInfo) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found in journal.")
		return nil
	}
	for _, s := range sessions {
		label := s.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%4d  %-12s %d transition(s), last seq %d\n", s.ID, label, s.Transitions, s.LastSeq)
	}
	return nil
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	fmt.Fprintf(w, "Trace for session %d\n", result.Session)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Transitions ===")
	if len(result.Transitions) == 0 {
		fmt.Fprintln(w, "  (no transitions)")
	}
	for _, e := range result.Transitions {
		var b strings.Builder
		fmt.Fprintf(&b, "  [%d] %s %s", e.Seq, e.Kind, e.Outcome)
		if e.Code != "" {
			fmt.Fprintf(&b, " %s", e.Code)
		}
		if e.Cause != 0 {
			fmt.Fprintf(&b, " (from %d)", e.Cause)
		}
		fmt.Fprintln(w, b.String())
		if e.Error != "" && verbose {
			fmt.Fprintf(w, "      error: %s\n", e.Error)
		}
		for _, r := range e.Requests {
			fmt.Fprintf(w, "      -> %s %s\n", r.ID, r.Kind())
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Stats ===")
	s := result.Stats
	fmt.Fprintf(w, "  Transitions: %d (%d applied, %d rejected, %d discarded, %d failed)\n",
		s.Total, s.Applied, s.Rejected, s.Discarded, s.Failed)
	fmt.Fprintf(w, "  Requests: %d\n", s.Requests)
	return nil
}

func fileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
