package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/store"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Args    string
	File    string
	Load    bool
	Journal string
	Timeout time.Duration
}

// DispatchResult is the output of the dispatch command.
type DispatchResult struct {
	Session     int64          `json:"session"`
	Transitions []store.Entry  `json:"transitions"`
	View        *app.ViewModel `json:"view"`
}

const settlePoll = 5 * time.Millisecond

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch [event-kind]",
		Short: "Dispatch events to a journaled engine and wait for it to settle",
		Long: `Dispatch one event, or every event of a file, to an engine backed by the
configured collaborators. After each event the command waits until the
engine's queue is empty and no key-value or clock request is outstanding.

An event file holds one JSON envelope per line:
  {"v":1,"k":"add_entity","b":{"id":"London","lat":51.5074,"lon":-0.1278}}
Blank lines and lines starting with # are skipped. "-" reads standard input.

Every transition is journaled to a new session, which replay and trace can
read back.

Examples:
  geocore dispatch add_entity --args '{"id":"Paris","lat":48.8566,"lon":2.3522}'
  geocore dispatch --load view_nearest --args '{"n":3}'
  geocore dispatch --file events.jsonl --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "{}", "event body as JSON")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "file of JSON event envelopes, one per line")
	cmd.Flags().BoolVar(&opts.Load, "load", false, "load stored state before dispatching")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (overrides storage.journal)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for the engine to settle after each event")

	return cmd
}

func runDispatch(opts *DispatchOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	events, err := dispatchEvents(opts, args, cmd.InOrStdin())
	if err != nil {
		_ = formatter.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid input", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = formatter.Error(CodeConfig, err.Error(), nil)
		return err
	}
	if opts.Journal != "" {
		cfg.Storage.Journal = opts.Journal
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := openCore(ctx, cfg, logger, "dispatch")
	if err != nil {
		_ = formatter.Error(CodeJournal, err.Error(), nil)
		return err
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.engine.Run(ctx) }()

	if opts.Load {
		events = append([]app.Event{app.LoadPersisted{}}, events...)
	}
	for _, ev := range events {
		formatter.VerboseLog("dispatch %s", ev.Kind())
		if _, err := c.engine.Dispatch(ctx, ev); err != nil {
			logger.Debug("dispatch reported errors", "event", ev.Kind(), "error", err)
		}
		if err := waitIdle(ctx, c, opts.Timeout); err != nil {
			cancel()
			<-done
			return reportHalt(formatter, c, err)
		}
	}

	cancel()
	<-done

	entries, err := c.journal.ReadTransitions(context.Background(), store.Filter{Session: c.session.ID()})
	if err != nil {
		_ = formatter.Error(CodeJournal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	result := DispatchResult{Session: c.session.ID(), Transitions: entries, View: c.engine.View()}

	if formatter.json() {
		return formatter.Success(result)
	}
	return outputDispatchText(cmd.OutOrStdout(), result)
}

// dispatchEvents returns the events named by the command line: one event
// from the kind argument and --args, or every envelope of --file.
func dispatchEvents(opts *DispatchOptions, args []string, stdin io.Reader) ([]app.Event, error) {
	switch {
	case opts.File != "" && len(args) > 0:
		return nil, fmt.Errorf("give an event kind or --file, not both")
	case opts.File != "":
		return readEventFile(opts.File, stdin)
	case len(args) == 1:
		ev, err := app.EventFromJSON(args[0], []byte(opts.Args))
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", args[0], err)
		}
		return []app.Event{ev}, nil
	default:
		return nil, fmt.Errorf("an event kind or --file is required")
	}
}

func readEventFile(path string, stdin io.Reader) ([]app.Event, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open event file: %w", err)
		}
		defer f.Close()
		r = f
	}
	return parseEvents(r)
}

// parseEvents decodes one JSON event envelope per line.
func parseEvents(r io.Reader) ([]app.Event, error) {
	var events []app.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		ev, err := app.DecodeEventJSON(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// waitIdle polls until c is idle, the engine halts or timeout elapses.
func waitIdle(ctx context.Context, c *core, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(settlePoll)
	defer tick.Stop()
	for {
		if err := c.engine.Halted(); err != nil {
			return err
		}
		if c.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("engine did not settle within %s", timeout)
		case <-tick.C:
		}
	}
}

func reportHalt(formatter *OutputFormatter, c *core, err error) error {
	code := CodeInput
	if c.engine.Halted() != nil {
		code = CodeHalted
	}
	_ = formatter.Error(code, err.Error(), nil)
	return WrapExitError(ExitFailure, "dispatch failed", err)
}

func outputDispatchText(w io.Writer, result DispatchResult) error {
	fmt.Fprintf(w, "Session %d: %d transition(s)\n", result.Session, len(result.Transitions))
	for _, e := range result.Transitions {
		line := fmt.Sprintf("  [%d] %s %s", e.Seq, e.Kind, e.Outcome)
		if e.Code != "" {
			line += " " + string(e.Code)
		}
		if len(e.Requests) > 0 {
			line += " ->"
			for _, r := range e.Requests {
				line += " " + r.Kind()
			}
		}
		fmt.Fprintln(w, line)
	}

	vm := result.View
	if vm == nil {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Entities: %d\n", vm.EntityCount)
	for _, ent := range vm.Entities {
		fmt.Fprintf(w, "  %s\n", ent.Summary)
	}
	fmt.Fprintf(w, "Tracks: %d\n", len(vm.Ways))
	for _, way := range vm.Ways {
		fmt.Fprintf(w, "  %s\n", way.Summary)
	}
	fmt.Fprintf(w, "GPS: %s\n", vm.GPSStatus)
	if vm.Message != "" {
		fmt.Fprintf(w, "Message: %s\n", vm.Message)
	}
	return nil
}
