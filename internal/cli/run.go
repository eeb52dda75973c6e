package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/host"
	"github.com/roach88/geocore/internal/host/web"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Addr    string
	Label   string
	NoLoad  bool
	Journal string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and its collaborators",
		Long: `Start the single-writer engine with its key-value store, clock, timers,
geolocation feed and download directory.

Every transition is journaled to a new session in the SQLite journal. Unless
--no-load is given, the stored entities and tracks are loaded at start. With
an HTTP address the engine is also served over HTTP and a websocket that
pushes every rendered view.

Example:
  geocore run --config geocore.cue
  geocore run --journal /tmp/geocore.db --addr 127.0.0.1:8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides host.http_addr)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (overrides storage.journal)")
	cmd.Flags().StringVar(&opts.Label, "label", "run", "journal session label")
	cmd.Flags().BoolVar(&opts.NoLoad, "no-load", false, "do not load stored state at start")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Host.HTTPAddr = opts.Addr
	}
	if opts.Journal != "" {
		cfg.Storage.Journal = opts.Journal
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Log.Tracing {
		shutdown, err := host.SetupTracing(cmd.ErrOrStderr())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to set up tracing", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("flush traces", "error", err)
			}
		}()
	}

	c, err := openCore(ctx, cfg, logger, opts.Label)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	hub := web.NewHub(logger)
	c.shell.OnRender(hub.Broadcast)

	if !opts.NoLoad {
		c.engine.Enqueue(app.LoadPersisted{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.engine.Run(gctx) })
	if cfg.Host.HTTPAddr != "" {
		srv := web.NewServer(c.engine, hub, c.registry, logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Host.HTTPAddr) })
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Engine started (journal session %d).\n", c.session.ID())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	err = g.Wait()
	if halted := c.engine.Halted(); halted != nil {
		return WrapExitError(ExitFailure, "engine halted", halted)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	logger.Info("engine stopped gracefully")
	return nil
}
