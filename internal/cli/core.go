package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/config"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/host"
	"github.com/roach88/geocore/internal/host/geofeed"
	"github.com/roach88/geocore/internal/host/kv"
	"github.com/roach88/geocore/internal/store"
)

// core is a journaled engine driven by a host shell.
type core struct {
	cfg      *config.Config
	logger   *slog.Logger
	journal  *store.Store
	session  *store.Session
	shell    *host.Shell
	engine   *engine.Engine
	registry *prometheus.Registry
}

// openCore wires the engine described by cfg. The journal is opened at
// cfg.Storage.Journal and a new session labelled label is started in it.
func openCore(ctx context.Context, cfg *config.Config, logger *slog.Logger, label string) (*core, error) {
	c := &core{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := store.Open(cfg.Storage.Journal)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	c.journal = st

	session, err := st.NewSession(ctx, label)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start journal session", err)
	}
	c.session = session
	logger.Info("journal ready", "path", cfg.Storage.Journal, "session", session.ID())

	kvs, err := openKV(cfg, logger)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open key-value store", err)
	}

	var feed geofeed.Source
	if cfg.Host.TrackFile != "" {
		track, err := geofeed.LoadTrack(cfg.Host.TrackFile)
		if err != nil {
			kvs.Close()
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load track", err)
		}
		feed = geofeed.NewPlayer(track, cfg.Host.TrackRate, geofeed.WithLoop())
		logger.Info("track loaded", "path", cfg.Host.TrackFile, "fixes", len(track.Fixes))
	}

	c.shell = host.New(host.Options{
		KV:          kvs,
		Feed:        feed,
		DownloadDir: cfg.Host.DownloadDir,
		Timeout:     cfg.Host.EffectTimeout.Std(),
		Workers:     cfg.Host.Workers,
		Logger:      logger,
		Registerer:  c.registry,
	})

	e, err := engine.New(app.New(cfg.AppSettings()), engineOptions(cfg, logger,
		engine.WithRequestIDs(engine.UUIDv7Generator{}),
		engine.WithSink(c.shell),
		engine.WithJournal(session),
		engine.WithMetrics(engine.NewMetrics(c.registry)),
	)...)
	if err != nil {
		c.shell.Close()
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	c.engine = e
	c.shell.Attach(e, e)
	return c, nil
}

// engineOptions returns the engine options cfg describes, then extra.
func engineOptions(cfg *config.Config, logger *slog.Logger, extra ...engine.Option) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxCascade(cfg.Engine.MaxCascade),
		engine.WithBulkThreshold(cfg.Engine.BulkThreshold),
		engine.WithConsistencyCheck(cfg.Engine.ConsistencyCheck),
		engine.WithDigests(cfg.Engine.Digests),
	}
	return append(opts, extra...)
}

func openKV(cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	if cfg.Storage.KVDir == "" {
		logger.Debug("key-value store in memory")
		return kv.NewMemory(), nil
	}
	logger.Debug("key-value store on disk", "dir", cfg.Storage.KVDir)
	return kv.OpenBadger(kv.BadgerOptions{Dir: cfg.Storage.KVDir, Logger: logger})
}

// Close stops the engine loop's collaborators and closes the journal. The
// shell closes the key-value store.
func (c *core) Close() error {
	var errs []error
	if err := c.shell.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close shell: %w", err))
	}
	if err := c.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	return errors.Join(errs...)
}

// idle reports whether the engine has nothing left to do: its queue is
// empty and no request awaits its single response. Subscriptions and
// armed timers do not count.
func (c *core) idle() bool {
	if c.engine.QueueLen() > 0 {
		return false
	}
	for _, p := range c.engine.Pending() {
		if p.Expect == app.ExpectOne {
			return false
		}
	}
	return true
}
