// Package host performs the effects the engine requests and feeds the
// responses back as events.
//
// The Shell is the engine's EffectSink. Submit never waits for the engine:
// each request runs on a bounded worker pool and its response is handed to
// the engine with Enqueue. Key-value requests run on one ordered lane so two
// writes of the same key land in the order they were issued.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/host/geofeed"
	"github.com/roach88/geocore/internal/host/kv"
	"github.com/roach88/geocore/internal/model"
)

// Inbox receives response events. *engine.Engine implements it.
type Inbox interface {
	Enqueue(app.Event) bool
}

// ViewSource supplies the view to render. *engine.Engine implements it.
type ViewSource interface {
	View() *app.ViewModel
}

// Renderer is called with the latest view on every render request. It must
// not block.
type Renderer func(*app.ViewModel)

// Options configure a Shell.
type Options struct {
	// KV backs the kv_* effects. Default: kv.NewMemory().
	KV kv.Store
	// Feed answers geolocation subscriptions. Nil makes every subscription
	// fail.
	Feed geofeed.Source
	// DownloadDir receives file downloads. Empty drops them.
	DownloadDir string
	// Timeout bounds each key-value operation. Default: 10s.
	Timeout time.Duration
	// Workers bounds concurrent effects. Default: 4.
	Workers int
	// Now reads the wall clock. Default: time.Now.
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Registerer receives the shell's collectors. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Shell performs effects.
type Shell struct {
	opts   Options
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	streams *errgroup.Group
	kvLane  chan app.Request

	// submitMu keeps Close from closing kvLane under a running Submit.
	submitMu sync.RWMutex

	mu        sync.Mutex
	inbox     Inbox
	views     ViewSource
	renderers []Renderer
	timers    map[app.RequestID]*time.Timer
	subs      map[app.RequestID]context.CancelFunc
	closed    bool

	effects *prometheus.CounterVec
}

// New starts a shell. Attach must be called before the first Submit.
func New(opts Options) *Shell {
	if opts.KV == nil {
		opts.KV = kv.NewMemory()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(opts.Workers + 1)

	s := &Shell{
		opts:    opts,
		logger:  opts.Logger.With("component", "host"),
		ctx:     ctx,
		cancel:  cancel,
		group:   g,
		streams: &errgroup.Group{},
		kvLane:  make(chan app.Request, 64),
		timers:  make(map[app.RequestID]*time.Timer),
		subs:    make(map[app.RequestID]context.CancelFunc),
	}
	if opts.Registerer != nil {
		s.effects = promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "geocore",
			Subsystem: "host",
			Name:      "effects_total",
			Help:      "Effects performed by kind and status",
		}, []string{"kind", "status"})
	}

	// The lane holds one pool slot for the shell's lifetime.
	g.Go(func() error {
		for r := range s.kvLane {
			s.performKV(r)
		}
		return nil
	})
	return s
}

// Attach sets where responses go and what is rendered.
func (s *Shell) Attach(inbox Inbox, views ViewSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = inbox
	s.views = views
}

// OnRender registers a renderer.
func (s *Shell) OnRender(r Renderer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderers = append(s.renderers, r)
}

// Submit implements engine.EffectSink. ctx belongs to the dispatch that
// issued the requests and is not used for the work itself.
func (s *Shell) Submit(_ context.Context, reqs []app.Request) {
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.isClosed() {
		s.logger.Warn("effects dropped after close", "count", len(reqs))
		return
	}
	for _, r := range reqs {
		switch e := r.Effect.(type) {
		case app.KVGet, app.KVSet, app.KVDelete:
			s.kvLane <- r
		case app.TimerStart:
			s.startTimer(r.ID, e.Duration)
		case app.TimerCancel:
			s.cancelTimer(e.Timer)
		case app.GeoSubscribe:
			s.subscribe(r.ID, e.Options)
		case app.GeoUnsubscribe:
			s.unsubscribe(e.Subscription)
		default:
			s.group.Go(func() error {
				s.perform(r)
				return nil
			})
		}
	}
}

// Close stops timers and subscriptions, finishes the queued key-value
// operations and closes the store. Responses produced after Close are
// dropped.
func (s *Shell) Close() error {
	s.submitMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.submitMu.Unlock()
		return nil
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	close(s.kvLane)
	s.submitMu.Unlock()

	s.cancel()
	err := errors.Join(s.group.Wait(), s.streams.Wait())
	return errors.Join(err, s.opts.KV.Close())
}

func (s *Shell) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// perform runs the effects that need neither ordering nor bookkeeping.
func (s *Shell) perform(r app.Request) {
	switch e := r.Effect.(type) {
	case app.Render:
		s.render()
		s.count(r.Kind(), app.StatusOK)
	case app.TimeNow:
		s.respond(app.ClockRead{Reply: app.Reply{Request: r.ID}, Now: s.opts.Now().UTC()})
		s.count(r.Kind(), app.StatusOK)
	case app.FileDownload:
		status := app.StatusOK
		if err := s.download(e); err != nil {
			s.logger.Error("download failed", "name", e.Name, "error", err)
			status = app.StatusError
		}
		s.count(r.Kind(), status)
	default:
		s.logger.Warn("unsupported effect", "kind", r.Kind(), "request", r.ID)
		s.count(r.Kind(), app.StatusError)
	}
}

func (s *Shell) performKV(r app.Request) {
	// Queued writes still complete during Close, so the lane does not use
	// s.ctx.
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	var ev app.Event
	var err error
	switch e := r.Effect.(type) {
	case app.KVGet:
		var value []byte
		var found bool
		value, found, err = s.opts.KV.Get(ctx, e.Key)
		ev = app.KVLoaded{Reply: s.reply(r.ID, err), Key: e.Key, Found: found, Value: value}
	case app.KVSet:
		err = s.opts.KV.Set(ctx, e.Key, e.Value)
		ev = app.KVWritten{Reply: s.reply(r.ID, err), Key: e.Key}
	case app.KVDelete:
		err = s.opts.KV.Delete(ctx, e.Key)
		ev = app.KVWritten{Reply: s.reply(r.ID, err), Key: e.Key}
	}
	if err != nil {
		s.logger.Warn("kv effect failed", "kind", r.Kind(), "request", r.ID, "error", err)
	}
	s.count(r.Kind(), replyStatus(err))
	s.respond(ev)
}

func (s *Shell) startTimer(id app.RequestID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if !live {
			return
		}
		s.respond(app.TimerElapsed{Reply: app.Reply{Request: id}})
		s.count(app.KindTimerStart, app.StatusOK)
	})
}

func (s *Shell) cancelTimer(id app.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.count(app.KindTimerCancel, app.StatusOK)
}

// subscribe streams fixes on their own goroutine, outside the worker pool,
// until unsubscribed or Close.
func (s *Shell) subscribe(id app.RequestID, opts app.GeoOptions) {
	if s.opts.Feed == nil {
		s.streams.Go(func() error {
			s.respond(app.PositionUpdate{Reply: app.Reply{
				Request: id,
				Status:  app.StatusError,
				Error:   "geolocation unavailable",
			}})
			s.count(app.KindGeoSubscribe, app.StatusError)
			return nil
		})
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.subs[id] = cancel
	s.mu.Unlock()

	s.streams.Go(func() error {
		defer s.endSubscription(id)
		err := s.opts.Feed.Stream(ctx, opts, func(fix model.FixDoc) {
			s.respond(app.PositionUpdate{Reply: app.Reply{Request: id}, Fix: &fix})
		})
		if err == nil || ctx.Err() != nil {
			s.count(app.KindGeoSubscribe, app.StatusOK)
			return nil
		}
		status := app.StatusError
		if errors.Is(err, geofeed.ErrTimeout) {
			status = app.StatusTimeout
		}
		s.logger.Warn("geolocation failed", "request", id, "error", err)
		s.respond(app.PositionUpdate{Reply: app.Reply{Request: id, Status: status, Error: err.Error()}})
		s.count(app.KindGeoSubscribe, status)
		return nil
	})
}

func (s *Shell) unsubscribe(id app.RequestID) {
	s.endSubscription(id)
	s.count(app.KindGeoUnsubscribe, app.StatusOK)
}

func (s *Shell) endSubscription(id app.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.subs[id]; ok {
		cancel()
		delete(s.subs, id)
	}
}

func (s *Shell) render() {
	s.mu.Lock()
	views := s.views
	renderers := append([]Renderer(nil), s.renderers...)
	s.mu.Unlock()
	if views == nil {
		return
	}
	vm := views.View()
	for _, r := range renderers {
		r(vm)
	}
}

// download writes the file next to the others, replacing one of the same
// name atomically.
func (s *Shell) download(f app.FileDownload) error {
	if s.opts.DownloadDir == "" {
		s.logger.Info("download dropped", "name", f.Name, "bytes", len(f.Content))
		return nil
	}
	name := filepath.Base(f.Name)
	if name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("invalid download name %q", f.Name)
	}
	if err := os.MkdirAll(s.opts.DownloadDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.opts.DownloadDir, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(f.Content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	dest := filepath.Join(s.opts.DownloadDir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	s.logger.Info("download written", "path", dest, "mime_type", f.MimeType, "bytes", len(f.Content))
	return nil
}

// respond hands ev to the inbox.
func (s *Shell) respond(ev app.Event) {
	s.mu.Lock()
	inbox, closed := s.inbox, s.closed
	s.mu.Unlock()
	if closed || inbox == nil {
		return
	}
	if !inbox.Enqueue(ev) {
		s.logger.Debug("response dropped: engine stopped", "event", ev.Kind())
	}
}

func (s *Shell) reply(id app.RequestID, err error) app.Reply {
	r := app.Reply{Request: id}
	if err != nil {
		r.Status = replyStatus(err)
		r.Error = err.Error()
	}
	return r
}

func replyStatus(err error) app.Status {
	switch {
	case err == nil:
		return app.StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return app.StatusTimeout
	case errors.Is(err, context.Canceled):
		return app.StatusCancelled
	}
	return app.StatusError
}

func (s *Shell) count(kind string, status app.Status) {
	if s.effects == nil {
		return
	}
	s.effects.WithLabelValues(kind, string(status)).Inc()
}
