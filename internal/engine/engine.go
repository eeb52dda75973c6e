package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/model"
	"github.com/roach88/geocore/internal/pstore"
	"github.com/roach88/geocore/internal/reactive"
	"github.com/roach88/geocore/internal/spatial"
)

var tracer = otel.Tracer("geocore.engine")

// RequestIDGenerator generates request ids. Implemented by UUIDv7Generator
// (production), SequentialGenerator and FixedGenerator (tests).
type RequestIDGenerator interface {
	Generate() string
}

// EffectSink receives the requests of every committed transition. Submit
// must not block on the engine: responses come back through Enqueue.
type EffectSink interface {
	Submit(ctx context.Context, reqs []app.Request)
}

// Journal records every transition, rejected and discarded ones included.
type Journal interface {
	Record(ctx context.Context, t Transition) error
}

const (
	// DefaultBulkThreshold is the smallest entity change that may be applied
	// by rebuilding the index instead of updating it entry by entry.
	DefaultBulkThreshold = 64
)

// Engine is the single-writer transition engine.
//
// Thread-safety model:
//   - Dispatch, Run: serialized by the writer mutex
//   - Enqueue, Stop: safe from any goroutine
//   - View, Snapshot, Nearest, WithinRadius, Intersecting: safe from any
//     goroutine
type Engine struct {
	app     *app.App
	logger  *slog.Logger
	seq     sequence
	queue   *eventQueue
	ids     RequestIDGenerator
	sink    EffectSink
	journal Journal
	metrics *Metrics

	maxCascade    int
	bulkThreshold int
	checkEvery    int
	digests       bool
	replayIDs     map[uint64][]app.RequestID

	// Owned by the writer.
	writer     sync.Mutex
	state      state
	graph      *reactive.Graph
	views      *app.Views
	persisted  map[string]uint64
	sinceCheck int

	// mu guards the index and halted against concurrent readers.
	mu     sync.RWMutex
	index  *spatial.Index
	halted error

	view      atomic.Pointer[app.ViewModel]
	snapshot  atomic.Pointer[model.Snapshot]
	snapshots *model.Registry
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRequestIDs sets the request id generator. Default: UUIDv7Generator.
func WithRequestIDs(g RequestIDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithSink sets where committed requests are delivered.
func WithSink(s EffectSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithJournal records every transition.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics records transition metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxCascade sets the follow-up quota per external event.
//
// Default: DefaultMaxCascade. Use WithMaxCascade(2) to test the quota.
func WithMaxCascade(n int) Option {
	return func(e *Engine) { e.maxCascade = n }
}

// WithBulkThreshold sets the smallest entity change applied by bulk-loading
// the index. The change must also touch more than half of the index.
func WithBulkThreshold(n int) Option {
	return func(e *Engine) { e.bulkThreshold = n }
}

// WithConsistencyCheck compares the index with a rebuild from the model
// every n applied transitions. 0 disables the check.
func WithConsistencyCheck(n int) Option {
	return func(e *Engine) { e.checkEvery = n }
}

// WithDigests stamps every applied transition with the model digest. Replay
// needs it; it costs a canonical encoding of the whole model.
func WithDigests(on bool) Option {
	return func(e *Engine) { e.digests = on }
}

// WithFirstSeq numbers the first transition seq. Engines continuing an
// earlier run start after its last seq.
func WithFirstSeq(seq uint64) Option {
	return func(e *Engine) {
		if seq > 0 {
			e.seq.last.Store(seq - 1)
		}
	}
}

// withReplayIDs makes the request issued as the i-th request of transition
// seq take ids[seq][i].
func withReplayIDs(ids map[uint64][]app.RequestID) Option {
	return func(e *Engine) { e.replayIDs = ids }
}

// New creates an engine holding a.Initial().
//
// The persisted documents of the initial model are taken as already stored,
// so an engine that never loads or changes anything never writes.
func New(a *app.App, opts ...Option) (*Engine, error) {
	e := &Engine{
		app:           a,
		logger:        slog.Default(),
		queue:         newEventQueue(),
		ids:           UUIDv7Generator{},
		maxCascade:    DefaultMaxCascade,
		bulkThreshold: DefaultBulkThreshold,
		persisted:     make(map[string]uint64),
		index:         spatial.New(),
		graph:         reactive.New(),
		snapshots:     model.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}

	views, err := a.Build(e.graph, e.index)
	if err != nil {
		return nil, fmt.Errorf("build reactive graph: %w", err)
	}
	e.views = views

	initial := a.Initial()
	if err := e.index.BulkLoad(entriesOf(initial)); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	e.state = state{model: initial}
	e.graph.Commit(initial)
	for _, p := range views.Persist {
		if _, err := p.Node.Read(e.graph); err != nil {
			return nil, fmt.Errorf("prime %s: %w", p.Key, err)
		}
		e.persisted[p.Key] = e.graph.Version(p.Node.Handle)
	}
	if err := e.graph.Stabilize(); err != nil {
		return nil, fmt.Errorf("initial view: %w", err)
	}
	vm, err := views.View.Read(e.graph)
	if err != nil {
		return nil, fmt.Errorf("initial view: %w", err)
	}
	e.view.Store(vm)
	e.snapshot.Store(&model.Snapshot{Seq: e.seq.current(), Model: initial})
	return e, nil
}

// App returns the domain logic the engine runs.
func (e *Engine) App() *app.App { return e.app }

// Dispatch processes ev and every follow-up it produces, then returns the
// transitions in processing order.
//
// A rejected event is not an error: its Transition carries the rejection in
// Err. The returned error is non-nil when the engine halted, when the
// cascade quota stopped the follow-ups, or when the journal failed.
func (e *Engine) Dispatch(ctx context.Context, ev app.Event) ([]Transition, error) {
	e.writer.Lock()
	defer e.writer.Unlock()

	if err := e.Halted(); err != nil {
		return nil, fault.Wrap(fault.Halted, err, "engine halted")
	}

	type work struct {
		ev    app.Event
		cause uint64
	}
	queue := []work{{ev: ev}}
	quota := NewQuotaEnforcer(e.maxCascade)
	var (
		out  []Transition
		root uint64
		errs []error
	)
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		var t Transition
		if w.cause != 0 {
			if err := quota.Check(root); err != nil {
				t = e.refuse(w.ev, w.cause, err)
				e.logger.Error("cascade quota exceeded",
					"root_seq", root,
					"steps", quota.Current(),
					"limit", quota.Limit(),
					"dropped", len(queue),
				)
				errs = append(errs, err)
				queue = nil
			}
		}
		if t.Seq == 0 {
			t = e.step(ctx, w.ev, w.cause)
		}
		if root == 0 {
			root = t.Seq
		}
		out = append(out, t)

		if e.journal != nil {
			if err := e.journal.Record(ctx, t); err != nil {
				e.logger.Error("journal write failed", "seq", t.Seq, "error", err)
				errs = append(errs, fmt.Errorf("journal transition %d: %w", t.Seq, err))
			}
		}
		if e.sink != nil && len(t.Requests) > 0 {
			e.sink.Submit(ctx, t.Requests)
		}
		if t.Outcome == OutcomeFailed {
			return out, errors.Join(append(errs, t.Err)...)
		}
		for _, f := range t.followUps {
			queue = append(queue, work{ev: f, cause: t.Seq})
		}
	}
	return out, errors.Join(errs...)
}

// Enqueue submits an event for the Run loop. It returns false once the engine
// has been stopped. Safe from any goroutine.
func (e *Engine) Enqueue(ev app.Event) bool {
	return e.queue.Enqueue(ev)
}

// QueueLen returns the number of events waiting for the Run loop.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run processes enqueued events until ctx is cancelled, Stop is called, or
// the engine halts.
//
// Rejections are logged and processing continues. A halt ends the loop and
// is returned.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			if _, err := e.Dispatch(ctx, ev); err != nil {
				if halted := e.Halted(); halted != nil {
					e.logger.Error("engine stopping: halted", "error", halted)
					e.queue.Close()
					return fault.Wrap(fault.Halted, halted, "engine halted")
				}
				e.logger.Error("event processing failed", "event", ev.Kind(), "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed with the queue, so a wake-up may
			// only mean there is nothing left to drain.
			if e.queue.Len() == 0 && e.queueClosed() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

func (e *Engine) queueClosed() bool {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.queue.closed
}

// Stop closes the queue. Run returns once the queued events are processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Halted returns the fatal error that halted the engine, or nil.
func (e *Engine) Halted() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// View returns the view of the latest committed model.
func (e *Engine) View() *app.ViewModel {
	return e.view.Load()
}

// Snapshot returns the latest committed model.
func (e *Engine) Snapshot() model.Snapshot {
	return *e.snapshot.Load()
}

// Snapshots returns the registry handing snapshots to external holders.
func (e *Engine) Snapshots() *model.Registry {
	return e.snapshots
}

// AcquireSnapshot registers the latest snapshot and returns its handle. The
// caller must Release it through Snapshots.
func (e *Engine) AcquireSnapshot() model.Handle {
	return e.snapshots.Acquire(e.Snapshot())
}

// SnapshotView renders the view of a held snapshot. The live index
// describes only the latest model, so the snapshot gets an index of its own.
func (e *Engine) SnapshotView(h model.Handle) (*app.ViewModel, error) {
	snap, err := e.snapshots.Get(h)
	if err != nil {
		return nil, err
	}
	ix := spatial.New()
	if err := ix.BulkLoad(entriesOf(snap.Model)); err != nil {
		return nil, err
	}
	return e.app.Render(snap.Model, ix)
}

// Nearest returns up to k entities nearest to p in the latest model.
func (e *Engine) Nearest(p geo.LatLong, k int, filter spatial.Filter) ([]spatial.Neighbor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.halted != nil {
		return nil, fault.Wrap(fault.Halted, e.halted, "index unavailable")
	}
	return e.index.Nearest(p, k, filter), nil
}

// WithinRadius returns the entities within radius metres of p.
func (e *Engine) WithinRadius(p geo.LatLong, radius float64) ([]spatial.Neighbor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.halted != nil {
		return nil, fault.Wrap(fault.Halted, e.halted, "index unavailable")
	}
	return e.index.WithinRadius(p, radius), nil
}

// Intersecting returns the ids of entities whose box intersects box.
func (e *Engine) Intersecting(box geo.BBox) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.halted != nil {
		return nil, fault.Wrap(fault.Halted, e.halted, "index unavailable")
	}
	return e.index.Intersecting(box), nil
}

// RebuildIndex rebuilds the spatial index from the current model.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	_, err := e.Dispatch(ctx, app.RebuildIndex{})
	return err
}

// PendingRequest describes a request awaiting its response.
type PendingRequest struct {
	ID     app.RequestID `json:"id"`
	Kind   string        `json:"kind"`
	Seq    uint64        `json:"seq"`
	Expect app.Expect    `json:"expect"`
}

// Pending lists the requests awaiting a response, oldest first.
func (e *Engine) Pending() []PendingRequest {
	e.writer.Lock()
	defer e.writer.Unlock()
	out := make([]PendingRequest, 0, e.state.pending.Len())
	for _, id := range sortedPending(e.state.pending) {
		p, _ := e.state.pending.Get(id)
		out = append(out, PendingRequest{ID: id, Kind: p.kind, Seq: p.seq, Expect: p.expect})
	}
	return out
}

// GraphNode describes one node of the reactive graph.
type GraphNode struct {
	Key  string   `json:"key"`
	Deps []string `json:"deps,omitempty"`
	Runs int      `json:"runs"`
}

// Graph lists the reactive graph in evaluation order with how many times
// each node has been computed.
func (e *Engine) Graph() []GraphNode {
	e.writer.Lock()
	defer e.writer.Unlock()
	runs := e.graph.Stats()
	order := e.graph.Order()
	out := make([]GraphNode, 0, len(order))
	for _, k := range order {
		out = append(out, GraphNode{Key: k, Deps: e.graph.Deps(k), Runs: runs[k]})
	}
	return out
}

// LastSeq returns the seq of the latest transition, 0 before the first.
func (e *Engine) LastSeq() uint64 {
	return e.seq.current()
}

func entriesOf(m model.Model) []spatial.Entry {
	out := make([]spatial.Entry, 0, m.Entities.Len())
	for id, ent := range m.Entities.All() {
		out = append(out, spatial.Entry{ID: string(id), Box: ent.Box()})
	}
	return out
}

// pendingMap is the pending-request set carried in the engine state.
type pendingMap = pstore.Map[app.RequestID, pendingRequest]
