package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/model"
	"github.com/roach88/geocore/internal/pstore"
	"github.com/roach88/geocore/internal/spatial"
)

// Outcome classifies a transition.
type Outcome string

const (
	// OutcomeApplied: the model and pending set moved to their next value.
	OutcomeApplied Outcome = "applied"
	// OutcomeRejected: validation failed; nothing changed and no requests
	// were emitted.
	OutcomeRejected Outcome = "rejected"
	// OutcomeDiscarded: a response arrived for a request that is not
	// pending.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeFailed: a post-validation failure halted the engine.
	OutcomeFailed Outcome = "failed"
)

// Transition is the record of one processed event.
type Transition struct {
	Seq uint64
	// Cause is the seq of the transition whose follow-ups produced Event,
	// or 0 for an external event.
	Cause    uint64
	Event    app.Event
	Outcome  Outcome
	Err      error
	Requests []app.Request
	Changed  []model.Field
	// Digest is the digest of the resulting model, set on applied
	// transitions when digests are enabled.
	Digest string

	followUps []app.Event
}

// state is everything a transition replaces atomically.
type state struct {
	model   model.Model
	pending pendingMap
}

type pendingRequest struct {
	kind   string
	seq    uint64
	index  int
	expect app.Expect
}

func sortedPending(p pendingMap) []app.RequestID {
	ids := p.Keys()
	slices.SortStableFunc(ids, func(a, b app.RequestID) int {
		pa, _ := p.Get(a)
		pb, _ := p.Get(b)
		return cmp.Or(cmp.Compare(pa.seq, pb.seq), cmp.Compare(pa.index, pb.index))
	})
	return ids
}

// effectBuffer collects the requests of one transition. It is dropped with a
// rejected transition.
type effectBuffer struct {
	e       *Engine
	seq     uint64
	pending pendingMap
	issued  []app.Request
}

func (b *effectBuffer) Issue(eff app.Effect) app.RequestID {
	index := len(b.issued)
	var id app.RequestID
	if ids := b.e.replayIDs[b.seq]; index < len(ids) {
		id = ids[index]
	} else {
		id = app.RequestID(b.e.ids.Generate())
	}
	b.issued = append(b.issued, app.Request{ID: id, Effect: eff})
	if eff.Expect() != app.ExpectNone {
		b.pending = b.pending.WithInserted(id, pendingRequest{
			kind:   eff.Kind(),
			seq:    b.seq,
			index:  index,
			expect: eff.Expect(),
		})
	}
	return id
}

func (b *effectBuffer) Cancel(id app.RequestID) bool {
	if !b.pending.Has(id) {
		return false
	}
	b.pending = b.pending.WithRemoved(id)
	return true
}

func (b *effectBuffer) Pending(kind string) []app.RequestID {
	var out []app.RequestID
	for _, id := range sortedPending(b.pending) {
		if p, _ := b.pending.Get(id); p.kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// step runs one transition. Called only with the writer lock held.
func (e *Engine) step(ctx context.Context, ev app.Event, cause uint64) (t Transition) {
	seq := e.seq.next()
	_, span := tracer.Start(ctx, "engine.Transition", trace.WithAttributes(
		attribute.String("event.kind", ev.Kind()),
		attribute.Int64("seq", int64(seq)),
		attribute.Int64("cause", int64(cause)),
	))
	start := time.Now()
	t = Transition{Seq: seq, Cause: cause, Event: ev}
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(t.Outcome)), attribute.Int("requests", len(t.Requests)))
		if t.Err != nil {
			span.RecordError(t.Err)
			if t.Outcome == OutcomeFailed {
				span.SetStatus(codes.Error, t.Err.Error())
			}
		}
		span.End()
		e.metrics.observe(t, time.Since(start))
	}()

	pending := e.state.pending
	if resp, ok := ev.(app.Response); ok {
		id := resp.RequestID()
		p, found := pending.Get(id)
		if !found || !app.Answers(ev.Kind(), p.kind) {
			t.Outcome = OutcomeDiscarded
			t.Err = fault.New(fault.StaleResponse, "no pending request %s for %s", id, ev.Kind()).
				WithDetail("request", string(id))
			e.logger.Warn("response discarded",
				"seq", seq,
				"event", ev.Kind(),
				"request", id,
			)
			return t
		}
		if p.expect == app.ExpectOne {
			pending = pending.WithRemoved(id)
		}
	}

	buf := &effectBuffer{e: e, seq: seq, pending: pending}
	prev := e.state.model
	out, err := e.app.Update(prev, ev, buf)
	if err != nil {
		if fault.IsFatal(err) {
			return e.fail(t, err)
		}
		t.Outcome = OutcomeRejected
		t.Err = err
		e.logger.Info("event rejected",
			"seq", seq,
			"event", ev.Kind(),
			"code", fault.CodeOf(err),
			"error", err,
		)
		return t
	}

	next := out.Model
	if err := e.syncIndex(prev, next, out.Rebuild); err != nil {
		return e.fail(t, err)
	}
	changed := prev.ChangedFields(next)
	e.graph.Commit(next, changed...)

	for _, p := range e.views.Persist {
		doc, err := p.Node.Read(e.graph)
		if err != nil {
			return e.fail(t, fmt.Errorf("persist %s: %w", p.Key, err))
		}
		v := e.graph.Version(p.Node.Handle)
		if v == e.persisted[p.Key] {
			continue
		}
		e.persisted[p.Key] = v
		if slices.Contains(out.Synced, p.Key) {
			continue
		}
		buf.Issue(app.KVSet{Key: p.Key, Value: doc})
	}

	// Eager nodes are brought up to date here; the view read below is then
	// served from its cache.
	if err := e.graph.Stabilize(); err != nil {
		return e.fail(t, fmt.Errorf("view: %w", err))
	}
	vm, err := e.views.View.Read(e.graph)
	if err != nil {
		return e.fail(t, fmt.Errorf("view: %w", err))
	}
	buf.Issue(app.Render{})

	if e.checkEvery > 0 {
		e.sinceCheck++
		if e.sinceCheck >= e.checkEvery {
			e.sinceCheck = 0
			if err := e.verifyIndex(next); err != nil {
				return e.fail(t, err)
			}
		}
	}

	e.state = state{model: next, pending: buf.pending}
	t.Outcome = OutcomeApplied
	t.Requests = buf.issued
	t.Changed = changed
	t.followUps = out.FollowUps
	if e.digests {
		d, err := next.Digest()
		if err != nil {
			e.logger.Error("model digest failed", "seq", seq, "error", err)
		}
		t.Digest = d
	}
	e.view.Store(vm)
	e.snapshot.Store(&model.Snapshot{Seq: seq, Model: next})
	e.metrics.state(next.Entities.Len(), buf.pending.Len())

	e.logger.Debug("transition applied",
		"seq", seq,
		"event", ev.Kind(),
		"changed", changed,
		"requests", len(t.Requests),
		"follow_ups", len(out.FollowUps),
	)
	return t
}

// refuse records a follow-up that was not run.
func (e *Engine) refuse(ev app.Event, cause uint64, err error) Transition {
	t := Transition{Seq: e.seq.next(), Cause: cause, Event: ev, Outcome: OutcomeRejected, Err: err}
	e.metrics.observe(t, 0)
	return t
}

// fail halts the engine. Errors without a fatal code are wrapped as
// fault.Halted.
func (e *Engine) fail(t Transition, err error) Transition {
	if !fault.IsFatal(err) {
		err = fault.Wrap(fault.Halted, err, "transition %d failed after validation", t.Seq)
	}
	e.mu.Lock()
	e.halted = err
	e.mu.Unlock()
	e.metrics.halt()
	e.logger.Error("engine halted",
		"seq", t.Seq,
		"event", t.Event.Kind(),
		"code", fault.CodeOf(err),
		"error", err,
	)
	t.Outcome = OutcomeFailed
	t.Err = err
	t.Requests = nil
	return t
}

// syncIndex brings the index from prev's entities to next's.
func (e *Engine) syncIndex(prev, next model.Model, rebuild bool) error {
	diff := prev.EntityChanges(next)
	if !rebuild && len(diff) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rebuild || (len(diff) >= e.bulkThreshold && len(diff) > e.index.Len()/2) {
		if err := e.index.BulkLoad(entriesOf(next)); err != nil {
			return fault.Wrap(fault.IndexDivergence, err, "rebuild index")
		}
		e.logger.Debug("index rebuilt", "entries", e.index.Len(), "changes", len(diff))
		return nil
	}

	changes := make([]spatial.Change, 0, len(diff))
	for _, c := range diff {
		id := string(c.Key)
		switch c.Kind {
		case pstore.Added:
			changes = append(changes, spatial.Change{Op: spatial.OpInsert, ID: id, Box: c.New.Box()})
		case pstore.Removed:
			changes = append(changes, spatial.Change{Op: spatial.OpRemove, ID: id})
		case pstore.Updated:
			if c.Old.Position != c.New.Position {
				changes = append(changes, spatial.Change{Op: spatial.OpUpdate, ID: id, Box: c.New.Box()})
			}
		}
	}
	if err := e.index.Apply(changes); err != nil {
		return fault.Wrap(fault.IndexDivergence, err, "apply %d index changes", len(changes))
	}
	return nil
}

// verifyIndex compares the index with one bulk-loaded from m.
func (e *Engine) verifyIndex(m model.Model) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.index.Verify(); err != nil {
		return fault.Wrap(fault.IndexDivergence, err, "index structure")
	}
	fresh := spatial.New()
	if err := fresh.BulkLoad(entriesOf(m)); err != nil {
		return fault.Wrap(fault.IndexDivergence, err, "rebuild for comparison")
	}
	if e.index.Equal(fresh) {
		return nil
	}

	var indexed, stored pstore.Set[string]
	for _, en := range e.index.Entries() {
		indexed = indexed.With(en.ID)
	}
	for id := range m.Entities.All() {
		stored = stored.With(string(id))
	}
	missing, stale := indexed.Diff(stored)
	err := fault.New(fault.IndexDivergence, "index holds %d entries, model has %d entities", e.index.Len(), m.Entities.Len())
	if len(missing) > 0 {
		err = err.WithDetail("missing", strings.Join(missing, ","))
	}
	if len(stale) > 0 {
		err = err.WithDetail("stale", strings.Join(stale, ","))
	}
	if len(missing) == 0 && len(stale) == 0 {
		err = err.WithDetail("boxes", "differ")
	}
	return err
}
