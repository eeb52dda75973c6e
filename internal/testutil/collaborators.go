package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/host/kv"
	"github.com/roach88/geocore/internal/model"
)

// Collaborators stands in for the host in deterministic tests.
//
// Submit only records requests. Nothing is answered until the test calls
// Answer, Tick or Position, so a test decides exactly when each response
// reaches the engine and in which order.
//
// Implements engine.EffectSink.
type Collaborators struct {
	mu        sync.Mutex
	clock     *FakeClock
	kv        kv.Store
	inbox     []app.Request
	submitted []app.Request
	timers    []armed
	subs      []app.RequestID
	renders   int
	downloads []app.FileDownload
	failing   map[string]app.Status
}

type armed struct {
	id  app.RequestID
	due time.Time
}

// NewCollaborators creates collaborators reading time from clock and
// storing keys in store. A nil store means a fresh kv.Memory.
func NewCollaborators(clock *FakeClock, store kv.Store) *Collaborators {
	if store == nil {
		store = kv.NewMemory()
	}
	return &Collaborators{clock: clock, kv: store, failing: make(map[string]app.Status)}
}

// Submit records reqs for a later Answer.
func (c *Collaborators) Submit(_ context.Context, reqs []app.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, reqs...)
	c.submitted = append(c.submitted, reqs...)
}

// FailKey makes every key-value operation on key answer with status.
func (c *Collaborators) FailKey(key string, status app.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[key] = status
}

// Outstanding returns the number of submitted requests not yet performed.
func (c *Collaborators) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}

// Answer performs every outstanding request and returns the responses in
// request order.
//
// Key-value and clock requests are answered here. Timers are armed and
// subscriptions opened, but they only answer through Tick and Position.
func (c *Collaborators) Answer(ctx context.Context) []app.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := c.inbox
	c.inbox = nil
	var out []app.Event
	for _, r := range reqs {
		switch eff := r.Effect.(type) {
		case app.KVGet:
			resp := app.KVLoaded{Reply: c.kvReply(r.ID, eff.Key), Key: eff.Key}
			if resp.Status == app.StatusOK {
				v, found, err := c.kv.Get(ctx, eff.Key)
				resp.Reply = replyOf(r.ID, err)
				resp.Found, resp.Value = found, v
			}
			out = append(out, resp)
		case app.KVSet:
			resp := app.KVWritten{Reply: c.kvReply(r.ID, eff.Key), Key: eff.Key}
			if resp.Status == app.StatusOK {
				resp.Reply = replyOf(r.ID, c.kv.Set(ctx, eff.Key, eff.Value))
			}
			out = append(out, resp)
		case app.KVDelete:
			resp := app.KVWritten{Reply: c.kvReply(r.ID, eff.Key), Key: eff.Key}
			if resp.Status == app.StatusOK {
				resp.Reply = replyOf(r.ID, c.kv.Delete(ctx, eff.Key))
			}
			out = append(out, resp)
		case app.TimeNow:
			out = append(out, app.ClockRead{Reply: app.Reply{Request: r.ID, Status: app.StatusOK}, Now: c.clock.Now()})
		case app.TimerStart:
			c.timers = append(c.timers, armed{id: r.ID, due: c.clock.Now().Add(eff.Duration)})
		case app.TimerCancel:
			c.timers = slices.DeleteFunc(c.timers, func(a armed) bool { return a.id == eff.Timer })
		case app.GeoSubscribe:
			c.subs = append(c.subs, r.ID)
		case app.GeoUnsubscribe:
			c.subs = slices.DeleteFunc(c.subs, func(id app.RequestID) bool { return id == eff.Subscription })
		case app.Render:
			c.renders++
		case app.FileDownload:
			c.downloads = append(c.downloads, eff)
		}
	}
	return out
}

func (c *Collaborators) kvReply(id app.RequestID, key string) app.Reply {
	if status, ok := c.failing[key]; ok {
		return app.Reply{Request: id, Status: status, Error: "injected failure"}
	}
	return app.Reply{Request: id, Status: app.StatusOK}
}

func replyOf(id app.RequestID, err error) app.Reply {
	if err != nil {
		return app.Reply{Request: id, Status: app.StatusError, Error: err.Error()}
	}
	return app.Reply{Request: id, Status: app.StatusOK}
}

// Tick advances the clock to the earliest armed timer and fires every
// timer due by then, earliest first. It returns nil when no timer is
// armed.
func (c *Collaborators) Tick() []app.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	slices.SortStableFunc(c.timers, func(a, b armed) int { return a.due.Compare(b.due) })
	now := c.clock.AdvanceTo(c.timers[0].due)

	var out []app.Event
	keep := c.timers[:0]
	for _, a := range c.timers {
		if a.due.After(now) {
			keep = append(keep, a)
			continue
		}
		out = append(out, app.TimerElapsed{Reply: app.Reply{Request: a.id, Status: app.StatusOK}})
	}
	c.timers = keep
	return out
}

// Position delivers fix to every open subscription. A fix without a
// timestamp is stamped with the clock.
func (c *Collaborators) Position(fix model.FixDoc) []app.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fix.Timestamp.IsZero() {
		fix.Timestamp = c.clock.Now()
	}
	out := make([]app.Event, 0, len(c.subs))
	for _, id := range c.subs {
		f := fix
		out = append(out, app.PositionUpdate{Reply: app.Reply{Request: id, Status: app.StatusOK}, Fix: &f})
	}
	return out
}

// Submitted returns every request submitted so far, in order.
func (c *Collaborators) Submitted() []app.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.submitted)
}

// Renders returns how many render requests were performed.
func (c *Collaborators) Renders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renders
}

// Downloads returns the files offered so far.
func (c *Collaborators) Downloads() []app.FileDownload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.downloads)
}

// Timers returns the ids of the armed timers.
func (c *Collaborators) Timers() []app.RequestID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]app.RequestID, len(c.timers))
	for i, a := range c.timers {
		out[i] = a.id
	}
	return out
}

// Subscriptions returns the ids of the open geolocation subscriptions.
func (c *Collaborators) Subscriptions() []app.RequestID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs)
}

// Store returns the key-value store behind the collaborators.
func (c *Collaborators) Store() kv.Store { return c.kv }
