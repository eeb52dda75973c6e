package engine

import (
	"context"
	"fmt"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/model"
)

// Recorded is one journaled transition, as Replay consumes it.
type Recorded struct {
	Seq      uint64
	Cause    uint64
	Event    app.Event
	Outcome  Outcome
	Requests []app.RequestID
	Digest   string
}

// Mismatch is a difference between a journal and its replay.
type Mismatch struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
	Want   string `json:"want,omitempty"`
	Got    string `json:"got,omitempty"`
}

// ReplayReport summarizes a replay.
type ReplayReport struct {
	Transitions int            `json:"transitions"`
	Mismatches  []Mismatch     `json:"mismatches"`
	Final       model.Snapshot `json:"-"`
	Digest      string         `json:"digest"`
}

// OK reports whether the replay reproduced the journal.
func (r *ReplayReport) OK() bool { return len(r.Mismatches) == 0 }

// Replay re-runs the external events of a journal on a fresh engine and
// compares every transition it produces with the recorded one.
//
// Determinism is what makes this work: the same events in the same order
// produce the same sequence numbers, outcomes and model digests. Request ids
// are random in production, so the replay engine reuses the recorded ids of
// each transition; responses in the journal then find their requests
// pending exactly as they did originally.
//
// Follow-up transitions are not re-dispatched; the logic regenerates them.
func Replay(ctx context.Context, a *app.App, records []Recorded, opts ...Option) (*ReplayReport, error) {
	ids := make(map[uint64][]app.RequestID, len(records))
	want := make(map[uint64]Recorded, len(records))
	for _, r := range records {
		if len(r.Requests) > 0 {
			ids[r.Seq] = r.Requests
		}
		want[r.Seq] = r
	}

	opts = append(opts,
		withReplayIDs(ids),
		WithDigests(true),
		WithRequestIDs(NewSequentialGenerator("replay")),
	)
	e, err := New(a, opts...)
	if err != nil {
		return nil, fmt.Errorf("replay engine: %w", err)
	}

	report := &ReplayReport{}
	seen := make(map[uint64]bool, len(records))
	for _, r := range records {
		if r.Cause != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ts, err := e.Dispatch(ctx, r.Event)
		if err != nil && e.Halted() == nil && !fault.Is(err, fault.QuotaExceeded) {
			return nil, fmt.Errorf("replay seq %d: %w", r.Seq, err)
		}
		for _, t := range ts {
			report.Transitions++
			seen[t.Seq] = true
			report.compare(t, want)
		}
		if e.Halted() != nil {
			break
		}
	}
	for _, r := range records {
		if !seen[r.Seq] {
			report.Mismatches = append(report.Mismatches, Mismatch{Seq: r.Seq, Reason: "not reproduced", Want: r.Event.Kind()})
		}
	}

	report.Final = e.Snapshot()
	report.Digest, err = report.Final.Model.Digest()
	if err != nil {
		return nil, fmt.Errorf("final digest: %w", err)
	}
	return report, nil
}

func (r *ReplayReport) compare(t Transition, want map[uint64]Recorded) {
	rec, ok := want[t.Seq]
	switch {
	case !ok:
		r.Mismatches = append(r.Mismatches, Mismatch{Seq: t.Seq, Reason: "not recorded", Got: t.Event.Kind()})
	case rec.Event.Kind() != t.Event.Kind():
		r.Mismatches = append(r.Mismatches, Mismatch{Seq: t.Seq, Reason: "event", Want: rec.Event.Kind(), Got: t.Event.Kind()})
	case rec.Outcome != t.Outcome:
		r.Mismatches = append(r.Mismatches, Mismatch{Seq: t.Seq, Reason: "outcome", Want: string(rec.Outcome), Got: string(t.Outcome)})
	case rec.Digest != "" && rec.Digest != t.Digest:
		r.Mismatches = append(r.Mismatches, Mismatch{Seq: t.Seq, Reason: "digest", Want: rec.Digest, Got: t.Digest})
	case t.Outcome == OutcomeApplied && len(rec.Requests) != len(t.Requests):
		r.Mismatches = append(r.Mismatches, Mismatch{
			Seq:    t.Seq,
			Reason: "requests",
			Want:   fmt.Sprint(len(rec.Requests)),
			Got:    fmt.Sprint(len(t.Requests)),
		})
	}
}

// Recorded returns the replay record of t.
func (t Transition) Recorded() Recorded {
	ids := make([]app.RequestID, 0, len(t.Requests))
	for _, r := range t.Requests {
		ids = append(ids, r.ID)
	}
	return Recorded{
		Seq:      t.Seq,
		Cause:    t.Cause,
		Event:    t.Event,
		Outcome:  t.Outcome,
		Requests: ids,
		Digest:   t.Digest,
	}
}
