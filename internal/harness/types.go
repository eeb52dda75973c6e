package harness

import (
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
)

// TraceEvent is one transition as the trace records it. Request ids are
// left out: only their kinds are stable across engines.
type TraceEvent struct {
	Seq      uint64         `json:"seq"`
	Cause    uint64         `json:"cause,omitempty"`
	Event    string         `json:"event"`
	Outcome  engine.Outcome `json:"outcome"`
	Code     fault.Code     `json:"code,omitempty"`
	Requests []string       `json:"requests,omitempty"`
}

func traceEventOf(t engine.Transition) TraceEvent {
	ev := TraceEvent{
		Seq:     t.Seq,
		Cause:   t.Cause,
		Event:   t.Event.Kind(),
		Outcome: t.Outcome,
		Code:    fault.CodeOf(t.Err),
	}
	for _, r := range t.Requests {
		ev.Requests = append(ev.Requests, r.Kind())
	}
	return ev
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion holds.
	Pass bool `json:"pass"`

	// Trace contains every transition in processing order.
	// Used for trace assertions and golden comparison.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Digest is the digest of the final model.
	Digest string `json:"digest,omitempty"`

	recorded []engine.Recorded
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ts []engine.Transition) {
	for _, t := range ts {
		r.Trace = append(r.Trace, traceEventOf(t))
		r.recorded = append(r.recorded, t.Recorded())
	}
}
