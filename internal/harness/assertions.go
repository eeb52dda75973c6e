package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/model"
	"github.com/roach88/geocore/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Event, ev.Outcome)
			if ev.Code != "" {
				fmt.Fprintf(&buf, " %s", ev.Code)
			}
			if len(ev.Requests) > 0 {
				fmt.Fprintf(&buf, " -> %s", strings.Join(ev.Requests, ", "))
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// matches reports whether ev is of the asserted kind, outcome and code.
func matches(ev TraceEvent, assertion Assertion) bool {
	if ev.Event != assertion.Event {
		return false
	}
	if assertion.Outcome != "" && ev.Outcome != assertion.Outcome {
		return false
	}
	return assertion.Code == "" || ev.Code == assertion.Code
}

func describe(assertion Assertion) string {
	s := assertion.Event
	if assertion.Outcome != "" {
		s += " " + string(assertion.Outcome)
	}
	if assertion.Code != "" {
		s += " " + string(assertion.Code)
	}
	return s
}

// assertTraceContains checks that some transition matches the assertion.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, ev := range trace {
		if matches(ev, assertion) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(assertion),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that event kinds first appear in the specified
// order. Other events may come in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if slices.Contains(assertion.Events, ev.Event) && positions[ev.Event] == 0 {
			positions[ev.Event] = i + 1 // 1-indexed for readability
		}
	}

	for _, kind := range assertion.Events {
		if positions[kind] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", kind),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev, curr := assertion.Events[i-1], assertion.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count transitions match.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, assertion) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describe(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares the engine and the collaborators with the
// expected state. Every mismatch is reported, not just the first.
func assertFinalState(actx *AssertionContext, want *FinalState) error {
	m := actx.Engine.Snapshot().Model
	vm := actx.Engine.View()
	var diffs []string
	diff := func(format string, args ...any) {
		diffs = append(diffs, fmt.Sprintf(format, args...))
	}

	if want.EntityCount != nil && m.Entities.Len() != *want.EntityCount {
		diff("entity_count: want %d, got %d", *want.EntityCount, m.Entities.Len())
	}
	for _, id := range want.Entities {
		if !m.Entities.Has(model.EntityID(id)) {
			diff("entity %q missing", id)
		}
	}
	for _, id := range want.Absent {
		if m.Entities.Has(model.EntityID(id)) {
			diff("entity %q present", id)
		}
	}
	for _, name := range want.Ways {
		if !m.Ways.Has(name) {
			diff("track %q missing", name)
		}
	}
	if vm != nil {
		if want.Message != nil && vm.Message != *want.Message {
			diff("message: want %q, got %q", *want.Message, vm.Message)
		}
		if want.Geolocating != nil && vm.Geolocating != *want.Geolocating {
			diff("geolocating: want %t, got %t", *want.Geolocating, vm.Geolocating)
		}
		if want.GPSStatus != nil && vm.GPSStatus != *want.GPSStatus {
			diff("gps_status: want %q, got %q", *want.GPSStatus, vm.GPSStatus)
		}
	}
	for _, key := range want.Stored {
		if _, found, err := actx.Collaborators.Store().Get(actx.Ctx, key); err != nil || !found {
			diff("key %q not stored (err=%v)", key, err)
		}
	}
	for _, key := range want.NotStored {
		if _, found, err := actx.Collaborators.Store().Get(actx.Ctx, key); err != nil || found {
			diff("key %q stored (err=%v)", key, err)
		}
	}
	if want.Pending != nil {
		var got []string
		for _, p := range actx.Engine.Pending() {
			got = append(got, p.Kind)
		}
		if !slices.Equal(got, want.Pending) {
			diff("pending: want %v, got %v", want.Pending, got)
		}
	}
	if want.Downloads != nil && len(actx.Collaborators.Downloads()) != *want.Downloads {
		diff("downloads: want %d, got %d", *want.Downloads, len(actx.Collaborators.Downloads()))
	}

	if len(diffs) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: "final state as specified",
		Actual:   strings.Join(diffs, "; "),
	}
}

// assertNearest runs a k-nearest query and compares the ids in order.
func assertNearest(actx *AssertionContext, assertion Assertion) error {
	p, err := geo.NewLatLong(assertion.At.Lat, assertion.At.Lon)
	if err != nil {
		return fmt.Errorf("nearest: %w", err)
	}
	ns, err := actx.Engine.Nearest(p, assertion.K, nil)
	if err != nil {
		return fmt.Errorf("nearest: %w", err)
	}
	got := make([]string, len(ns))
	for i, n := range ns {
		got[i] = n.ID
	}
	if !slices.Equal(got, assertion.IDs) {
		return &AssertionError{
			Type:     AssertNearest,
			Expected: fmt.Sprintf("%v", assertion.IDs),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

// AssertionContext provides what final-state assertions inspect.
type AssertionContext struct {
	Ctx           context.Context
	Engine        *engine.Engine
	Collaborators *testutil.Collaborators
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter gives final_state and nearest assertions the engine
// to inspect; trace assertions need only the result.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertNearest:
			switch {
			case actx == nil || actx.Engine == nil || actx.Collaborators == nil:
				err = fmt.Errorf("assertion[%d]: %s requires an engine", i, assertion.Type)
			case assertion.Type == AssertNearest:
				err = assertNearest(actx, assertion)
			case assertion.Expect == nil:
				err = fmt.Errorf("assertion[%d]: final_state needs expect", i)
			default:
				err = assertFinalState(actx, assertion.Expect)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
