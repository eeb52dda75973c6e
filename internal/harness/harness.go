package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/model"
	"github.com/roach88/geocore/internal/testutil"
	"github.com/roach88/geocore/internal/wire"
)

// settleLimit bounds the answer rounds after one step. Scenarios that keep
// producing storage or clock requests after this many rounds are broken.
const settleLimit = 1000

// Harness is the test execution engine.
// It runs one scenario against a real engine, with deterministic request
// ids, a fake clock and collaborators that answer synchronously.
type Harness struct {
	app    *app.App
	engine *engine.Engine
	clock  *testutil.FakeClock
	collab *testutil.Collaborators
	logger *slog.Logger
	opts   []engine.Option
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs on a fresh engine and a fresh in-memory store.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Seed the store from the scenario's storage section
// 2. Run each step, then let the collaborators answer until quiet
// 3. Check each step's expectation against its first transition
// 4. Optionally replay the recorded transitions on a second engine
// 5. Evaluate assertions
//
// The returned error reports a scenario that could not be executed. A
// scenario that ran but did not hold is reported through Result.Pass.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext is Run with a context and a logger for the engine. A nil
// logger discards engine logs.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h, err := newHarness(ctx, scenario, logger)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if halted := h.engine.Halted(); halted != nil {
			result.AddError(fmt.Sprintf("step[%d]: not run, engine halted: %v", i, halted))
			break
		}
		first, err := h.runStep(ctx, i, step, result)
		if err != nil {
			return nil, fmt.Errorf("step[%d]: %w", i, err)
		}
		if err := h.settle(ctx, result); err != nil {
			return nil, fmt.Errorf("step[%d]: %w", i, err)
		}
		if step.Expect != nil {
			checkExpect(result, i, step.Expect, first)
		}
	}

	digest, err := h.engine.Snapshot().Model.Digest()
	if err != nil {
		return nil, fmt.Errorf("final digest: %w", err)
	}
	result.Digest = digest

	if scenario.Replay {
		if err := h.replay(ctx, result); err != nil {
			return nil, err
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{
		Ctx:           ctx,
		Engine:        h.engine,
		Collaborators: h.collab,
	}) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Harness, error) {
	clock := testutil.NewFakeClock(scenario.Now)
	collab := testutil.NewCollaborators(clock, nil)
	a := app.New(app.DefaultSettings())

	if err := seed(ctx, collab, a.Settings(), scenario.Storage); err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithConsistencyCheck(1),
	}
	if scenario.MaxCascade > 0 {
		opts = append(opts, engine.WithMaxCascade(scenario.MaxCascade))
	}
	e, err := engine.New(a, append(opts,
		engine.WithRequestIDs(engine.NewSequentialGenerator("r")),
		engine.WithSink(collab),
		engine.WithDigests(true),
	)...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return &Harness{app: a, engine: e, clock: clock, collab: collab, logger: logger, opts: opts}, nil
}

// seed writes the scenario's documents in the encoding the logic persists.
func seed(ctx context.Context, collab *testutil.Collaborators, s app.Settings, st *Storage) error {
	if st == nil {
		return nil
	}
	store := collab.Store()
	if st.Entities != nil {
		data, err := wire.Marshal(st.Entities)
		if err != nil {
			return fmt.Errorf("seed entities: %w", err)
		}
		if err := store.Set(ctx, s.EntitiesKey, data); err != nil {
			return fmt.Errorf("seed entities: %w", err)
		}
	}
	if st.Ways != nil {
		data, err := wire.Marshal(st.Ways)
		if err != nil {
			return fmt.Errorf("seed ways: %w", err)
		}
		if err := store.Set(ctx, s.WaysKey, data); err != nil {
			return fmt.Errorf("seed ways: %w", err)
		}
	}
	return nil
}

// runStep performs the step and returns the first transition it caused.
func (h *Harness) runStep(ctx context.Context, i int, step Step, result *Result) (*engine.Transition, error) {
	var events []app.Event
	switch {
	case step.Send != "":
		ev, err := buildEvent(step)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	case step.Position != nil:
		events = h.collab.Position(model.FixDoc{
			Position: geo.LatLong{Lat: step.Position.Lat, Lon: step.Position.Lon},
			Accuracy: step.Position.Accuracy,
			Altitude: step.Position.Altitude,
		})
		if len(events) == 0 {
			result.AddError(fmt.Sprintf("step[%d]: no open geolocation subscription", i))
		}
	default:
		for n := 0; n < step.Tick; n++ {
			fired := h.collab.Tick()
			if len(fired) == 0 {
				result.AddError(fmt.Sprintf("step[%d]: tick %d: no armed timer", i, n+1))
				break
			}
			events = append(events, fired...)
		}
	}

	var first *engine.Transition
	for _, ev := range events {
		ts := h.dispatch(ctx, ev, result)
		if first == nil && len(ts) > 0 {
			first = &ts[0]
		}
	}
	return first, nil
}

func buildEvent(step Step) (app.Event, error) {
	var body []byte
	if step.Args != nil {
		var err error
		body, err = json.Marshal(step.Args)
		if err != nil {
			return nil, fmt.Errorf("encode args of %s: %w", step.Send, err)
		}
	}
	return app.EventFromJSON(step.Send, body)
}

// dispatch runs ev and records its transitions. Halts and quota refusals
// are part of the trace, not harness errors.
func (h *Harness) dispatch(ctx context.Context, ev app.Event, result *Result) []engine.Transition {
	ts, err := h.engine.Dispatch(ctx, ev)
	result.record(ts)
	if err != nil {
		h.logger.Debug("dispatch reported errors", "event", ev.Kind(), "error", err)
	}
	return ts
}

// settle lets the collaborators answer until nothing is outstanding.
func (h *Harness) settle(ctx context.Context, result *Result) error {
	for round := 0; h.collab.Outstanding() > 0; round++ {
		if round >= settleLimit {
			return fmt.Errorf("collaborators still busy after %d rounds", settleLimit)
		}
		for _, ev := range h.collab.Answer(ctx) {
			if h.engine.Halted() != nil {
				return nil
			}
			h.dispatch(ctx, ev, result)
		}
	}
	return nil
}

func checkExpect(result *Result, i int, want *Expect, got *engine.Transition) {
	if got == nil {
		result.AddError(fmt.Sprintf("step[%d]: expected outcome %s, but the step produced no transition", i, want.Outcome))
		return
	}
	ev := traceEventOf(*got)
	if ev.Outcome != want.Outcome {
		result.AddError(fmt.Sprintf("step[%d]: %s: expected outcome %s, got %s (%v)", i, ev.Event, want.Outcome, ev.Outcome, got.Err))
		return
	}
	if want.Code != "" && ev.Code != want.Code {
		result.AddError(fmt.Sprintf("step[%d]: %s: expected code %s, got %q", i, ev.Event, want.Code, ev.Code))
	}
}

// replay re-runs the recorded transitions and reports every difference.
func (h *Harness) replay(ctx context.Context, result *Result) error {
	report, err := engine.Replay(ctx, h.app, result.recorded, h.opts...)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, m := range report.Mismatches {
		result.AddError(fmt.Sprintf("replay: seq %d: %s (want %q, got %q)", m.Seq, m.Reason, m.Want, m.Got))
	}
	if report.Digest != result.Digest {
		result.AddError(fmt.Sprintf("replay: final digest %s, want %s", report.Digest, result.Digest))
	}
	return nil
}
