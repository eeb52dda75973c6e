package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/model"
)

// Scenario defines a conformance test scenario: events sent to a fresh
// engine, collaborators that answer deterministically, and assertions on
// the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Now is the time the fake clock starts at. Zero means
	// testutil.DefaultStart.
	Now time.Time `yaml:"now,omitempty"`

	// MaxCascade overrides the follow-up quota. 0 keeps the default.
	MaxCascade int `yaml:"max_cascade,omitempty"`

	// Storage is what the key-value store holds before the first step.
	Storage *Storage `yaml:"storage,omitempty"`

	// Steps drive the engine, in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, nearest
	Assertions []Assertion `yaml:"assertions"`

	// Replay re-runs the recorded transitions on a second engine and
	// fails the scenario if any transition differs.
	Replay bool `yaml:"replay,omitempty"`
}

// Storage seeds the persisted documents.
type Storage struct {
	Entities []model.EntityDoc       `yaml:"entities,omitempty"`
	Ways     map[string]model.WayDoc `yaml:"ways,omitempty"`
}

// Step is one thing that happens to the engine. Exactly one of Send,
// Position and Tick is set.
//
// After every step the collaborators answer whatever can be answered right
// away (storage and clock reads) until the engine is quiet. Timers fire
// only on Tick and positions arrive only on Position.
type Step struct {
	// Send is the kind of an event to dispatch, with Args as its body.
	Send string         `yaml:"send,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`

	// Position delivers a fix to the open geolocation subscription.
	Position *Fix `yaml:"position,omitempty"`

	// Tick fires the earliest armed timers this many times.
	Tick int `yaml:"tick,omitempty"`

	// Expect checks the first transition of the step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Fix is a position reading in a scenario.
type Fix struct {
	Lat      float64  `yaml:"lat"`
	Lon      float64  `yaml:"lon"`
	Accuracy float64  `yaml:"accuracy,omitempty"`
	Altitude *float64 `yaml:"altitude,omitempty"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Outcome is applied, rejected, discarded or failed.
	Outcome engine.Outcome `yaml:"outcome"`

	// Code is the expected fault code of a rejection.
	Code fault.Code `yaml:"code,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event kind appears in the trace, optionally
	//   with a given outcome and code
	// - "trace_order": event kinds appear in this order
	// - "trace_count": an event kind appears exactly Count times
	// - "final_state": the final view and storage match Expect
	// - "nearest": a nearest-neighbour query returns IDs in order
	Type string `yaml:"type"`

	// Event is the event kind (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Outcome and Code narrow trace_contains and trace_count.
	Outcome engine.Outcome `yaml:"outcome,omitempty"`
	Code    fault.Code     `yaml:"code,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected event order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Expect holds the expected final state (final_state).
	Expect *FinalState `yaml:"expect,omitempty"`

	// At, K and IDs describe a nearest query and its answer (nearest).
	At  *Fix     `yaml:"at,omitempty"`
	K   int      `yaml:"k,omitempty"`
	IDs []string `yaml:"ids,omitempty"`
}

// FinalState is checked against the engine after the last step. Unset
// fields are not checked.
type FinalState struct {
	EntityCount *int     `yaml:"entity_count,omitempty"`
	Entities    []string `yaml:"entities,omitempty"`
	Absent      []string `yaml:"absent,omitempty"`
	Ways        []string `yaml:"ways,omitempty"`
	Message     *string  `yaml:"message,omitempty"`
	Geolocating *bool    `yaml:"geolocating,omitempty"`
	GPSStatus   *string  `yaml:"gps_status,omitempty"`
	Stored      []string `yaml:"stored,omitempty"`
	NotStored   []string `yaml:"not_stored,omitempty"`
	Pending     []string `yaml:"pending,omitempty"`
	Downloads   *int     `yaml:"downloads,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertNearest       = "nearest"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if s.MaxCascade < 0 {
		return fmt.Errorf("max_cascade must not be negative, got %d", s.MaxCascade)
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Send != "" {
		set++
		if _, err := app.NewEvent(step.Send); err != nil {
			return err
		}
	}
	if step.Position != nil {
		set++
	}
	if step.Tick < 0 {
		return fmt.Errorf("tick must not be negative, got %d", step.Tick)
	}
	if step.Tick > 0 {
		set++
	}
	if set != 1 {
		return errors.New("exactly one of send, position and tick is required")
	}
	if step.Args != nil && step.Send == "" {
		return errors.New("args need send")
	}
	if step.Expect != nil && !validOutcome(step.Expect.Outcome) {
		return fmt.Errorf("expect: unknown outcome %q", step.Expect.Outcome)
	}
	return nil
}

func validOutcome(o engine.Outcome) bool {
	switch o {
	case engine.OutcomeApplied, engine.OutcomeRejected, engine.OutcomeDiscarded, engine.OutcomeFailed:
		return true
	}
	return false
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return errors.New("trace_contains needs event")
		}
	case AssertTraceCount:
		if a.Event == "" {
			return errors.New("trace_count needs event")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must not be negative, got %d", a.Count)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return errors.New("trace_order needs at least two events")
		}
	case AssertFinalState:
		if a.Expect == nil {
			return errors.New("final_state needs expect")
		}
	case AssertNearest:
		if a.At == nil {
			return errors.New("nearest needs at")
		}
		if a.K <= 0 {
			return fmt.Errorf("nearest needs a positive k, got %d", a.K)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Outcome != "" && !validOutcome(a.Outcome) {
		return fmt.Errorf("unknown outcome %q", a.Outcome)
	}
	return nil
}
