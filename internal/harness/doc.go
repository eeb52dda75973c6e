// Package harness runs conformance scenarios against the geocore engine.
//
// A scenario drives a real engine through a list of steps. The effects the
// engine requests are performed by testutil.Collaborators: storage and
// clock requests are answered synchronously after every step, timers fire
// only on tick steps, and positions arrive only on position steps. Request
// ids are sequential and the wall clock is fake, so a scenario produces the
// same trace on every run.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	now: 2024-05-01T09:30:00Z
//	storage:
//	  entities:
//	    - id: London
//	      position: {lat: 51.5074, lon: -0.1278}
//	steps:
//	  - send: load_persisted
//	  - send: add_entity
//	    args: {id: Paris, lat: 48.8566, lon: 2.3522}
//	    expect: {outcome: applied}
//	  - send: start_geolocation
//	  - position: {lat: 51.5081, lon: -0.1248, accuracy: 5}
//	  - tick: 1
//	assertions:
//	  - type: trace_contains
//	    event: add_entity
//	    outcome: applied
//	  - type: final_state
//	    expect: {entity_count: 2, stored: [model]}
//	  - type: nearest
//	    at: {lat: 51.0, lon: 0.0}
//	    k: 1
//	    ids: [London]
//
// # Assertion Types
//
//   - trace_contains: an event kind appears, optionally with an outcome and code
//   - trace_order: event kinds first appear in the given order
//   - trace_count: an event kind appears exactly N times
//   - final_state: the final model, view, storage and pending requests match
//   - nearest: a k-nearest query answers the given ids in order
//
// A scenario with replay: true is also re-run from its recorded
// transitions; any difference fails it.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/persistence.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
