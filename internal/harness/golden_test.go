package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/canon"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
)

func TestRunWithGolden_AddAndDuplicate(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/add_and_duplicate.yaml")
	require.NoError(t, err)

	// First run with -update to create golden file:
	//   go test ./internal/harness -run TestRunWithGolden_AddAndDuplicate -update
	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestTraceSnapshotJSON(t *testing.T) {
	snapshot := TraceSnapshot{
		Scenario: "snap",
		Trace: []TraceEvent{
			{Seq: 1, Event: "add_entity", Outcome: engine.OutcomeRejected, Code: fault.InvalidCoordinate},
			{Seq: 2, Cause: 1, Event: "refresh_clock", Outcome: engine.OutcomeApplied, Requests: []string{"time_now"}},
		},
	}

	data, err := canon.Marshal(snapshot)
	require.NoError(t, err)

	// Keys sorted, empty fields omitted, no whitespace
	want := `{"scenario":"snap","trace":[` +
		`{"code":"INVALID_COORDINATE","event":"add_entity","outcome":"rejected","seq":1},` +
		`{"cause":1,"event":"refresh_clock","outcome":"applied","requests":["time_now"],"seq":2}]}`
	assert.Equal(t, want, string(data))
}

func TestCanonicalJSONDeterminism(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/persistence.yaml")
	require.NoError(t, err)

	var outputs []string
	for i := 0; i < 3; i++ {
		result, err := Run(scenario)
		require.NoError(t, err)
		data, err := canon.Marshal(TraceSnapshot{Scenario: scenario.Name, Trace: result.Trace})
		require.NoError(t, err)
		outputs = append(outputs, string(data))
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[1], outputs[2])
}
