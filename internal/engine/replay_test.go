package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/model"
)

// recordSession runs a session against a journaled engine with random
// request ids and returns the journal and the final digest.
func recordSession(t *testing.T) ([]Recorded, string) {
	t.Helper()
	j := &memJournal{}
	e := newTestEngine(t, WithJournal(j), WithDigests(true), WithRequestIDs(UUIDv7Generator{}))
	ctx := context.Background()

	run := func(ev app.Event) []Transition {
		ts, err := e.Dispatch(ctx, ev)
		require.NoError(t, err)
		return ts
	}

	ts := run(app.LoadPersisted{})
	run(app.KVLoaded{Reply: app.Reply{Request: ts[0].Requests[0].ID}, Key: "model"})
	run(app.AddEntity{ID: "London", Lat: london.Lat, Lon: london.Lon})
	run(app.AddEntity{ID: "London", Lat: 0, Lon: 0})
	ts = run(app.StartGeolocation{})
	sub := ts[0].Requests[0].ID
	now := ts[1].Requests[0].ID
	run(app.ClockRead{Reply: app.Reply{Request: now}, Now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)})
	run(app.PositionUpdate{Reply: app.Reply{Request: sub}, Fix: &model.FixDoc{
		Position:  paris,
		Accuracy:  3,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC),
	}})
	run(app.SaveCurrentPosition{Name: "Here"})
	run(app.StopGeolocation{})
	run(app.KVWritten{Reply: app.Reply{Request: "gone"}, Key: "model"})

	digest, err := e.Snapshot().Model.Digest()
	require.NoError(t, err)
	return j.all(), digest
}

func TestReplay_ReproducesJournal(t *testing.T) {
	records, digest := recordSession(t)
	require.NotEmpty(t, records)

	report, err := Replay(context.Background(), app.New(app.DefaultSettings()), records, WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.True(t, report.OK(), "mismatches: %+v", report.Mismatches)
	assert.Equal(t, len(records), report.Transitions)
	assert.Equal(t, digest, report.Digest)
	assert.Equal(t, 2, report.Final.Model.Entities.Len())
}

func TestReplay_DetectsDigestMismatch(t *testing.T) {
	records, _ := recordSession(t)
	records[2].Digest = "tampered"

	report, err := Replay(context.Background(), app.New(app.DefaultSettings()), records, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, records[2].Seq, report.Mismatches[0].Seq)
	assert.Equal(t, "digest", report.Mismatches[0].Reason)
}

func TestReplay_DetectsMissingFollowUp(t *testing.T) {
	records, _ := recordSession(t)

	var trimmed []Recorded
	var dropped uint64
	for _, r := range records {
		if r.Cause != 0 && dropped == 0 {
			dropped = r.Seq
			continue
		}
		trimmed = append(trimmed, r)
	}
	require.NotZero(t, dropped)

	report, err := Replay(context.Background(), app.New(app.DefaultSettings()), trimmed, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.False(t, report.OK())
	assert.Contains(t, report.Mismatches, Mismatch{Seq: dropped, Reason: "not recorded", Got: "refresh_clock"})
}

func TestReplay_DetectsOutcomeMismatch(t *testing.T) {
	records, _ := recordSession(t)
	for i := range records {
		if records[i].Outcome == OutcomeRejected {
			records[i].Outcome = OutcomeApplied
			records[i].Digest = ""
			break
		}
	}

	report, err := Replay(context.Background(), app.New(app.DefaultSettings()), records, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "outcome", report.Mismatches[0].Reason)
	assert.Equal(t, string(OutcomeApplied), report.Mismatches[0].Want)
	assert.Equal(t, string(OutcomeRejected), report.Mismatches[0].Got)
}

func TestReplay_EmptyJournal(t *testing.T) {
	report, err := Replay(context.Background(), app.New(app.DefaultSettings()), nil)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Transitions)

	want, err := app.New(app.DefaultSettings()).Initial().Digest()
	require.NoError(t, err)
	assert.Equal(t, want, report.Digest)
}

func TestReplay_HonoursCancellation(t *testing.T) {
	records, _ := recordSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Replay(ctx, app.New(app.DefaultSettings()), records, WithLogger(discardLogger()))
	assert.ErrorIs(t, err, context.Canceled)
}
