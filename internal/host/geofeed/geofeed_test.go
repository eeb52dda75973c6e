package geofeed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/model"
)

const walk = `
name: embankment
fixes:
  - position: {lat: 51.5081, lon: -0.1248}
    accuracy: 5
  - position: {lat: 51.5070, lon: -0.1220}
    accuracy: 4
    altitude: 12
  - position: {lat: 51.5055, lon: -0.1195}
    accuracy: 6
`

var fixed = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func TestParseTrack(t *testing.T) {
	track, err := ParseTrack([]byte(walk))
	require.NoError(t, err)
	assert.Equal(t, "embankment", track.Name)
	require.Len(t, track.Fixes, 3)
	assert.InDelta(t, 51.5070, track.Fixes[1].Position.Lat, 1e-9)
	require.NotNil(t, track.Fixes[1].Altitude)
	assert.Equal(t, 12.0, *track.Fixes[1].Altitude)
}

func TestParseTrack_Errors(t *testing.T) {
	_, err := ParseTrack([]byte("name: empty\nfixes: []\n"))
	assert.ErrorIs(t, err, ErrNoFixes)

	_, err = ParseTrack([]byte("fixes:\n  - position: {lat: 91, lon: 0}\n"))
	assert.Error(t, err)

	_, err = ParseTrack([]byte("fixes: [: ]"))
	assert.Error(t, err)
}

func TestLoadTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(walk), 0o644))

	track, err := LoadTrack(path)
	require.NoError(t, err)
	assert.Len(t, track.Fixes, 3)
}

func TestPlayer_Stream(t *testing.T) {
	track, err := ParseTrack([]byte(walk))
	require.NoError(t, err)
	p := NewPlayer(track, 0, WithNow(func() time.Time { return fixed }))

	var got []model.FixDoc
	err = p.Stream(context.Background(), app.GeoOptions{}, func(f model.FixDoc) {
		got = append(got, f)
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, f := range got {
		assert.Equal(t, fixed, f.Timestamp)
	}
	assert.InDelta(t, 51.5055, got[2].Position.Lat, 1e-9)
}

func TestPlayer_LoopStopsOnCancel(t *testing.T) {
	track, err := ParseTrack([]byte(walk))
	require.NoError(t, err)
	p := NewPlayer(track, 0, WithLoop())

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err = p.Stream(ctx, app.GeoOptions{}, func(model.FixDoc) {
		n++
		if n == 7 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 7, n)
}

func TestPlayer_RateLimited(t *testing.T) {
	track, err := ParseTrack([]byte(walk))
	require.NoError(t, err)
	p := NewPlayer(track, 50)

	start := time.Now()
	require.NoError(t, p.Stream(context.Background(), app.GeoOptions{}, func(model.FixDoc) {}))
	// Burst of one: the second and third fixes wait 20ms each.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPlayer_Timeout(t *testing.T) {
	track, err := ParseTrack([]byte(walk))
	require.NoError(t, err)
	p := NewPlayer(track, 0.5)

	n := 0
	err = p.Stream(context.Background(), app.GeoOptions{Timeout: 10 * time.Millisecond}, func(model.FixDoc) { n++ })
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, n, "the first fix uses the initial token")
}

func TestPlayer_EmptyTrack(t *testing.T) {
	p := NewPlayer(Track{}, 0)
	err := p.Stream(context.Background(), app.GeoOptions{}, func(model.FixDoc) {})
	assert.ErrorIs(t, err, ErrNoFixes)
}
