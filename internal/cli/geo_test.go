package cli

import (
	"bytes"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGeo(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewGeoCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func geoJSON(t *testing.T, args ...string) GeoResult {
	t.Helper()
	out, err := newGeo(t, "json", args...)
	require.NoError(t, err)
	var resp struct {
		Status string    `json:"status"`
		Data   GeoResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestGeoDistance(t *testing.T) {
	r := geoJSON(t, "distance", "51.5074", "-0.1278", "48.8566", "2.3522")
	assert.Equal(t, "sphere", r.Model)
	require.NotNil(t, r.Distance)
	assert.InEpsilon(t, 343_500.0, *r.Distance, 0.01)
	assert.Nil(t, r.InitialBearing)
	assert.Nil(t, r.Destination)
}

func TestGeoDistance_WGS84(t *testing.T) {
	r := geoJSON(t, "distance", "--model", "wgs84", "51.5074", "-0.1278", "48.8566", "2.3522")
	assert.Equal(t, "wgs84", r.Model)
	require.NotNil(t, r.Distance)
	assert.InEpsilon(t, 343_500.0, *r.Distance, 0.01)
}

func TestGeoBearing(t *testing.T) {
	r := geoJSON(t, "bearing", "0", "0", "0", "10")
	require.NotNil(t, r.InitialBearing)
	require.NotNil(t, r.FinalBearing)
	assert.InDelta(t, 90.0, *r.InitialBearing, 1e-9)
	assert.InDelta(t, 90.0, *r.FinalBearing, 1e-9)
}

func TestGeoDestinationRoundTrip(t *testing.T) {
	there := geoJSON(t, "bearing", "51.5074", "-0.1278", "48.8566", "2.3522")
	require.NotNil(t, there.Distance)

	r := geoJSON(t, "destination", "51.5074", "-0.1278",
		strconv.FormatFloat(*there.InitialBearing, 'f', -1, 64),
		strconv.FormatFloat(*there.Distance, 'f', -1, 64))
	require.NotNil(t, r.Destination)
	assert.InDelta(t, 48.8566, r.Destination.Lat, 1e-6)
	assert.InDelta(t, 2.3522, r.Destination.Lon, 1e-6)
}

func TestGeoText(t *testing.T) {
	out, err := newGeo(t, "text", "distance", "0", "0", "0", "1")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "distance: ")
	assert.Contains(t, out.String(), " m\n")
	assert.Contains(t, out.String(), "model: sphere")
}

func TestGeoInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"not a number", []string{"distance", "north", "0", "0", "0"}, "not a number"},
		{"latitude out of range", []string{"distance", "91", "0", "0", "0"}, "first point"},
		{"second point", []string{"bearing", "0", "0", "0", "181"}, "second point"},
		{"negative distance", []string{"destination", "0", "0", "90", "-5"}, "negative"},
		{"unknown model", []string{"distance", "--model", "flat", "0", "0", "0", "1"}, "flat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newGeo(t, "json", tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			var resp Response
			require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, CodeInput, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.wantErr)
		})
	}
}

func TestGeoWrongArity(t *testing.T) {
	_, err := newGeo(t, "text", "distance", "0", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 4 arg")
}
