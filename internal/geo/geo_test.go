package geo

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/fault"
)

var (
	london = MustLatLong(51.5074, -0.1278)
	paris  = MustLatLong(48.8566, 2.3522)
)

type pair struct {
	name string
	a, b LatLong
}

// pairs exercises ordinary, antimeridian and near-pole geometry.
var pairs = []pair{
	{"london-paris", london, paris},
	{"antimeridian", MustLatLong(0, 179.5), MustLatLong(0, -179.5)},
	{"antimeridian-north", MustLatLong(65, -179.9), MustLatLong(64, 179.2)},
	{"near-north-pole", MustLatLong(89.9, 0), MustLatLong(89.9, 180)},
	{"near-south-pole", MustLatLong(-89.5, 45), MustLatLong(-60, -135)},
	{"equator-quarter", MustLatLong(0, 0), MustLatLong(0, 90)},
	{"southern", MustLatLong(-33.8688, 151.2093), MustLatLong(-36.8485, 174.7633)},
	{"coincident", MustLatLong(10, 10), MustLatLong(10, 10)},
}

func TestNewLatLongValidation(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		ok       bool
		wantLon  float64
	}{
		{"origin", 0, 0, true, 0},
		{"north pole", 90, 0, true, 0},
		{"south pole", -90, 0, true, 0},
		{"antimeridian east", 0, 180, true, -180},
		{"antimeridian west", 0, -180, true, -180},
		{"just west of antimeridian", 0, 179.9999, true, 179.9999},
		{"lat too high", 91, 0, false, 0},
		{"lat too low", -90.0001, 0, false, 0},
		{"lon too high", 0, 180.0001, false, 0},
		{"lon too low", 0, -181, false, 0},
		{"nan lat", math.NaN(), 0, false, 0},
		{"inf lon", 0, math.Inf(1), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewLatLong(tt.lat, tt.lon)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.lat, p.Lat)
				assert.Equal(t, tt.wantLon, p.Lon)
				return
			}
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.InvalidCoordinate), "got %v", err)
		})
	}
}

func TestWrapLon(t *testing.T) {
	assert.Equal(t, -180.0, WrapLon(180))
	assert.Equal(t, -179.0, WrapLon(181))
	assert.Equal(t, 179.0, WrapLon(-181))
	assert.Equal(t, 0.0, WrapLon(720))
	assert.InDelta(t, 10.5, WrapLon(10.5), 1e-12)
}

func TestLondonParisDistance(t *testing.T) {
	d := Distance(london, paris)
	assert.InEpsilon(t, 343_500.0, d, 0.01, "sphere distance %f", d)

	e := WGS84.Distance(london, paris)
	assert.InEpsilon(t, 343_500.0, e, 0.01, "ellipsoid distance %f", e)
}

func TestKnownSphereValues(t *testing.T) {
	quarter := math.Pi / 2 * MeanEarthRadius
	assert.InDelta(t, quarter, Distance(MustLatLong(90, 0), MustLatLong(0, 0)), 1e-6)
	assert.InDelta(t, quarter, Distance(MustLatLong(0, 0), MustLatLong(0, 90)), 1e-6)

	oneDegree := MeanEarthRadius * math.Pi / 180
	assert.InDelta(t, oneDegree, Distance(MustLatLong(0, 179.5), MustLatLong(0, -179.5)), 1e-6)

	assert.InDelta(t, 90.0, InitialBearing(MustLatLong(0, 0), MustLatLong(0, 10)), 1e-9)
	assert.InDelta(t, 0.0, InitialBearing(MustLatLong(0, 0), MustLatLong(10, 0)), 1e-9)
	assert.InDelta(t, 270.0, InitialBearing(MustLatLong(0, 179.5), MustLatLong(0, 179)), 1e-9)
	// Crossing the antimeridian eastbound.
	assert.InDelta(t, 90.0, InitialBearing(MustLatLong(0, 179.5), MustLatLong(0, -179.5)), 1e-9)
}

func TestVincentyReference(t *testing.T) {
	// Flinders Peak to Buninyong, Vincenty (1975).
	a := MustLatLong(-37.95103342, 144.42486789)
	b := MustLatLong(-37.65282114, 143.92649554)

	assert.InDelta(t, 54972.271, WGS84.Distance(a, b), 0.01)
	assert.InDelta(t, 306.868158, WGS84.InitialBearing(a, b), 1e-4)
	assert.InDelta(t, 307.174492, WGS84.FinalBearing(a, b), 1e-4)

	dest := WGS84.Destination(a, 306.868158, 54972.271)
	assert.InDelta(t, b.Lat, dest.Lat, 1e-6)
	assert.InDelta(t, b.Lon, dest.Lon, 1e-6)
}

func TestVincentyFallsBackForAntipodes(t *testing.T) {
	a := MustLatLong(0, 0)
	b := MustLatLong(0.5, 179.7)
	d := WGS84.Distance(a, b)
	assert.False(t, math.IsNaN(d))
	assert.Greater(t, d, 19_900_000.0)
}

func TestSymmetry(t *testing.T) {
	for _, m := range []Model{Earth, WGS84} {
		for _, p := range pairs {
			t.Run(m.Name()+"/"+p.name, func(t *testing.T) {
				assert.InDelta(t, m.Distance(p.a, p.b), m.Distance(p.b, p.a), 1e-6)
				if p.a == p.b {
					assert.Zero(t, m.Distance(p.a, p.b))
					return
				}
				// Final bearing from a to b is the reverse of the initial
				// bearing from b to a.
				rev := NormalizeBearing(m.InitialBearing(p.b, p.a) + 180)
				assert.InDelta(t, 0, angleDiff(m.FinalBearing(p.a, p.b), rev), 1e-6)
			})
		}
	}
}

func TestDestinationRoundTrip(t *testing.T) {
	for _, m := range []Model{Earth, WGS84} {
		for _, p := range pairs {
			t.Run(m.Name()+"/"+p.name, func(t *testing.T) {
				got := m.Destination(p.a, m.InitialBearing(p.a, p.b), m.Distance(p.a, p.b))
				assert.Less(t, Earth.Distance(got, p.b), RoundTripTolerance, "got %s want %s", got, p.b)
			})
		}
	}
}

func TestDestinationRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		a := MustLatLong(r.Float64()*178-89, r.Float64()*360-180)
		bearing := r.Float64() * 360
		dist := r.Float64() * 5_000_000
		b := Destination(a, bearing, dist)
		require.NoError(t, b.Validate())
		assert.InDelta(t, dist, Distance(a, b), 1e-3)
		back := Destination(a, InitialBearing(a, b), Distance(a, b))
		assert.Less(t, Distance(back, b), RoundTripTolerance)
	}
}

func TestRadiusBoxes(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		boxes := RadiusBoxes(london, 10_000)
		require.Len(t, boxes, 1)
		assert.True(t, boxes[0].Contains(london))
	})
	t.Run("antimeridian", func(t *testing.T) {
		boxes := RadiusBoxes(MustLatLong(0, 179.9), 50_000)
		require.Len(t, boxes, 2)
		for _, b := range boxes {
			assert.False(t, b.CrossesAntimeridian())
		}
	})
	t.Run("pole", func(t *testing.T) {
		boxes := RadiusBoxes(MustLatLong(89.5, 10), 100_000)
		require.Len(t, boxes, 1)
		assert.Equal(t, -180.0, boxes[0].MinLon)
		assert.Equal(t, 180.0, boxes[0].MaxLon)
		assert.Equal(t, 90.0, boxes[0].MaxLat)
	})
	t.Run("whole globe", func(t *testing.T) {
		assert.Equal(t, []BBox{WorldBox}, RadiusBoxes(london, 30_000_000))
	})
	t.Run("covers circle", func(t *testing.T) {
		r := rand.New(rand.NewPCG(7, 7))
		centers := []LatLong{london, MustLatLong(0, 179.9), MustLatLong(-89.2, 0), MustLatLong(70, -179)}
		for _, c := range centers {
			boxes := RadiusBoxes(c, 200_000)
			for i := 0; i < 200; i++ {
				p := Destination(c, r.Float64()*360, r.Float64()*199_999)
				assert.True(t, anyContains(boxes, p), "center %s point %s boxes %v", c, p, boxes)
			}
		}
	})
}

func TestMinDistance(t *testing.T) {
	box := BBox{MinLat: 10, MinLon: 10, MaxLat: 20, MaxLon: 20}

	assert.Zero(t, MinDistanceToBox(MustLatLong(15, 15), box))
	assert.InDelta(t, MeanEarthRadius*rad(5), MinDistanceToBox(MustLatLong(25, 15), box), 1e-6)

	crossing := BBox{MinLat: -5, MinLon: 170, MaxLat: 5, MaxLon: -170}
	assert.Zero(t, MinDistanceToBox(MustLatLong(0, 180), crossing))
	assert.Zero(t, MinDistanceToBox(MustLatLong(0, -175), crossing))

	// Lower bound against dense sampling of the box.
	r := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 100; i++ {
		p := MustLatLong(r.Float64()*180-90, r.Float64()*360-180)
		lb := MinDistanceToBox(p, box)
		best := math.Inf(1)
		for lat := 10.0; lat <= 20; lat += 0.25 {
			for lon := 10.0; lon <= 20; lon += 0.25 {
				d := Distance(p, LatLong{Lat: lat, Lon: lon})
				assert.LessOrEqual(t, lb, d+1e-6)
				best = math.Min(best, d)
			}
		}
		// Grid spacing of 0.25 degrees is at most ~28 km.
		assert.InDelta(t, best, lb, 30_000)
	}
}

func TestPolygonBBox(t *testing.T) {
	t.Run("great circle bulge", func(t *testing.T) {
		box, err := PolygonBBox([]LatLong{MustLatLong(50, -30), MustLatLong(50, 30), MustLatLong(40, 0)})
		require.NoError(t, err)
		assert.Greater(t, box.MaxLat, 50.0)
		assert.Equal(t, 40.0, box.MinLat)
		assert.Equal(t, -30.0, box.MinLon)
		assert.Equal(t, 30.0, box.MaxLon)
	})
	t.Run("antimeridian", func(t *testing.T) {
		box, err := PolygonBBox([]LatLong{MustLatLong(0, 175), MustLatLong(5, -175), MustLatLong(-5, 179)})
		require.NoError(t, err)
		assert.True(t, box.CrossesAntimeridian())
		assert.Equal(t, 175.0, box.MinLon)
		assert.Equal(t, -175.0, box.MaxLon)
	})
	t.Run("invalid vertex", func(t *testing.T) {
		_, err := PolygonBBox([]LatLong{{Lat: 95, Lon: 0}})
		assert.True(t, fault.Is(err, fault.InvalidCoordinate))
	})
	t.Run("empty", func(t *testing.T) {
		_, err := PolygonBBox(nil)
		assert.Error(t, err)
	})
}

func TestBBoxIntersects(t *testing.T) {
	crossing := BBox{MinLat: -1, MinLon: 179, MaxLat: 1, MaxLon: -179}
	assert.True(t, crossing.Intersects(PointBox(MustLatLong(0, -179.5))))
	assert.True(t, crossing.Intersects(PointBox(MustLatLong(0, 179.5))))
	assert.False(t, crossing.Intersects(PointBox(MustLatLong(0, 0))))
	assert.Len(t, crossing.Split(), 2)
}

func TestNVectorRoundTrip(t *testing.T) {
	for _, p := range []LatLong{london, paris, MustLatLong(-45, 170), MustLatLong(0, -179.99)} {
		got := NVector(p).LatLong()
		assert.InDelta(t, p.Lat, got.Lat, 1e-9)
		assert.InDelta(t, p.Lon, got.Lon, 1e-9)
	}
	assert.InDelta(t, centralAngle(london, paris), AngleBetween(NVector(london), NVector(paris)), 1e-12)
}

func anyContains(boxes []BBox, p LatLong) bool {
	for _, b := range boxes {
		if b.Contains(p) {
			return true
		}
	}
	return false
}

func angleDiff(a, b float64) float64 {
	d := math.Abs(a - b)
	return math.Min(d, 360-d)
}
