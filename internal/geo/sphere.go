package geo

import "math"

// MeanEarthRadius is the IUGG mean earth radius in metres.
const MeanEarthRadius = 6371008.8

// RoundTripTolerance bounds the error of Destination(a, InitialBearing(a,b),
// Distance(a,b)) against b, in metres.
const RoundTripTolerance = 1e-3

// Model is an earth model.
//
// Distance and bearings are symmetric in the usual sense:
// Distance(a,b) == Distance(b,a) and FinalBearing(a,b) is the bearing of
// arrival at b.
type Model interface {
	Name() string
	Distance(a, b LatLong) float64
	InitialBearing(a, b LatLong) float64
	FinalBearing(a, b LatLong) float64
	Destination(p LatLong, bearing, distance float64) LatLong
}

// Sphere is a spherical earth of the given radius.
type Sphere struct {
	Radius float64
}

// Earth is the sphere used by the spatial index for ordering and reported
// distances.
var Earth = Sphere{Radius: MeanEarthRadius}

func (s Sphere) Name() string { return "sphere" }

// Distance returns the great-circle distance using the haversine formula.
func (s Sphere) Distance(a, b LatLong) float64 {
	return s.Radius * centralAngle(a, b)
}

// InitialBearing returns the bearing to follow from a to reach b along the
// great circle, in [0, 360). Coincident points return 0.
func (s Sphere) InitialBearing(a, b LatLong) float64 {
	if a == b {
		return 0
	}
	phi1, phi2 := rad(a.Lat), rad(b.Lat)
	dl := rad(b.Lon - a.Lon)
	y := math.Sin(dl) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dl)
	return NormalizeBearing(deg(math.Atan2(y, x)))
}

// FinalBearing returns the bearing of arrival at b, in [0, 360).
func (s Sphere) FinalBearing(a, b LatLong) float64 {
	if a == b {
		return 0
	}
	return NormalizeBearing(s.InitialBearing(b, a) + 180)
}

// Destination returns the point reached by travelling distance metres from p
// on the given initial bearing.
func (s Sphere) Destination(p LatLong, bearing, distance float64) LatLong {
	delta := distance / s.Radius
	theta := rad(bearing)
	phi1, lambda1 := rad(p.Lat), rad(p.Lon)

	sinPhi2 := math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta)
	sinPhi2 = clampUnit(sinPhi2)
	phi2 := math.Asin(sinPhi2)
	y := math.Sin(theta) * math.Sin(delta) * math.Cos(phi1)
	x := math.Cos(delta) - math.Sin(phi1)*sinPhi2
	lambda2 := lambda1 + math.Atan2(y, x)

	return LatLong{Lat: deg(phi2), Lon: WrapLon(deg(lambda2))}
}

// centralAngle returns the angle subtended at the centre, in radians.
func centralAngle(a, b LatLong) float64 {
	phi1, phi2 := rad(a.Lat), rad(b.Lat)
	sdp := math.Sin((phi2 - phi1) / 2)
	sdl := math.Sin(rad(b.Lon-a.Lon) / 2)
	h := sdp*sdp + math.Cos(phi1)*math.Cos(phi2)*sdl*sdl
	h = math.Min(1, math.Max(0, h))
	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

// Distance is Earth.Distance.
func Distance(a, b LatLong) float64 { return Earth.Distance(a, b) }

// InitialBearing is Earth.InitialBearing.
func InitialBearing(a, b LatLong) float64 { return Earth.InitialBearing(a, b) }

// FinalBearing is Earth.FinalBearing.
func FinalBearing(a, b LatLong) float64 { return Earth.FinalBearing(a, b) }

// Destination is Earth.Destination.
func Destination(p LatLong, bearing, distance float64) LatLong {
	return Earth.Destination(p, bearing, distance)
}

// ModelByName returns the named earth model ("sphere" or "wgs84").
func ModelByName(name string) (Model, bool) {
	switch name {
	case "sphere", "":
		return Earth, true
	case "wgs84":
		return WGS84, true
	}
	return nil, false
}
