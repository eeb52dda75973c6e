// Package geo provides geodetic primitives: validated coordinates, distance
// and bearing on a spherical and an ellipsoidal earth, destination points,
// and latitude/longitude bounding boxes.
//
// All angles are degrees and all distances are metres. Functions that take a
// LatLong assume it was produced by NewLatLong (or validated with Validate).
package geo

import (
	"fmt"
	"math"
	"strconv"

	"github.com/roach88/geocore/internal/fault"
)

// LatLong is a geodetic position in degrees.
type LatLong struct {
	Lat float64 `json:"lat" cbor:"1,keyasint" yaml:"lat"`
	Lon float64 `json:"lon" cbor:"2,keyasint" yaml:"lon"`
}

// NewLatLong returns a validated position with its longitude in
// [-180, 180).
//
// Out-of-range or non-finite input is rejected with fault.InvalidCoordinate.
// Values are never clamped. Longitude 180 names the same meridian as -180
// and is stored as -180.
func NewLatLong(lat, lon float64) (LatLong, error) {
	p := LatLong{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return LatLong{}, err
	}
	return p.Normalize(), nil
}

// Normalize maps longitude 180 to -180 and leaves every other value as is,
// so each meridian has one representation.
func (p LatLong) Normalize() LatLong {
	if p.Lon == 180 {
		p.Lon = -180
	}
	return p
}

// MustLatLong is NewLatLong for constants and tests. It panics on invalid input.
func MustLatLong(lat, lon float64) LatLong {
	p, err := NewLatLong(lat, lon)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks the coordinate ranges.
func (p LatLong) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return fault.New(fault.InvalidCoordinate, "latitude %s outside [-90, 90]", formatDeg(p.Lat)).
			WithDetail("lat", formatDeg(p.Lat))
	}
	if math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) || p.Lon < -180 || p.Lon > 180 {
		return fault.New(fault.InvalidCoordinate, "longitude %s outside [-180, 180]", formatDeg(p.Lon)).
			WithDetail("lon", formatDeg(p.Lon))
	}
	return nil
}

// String formats the position as "lat,lon".
func (p LatLong) String() string {
	return fmt.Sprintf("%s,%s", formatDeg(p.Lat), formatDeg(p.Lon))
}

// WrapLon maps any finite longitude into [-180, 180).
func WrapLon(lon float64) float64 {
	w := math.Mod(lon+180, 360)
	if w < 0 {
		w += 360
	}
	return w - 180
}

// NormalizeBearing maps any finite angle into [0, 360).
func NormalizeBearing(deg float64) float64 {
	b := math.Mod(deg, 360)
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b = 0
	}
	return b
}

func formatDeg(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }

func deg(rad float64) float64 { return rad * 180 / math.Pi }
