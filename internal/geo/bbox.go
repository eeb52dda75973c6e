package geo

import (
	"fmt"
	"math"
	"sort"

	"github.com/roach88/geocore/internal/fault"
)

// BBox is a latitude/longitude rectangle in degrees.
//
// A box with MinLon > MaxLon crosses the antimeridian and covers
// [MinLon, 180] plus [-180, MaxLon]. Split returns its non-crossing parts.
type BBox struct {
	MinLat float64 `json:"min_lat" cbor:"1,keyasint" yaml:"min_lat"`
	MinLon float64 `json:"min_lon" cbor:"2,keyasint" yaml:"min_lon"`
	MaxLat float64 `json:"max_lat" cbor:"3,keyasint" yaml:"max_lat"`
	MaxLon float64 `json:"max_lon" cbor:"4,keyasint" yaml:"max_lon"`
}

// WorldBox covers the whole globe.
var WorldBox = BBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}

// PointBox returns the degenerate box of a single position.
func PointBox(p LatLong) BBox {
	return BBox{MinLat: p.Lat, MinLon: p.Lon, MaxLat: p.Lat, MaxLon: p.Lon}
}

// NewBBox validates the corners of a box. MinLon > MaxLon is allowed and
// means the box crosses the antimeridian.
func NewBBox(minLat, minLon, maxLat, maxLon float64) (BBox, error) {
	if _, err := NewLatLong(minLat, minLon); err != nil {
		return BBox{}, err
	}
	if _, err := NewLatLong(maxLat, maxLon); err != nil {
		return BBox{}, err
	}
	if minLat > maxLat {
		return BBox{}, fault.New(fault.InvalidCoordinate, "min latitude %s above max latitude %s",
			formatDeg(minLat), formatDeg(maxLat))
	}
	return BBox{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}, nil
}

func (b BBox) String() string {
	return fmt.Sprintf("[%s,%s .. %s,%s]", formatDeg(b.MinLat), formatDeg(b.MinLon),
		formatDeg(b.MaxLat), formatDeg(b.MaxLon))
}

// CrossesAntimeridian reports whether the box wraps across longitude 180.
func (b BBox) CrossesAntimeridian() bool {
	return b.MinLon > b.MaxLon
}

// Split returns the box as one or two non-crossing boxes.
func (b BBox) Split() []BBox {
	if !b.CrossesAntimeridian() {
		return []BBox{b}
	}
	return []BBox{
		{MinLat: b.MinLat, MinLon: b.MinLon, MaxLat: b.MaxLat, MaxLon: 180},
		{MinLat: b.MinLat, MinLon: -180, MaxLat: b.MaxLat, MaxLon: b.MaxLon},
	}
}

// Contains reports whether p lies inside the box (boundaries included).
func (b BBox) Contains(p LatLong) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.CrossesAntimeridian() {
		return p.Lon >= b.MinLon || p.Lon <= b.MaxLon
	}
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Intersects reports whether two boxes share at least one point.
func (b BBox) Intersects(o BBox) bool {
	for _, x := range b.Split() {
		for _, y := range o.Split() {
			if x.MinLat <= y.MaxLat && y.MinLat <= x.MaxLat &&
				x.MinLon <= y.MaxLon && y.MinLon <= x.MaxLon {
				return true
			}
		}
	}
	return false
}

// ContainsBox reports whether o lies inside b. Both boxes must be
// non-crossing.
func (b BBox) ContainsBox(o BBox) bool {
	return o.MinLat >= b.MinLat && o.MaxLat <= b.MaxLat &&
		o.MinLon >= b.MinLon && o.MaxLon <= b.MaxLon
}

// Union returns the smallest non-crossing box containing both boxes.
// The R-tree stores non-crossing boxes only, so planar union is exact there.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinLat: math.Min(b.MinLat, o.MinLat),
		MinLon: math.Min(b.MinLon, o.MinLon),
		MaxLat: math.Max(b.MaxLat, o.MaxLat),
		MaxLon: math.Max(b.MaxLon, o.MaxLon),
	}
}

// Area returns the planar area in square degrees. Used for R-tree split
// heuristics only.
func (b BBox) Area() float64 {
	return (b.MaxLat - b.MinLat) * (b.MaxLon - b.MinLon)
}

// Enlargement returns how much b's area grows when extended to cover o.
func (b BBox) Enlargement(o BBox) float64 {
	return b.Union(o).Area() - b.Area()
}

// Center returns the midpoint of a non-crossing box.
func (b BBox) Center() LatLong {
	return LatLong{Lat: (b.MinLat + b.MaxLat) / 2, Lon: (b.MinLon + b.MaxLon) / 2}
}

// RadiusBoxes returns boxes covering every point within radius metres of
// center on the sphere s. The result has two boxes when the circle crosses
// the antimeridian and a full longitude band when it contains a pole.
func (s Sphere) RadiusBoxes(center LatLong, radius float64) []BBox {
	delta := radius / s.Radius
	if delta >= math.Pi {
		return []BBox{WorldBox}
	}
	phi := rad(center.Lat)
	minPhi, maxPhi := phi-delta, phi+delta
	if maxPhi >= math.Pi/2 || minPhi <= -math.Pi/2 {
		return []BBox{{
			MinLat: deg(math.Max(minPhi, -math.Pi/2)),
			MinLon: -180,
			MaxLat: deg(math.Min(maxPhi, math.Pi/2)),
			MaxLon: 180,
		}}
	}
	dLambda := deg(math.Asin(clampUnit(math.Sin(delta) / math.Cos(phi))))
	minLon, maxLon := center.Lon-dLambda, center.Lon+dLambda
	minLat, maxLat := deg(minPhi), deg(maxPhi)
	switch {
	case minLon < -180:
		return []BBox{
			{MinLat: minLat, MinLon: minLon + 360, MaxLat: maxLat, MaxLon: 180},
			{MinLat: minLat, MinLon: -180, MaxLat: maxLat, MaxLon: maxLon},
		}
	case maxLon > 180:
		return []BBox{
			{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: 180},
			{MinLat: minLat, MinLon: -180, MaxLat: maxLat, MaxLon: maxLon - 360},
		}
	}
	return []BBox{{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}}
}

// RadiusBoxes is Earth.RadiusBoxes.
func RadiusBoxes(center LatLong, radius float64) []BBox {
	return Earth.RadiusBoxes(center, radius)
}

// PolygonBBox returns the bounding box of a polygon whose edges are great
// circle arcs. The longitude span is the smallest one covering every vertex,
// so polygons straddling the antimeridian yield a crossing box. Polygons
// enclosing a pole are not supported.
func PolygonBBox(vertices []LatLong) (BBox, error) {
	if len(vertices) == 0 {
		return BBox{}, fault.New(fault.InvalidEvent, "polygon has no vertices")
	}
	for _, v := range vertices {
		if err := v.Validate(); err != nil {
			return BBox{}, err
		}
	}

	minLat, maxLat := vertices[0].Lat, vertices[0].Lat
	for i, a := range vertices {
		minLat = math.Min(minLat, a.Lat)
		maxLat = math.Max(maxLat, a.Lat)
		if len(vertices) < 2 {
			break
		}
		b := vertices[(i+1)%len(vertices)]
		lo, hi := arcLatExtremes(a, b)
		minLat = math.Min(minLat, lo)
		maxLat = math.Max(maxLat, hi)
	}

	minLon, maxLon := lonSpan(vertices)
	return BBox{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}, nil
}

// arcLatExtremes returns the latitude range reached by the great-circle arc
// from a to b, including interior vertices of the arc.
func arcLatExtremes(a, b LatLong) (float64, float64) {
	lo, hi := math.Min(a.Lat, b.Lat), math.Max(a.Lat, b.Lat)
	na, nb := NVector(a), NVector(b)
	n := na.Cross(nb).Unit()
	if n == (Vec3{}) {
		return lo, hi
	}
	z := Vec3{Z: 1}
	top := z.Sub(n.Scale(n.Z)).Unit()
	for _, p := range []Vec3{top, top.Scale(-1)} {
		if p == (Vec3{}) {
			continue
		}
		if na.Cross(p).Dot(n) >= 0 && p.Cross(nb).Dot(n) >= 0 {
			lat := p.LatLong().Lat
			lo = math.Min(lo, lat)
			hi = math.Max(hi, lat)
		}
	}
	return lo, hi
}

// lonSpan returns the shortest longitude interval covering all vertices.
// The interval crosses the antimeridian when min > max.
func lonSpan(vertices []LatLong) (float64, float64) {
	lons := make([]float64, len(vertices))
	for i, v := range vertices {
		lons[i] = WrapLon(v.Lon)
	}
	sort.Float64s(lons)
	if len(lons) == 1 {
		return lons[0], lons[0]
	}
	// The largest gap between consecutive longitudes is the part of the
	// circle left uncovered.
	gapEnd := 0
	gap := lons[0] + 360 - lons[len(lons)-1]
	for i := 1; i < len(lons); i++ {
		if g := lons[i] - lons[i-1]; g > gap {
			gap = g
			gapEnd = i
		}
	}
	if gapEnd == 0 {
		return lons[0], lons[len(lons)-1]
	}
	return lons[gapEnd], lons[gapEnd-1]
}

// MinDistance returns a lower bound, exact on the sphere, of the distance in
// metres from p to any point of the box.
func (s Sphere) MinDistance(p LatLong, b BBox) float64 {
	best := math.Inf(1)
	for _, part := range b.Split() {
		best = math.Min(best, s.minDistanceSimple(p, part))
	}
	return best
}

// MinDistanceToBox is Earth.MinDistance.
func MinDistanceToBox(p LatLong, b BBox) float64 {
	return Earth.MinDistance(p, b)
}

func (s Sphere) minDistanceSimple(p LatLong, b BBox) float64 {
	if p.Lon >= b.MinLon && p.Lon <= b.MaxLon {
		switch {
		case p.Lat < b.MinLat:
			return s.Radius * rad(b.MinLat-p.Lat)
		case p.Lat > b.MaxLat:
			return s.Radius * rad(p.Lat-b.MaxLat)
		}
		return 0
	}
	// Outside the longitude range the nearest point lies on one of the two
	// bounding meridians.
	return math.Min(s.meridianDistance(p, b.MinLon, b.MinLat, b.MaxLat),
		s.meridianDistance(p, b.MaxLon, b.MinLat, b.MaxLat))
}

// meridianDistance returns the distance from p to the meridian segment at
// lon between lat0 and lat1.
func (s Sphere) meridianDistance(p LatLong, lon, lat0, lat1 float64) float64 {
	d := math.Min(s.Distance(p, LatLong{Lat: lat0, Lon: lon}), s.Distance(p, LatLong{Lat: lat1, Lon: lon}))
	phiP := rad(p.Lat)
	crit := deg(math.Atan2(math.Sin(phiP), math.Cos(phiP)*math.Cos(rad(lon-p.Lon))))
	if crit > lat0 && crit < lat1 {
		d = math.Min(d, s.Distance(p, LatLong{Lat: crit, Lon: lon}))
	}
	return d
}
