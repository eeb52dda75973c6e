package geo

import "math"

// Vec3 is a 3D vector. Unit-length Vec3 values are n-vectors: the outward
// normal of the earth at a position.
type Vec3 struct {
	X, Y, Z float64
}

// NVector returns the n-vector of p.
func NVector(p LatLong) Vec3 {
	phi, lambda := rad(p.Lat), rad(p.Lon)
	cp := math.Cos(phi)
	return Vec3{X: cp * math.Cos(lambda), Y: cp * math.Sin(lambda), Z: math.Sin(phi)}
}

// LatLong converts a (not necessarily unit) vector back to a position.
// The zero vector maps to 0,0.
func (v Vec3) LatLong() LatLong {
	if v == (Vec3{}) {
		return LatLong{}
	}
	lat := deg(math.Atan2(v.Z, math.Hypot(v.X, v.Y)))
	lon := 0.0
	if v.X != 0 || v.Y != 0 {
		lon = deg(math.Atan2(v.Y, v.X))
	}
	return LatLong{Lat: lat, Lon: lon}
}

func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

func (v Vec3) Scale(s float64) Vec3 { return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Unit returns v scaled to length 1, or the zero vector.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n == 0 {
		return Vec3{}
	}
	return v.Scale(1 / n)
}

// AngleBetween returns the angle between two vectors in radians.
func AngleBetween(a, b Vec3) float64 {
	return math.Atan2(a.Cross(b).Norm(), a.Dot(b))
}
