package geo

import "math"

// Ellipsoid is an oblate ellipsoid of revolution. Distances and bearings use
// Vincenty's inverse and direct formulae.
type Ellipsoid struct {
	// A is the equatorial radius in metres.
	A float64
	// F is the flattening.
	F float64
}

// WGS84 is the World Geodetic System 1984 ellipsoid.
var WGS84 = Ellipsoid{A: 6378137.0, F: 1 / 298.257223563}

const (
	vincentyMaxIterations = 200
	vincentyEpsilon       = 1e-12
)

func (e Ellipsoid) Name() string { return "wgs84" }

func (e Ellipsoid) b() float64 { return e.A * (1 - e.F) }

// inverseResult holds the output of the inverse problem.
type inverseResult struct {
	distance float64
	initial  float64
	final    float64
}

// inverse solves the inverse geodesic problem. ok is false when the
// iteration did not converge, which happens only for nearly antipodal points.
func (e Ellipsoid) inverse(p1, p2 LatLong) (inverseResult, bool) {
	f := e.F
	b := e.b()
	L := rad(p2.Lon - p1.Lon)
	tanU1 := (1 - f) * math.Tan(rad(p1.Lat))
	cosU1 := 1 / math.Sqrt(1+tanU1*tanU1)
	sinU1 := tanU1 * cosU1
	tanU2 := (1 - f) * math.Tan(rad(p2.Lat))
	cosU2 := 1 / math.Sqrt(1+tanU2*tanU2)
	sinU2 := tanU2 * cosU2

	lambda := L
	var sinLambda, cosLambda, sinSigma, cosSigma, sigma, cosSqAlpha, cos2SigmaM float64
	converged := false
	for i := 0; i < vincentyMaxIterations; i++ {
		sinLambda, cosLambda = math.Sin(lambda), math.Cos(lambda)
		t1 := cosU2 * sinLambda
		t2 := cosU1*sinU2 - sinU1*cosU2*cosLambda
		sinSigma = math.Sqrt(t1*t1 + t2*t2)
		if sinSigma == 0 {
			return inverseResult{}, true
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cosSqAlpha = 1 - sinAlpha*sinAlpha
		if cosSqAlpha != 0 {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cosSqAlpha
		} else {
			cos2SigmaM = 0
		}
		C := f / 16 * cosSqAlpha * (4 + f*(4-3*cosSqAlpha))
		prev := lambda
		lambda = L + (1-C)*f*sinAlpha*(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-prev) < vincentyEpsilon {
			converged = true
			break
		}
	}
	if !converged {
		return inverseResult{}, false
	}

	uSq := cosSqAlpha * (e.A*e.A - b*b) / (b * b)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))

	alpha1 := math.Atan2(cosU2*sinLambda, cosU1*sinU2-sinU1*cosU2*cosLambda)
	alpha2 := math.Atan2(cosU1*sinLambda, -sinU1*cosU2+cosU1*sinU2*cosLambda)

	return inverseResult{
		distance: b * A * (sigma - deltaSigma),
		initial:  NormalizeBearing(deg(alpha1)),
		final:    NormalizeBearing(deg(alpha2)),
	}, true
}

// fallback is the sphere with the ellipsoid's mean radius, used when Vincenty
// does not converge.
func (e Ellipsoid) fallback() Sphere {
	return Sphere{Radius: (2*e.A + e.b()) / 3}
}

// Distance returns the geodesic distance between a and b.
func (e Ellipsoid) Distance(a, b LatLong) float64 {
	if r, ok := e.inverse(a, b); ok {
		return r.distance
	}
	return e.fallback().Distance(a, b)
}

func (e Ellipsoid) InitialBearing(a, b LatLong) float64 {
	if a == b {
		return 0
	}
	if r, ok := e.inverse(a, b); ok {
		return r.initial
	}
	return e.fallback().InitialBearing(a, b)
}

func (e Ellipsoid) FinalBearing(a, b LatLong) float64 {
	if a == b {
		return 0
	}
	if r, ok := e.inverse(a, b); ok {
		return r.final
	}
	return e.fallback().FinalBearing(a, b)
}

// Destination solves the direct geodesic problem.
func (e Ellipsoid) Destination(p LatLong, bearing, distance float64) LatLong {
	if distance == 0 {
		return p
	}
	f := e.F
	b := e.b()
	alpha1 := rad(bearing)
	sinAlpha1, cosAlpha1 := math.Sin(alpha1), math.Cos(alpha1)

	tanU1 := (1 - f) * math.Tan(rad(p.Lat))
	cosU1 := 1 / math.Sqrt(1+tanU1*tanU1)
	sinU1 := tanU1 * cosU1
	sigma1 := math.Atan2(tanU1, cosAlpha1)
	sinAlpha := cosU1 * sinAlpha1
	cosSqAlpha := 1 - sinAlpha*sinAlpha
	uSq := cosSqAlpha * (e.A*e.A - b*b) / (b * b)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))

	sigma := distance / (b * A)
	var sinSigma, cosSigma, cos2SigmaM float64
	for i := 0; i < vincentyMaxIterations; i++ {
		cos2SigmaM = math.Cos(2*sigma1 + sigma)
		sinSigma, cosSigma = math.Sin(sigma), math.Cos(sigma)
		deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
			B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))
		prev := sigma
		sigma = distance/(b*A) + deltaSigma
		if math.Abs(sigma-prev) < vincentyEpsilon {
			break
		}
	}
	sinSigma, cosSigma = math.Sin(sigma), math.Cos(sigma)
	cos2SigmaM = math.Cos(2*sigma1 + sigma)

	x := sinU1*sinSigma - cosU1*cosSigma*cosAlpha1
	phi2 := math.Atan2(sinU1*cosSigma+cosU1*sinSigma*cosAlpha1, (1-f)*math.Sqrt(sinAlpha*sinAlpha+x*x))
	lambda := math.Atan2(sinSigma*sinAlpha1, cosU1*cosSigma-sinU1*sinSigma*cosAlpha1)
	C := f / 16 * cosSqAlpha * (4 + f*(4-3*cosSqAlpha))
	L := lambda - (1-C)*f*sinAlpha*(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))

	return LatLong{Lat: deg(phi2), Lon: WrapLon(p.Lon + deg(L))}
}
