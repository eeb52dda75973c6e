package model

import (
	"sort"
	"time"

	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/pstore"
)

// Fix is one geolocation reading.
type Fix struct {
	Position         geo.LatLong
	Altitude         *float64
	Accuracy         float64
	AltitudeAccuracy *float64
	Heading          *float64
	Speed            *float64
	Timestamp        time.Time
}

// FixEqual compares fixes field by field.
func FixEqual(a, b Fix) bool {
	return a.Position == b.Position &&
		optEqual(a.Altitude, b.Altitude) &&
		a.Accuracy == b.Accuracy &&
		optEqual(a.AltitudeAccuracy, b.AltitudeAccuracy) &&
		optEqual(a.Heading, b.Heading) &&
		optEqual(a.Speed, b.Speed) &&
		a.Timestamp.Equal(b.Timestamp)
}

// Way is a sequence of fixes ordered by timestamp, with its length along the
// sphere.
type Way struct {
	Fixes  pstore.Vector[Fix]
	Length float64
}

// WayOf builds a way from fixes in any order.
func WayOf(fixes ...Fix) Way {
	var w Way
	for _, f := range fixes {
		w = w.WithFix(f)
	}
	return w
}

// Len returns the number of fixes.
func (w Way) Len() int { return w.Fixes.Len() }

// WithFix returns the way with f recorded.
//
// Fixes arriving in timestamp order are appended. A late fix is inserted at
// its timestamp position, and a fix with the timestamp of a recorded one
// replaces it.
func (w Way) WithFix(f Fix) Way {
	n := w.Fixes.Len()
	last, ok := w.Fixes.Last()
	if !ok || f.Timestamp.After(last.Timestamp) {
		length := w.Length
		if ok {
			length += geo.Distance(last.Position, f.Position)
		}
		return Way{Fixes: w.Fixes.Append(f), Length: length}
	}

	i := sort.Search(n, func(i int) bool { return !w.Fixes.Get(i).Timestamp.Before(f.Timestamp) })
	var fixes pstore.Vector[Fix]
	if i < n && w.Fixes.Get(i).Timestamp.Equal(f.Timestamp) {
		fixes = w.Fixes.WithSet(i, f)
	} else {
		fixes = w.Fixes.WithInserted(i, f)
	}
	return Way{Fixes: fixes, Length: pathLength(fixes)}
}

// Since counts fixes with a timestamp at or after t.
func (w Way) Since(t time.Time) int {
	n := w.Fixes.Len()
	i := sort.Search(n, func(i int) bool { return !w.Fixes.Get(i).Timestamp.Before(t) })
	return n - i
}

// Start returns the first timestamp.
func (w Way) Start() (time.Time, bool) {
	if w.Fixes.Len() == 0 {
		return time.Time{}, false
	}
	return w.Fixes.Get(0).Timestamp, true
}

// End returns the last timestamp.
func (w Way) End() (time.Time, bool) {
	last, ok := w.Fixes.Last()
	return last.Timestamp, ok
}

func pathLength(fixes pstore.Vector[Fix]) float64 {
	total := 0.0
	var prev geo.LatLong
	for i, f := range fixes.All() {
		if i > 0 {
			total += geo.Distance(prev, f.Position)
		}
		prev = f.Position
	}
	return total
}

// WayEqual compares ways fix by fix.
func WayEqual(a, b Way) bool {
	return a.Length == b.Length && a.Fixes.Equal(b.Fixes, FixEqual)
}

// Same reports whether both ways share their storage.
func (w Way) Same(o Way) bool {
	return w.Length == o.Length && w.Fixes.Same(o.Fixes)
}
