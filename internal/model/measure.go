package model

import (
	"math"
	"strconv"

	"github.com/roach88/geocore/internal/fault"
)

// bound is the accepted range of a measurement. hi is exclusive when open.
type bound struct {
	lo, hi float64
	open   bool
}

var (
	anyFinite   = bound{lo: math.Inf(-1), hi: math.Inf(1)}
	nonNegative = bound{lo: 0, hi: math.Inf(1)}
	compass     = bound{lo: 0, hi: 360, open: true}
)

type measurement struct {
	name  string
	value *float64
	bound bound
}

// checkMeasurements rejects a NaN, infinite or out of range reading. Absent
// optional readings pass.
func checkMeasurements(ms ...measurement) error {
	for _, m := range ms {
		if m.value == nil {
			continue
		}
		v := *m.value
		ok := !math.IsNaN(v) && !math.IsInf(v, 0) && v >= m.bound.lo &&
			(v < m.bound.hi || !m.bound.open && v <= m.bound.hi)
		if !ok {
			return fault.New(fault.InvalidEvent, "%s %s is out of range", m.name, strconv.FormatFloat(v, 'g', -1, 64)).
				WithDetail(m.name, strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return nil
}

// Validate checks the id, the position and every measurement of the entity.
func (e Entity) Validate() error {
	if _, err := NewEntityID(string(e.ID)); err != nil {
		return err
	}
	if err := e.Position.Validate(); err != nil {
		return err
	}
	return checkMeasurements(
		measurement{"altitude", e.Altitude, anyFinite},
		measurement{"accuracy", &e.Accuracy, nonNegative},
		measurement{"altitude_accuracy", e.AltitudeAccuracy, nonNegative},
	)
}

// Validate checks the position and every measurement of the fix.
func (f Fix) Validate() error {
	if err := f.Position.Validate(); err != nil {
		return err
	}
	return checkMeasurements(
		measurement{"altitude", f.Altitude, anyFinite},
		measurement{"accuracy", &f.Accuracy, nonNegative},
		measurement{"altitude_accuracy", f.AltitudeAccuracy, nonNegative},
		measurement{"heading", f.Heading, compass},
		measurement{"speed", f.Speed, nonNegative},
	)
}
