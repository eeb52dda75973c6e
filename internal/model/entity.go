// Package model defines the immutable application state the engine
// transitions between, and the snapshots handed to readers.
//
// A Model is a small struct of persistent containers. Copying it is O(1),
// and every "With" method returns a new value sharing unchanged structure
// with the old one. Nothing in this package mutates a value that another
// Model may reference.
package model

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/pstore"
)

// EntityID identifies an entity. IDs are NFC normalised so visually identical
// names collide.
type EntityID string

// NewEntityID normalises and validates an id.
func NewEntityID(raw string) (EntityID, error) {
	id := strings.TrimSpace(norm.NFC.String(raw))
	if id == "" {
		return "", fault.New(fault.InvalidEvent, "entity id is empty")
	}
	return EntityID(id), nil
}

// Entity is a named geodetic point with optional measurements and free-form
// attributes.
type Entity struct {
	ID               EntityID
	Position         geo.LatLong
	Altitude         *float64
	Accuracy         float64
	AltitudeAccuracy *float64
	Attributes       pstore.Map[string, string]
	SavedAt          time.Time
}

// Box returns the spatial index box of the entity.
func (e Entity) Box() geo.BBox {
	return geo.PointBox(e.Position)
}

// EntityEqual compares entities field by field.
func EntityEqual(a, b Entity) bool {
	return a.ID == b.ID &&
		a.Position == b.Position &&
		optEqual(a.Altitude, b.Altitude) &&
		a.Accuracy == b.Accuracy &&
		optEqual(a.AltitudeAccuracy, b.AltitudeAccuracy) &&
		a.SavedAt.Equal(b.SavedAt) &&
		a.Attributes.Equal(b.Attributes, func(x, y string) bool { return x == y })
}

func optEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Float returns a pointer to v, for optional measurements.
func Float(v float64) *float64 { return &v }
