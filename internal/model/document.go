package model

import (
	"fmt"
	"time"

	"github.com/roach88/geocore/internal/canon"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/pstore"
)

// EntityDoc is the serialised form of an Entity, used by persistence,
// exports and digests.
type EntityDoc struct {
	ID               string            `json:"id" cbor:"1,keyasint" yaml:"id"`
	Position         geo.LatLong       `json:"position" cbor:"2,keyasint" yaml:"position"`
	Altitude         *float64          `json:"altitude,omitempty" cbor:"3,keyasint,omitempty" yaml:"altitude,omitempty"`
	Accuracy         float64           `json:"accuracy" cbor:"4,keyasint" yaml:"accuracy"`
	AltitudeAccuracy *float64          `json:"altitude_accuracy,omitempty" cbor:"5,keyasint,omitempty" yaml:"altitude_accuracy,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty" cbor:"6,keyasint,omitempty" yaml:"attributes,omitempty"`
	SavedAt          time.Time         `json:"saved_at" cbor:"7,keyasint" yaml:"saved_at"`
}

// FixDoc is the serialised form of a Fix.
type FixDoc struct {
	Position         geo.LatLong `json:"position" cbor:"1,keyasint" yaml:"position"`
	Altitude         *float64    `json:"altitude,omitempty" cbor:"2,keyasint,omitempty" yaml:"altitude,omitempty"`
	Accuracy         float64     `json:"accuracy" cbor:"3,keyasint" yaml:"accuracy"`
	AltitudeAccuracy *float64    `json:"altitude_accuracy,omitempty" cbor:"4,keyasint,omitempty" yaml:"altitude_accuracy,omitempty"`
	Heading          *float64    `json:"heading,omitempty" cbor:"5,keyasint,omitempty" yaml:"heading,omitempty"`
	Speed            *float64    `json:"speed,omitempty" cbor:"6,keyasint,omitempty" yaml:"speed,omitempty"`
	Timestamp        time.Time   `json:"timestamp" cbor:"7,keyasint" yaml:"timestamp"`
}

// WayDoc is the serialised form of a Way. The length is derived on load.
type WayDoc struct {
	Fixes []FixDoc `json:"fixes" cbor:"1,keyasint" yaml:"fixes"`
}

// ExportDoc is the document written by a data export.
type ExportDoc struct {
	Entities []EntityDoc       `json:"entities"`
	Ways     map[string]WayDoc `json:"ways"`
}

// StateDoc is the whole model in serialisable form. Its canonical encoding
// is what Digest hashes.
type StateDoc struct {
	Entities    []EntityDoc       `json:"entities"`
	Current     *FixDoc           `json:"current,omitempty"`
	GeoError    string            `json:"geo_error,omitempty"`
	Track       WayDoc            `json:"track"`
	Ways        map[string]WayDoc `json:"ways"`
	ViewNearest int               `json:"view_n_nearest"`
	ViewWays    int               `json:"view_n_ways"`
	Message     string            `json:"message,omitempty"`
	Now         *time.Time        `json:"now,omitempty"`
	Geolocating bool              `json:"geolocating"`
}

// Doc converts an entity.
func (e Entity) Doc() EntityDoc {
	var attrs map[string]string
	if e.Attributes.Len() > 0 {
		attrs = e.Attributes.ToMap()
	}
	return EntityDoc{
		ID:               string(e.ID),
		Position:         e.Position,
		Altitude:         e.Altitude,
		Accuracy:         e.Accuracy,
		AltitudeAccuracy: e.AltitudeAccuracy,
		Attributes:       attrs,
		SavedAt:          e.SavedAt.UTC(),
	}
}

// Entity validates the document and converts it back.
func (d EntityDoc) Entity() (Entity, error) {
	id, err := NewEntityID(d.ID)
	if err != nil {
		return Entity{}, err
	}
	e := Entity{
		ID:               id,
		Position:         d.Position.Normalize(),
		Altitude:         d.Altitude,
		Accuracy:         d.Accuracy,
		AltitudeAccuracy: d.AltitudeAccuracy,
		Attributes:       pstore.NewMap(d.Attributes),
		SavedAt:          d.SavedAt.UTC(),
	}
	if err := e.Validate(); err != nil {
		return Entity{}, fmt.Errorf("entity %s: %w", id, err)
	}
	return e, nil
}

// Doc converts a fix.
func (f Fix) Doc() FixDoc {
	return FixDoc{
		Position:         f.Position,
		Altitude:         f.Altitude,
		Accuracy:         f.Accuracy,
		AltitudeAccuracy: f.AltitudeAccuracy,
		Heading:          f.Heading,
		Speed:            f.Speed,
		Timestamp:        f.Timestamp.UTC(),
	}
}

// Fix validates the document and converts it back.
func (d FixDoc) Fix() (Fix, error) {
	f := Fix{
		Position:         d.Position.Normalize(),
		Altitude:         d.Altitude,
		Accuracy:         d.Accuracy,
		AltitudeAccuracy: d.AltitudeAccuracy,
		Heading:          d.Heading,
		Speed:            d.Speed,
		Timestamp:        d.Timestamp.UTC(),
	}
	if err := f.Validate(); err != nil {
		return Fix{}, err
	}
	return f, nil
}

// Doc converts a way.
func (w Way) Doc() WayDoc {
	fixes := make([]FixDoc, 0, w.Len())
	for _, f := range w.Fixes.All() {
		fixes = append(fixes, f.Doc())
	}
	return WayDoc{Fixes: fixes}
}

// Way validates the document and rebuilds the way, recomputing its length.
func (d WayDoc) Way() (Way, error) {
	var w Way
	for i, fd := range d.Fixes {
		f, err := fd.Fix()
		if err != nil {
			return Way{}, fmt.Errorf("fix %d: %w", i, err)
		}
		w = w.WithFix(f)
	}
	return w, nil
}

// EntityDocs converts all entities, sorted by id.
func EntityDocs(entities pstore.Map[EntityID, Entity]) []EntityDoc {
	out := make([]EntityDoc, 0, entities.Len())
	for _, e := range entities.All() {
		out = append(out, e.Doc())
	}
	return out
}

// EntitiesFromDocs validates docs and builds the entity map.
func EntitiesFromDocs(docs []EntityDoc) (pstore.Map[EntityID, Entity], error) {
	var out pstore.Map[EntityID, Entity]
	for _, d := range docs {
		e, err := d.Entity()
		if err != nil {
			return pstore.Map[EntityID, Entity]{}, err
		}
		if out.Has(e.ID) {
			return pstore.Map[EntityID, Entity]{}, fmt.Errorf("entity %s listed twice", e.ID)
		}
		out = out.WithInserted(e.ID, e)
	}
	return out, nil
}

// WayDocs converts all named ways.
func WayDocs(ways pstore.Map[string, Way]) map[string]WayDoc {
	out := make(map[string]WayDoc, ways.Len())
	for name, w := range ways.All() {
		out[name] = w.Doc()
	}
	return out
}

// WaysFromDocs validates docs and builds the way map.
func WaysFromDocs(docs map[string]WayDoc) (pstore.Map[string, Way], error) {
	var out pstore.Map[string, Way]
	for name, d := range docs {
		w, err := d.Way()
		if err != nil {
			return pstore.Map[string, Way]{}, fmt.Errorf("way %q: %w", name, err)
		}
		out = out.WithInserted(name, w)
	}
	return out, nil
}

// Export returns the export document.
func (m Model) Export() ExportDoc {
	return ExportDoc{Entities: EntityDocs(m.Entities), Ways: WayDocs(m.Ways)}
}

// State returns the whole model as a document.
func (m Model) State() StateDoc {
	doc := StateDoc{
		Entities:    EntityDocs(m.Entities),
		GeoError:    m.Current.Err,
		Track:       m.Track.Doc(),
		Ways:        WayDocs(m.Ways),
		ViewNearest: m.ViewNearest,
		ViewWays:    m.ViewWays,
		Message:     m.Message,
		Geolocating: m.Geolocating,
	}
	if m.Current.Fix != nil {
		fd := m.Current.Fix.Doc()
		doc.Current = &fd
	}
	if !m.Now.IsZero() {
		now := m.Now.UTC()
		doc.Now = &now
	}
	return doc
}

// Digest returns the domain-separated hash of the canonical state document.
// Equal models have equal digests regardless of how their containers were
// built.
func (m Model) Digest() (string, error) {
	return canon.Digest(canon.DomainModel, m.State())
}
