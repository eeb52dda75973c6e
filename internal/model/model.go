package model

import (
	"time"

	"github.com/roach88/geocore/internal/pstore"
)

// Field names the top-level parts of a Model. Reactive sources are keyed by
// these names, and ChangedFields reports them after a transition.
type Field = string

const (
	FieldEntities    Field = "entities"
	FieldCurrent     Field = "current"
	FieldTrack       Field = "track"
	FieldWays        Field = "ways"
	FieldViewNearest Field = "view_n_nearest"
	FieldViewWays    Field = "view_n_ways"
	FieldMessage     Field = "message"
	FieldNow         Field = "now"
	FieldGeolocating Field = "geolocating"
)

// Fields lists every field in declaration order.
var Fields = []Field{
	FieldEntities, FieldCurrent, FieldTrack, FieldWays, FieldViewNearest,
	FieldViewWays, FieldMessage, FieldNow, FieldGeolocating,
}

// Position is the latest geolocation result: a fix, an error reported by the
// sensor, or neither before the first update.
type Position struct {
	Fix *Fix
	Err string
}

// Known reports whether a fix is available.
func (p Position) Known() bool { return p.Fix != nil }

// Model is the root of application state.
type Model struct {
	Entities    pstore.Map[EntityID, Entity]
	Current     Position
	Track       Way
	Ways        pstore.Map[string, Way]
	ViewNearest int
	ViewWays    int
	Message     string
	Now         time.Time
	Geolocating bool
}

// Empty returns the initial model.
func Empty() Model { return Model{} }

// Entity looks up an entity by id.
func (m Model) Entity(id EntityID) (Entity, bool) {
	return m.Entities.Get(id)
}

// WithEntity returns the model with e stored under its id.
func (m Model) WithEntity(e Entity) Model {
	m.Entities = m.Entities.WithInserted(e.ID, e)
	return m
}

// WithoutEntity returns the model without id.
func (m Model) WithoutEntity(id EntityID) Model {
	m.Entities = m.Entities.WithRemoved(id)
	return m
}

// ChangedFields reports which fields of next differ from m. Containers are
// compared by identity, so a field rebuilt with equal contents still counts
// as changed; the reactive graph cuts those off by value.
func (m Model) ChangedFields(next Model) []Field {
	var out []Field
	if !m.Entities.Same(next.Entities) {
		out = append(out, FieldEntities)
	}
	if m.Current != next.Current {
		out = append(out, FieldCurrent)
	}
	if !m.Track.Same(next.Track) {
		out = append(out, FieldTrack)
	}
	if !m.Ways.Same(next.Ways) {
		out = append(out, FieldWays)
	}
	if m.ViewNearest != next.ViewNearest {
		out = append(out, FieldViewNearest)
	}
	if m.ViewWays != next.ViewWays {
		out = append(out, FieldViewWays)
	}
	if m.Message != next.Message {
		out = append(out, FieldMessage)
	}
	if !m.Now.Equal(next.Now) {
		out = append(out, FieldNow)
	}
	if m.Geolocating != next.Geolocating {
		out = append(out, FieldGeolocating)
	}
	return out
}

// EntityChanges lists the entity additions, removals and updates between m
// and next, sorted by id.
func (m Model) EntityChanges(next Model) []pstore.Change[EntityID, Entity] {
	return m.Entities.Diff(next.Entities, EntityEqual)
}
