package app

import (
	"bytes"
	"errors"
	"reflect"
	"time"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/model"
	"github.com/roach88/geocore/internal/pstore"
	"github.com/roach88/geocore/internal/reactive"
	"github.com/roach88/geocore/internal/spatial"
	"github.com/roach88/geocore/internal/wire"
)

// Derived node keys. Source nodes use the model field names.
const (
	NodeFixesLastMinute   = "fixes_last_minute"
	NodeGPSStatus         = "gps_status"
	NodeCurrentProperties = "current_properties"
	NodeNearest           = "nearest_entities"
	NodeTrack             = "track_view"
	NodeWays              = "ways_view"
	NodeEntityCount       = "entity_count"
	NodeView              = "view"
)

// Querier answers nearest-neighbour queries over the entities of the
// committed model. *spatial.Index implements it.
type Querier interface {
	Nearest(p geo.LatLong, k int, filter spatial.Filter) []spatial.Neighbor
}

// Persist is a node holding the encoded document stored under Key.
type Persist struct {
	Key  string
	Node reactive.Node[[]byte]
}

// Views are the handles of the nodes the engine reads after a transition.
type Views struct {
	View    reactive.Node[*ViewModel]
	Persist []Persist
}

type entityMap = pstore.Map[model.EntityID, model.Entity]

func deepEqual[T any]() reactive.Option {
	return reactive.EqualBy(func(a, b T) bool { return reflect.DeepEqual(a, b) })
}

// Build defines the view and persistence nodes on g and seals it. q must
// reflect the entities of the model last committed to g whenever a node is
// read.
func (a *App) Build(g *reactive.Graph, q Querier) (*Views, error) {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := reactive.SourceOf(g, model.FieldEntities, func(m model.Model) entityMap { return m.Entities })
	add(err)
	_, err = reactive.SourceOf(g, model.FieldCurrent, func(m model.Model) model.Position { return m.Current })
	add(err)
	_, err = reactive.SourceOf(g, model.FieldTrack, func(m model.Model) model.Way { return m.Track },
		reactive.EqualBy(model.Way.Same))
	add(err)
	_, err = reactive.SourceOf(g, model.FieldWays, func(m model.Model) pstore.Map[string, model.Way] { return m.Ways })
	add(err)
	_, err = reactive.SourceOf(g, model.FieldViewNearest, func(m model.Model) int { return m.ViewNearest })
	add(err)
	_, err = reactive.SourceOf(g, model.FieldViewWays, func(m model.Model) int { return m.ViewWays })
	add(err)
	_, err = reactive.SourceOf(g, model.FieldMessage, func(m model.Model) string { return m.Message })
	add(err)
	_, err = reactive.SourceOf(g, model.FieldNow, func(m model.Model) time.Time { return m.Now })
	add(err)
	_, err = reactive.SourceOf(g, model.FieldGeolocating, func(m model.Model) bool { return m.Geolocating })
	add(err)

	_, err = reactive.Derive(g, NodeFixesLastMinute, []string{model.FieldTrack, model.FieldNow},
		func(s *reactive.Scope) (int, error) {
			track, err := reactive.Dep[model.Way](s, model.FieldTrack)
			if err != nil {
				return 0, err
			}
			now, err := reactive.Dep[time.Time](s, model.FieldNow)
			if err != nil || now.IsZero() {
				return 0, err
			}
			return track.Since(now.Add(-time.Minute)), nil
		})
	add(err)

	_, err = reactive.Derive(g, NodeGPSStatus, []string{model.FieldCurrent, NodeFixesLastMinute},
		func(s *reactive.Scope) (string, error) {
			cur, err := reactive.Dep[model.Position](s, model.FieldCurrent)
			if err != nil {
				return "", err
			}
			n, err := reactive.Dep[int](s, NodeFixesLastMinute)
			return gpsStatus(cur, n), err
		})
	add(err)

	_, err = reactive.Derive(g, NodeCurrentProperties, []string{model.FieldCurrent},
		func(s *reactive.Scope) ([]string, error) {
			cur, err := reactive.Dep[model.Position](s, model.FieldCurrent)
			return currentProperties(cur), err
		}, deepEqual[[]string]())
	add(err)

	_, err = reactive.Derive(g, NodeNearest, []string{model.FieldEntities, model.FieldViewNearest, model.FieldCurrent},
		func(s *reactive.Scope) ([]EntityView, error) {
			ents, err := reactive.Dep[entityMap](s, model.FieldEntities)
			if err != nil {
				return nil, err
			}
			n, err := reactive.Dep[int](s, model.FieldViewNearest)
			if err != nil {
				return nil, err
			}
			cur, err := reactive.Dep[model.Position](s, model.FieldCurrent)
			if err != nil {
				return nil, err
			}
			return nearestViews(ents, n, cur, q)
		}, deepEqual[[]EntityView]())
	add(err)

	_, err = reactive.Derive(g, NodeTrack, []string{model.FieldTrack},
		func(s *reactive.Scope) (*WayView, error) {
			track, err := reactive.Dep[model.Way](s, model.FieldTrack)
			if err != nil || track.Len() == 0 {
				return nil, err
			}
			v := wayView(trackTitle, track, false)
			return &v, nil
		}, deepEqual[*WayView]())
	add(err)

	_, err = reactive.Derive(g, NodeWays, []string{model.FieldWays, model.FieldViewWays},
		func(s *reactive.Scope) ([]WayView, error) {
			ways, err := reactive.Dep[pstore.Map[string, model.Way]](s, model.FieldWays)
			if err != nil {
				return nil, err
			}
			n, err := reactive.Dep[int](s, model.FieldViewWays)
			if err != nil {
				return nil, err
			}
			out := []WayView{}
			for name, w := range ways.All() {
				if len(out) >= n {
					break
				}
				out = append(out, wayView(name, w, true))
			}
			return out, nil
		}, deepEqual[[]WayView]())
	add(err)

	_, err = reactive.Derive(g, NodeEntityCount, []string{model.FieldEntities},
		func(s *reactive.Scope) (int, error) {
			ents, err := reactive.Dep[entityMap](s, model.FieldEntities)
			return ents.Len(), err
		})
	add(err)

	view, err := reactive.Derive(g, NodeView,
		[]string{NodeGPSStatus, NodeCurrentProperties, NodeNearest, NodeTrack, NodeWays,
			model.FieldMessage, model.FieldGeolocating, NodeEntityCount},
		func(s *reactive.Scope) (*ViewModel, error) {
			var vm ViewModel
			var derr [8]error
			vm.GPSStatus, derr[0] = reactive.Dep[string](s, NodeGPSStatus)
			vm.CurrentProperties, derr[1] = reactive.Dep[[]string](s, NodeCurrentProperties)
			vm.Entities, derr[2] = reactive.Dep[[]EntityView](s, NodeNearest)
			vm.Track, derr[3] = reactive.Dep[*WayView](s, NodeTrack)
			vm.Ways, derr[4] = reactive.Dep[[]WayView](s, NodeWays)
			vm.Message, derr[5] = reactive.Dep[string](s, model.FieldMessage)
			vm.Geolocating, derr[6] = reactive.Dep[bool](s, model.FieldGeolocating)
			vm.EntityCount, derr[7] = reactive.Dep[int](s, NodeEntityCount)
			if err := errors.Join(derr[:]...); err != nil {
				return nil, err
			}
			return &vm, nil
		}, reactive.Eager(), deepEqual[*ViewModel]())
	add(err)

	views := &Views{View: view}
	entitiesDoc, err := reactive.Derive(g, "persist."+a.settings.EntitiesKey, []string{model.FieldEntities},
		func(s *reactive.Scope) ([]byte, error) {
			ents, err := reactive.Dep[entityMap](s, model.FieldEntities)
			if err != nil {
				return nil, err
			}
			return wire.Marshal(model.EntityDocs(ents))
		}, reactive.EqualBy(bytes.Equal))
	add(err)
	waysDoc, err := reactive.Derive(g, "persist."+a.settings.WaysKey, []string{model.FieldWays},
		func(s *reactive.Scope) ([]byte, error) {
			ways, err := reactive.Dep[pstore.Map[string, model.Way]](s, model.FieldWays)
			if err != nil {
				return nil, err
			}
			return wire.Marshal(model.WayDocs(ways))
		}, reactive.EqualBy(bytes.Equal))
	add(err)
	views.Persist = []Persist{
		{Key: a.settings.EntitiesKey, Node: entitiesDoc},
		{Key: a.settings.WaysKey, Node: waysDoc},
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := g.Seal(); err != nil {
		return nil, err
	}
	return views, nil
}

// nearestViews lists up to n entities: nearest first when the current
// position is known, otherwise by id.
func nearestViews(ents entityMap, n int, cur model.Position, q Querier) ([]EntityView, error) {
	out := []EntityView{}
	if n <= 0 {
		return out, nil
	}
	if cur.Fix == nil || q == nil {
		for _, e := range ents.All() {
			if len(out) >= n {
				break
			}
			out = append(out, entityView(e, nil))
		}
		return out, nil
	}
	from := cur.Fix.Position
	for _, nb := range q.Nearest(from, n, nil) {
		e, ok := ents.Get(model.EntityID(nb.ID))
		if !ok {
			return nil, fault.New(fault.IndexDivergence, "index returned %s which is not in the model", nb.ID).
				WithEntity(nb.ID)
		}
		out = append(out, entityView(e, &from))
	}
	return out, nil
}

// Render computes the view of m on a fresh graph. It serves snapshots and
// other one-off projections; the engine keeps a long-lived graph instead.
func (a *App) Render(m model.Model, q Querier) (*ViewModel, error) {
	g := reactive.New()
	views, err := a.Build(g, q)
	if err != nil {
		return nil, err
	}
	g.Commit(m)
	return views.View.Read(g)
}
