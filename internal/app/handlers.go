package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/geocore/internal/canon"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/model"
	"github.com/roach88/geocore/internal/pstore"
	"github.com/roach88/geocore/internal/wire"
)

// forEntity annotates a fault with the entity it concerns.
func forEntity(err error, id model.EntityID) error {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.EntityID == "" {
		return fe.WithEntity(string(id))
	}
	return err
}

func unknownEntity(id model.EntityID) error {
	return fault.New(fault.UnknownEntity, "entity %s does not exist", id).WithEntity(string(id))
}

func duplicateEntity(id model.EntityID) error {
	return fault.New(fault.DuplicateEntity, "entity %s already exists", id).WithEntity(string(id))
}

func (a *App) addEntity(m model.Model, ev AddEntity) (Outcome, error) {
	id, err := model.NewEntityID(ev.ID)
	if err != nil {
		return Outcome{}, err
	}
	pos, err := geo.NewLatLong(ev.Lat, ev.Lon)
	if err != nil {
		return Outcome{}, forEntity(err, id)
	}
	e := model.Entity{
		ID:         id,
		Position:   pos,
		Altitude:   ev.Altitude,
		Accuracy:   ev.Accuracy,
		Attributes: pstore.NewMap(ev.Attributes),
		SavedAt:    m.Now,
	}
	if err := e.Validate(); err != nil {
		return Outcome{}, forEntity(err, id)
	}
	if m.Entities.Has(id) {
		return Outcome{}, duplicateEntity(id)
	}
	for k := range ev.Attributes {
		if k == "" {
			return Outcome{}, forEntity(fault.New(fault.InvalidEvent, "attribute name is empty"), id)
		}
	}
	return Outcome{Model: m.WithEntity(e)}, nil
}

func (a *App) moveEntity(m model.Model, ev MoveEntity) (Outcome, error) {
	id, err := model.NewEntityID(ev.ID)
	if err != nil {
		return Outcome{}, err
	}
	pos, err := geo.NewLatLong(ev.Lat, ev.Lon)
	if err != nil {
		return Outcome{}, forEntity(err, id)
	}
	e, ok := m.Entity(id)
	if !ok {
		return Outcome{}, unknownEntity(id)
	}
	e.Position = pos
	return Outcome{Model: m.WithEntity(e)}, nil
}

func (a *App) removeEntity(m model.Model, ev RemoveEntity) (Outcome, error) {
	id, err := model.NewEntityID(ev.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !m.Entities.Has(id) {
		return Outcome{}, unknownEntity(id)
	}
	m = m.WithoutEntity(id)
	m.Message = fmt.Sprintf("%s has been removed.", id)
	return Outcome{Model: m}, nil
}

func (a *App) setAttributes(m model.Model, ev SetAttributes) (Outcome, error) {
	id, err := model.NewEntityID(ev.ID)
	if err != nil {
		return Outcome{}, err
	}
	e, ok := m.Entity(id)
	if !ok {
		return Outcome{}, unknownEntity(id)
	}
	attrs := e.Attributes
	for _, k := range sortedKeys(ev.Set) {
		if k == "" {
			return Outcome{}, forEntity(fault.New(fault.InvalidEvent, "attribute name is empty"), id)
		}
		attrs = attrs.WithInserted(k, ev.Set[k])
	}
	for _, k := range ev.Unset {
		attrs = attrs.WithRemoved(k)
	}
	e.Attributes = attrs
	return Outcome{Model: m.WithEntity(e)}, nil
}

func (a *App) importEntities(m model.Model, ev ImportEntities) (Outcome, error) {
	batch := make(map[model.EntityID]struct{}, len(ev.Entities))
	entities := m.Entities
	for _, doc := range ev.Entities {
		e, err := doc.Entity()
		if err != nil {
			return Outcome{}, err
		}
		if _, dup := batch[e.ID]; dup {
			return Outcome{}, duplicateEntity(e.ID)
		}
		batch[e.ID] = struct{}{}
		if !ev.Replace && entities.Has(e.ID) {
			return Outcome{}, duplicateEntity(e.ID)
		}
		entities = entities.WithInserted(e.ID, e)
	}
	m.Entities = entities
	m.Message = fmt.Sprintf("Imported %d entities.", len(ev.Entities))
	return Outcome{Model: m}, nil
}

func (a *App) startGeolocation(m model.Model, fx Effects) (Outcome, error) {
	if len(fx.Pending(KindGeoSubscribe)) == 0 {
		fx.Issue(GeoSubscribe{Options: a.settings.Geo})
	}
	m.Geolocating = true
	return Outcome{Model: m, FollowUps: []Event{RefreshClock{}}}, nil
}

func (a *App) stopGeolocation(m model.Model, fx Effects) (Outcome, error) {
	for _, id := range fx.Pending(KindGeoSubscribe) {
		fx.Cancel(id)
		fx.Issue(GeoUnsubscribe{Subscription: id})
	}
	for _, id := range fx.Pending(KindTimerStart) {
		fx.Cancel(id)
		fx.Issue(TimerCancel{Timer: id})
	}
	m.Geolocating = false
	return Outcome{Model: m}, nil
}

// positionUpdate records a fix. A failed update ends the subscription on the
// host side, so the request is dropped and geolocation stops until the next
// StartGeolocation subscribes again.
func (a *App) positionUpdate(m model.Model, ev PositionUpdate, fx Effects) (Outcome, error) {
	if ev.Failure() != nil {
		fx.Cancel(ev.Request)
		m.Current = model.Position{Err: ev.reason()}
		m.Geolocating = false
		return Outcome{Model: m}, nil
	}
	if ev.Fix == nil {
		return Outcome{}, fault.New(fault.InvalidEvent, "position update carries no fix")
	}
	f, err := ev.Fix.Fix()
	if err != nil {
		return Outcome{}, err
	}
	m.Current = model.Position{Fix: &f}
	m.Track = m.Track.WithFix(f)
	return Outcome{Model: m}, nil
}

func (a *App) saveCurrentPosition(m model.Model, ev SaveCurrentPosition) (Outcome, error) {
	id, err := model.NewEntityID(ev.Name)
	if err != nil {
		return Outcome{}, err
	}
	if !m.Current.Known() {
		return Outcome{}, fault.New(fault.InvalidEvent, "the current position is not known").WithEntity(string(id))
	}
	if m.Entities.Has(id) {
		return Outcome{}, duplicateEntity(id)
	}
	f := m.Current.Fix
	e := model.Entity{
		ID:               id,
		Position:         f.Position,
		Altitude:         f.Altitude,
		Accuracy:         f.Accuracy,
		AltitudeAccuracy: f.AltitudeAccuracy,
		SavedAt:          f.Timestamp,
	}
	return Outcome{Model: m.WithEntity(e)}, nil
}

func trackName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fault.New(fault.InvalidEvent, "track name is empty")
	}
	return name, nil
}

func (a *App) saveTrack(m model.Model, ev SaveTrack) (Outcome, error) {
	name, err := trackName(ev.Name)
	if err != nil {
		return Outcome{}, err
	}
	if m.Track.Len() == 0 {
		return Outcome{}, fault.New(fault.InvalidEvent, "no positions recorded")
	}
	if m.Ways.Has(name) {
		return Outcome{}, fault.New(fault.DuplicateEntity, "track %s already exists", name).WithDetail("track", name)
	}
	m.Ways = m.Ways.WithInserted(name, m.Track)
	return Outcome{Model: m}, nil
}

func (a *App) deleteTrack(m model.Model, ev DeleteTrack) (Outcome, error) {
	name, err := trackName(ev.Name)
	if err != nil {
		return Outcome{}, err
	}
	if !m.Ways.Has(name) {
		return Outcome{}, fault.New(fault.UnknownEntity, "track %s does not exist", name).WithDetail("track", name)
	}
	m.Ways = m.Ways.WithRemoved(name)
	m.Message = fmt.Sprintf("%s has been removed.", name)
	return Outcome{Model: m}, nil
}

func (a *App) kvLoaded(m model.Model, ev KVLoaded) (Outcome, error) {
	if ev.Key != a.settings.EntitiesKey && ev.Key != a.settings.WaysKey {
		return Outcome{}, fault.New(fault.InvalidEvent, "unknown storage key %q", ev.Key)
	}
	if ev.Failure() != nil {
		m.Message = fmt.Sprintf("Internal Error: When retrieving %s: %s", ev.Key, ev.reason())
		return Outcome{Model: m}, nil
	}
	if !ev.Found {
		return Outcome{Model: m}, nil
	}

	switch ev.Key {
	case a.settings.EntitiesKey:
		var docs []model.EntityDoc
		if err := wire.Unmarshal(ev.Value, &docs); err != nil {
			m.Message = fmt.Sprintf("Storage Error: decoding %s: %v", ev.Key, err)
			return Outcome{Model: m}, nil
		}
		entities, err := model.EntitiesFromDocs(docs)
		if err != nil {
			m.Message = fmt.Sprintf("Storage Error: decoding %s: %v", ev.Key, err)
			return Outcome{Model: m}, nil
		}
		m.Entities = entities
	default:
		var docs map[string]model.WayDoc
		if err := wire.Unmarshal(ev.Value, &docs); err != nil {
			m.Message = fmt.Sprintf("Storage Error: decoding %s: %v", ev.Key, err)
			return Outcome{Model: m}, nil
		}
		ways, err := model.WaysFromDocs(docs)
		if err != nil {
			m.Message = fmt.Sprintf("Storage Error: decoding %s: %v", ev.Key, err)
			return Outcome{Model: m}, nil
		}
		m.Ways = ways
	}
	return Outcome{Model: m, Synced: []string{ev.Key}}, nil
}

func (a *App) exportData(m model.Model, fx Effects) (Outcome, error) {
	content, err := canon.Marshal(m.Export())
	if err != nil {
		return Outcome{}, fmt.Errorf("export: %w", err)
	}
	fx.Issue(FileDownload{Name: a.settings.ExportName, MimeType: "application/json", Content: content})
	return Outcome{Model: m}, nil
}

func (a *App) refreshClock(m model.Model, fx Effects) (Outcome, error) {
	fx.Issue(TimeNow{})
	if len(fx.Pending(KindTimerStart)) == 0 {
		fx.Issue(TimerStart{Duration: a.settings.TickInterval})
	}
	return Outcome{Model: m}, nil
}

func (a *App) timerElapsed(m model.Model, ev TimerElapsed) (Outcome, error) {
	if ev.Failure() != nil {
		m.Message = "Timer Error: " + ev.reason()
		return Outcome{Model: m}, nil
	}
	if !m.Geolocating {
		return Outcome{Model: m}, nil
	}
	return Outcome{Model: m, FollowUps: []Event{RefreshClock{}}}, nil
}

func (a *App) clearAll(m model.Model, fx Effects) (Outcome, error) {
	for _, key := range a.PersistKeys() {
		fx.Issue(KVDelete{Key: key})
	}
	m.Entities = pstore.Map[model.EntityID, model.Entity]{}
	m.Ways = pstore.Map[string, model.Way]{}
	m.Message = "All data cleared."
	return Outcome{Model: m, Synced: a.PersistKeys()}, nil
}
