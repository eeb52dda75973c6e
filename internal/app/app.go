// Package app holds the domain logic of geocore: the events it accepts, the
// effects it requests, how an event turns one model into the next, and the
// reactive view projected from the model.
//
// Update is pure. It reads the current model, returns the next one and asks
// for side effects through the Effects it is given; it never performs I/O
// and never mutates its input.
package app

import (
	"errors"
	"time"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/model"
)

// Settings are the tunables of the domain logic.
type Settings struct {
	// TickInterval is how often the clock is refreshed while geolocating.
	TickInterval time.Duration
	// Geo configures geolocation subscriptions.
	Geo GeoOptions
	// EntitiesKey and WaysKey are the storage keys of the two documents.
	EntitiesKey string
	WaysKey     string
	// ExportName is the file name offered by ExportData.
	ExportName string
	// InitialNearest and InitialWays are the list lengths of a fresh view.
	InitialNearest int
	InitialWays    int
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		TickInterval: time.Second,
		Geo: GeoOptions{
			MaximumAge:   0,
			Timeout:      27 * time.Second,
			HighAccuracy: true,
		},
		EntitiesKey:    "model",
		WaysKey:        "recorded_ways",
		ExportName:     "geocore_data.json",
		InitialNearest: 5,
		InitialWays:    5,
	}
}

// Effects is how Update requests side effects. Requests issued during a
// rejected update are dropped with it.
type Effects interface {
	// Issue queues an effect and returns the id its responses will carry.
	Issue(Effect) RequestID
	// Cancel forgets a pending request so later responses are discarded.
	// It reports whether the request was pending.
	Cancel(RequestID) bool
	// Pending lists pending requests of an effect kind, oldest first.
	Pending(kind string) []RequestID
}

// Outcome is the result of a successful update.
type Outcome struct {
	Model model.Model
	// FollowUps are processed after this transition, in order.
	FollowUps []Event
	// Synced names storage keys whose stored document already matches the
	// model, so no write is needed for them.
	Synced []string
	// Rebuild asks the engine to rebuild the spatial index from scratch.
	Rebuild bool
}

// App is the domain logic configured with its settings.
type App struct {
	settings Settings
}

// New returns an App.
func New(s Settings) *App {
	return &App{settings: s}
}

// Settings returns the configured settings.
func (a *App) Settings() Settings { return a.settings }

// Initial returns the model the engine starts from.
func (a *App) Initial() model.Model {
	m := model.Empty()
	m.ViewNearest = a.settings.InitialNearest
	m.ViewWays = a.settings.InitialWays
	return m
}

// PersistKeys lists the storage keys in the order their writes are issued.
func (a *App) PersistKeys() []string {
	return []string{a.settings.EntitiesKey, a.settings.WaysKey}
}

// ErrUnhandled is returned for events Update has no case for.
var ErrUnhandled = errors.New("app: unhandled event")

// Update applies ev to m.
//
// A returned error rejects the event: the caller must discard the outcome
// and every effect issued during the call.
func (a *App) Update(m model.Model, ev Event, fx Effects) (Outcome, error) {
	switch ev := ev.(type) {
	case AddEntity:
		return a.addEntity(m, ev)
	case MoveEntity:
		return a.moveEntity(m, ev)
	case RemoveEntity:
		return a.removeEntity(m, ev)
	case SetAttributes:
		return a.setAttributes(m, ev)
	case ImportEntities:
		return a.importEntities(m, ev)
	case StartGeolocation:
		return a.startGeolocation(m, fx)
	case StopGeolocation:
		return a.stopGeolocation(m, fx)
	case PositionUpdate:
		return a.positionUpdate(m, ev, fx)
	case SaveCurrentPosition:
		return a.saveCurrentPosition(m, ev)
	case SaveTrack:
		return a.saveTrack(m, ev)
	case DeleteTrack:
		return a.deleteTrack(m, ev)
	case ViewNearest:
		if ev.N < 0 {
			return Outcome{}, fault.New(fault.InvalidEvent, "view count %d is negative", ev.N)
		}
		m.ViewNearest = ev.N
		return Outcome{Model: m}, nil
	case ViewTracks:
		if ev.N < 0 {
			return Outcome{}, fault.New(fault.InvalidEvent, "view count %d is negative", ev.N)
		}
		m.ViewWays = ev.N
		return Outcome{Model: m}, nil
	case LoadPersisted:
		fx.Issue(KVGet{Key: a.settings.EntitiesKey})
		fx.Issue(KVGet{Key: a.settings.WaysKey})
		return Outcome{Model: m}, nil
	case KVLoaded:
		return a.kvLoaded(m, ev)
	case KVWritten:
		if ev.Failure() != nil {
			m.Message = "Internal Error: failed to store " + ev.Key + ": " + ev.reason()
		}
		return Outcome{Model: m}, nil
	case ExportData:
		return a.exportData(m, fx)
	case RefreshClock:
		return a.refreshClock(m, fx)
	case ClockRead:
		if ev.Failure() != nil {
			m.Message = "Clock Error: " + ev.reason()
			return Outcome{Model: m}, nil
		}
		m.Now = ev.Now.UTC()
		return Outcome{Model: m}, nil
	case TimerElapsed:
		return a.timerElapsed(m, ev)
	case ShowMessage:
		m.Message = ev.Text
		return Outcome{Model: m}, nil
	case ClearAll:
		return a.clearAll(m, fx)
	case RebuildIndex:
		return Outcome{Model: m, Rebuild: true}, nil
	}
	return Outcome{}, fault.Wrap(fault.InvalidEvent, ErrUnhandled, "unhandled event %T", ev)
}
