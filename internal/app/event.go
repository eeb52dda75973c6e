package app

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/model"
)

// Event is an input to a transition. Events come from the user, from the
// host answering an effect request, or from the logic itself as follow-ups.
type Event interface {
	Kind() string
}

// Response is an Event answering an effect request. The engine discards
// responses whose request is no longer pending.
type Response interface {
	Event
	RequestID() RequestID
	Failure() error
}

// Status is the outcome a collaborator reports for a request.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Reply carries the correlation and status fields shared by every response.
// Response events embed it; their own fields are numbered from 10 so the
// CBOR keys never collide.
type Reply struct {
	Request RequestID `json:"request" cbor:"1,keyasint"`
	Status  Status    `json:"status,omitempty" cbor:"2,keyasint,omitempty"`
	Error   string    `json:"error,omitempty" cbor:"3,keyasint,omitempty"`
}

// RequestID returns the id of the answered request.
func (r Reply) RequestID() RequestID { return r.Request }

// Failure returns nil for a successful reply, and otherwise an error
// describing the failure. Timeouts and cancellations carry their fault code.
func (r Reply) Failure() error {
	switch r.Status {
	case "", StatusOK:
		return nil
	case StatusTimeout:
		return fault.New(fault.EffectTimeout, "request %s timed out", r.Request)
	case StatusCancelled:
		return fault.New(fault.EffectCancelled, "request %s was cancelled", r.Request)
	}
	if r.Error == "" {
		return fmt.Errorf("request %s failed", r.Request)
	}
	return fmt.Errorf("request %s failed: %s", r.Request, r.Error)
}

// reason is the user-facing text for a failed reply.
func (r Reply) reason() string {
	if r.Error != "" {
		return r.Error
	}
	switch r.Status {
	case StatusTimeout:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	}
	return "failed"
}

// AddEntity stores a new named position.
type AddEntity struct {
	ID         string            `json:"id" cbor:"1,keyasint"`
	Lat        float64           `json:"lat" cbor:"2,keyasint"`
	Lon        float64           `json:"lon" cbor:"3,keyasint"`
	Altitude   *float64          `json:"altitude,omitempty" cbor:"4,keyasint,omitempty"`
	Accuracy   float64           `json:"accuracy,omitempty" cbor:"5,keyasint,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" cbor:"6,keyasint,omitempty"`
}

// MoveEntity changes the position of an entity.
type MoveEntity struct {
	ID  string  `json:"id" cbor:"1,keyasint"`
	Lat float64 `json:"lat" cbor:"2,keyasint"`
	Lon float64 `json:"lon" cbor:"3,keyasint"`
}

// RemoveEntity deletes an entity.
type RemoveEntity struct {
	ID string `json:"id" cbor:"1,keyasint"`
}

// SetAttributes edits the attributes of an entity. Unset is applied after
// Set.
type SetAttributes struct {
	ID    string            `json:"id" cbor:"1,keyasint"`
	Set   map[string]string `json:"set,omitempty" cbor:"2,keyasint,omitempty"`
	Unset []string          `json:"unset,omitempty" cbor:"3,keyasint,omitempty"`
}

// ImportEntities adds many entities at once. With Replace, entities with
// existing ids are overwritten instead of rejected.
type ImportEntities struct {
	Entities []model.EntityDoc `json:"entities" cbor:"1,keyasint"`
	Replace  bool              `json:"replace,omitempty" cbor:"2,keyasint,omitempty"`
}

// StartGeolocation subscribes to position updates and starts the clock.
type StartGeolocation struct{}

// StopGeolocation unsubscribes and stops the clock.
type StopGeolocation struct{}

// PositionUpdate is one reading from the geolocation subscription.
type PositionUpdate struct {
	Reply
	Fix *model.FixDoc `json:"fix,omitempty" cbor:"10,keyasint,omitempty"`
}

// SaveCurrentPosition stores the current fix as an entity.
type SaveCurrentPosition struct {
	Name string `json:"name" cbor:"1,keyasint"`
}

// SaveTrack stores the track recorded since start under a name.
type SaveTrack struct {
	Name string `json:"name" cbor:"1,keyasint"`
}

// DeleteTrack deletes a saved track.
type DeleteTrack struct {
	Name string `json:"name" cbor:"1,keyasint"`
}

// ViewNearest sets how many entities the view lists.
type ViewNearest struct {
	N int `json:"n" cbor:"1,keyasint"`
}

// ViewTracks sets how many saved tracks the view lists.
type ViewTracks struct {
	N int `json:"n" cbor:"1,keyasint"`
}

// LoadPersisted reads the stored entities and tracks.
type LoadPersisted struct{}

// KVLoaded answers a KVGet. A missing key is Found=false, not a failure.
type KVLoaded struct {
	Reply
	Key   string `json:"key" cbor:"10,keyasint"`
	Found bool   `json:"found" cbor:"11,keyasint"`
	Value []byte `json:"value,omitempty" cbor:"12,keyasint,omitempty"`
}

// KVWritten answers a KVSet or KVDelete.
type KVWritten struct {
	Reply
	Key string `json:"key" cbor:"10,keyasint"`
}

// ExportData requests a file download of all entities and tracks.
type ExportData struct{}

// RefreshClock reads the time and arms the tick timer.
type RefreshClock struct{}

// ClockRead answers a TimeNow.
type ClockRead struct {
	Reply
	Now time.Time `json:"now" cbor:"10,keyasint"`
}

// TimerElapsed answers a TimerStart.
type TimerElapsed struct {
	Reply
}

// ShowMessage sets the message shown to the user.
type ShowMessage struct {
	Text string `json:"text" cbor:"1,keyasint"`
}

// ClearAll deletes every entity and track, in memory and in storage.
type ClearAll struct{}

// RebuildIndex asks the engine to rebuild the spatial index from the model.
type RebuildIndex struct{}

func (AddEntity) Kind() string           { return "add_entity" }
func (MoveEntity) Kind() string          { return "move_entity" }
func (RemoveEntity) Kind() string        { return "remove_entity" }
func (SetAttributes) Kind() string       { return "set_attributes" }
func (ImportEntities) Kind() string      { return "import_entities" }
func (StartGeolocation) Kind() string    { return "start_geolocation" }
func (StopGeolocation) Kind() string     { return "stop_geolocation" }
func (PositionUpdate) Kind() string      { return "position_update" }
func (SaveCurrentPosition) Kind() string { return "save_current_position" }
func (SaveTrack) Kind() string           { return "save_track" }
func (DeleteTrack) Kind() string         { return "delete_track" }
func (ViewNearest) Kind() string         { return "view_nearest" }
func (ViewTracks) Kind() string          { return "view_tracks" }
func (LoadPersisted) Kind() string       { return "load_persisted" }
func (KVLoaded) Kind() string            { return "kv_loaded" }
func (KVWritten) Kind() string           { return "kv_written" }
func (ExportData) Kind() string          { return "export_data" }
func (RefreshClock) Kind() string        { return "refresh_clock" }
func (ClockRead) Kind() string           { return "clock_read" }
func (TimerElapsed) Kind() string        { return "timer_elapsed" }
func (ShowMessage) Kind() string         { return "show_message" }
func (ClearAll) Kind() string            { return "clear_all" }
func (RebuildIndex) Kind() string        { return "rebuild_index" }

// eventTypes maps kinds to zero values for decoding.
var eventTypes = map[string]func() Event{
	"add_entity":            func() Event { return &AddEntity{} },
	"move_entity":           func() Event { return &MoveEntity{} },
	"remove_entity":         func() Event { return &RemoveEntity{} },
	"set_attributes":        func() Event { return &SetAttributes{} },
	"import_entities":       func() Event { return &ImportEntities{} },
	"start_geolocation":     func() Event { return &StartGeolocation{} },
	"stop_geolocation":      func() Event { return &StopGeolocation{} },
	"position_update":       func() Event { return &PositionUpdate{} },
	"save_current_position": func() Event { return &SaveCurrentPosition{} },
	"save_track":            func() Event { return &SaveTrack{} },
	"delete_track":          func() Event { return &DeleteTrack{} },
	"view_nearest":          func() Event { return &ViewNearest{} },
	"view_tracks":           func() Event { return &ViewTracks{} },
	"load_persisted":        func() Event { return &LoadPersisted{} },
	"kv_loaded":             func() Event { return &KVLoaded{} },
	"kv_written":            func() Event { return &KVWritten{} },
	"export_data":           func() Event { return &ExportData{} },
	"refresh_clock":         func() Event { return &RefreshClock{} },
	"clock_read":            func() Event { return &ClockRead{} },
	"timer_elapsed":         func() Event { return &TimerElapsed{} },
	"show_message":          func() Event { return &ShowMessage{} },
	"clear_all":             func() Event { return &ClearAll{} },
	"rebuild_index":         func() Event { return &RebuildIndex{} },
}

// EventKinds lists every event kind.
func EventKinds() []string {
	out := make([]string, 0, len(eventTypes))
	for k := range eventTypes {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
