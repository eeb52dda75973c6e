package app

import (
	"slices"
	"time"
)

// RequestID correlates an effect request with its responses. IDs are opaque
// to the logic; the engine assigns them.
type RequestID string

// Expect says how many responses a request produces.
type Expect int

const (
	// ExpectNone marks notifications: the host acts and never answers.
	ExpectNone Expect = iota
	// ExpectOne marks requests answered by exactly one response.
	ExpectOne
	// ExpectStream marks subscriptions answered until cancelled.
	ExpectStream
)

// Effect describes a side effect for the host to perform.
type Effect interface {
	Kind() string
	Expect() Expect
}

// Request is an effect with the id its responses will carry.
type Request struct {
	ID     RequestID `json:"id"`
	Effect Effect    `json:"effect"`
}

// Kind returns the effect kind.
func (r Request) Kind() string { return r.Effect.Kind() }

// GeoOptions configure a geolocation subscription.
type GeoOptions struct {
	MaximumAge   time.Duration `json:"maximum_age" cbor:"1,keyasint" yaml:"maximum_age"`
	Timeout      time.Duration `json:"timeout" cbor:"2,keyasint" yaml:"timeout"`
	HighAccuracy bool          `json:"high_accuracy" cbor:"3,keyasint" yaml:"high_accuracy"`
}

// Render asks the host to redraw from the current view.
type Render struct{}

// KVGet reads a key. Answered by KVLoaded.
type KVGet struct {
	Key string `json:"key" cbor:"1,keyasint"`
}

// KVSet writes a key. Answered by KVWritten.
type KVSet struct {
	Key   string `json:"key" cbor:"1,keyasint"`
	Value []byte `json:"value" cbor:"2,keyasint"`
}

// KVDelete removes a key. Answered by KVWritten.
type KVDelete struct {
	Key string `json:"key" cbor:"1,keyasint"`
}

// TimeNow reads the wall clock. Answered by ClockRead.
type TimeNow struct{}

// TimerStart arms a one-shot timer. Answered by TimerElapsed.
type TimerStart struct {
	Duration time.Duration `json:"duration" cbor:"1,keyasint"`
}

// TimerCancel disarms the timer started by the named request.
type TimerCancel struct {
	Timer RequestID `json:"timer" cbor:"1,keyasint"`
}

// GeoSubscribe starts position updates. Answered by PositionUpdate until
// unsubscribed.
type GeoSubscribe struct {
	Options GeoOptions `json:"options" cbor:"1,keyasint"`
}

// GeoUnsubscribe ends the subscription started by the named request.
type GeoUnsubscribe struct {
	Subscription RequestID `json:"subscription" cbor:"1,keyasint"`
}

// FileDownload offers a file to the user.
type FileDownload struct {
	Name     string `json:"name" cbor:"1,keyasint"`
	MimeType string `json:"mime_type" cbor:"2,keyasint"`
	Content  []byte `json:"content" cbor:"3,keyasint"`
}

const (
	KindRender         = "render"
	KindKVGet          = "kv_get"
	KindKVSet          = "kv_set"
	KindKVDelete       = "kv_delete"
	KindTimeNow        = "time_now"
	KindTimerStart     = "timer_start"
	KindTimerCancel    = "timer_cancel"
	KindGeoSubscribe   = "geo_subscribe"
	KindGeoUnsubscribe = "geo_unsubscribe"
	KindFileDownload   = "file_download"
)

func (Render) Kind() string         { return KindRender }
func (KVGet) Kind() string          { return KindKVGet }
func (KVSet) Kind() string          { return KindKVSet }
func (KVDelete) Kind() string       { return KindKVDelete }
func (TimeNow) Kind() string        { return KindTimeNow }
func (TimerStart) Kind() string     { return KindTimerStart }
func (TimerCancel) Kind() string    { return KindTimerCancel }
func (GeoSubscribe) Kind() string   { return KindGeoSubscribe }
func (GeoUnsubscribe) Kind() string { return KindGeoUnsubscribe }
func (FileDownload) Kind() string   { return KindFileDownload }

func (Render) Expect() Expect         { return ExpectNone }
func (KVGet) Expect() Expect          { return ExpectOne }
func (KVSet) Expect() Expect          { return ExpectOne }
func (KVDelete) Expect() Expect       { return ExpectOne }
func (TimeNow) Expect() Expect        { return ExpectOne }
func (TimerStart) Expect() Expect     { return ExpectOne }
func (TimerCancel) Expect() Expect    { return ExpectNone }
func (GeoSubscribe) Expect() Expect   { return ExpectStream }
func (GeoUnsubscribe) Expect() Expect { return ExpectNone }
func (FileDownload) Expect() Expect   { return ExpectNone }

var effectTypes = map[string]func() Effect{
	KindRender:         func() Effect { return &Render{} },
	KindKVGet:          func() Effect { return &KVGet{} },
	KindKVSet:          func() Effect { return &KVSet{} },
	KindKVDelete:       func() Effect { return &KVDelete{} },
	KindTimeNow:        func() Effect { return &TimeNow{} },
	KindTimerStart:     func() Effect { return &TimerStart{} },
	KindTimerCancel:    func() Effect { return &TimerCancel{} },
	KindGeoSubscribe:   func() Effect { return &GeoSubscribe{} },
	KindGeoUnsubscribe: func() Effect { return &GeoUnsubscribe{} },
	KindFileDownload:   func() Effect { return &FileDownload{} },
}

// answers maps response kinds to the effect kinds they may answer.
var answers = map[string][]string{
	"position_update": {KindGeoSubscribe},
	"kv_loaded":       {KindKVGet},
	"kv_written":      {KindKVSet, KindKVDelete},
	"clock_read":      {KindTimeNow},
	"timer_elapsed":   {KindTimerStart},
}

// Answers reports whether a response of kind response may answer a request
// for an effect of kind effect.
func Answers(response, effect string) bool {
	return slices.Contains(answers[response], effect)
}
