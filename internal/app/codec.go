package app

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/wire"
)

// NewEvent returns a zero event of the given kind.
func NewEvent(kind string) (Event, error) {
	mk, ok := eventTypes[kind]
	if !ok {
		return nil, fault.New(fault.InvalidEvent, "unknown event kind %q", kind)
	}
	return deref(mk()), nil
}

// EncodeEvent wraps ev in a wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	return wire.Seal(ev.Kind(), ev)
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	env, err := wire.Open(data)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidEvent, err, "decode event")
	}
	return decodeEvent(env.K, env.Decode)
}

// EncodeEventJSON wraps ev in a JSON envelope.
func EncodeEventJSON(ev Event) ([]byte, error) {
	return wire.SealJSON(ev.Kind(), ev)
}

// DecodeEventJSON reverses EncodeEventJSON.
func DecodeEventJSON(data []byte) (Event, error) {
	env, err := wire.OpenJSON(data)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidEvent, err, "decode event")
	}
	return decodeEvent(env.K, env.Decode)
}

// EventFromJSON decodes a JSON body of a known kind, as found in scenario
// and event files.
func EventFromJSON(kind string, body []byte) (Event, error) {
	return decodeEvent(kind, func(v any) error {
		if len(body) == 0 {
			return nil
		}
		return json.Unmarshal(body, v)
	})
}

func decodeEvent(kind string, decode func(any) error) (Event, error) {
	mk, ok := eventTypes[kind]
	if !ok {
		return nil, fault.New(fault.InvalidEvent, "unknown event kind %q", kind)
	}
	ptr := mk()
	if err := decode(ptr); err != nil {
		return nil, fault.Wrap(fault.InvalidEvent, err, "decode %s", kind)
	}
	return deref(ptr), nil
}

// requestDoc is the envelope body of a Request.
type requestDoc struct {
	ID     RequestID `cbor:"1,keyasint"`
	Effect wire.Raw  `cbor:"2,keyasint"`
}

// EncodeRequest wraps r in a wire envelope tagged with the effect kind.
func EncodeRequest(r Request) ([]byte, error) {
	eff, err := wire.Marshal(r.Effect)
	if err != nil {
		return nil, fmt.Errorf("encode %s effect: %w", r.Kind(), err)
	}
	return wire.Seal(r.Kind(), requestDoc{ID: r.ID, Effect: eff})
}

// DecodeRequest reverses EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	env, err := wire.Open(data)
	if err != nil {
		return Request{}, err
	}
	mk, ok := effectTypes[env.K]
	if !ok {
		return Request{}, fmt.Errorf("unknown effect kind %q", env.K)
	}
	var doc requestDoc
	if err := env.Decode(&doc); err != nil {
		return Request{}, err
	}
	ptr := mk()
	if err := wire.Unmarshal(doc.Effect, ptr); err != nil {
		return Request{}, fmt.Errorf("decode %s effect: %w", env.K, err)
	}
	return Request{ID: doc.ID, Effect: deref(ptr)}, nil
}

// MarshalJSON renders a request as {"id", "kind", "effect"}.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID     RequestID `json:"id"`
		Kind   string    `json:"kind"`
		Effect Effect    `json:"effect"`
	}{r.ID, r.Kind(), r.Effect})
}

// deref turns the *T produced by a registry constructor into T.
func deref[T any](ptr T) T {
	return reflect.ValueOf(ptr).Elem().Interface().(T)
}
