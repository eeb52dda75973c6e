// Package wire is the versioned binary encoding used at the host boundary
// and for stored documents.
//
// Values are encoded as deterministic CBOR (RFC 8949 core deterministic
// encoding, RFC 3339 timestamps). Messages crossing the boundary are wrapped
// in an Envelope carrying a format version and a kind tag, so a host can
// route a message before decoding its body.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the envelope format version written by this package.
const Version = 1

// ErrVersion is returned for envelopes written by an unknown format version.
var ErrVersion = errors.New("wire: unsupported envelope version")

// Raw is an undecoded CBOR value.
type Raw = cbor.RawMessage

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: encode mode: %v", err))
	}
	dm, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: decode mode: %v", err))
	}
	encMode, decMode = em, dm
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Envelope is a versioned, kind-tagged message.
type Envelope struct {
	V uint   `cbor:"1,keyasint"`
	K string `cbor:"2,keyasint"`
	B Raw    `cbor:"3,keyasint"`
}

// Seal encodes body and wraps it in an envelope of the given kind.
func Seal(kind string, body any) ([]byte, error) {
	b, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return Marshal(Envelope{V: Version, K: kind, B: b})
}

// Open decodes an envelope without decoding its body.
func Open(data []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.V != Version {
		return Envelope{}, fmt.Errorf("%w: %d", ErrVersion, env.V)
	}
	if env.K == "" {
		return Envelope{}, errors.New("wire: envelope has no kind")
	}
	return env, nil
}

// Decode decodes the envelope body into v.
func (e Envelope) Decode(v any) error {
	if err := Unmarshal(e.B, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", e.K, err)
	}
	return nil
}

// JSONEnvelope is the JSON form of Envelope, used by text-based shells.
type JSONEnvelope struct {
	V uint            `json:"v"`
	K string          `json:"k"`
	B json.RawMessage `json:"b"`
}

// SealJSON is Seal for the JSON form.
func SealJSON(kind string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return json.Marshal(JSONEnvelope{V: Version, K: kind, B: b})
}

// OpenJSON is Open for the JSON form.
func OpenJSON(data []byte) (JSONEnvelope, error) {
	var env JSONEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return JSONEnvelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.V != Version {
		return JSONEnvelope{}, fmt.Errorf("%w: %d", ErrVersion, env.V)
	}
	if env.K == "" {
		return JSONEnvelope{}, errors.New("wire: envelope has no kind")
	}
	return env, nil
}

// Decode decodes the envelope body into v.
func (e JSONEnvelope) Decode(v any) error {
	if len(e.B) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.B, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", e.K, err)
	}
	return nil
}
