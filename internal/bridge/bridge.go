// Package bridge is the byte-level surface a native shell drives across a
// foreign-function boundary.
//
// Every call takes and returns wire envelopes, so the shell needs only a
// CBOR (or JSON) codec and no knowledge of Go types. Snapshots are handed out
// as integer handles; a handle keeps its model alive until released.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/model"
	"github.com/roach88/geocore/internal/wire"
)

// Envelope kinds written by the bridge.
const (
	KindBatch = "batch"
	KindView  = "view"
)

// Format selects the envelope encoding.
type Format int

const (
	// CBOR envelopes, for native shells.
	CBOR Format = iota
	// JSON envelopes, for text-based shells.
	JSON
)

// Failure reports a transition that did not apply.
type Failure struct {
	Seq     uint64     `json:"seq" cbor:"1,keyasint"`
	Event   string     `json:"event" cbor:"2,keyasint"`
	Outcome string     `json:"outcome" cbor:"3,keyasint"`
	Code    fault.Code `json:"code,omitempty" cbor:"4,keyasint,omitempty"`
	Message string     `json:"message" cbor:"5,keyasint"`
}

// Batch is what ProcessEvent returns: every request issued by the event and
// its follow-ups in order, and the transitions that did not apply.
type Batch struct {
	Requests []app.Request
	Failures []Failure
}

// cborBatch carries requests as nested request envelopes.
type cborBatch struct {
	Requests []wire.Raw `cbor:"1,keyasint"`
	Failures []Failure  `cbor:"2,keyasint,omitempty"`
}

type jsonBatch struct {
	Requests []app.Request `json:"requests"`
	Failures []Failure     `json:"failures,omitempty"`
}

// Bridge wraps an engine.
type Bridge struct {
	eng    *engine.Engine
	format Format
}

// New returns a bridge over e speaking format.
func New(e *engine.Engine, format Format) *Bridge {
	return &Bridge{eng: e, format: format}
}

// ProcessEvent decodes an event envelope, dispatches it and returns the
// encoded Batch.
//
// Rejected, discarded and quota-refused transitions are reported in the
// batch, not as errors. The error is non-nil for undecodable input and when
// the engine is halted.
func (b *Bridge) ProcessEvent(ctx context.Context, data []byte) ([]byte, error) {
	ev, err := b.decodeEvent(data)
	if err != nil {
		return nil, err
	}
	ts, err := b.eng.Dispatch(ctx, ev)
	if err != nil && b.eng.Halted() != nil {
		return nil, err
	}

	var batch Batch
	for _, t := range ts {
		batch.Requests = append(batch.Requests, t.Requests...)
		if t.Outcome != engine.OutcomeApplied {
			f := Failure{Seq: t.Seq, Event: t.Event.Kind(), Outcome: string(t.Outcome), Code: fault.CodeOf(t.Err)}
			if t.Err != nil {
				f.Message = t.Err.Error()
			}
			batch.Failures = append(batch.Failures, f)
		}
	}
	return b.encodeBatch(batch)
}

// View returns the encoded view of the latest model.
func (b *Bridge) View() ([]byte, error) {
	return b.seal(KindView, b.eng.View())
}

// AcquireSnapshot pins the latest model and returns its handle.
func (b *Bridge) AcquireSnapshot() uint64 {
	return uint64(b.eng.AcquireSnapshot())
}

// RetainSnapshot adds a holder to a handle.
func (b *Bridge) RetainSnapshot(h uint64) error {
	return b.eng.Snapshots().Retain(model.Handle(h))
}

// SnapshotView returns the encoded view of a pinned model.
func (b *Bridge) SnapshotView(h uint64) ([]byte, error) {
	vm, err := b.eng.SnapshotView(model.Handle(h))
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", h, err)
	}
	return b.seal(KindView, vm)
}

// ReleaseSnapshot drops one holder of a handle.
func (b *Bridge) ReleaseSnapshot(h uint64) error {
	_, err := b.eng.Snapshots().Release(model.Handle(h))
	return err
}

func (b *Bridge) decodeEvent(data []byte) (app.Event, error) {
	if b.format == JSON {
		return app.DecodeEventJSON(data)
	}
	return app.DecodeEvent(data)
}

func (b *Bridge) seal(kind string, body any) ([]byte, error) {
	if b.format == JSON {
		return wire.SealJSON(kind, body)
	}
	return wire.Seal(kind, body)
}

func (b *Bridge) encodeBatch(batch Batch) ([]byte, error) {
	if b.format == JSON {
		reqs := batch.Requests
		if reqs == nil {
			reqs = []app.Request{}
		}
		return wire.SealJSON(KindBatch, jsonBatch{Requests: reqs, Failures: batch.Failures})
	}
	out := cborBatch{Requests: make([]wire.Raw, 0, len(batch.Requests)), Failures: batch.Failures}
	for _, r := range batch.Requests {
		data, err := app.EncodeRequest(r)
		if err != nil {
			return nil, err
		}
		out.Requests = append(out.Requests, data)
	}
	return wire.Seal(KindBatch, out)
}

// DecodeBatch reverses the CBOR encoding of ProcessEvent. Go shells use it
// to drive a Bridge in-process.
func DecodeBatch(data []byte) (Batch, error) {
	env, err := wire.Open(data)
	if err != nil {
		return Batch{}, err
	}
	if env.K != KindBatch {
		return Batch{}, fmt.Errorf("bridge: envelope kind %q is not %q", env.K, KindBatch)
	}
	var in cborBatch
	if err := env.Decode(&in); err != nil {
		return Batch{}, err
	}
	out := Batch{Failures: in.Failures}
	for i, raw := range in.Requests {
		r, err := app.DecodeRequest(raw)
		if err != nil {
			return Batch{}, fmt.Errorf("bridge: request %d: %w", i, err)
		}
		out.Requests = append(out.Requests, r)
	}
	return out, nil
}

// DecodeView reverses the encoding of View and SnapshotView in either format.
func DecodeView(data []byte, format Format) (*app.ViewModel, error) {
	var vm app.ViewModel
	if format == JSON {
		env, err := wire.OpenJSON(data)
		if err != nil {
			return nil, err
		}
		if env.K != KindView {
			return nil, errors.New("bridge: not a view envelope")
		}
		if err := json.Unmarshal(env.B, &vm); err != nil {
			return nil, err
		}
		return &vm, nil
	}
	env, err := wire.Open(data)
	if err != nil {
		return nil, err
	}
	if env.K != KindView {
		return nil, errors.New("bridge: not a view envelope")
	}
	if err := env.Decode(&vm); err != nil {
		return nil, err
	}
	return &vm, nil
}
