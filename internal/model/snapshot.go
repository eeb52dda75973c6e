package model

import (
	"errors"
	"sync"
)

// Snapshot is an immutable view of the model after a transition. Holding a
// Snapshot keeps its Model reachable; later transitions never change it.
type Snapshot struct {
	Seq   uint64
	Model Model
}

// Handle identifies a snapshot held in a Registry.
type Handle uint64

// ErrUnknownHandle is returned for handles that were never issued or have
// been fully released.
var ErrUnknownHandle = errors.New("model: unknown snapshot handle")

// Registry hands snapshots to holders outside the Go heap's view, such as a
// host shell across an FFI boundary, and keeps each one alive until its last
// holder releases it. It is safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	next Handle
	held map[Handle]*entry
}

type entry struct {
	snap Snapshot
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[Handle]*entry)}
}

// Acquire registers s with one reference and returns its handle.
func (r *Registry) Acquire(s Snapshot) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.held[r.next] = &entry{snap: s, refs: 1}
	return r.next
}

// Retain adds a reference to h.
func (r *Registry) Retain(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.held[h]
	if !ok {
		return ErrUnknownHandle
	}
	e.refs++
	return nil
}

// Get returns the snapshot behind h.
func (r *Registry) Get(h Handle) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.held[h]
	if !ok {
		return Snapshot{}, ErrUnknownHandle
	}
	return e.snap, nil
}

// Release drops one reference to h and reports whether it was the last.
func (r *Registry) Release(h Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.held[h]
	if !ok {
		return false, ErrUnknownHandle
	}
	e.refs--
	if e.refs > 0 {
		return false, nil
	}
	delete(r.held, h)
	return true, nil
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
