// Package engine runs the geocore transition pipeline.
//
// The engine owns the current model, the set of pending effect requests, the
// spatial index and the reactive graph. It accepts one event at a time and
// turns it into a Transition:
//
//  1. Validate. Responses whose request is no longer pending are discarded.
//     Everything else goes through app.Update; a returned error rejects the
//     event and leaves every piece of state as it was.
//  2. Compute the next model with persistent updates only.
//  3. Diff the entities of both models and apply the difference to the
//     spatial index, or bulk-load the index when the difference is large.
//  4. Commit the next model to the reactive graph, marking only the changed
//     fields dirty.
//  5. Emit requests: the effects issued by the logic, then KVSet for every
//     persisted document whose node changed, then Render.
//
// Follow-up events returned by the logic run after the transition that
// produced them, first in first out, bounded by a cascade quota.
//
// SINGLE WRITER:
// Dispatch and the Run loop are serialized by one mutex, so at most one
// transition is ever in flight. Collaborators answer requests from their own
// goroutines by calling Enqueue. Readers use View, Snapshot and the index
// queries, which never block a transition for longer than an index update.
//
// FATAL ERRORS:
// A failure after validation (index update, consistency check, view
// computation) means the index and the model can no longer be trusted. The
// engine halts: every later Dispatch and every index query returns a
// fault.Halted error wrapping the cause.
package engine
