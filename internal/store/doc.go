// Package store is the SQLite journal of geocore engine transitions.
//
// The journal is append-only. Each engine run writes one session; inside a
// session every transition is stored with its sequence number, the seq of
// the transition that caused it, the wire-encoded event, its outcome and the
// model digest, followed by the requests it emitted in issue order.
//
// # Ordering
//
// All ordering uses the logical seq, never wall time, so reads are identical
// across runs and a session can be replayed:
//   - transitions: ORDER BY session ASC, seq ASC
//   - requests: ORDER BY session ASC, seq ASC, idx ASC
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
