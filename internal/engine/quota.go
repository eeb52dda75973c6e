package engine

import (
	"strconv"

	"github.com/roach88/geocore/internal/fault"
)

// DefaultMaxCascade is the default number of follow-up events one external
// event may produce, directly or transitively.
const DefaultMaxCascade = 256

// QuotaEnforcer counts the follow-up transitions of one cascade and stops it
// at a limit.
//
// The logic may legitimately chain follow-ups (StartGeolocation produces
// RefreshClock), but a handler that keeps returning follow-ups would never
// let Dispatch return. Each Dispatch gets a fresh enforcer.
type QuotaEnforcer struct {
	limit   int
	current int
}

// NewQuotaEnforcer creates an enforcer allowing limit follow-ups.
func NewQuotaEnforcer(limit int) *QuotaEnforcer {
	return &QuotaEnforcer{limit: limit}
}

// Check counts one follow-up of the cascade started by root and returns a
// fault.QuotaExceeded error once the limit is passed.
func (q *QuotaEnforcer) Check(root uint64) error {
	q.current++
	if q.current > q.limit {
		return fault.New(fault.QuotaExceeded, "event %d produced more than %d follow-ups", root, q.limit).
			WithDetail("root_seq", strconv.FormatUint(root, 10)).
			WithDetail("limit", strconv.Itoa(q.limit))
	}
	return nil
}

// Current returns the number of follow-ups counted so far.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// Limit returns the configured limit.
func (q *QuotaEnforcer) Limit() int {
	return q.limit
}
