// Package fault defines the error taxonomy shared by every geocore component.
//
// Errors carry a Code so callers can branch with errors.As instead of string
// matching. Validation codes reject a single event and leave state untouched.
// Fatal codes halt the engine.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes errors.
type Code string

const (
	// InvalidCoordinate indicates latitude outside [-90,90], longitude outside
	// [-180,180], or a non-finite value.
	InvalidCoordinate Code = "INVALID_COORDINATE"

	// UnknownEntity indicates an operation referenced an absent entity id.
	UnknownEntity Code = "UNKNOWN_ENTITY"

	// DuplicateEntity indicates an add for an id that already exists.
	DuplicateEntity Code = "DUPLICATE_ENTITY"

	// InvalidEvent indicates an event whose payload cannot be applied to the
	// current model (empty id, missing fix, unknown view target).
	InvalidEvent Code = "INVALID_EVENT"

	// CyclicDependency indicates a reactive node depends on itself.
	CyclicDependency Code = "CYCLIC_DEPENDENCY"

	// IndexDivergence indicates the spatial index disagrees with the model.
	IndexDivergence Code = "INDEX_DIVERGENCE"

	// EffectTimeout indicates a collaborator did not answer in time.
	EffectTimeout Code = "EFFECT_TIMEOUT"

	// EffectCancelled indicates a request was cancelled before completion.
	EffectCancelled Code = "EFFECT_CANCELLED"

	// StaleResponse indicates a response for a request that is no longer pending.
	StaleResponse Code = "STALE_RESPONSE"

	// QuotaExceeded indicates a cascade of follow-up events exceeded its limit.
	QuotaExceeded Code = "QUOTA_EXCEEDED"

	// Halted indicates the engine stopped after a fatal error.
	Halted Code = "HALTED"
)

// Error is a coded error with optional structured context.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// EntityID identifies the affected entity, when there is one.
	EntityID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.EntityID != "" {
		fmt.Fprintf(&b, " (entity=%s)", e.EntityID)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithEntity returns a copy of e annotated with an entity id.
func (e *Error) WithEntity(id string) *Error {
	c := *e
	c.EntityID = id
	return &c
}

// WithDetail returns a copy of e with one extra detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	c := *e
	c.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
// Uses errors.As to handle wrapped errors.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsFatal reports whether err must halt the engine.
//
// Fatal errors mean the core can no longer guarantee its invariants:
// a divergent index, a dependency cycle discovered at evaluation time,
// or an engine that has already halted.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case IndexDivergence, CyclicDependency, Halted:
		return true
	}
	return false
}

// IsValidation reports whether err rejects an event without changing state.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case InvalidCoordinate, UnknownEntity, DuplicateEntity, InvalidEvent, QuotaExceeded:
		return true
	}
	return false
}
