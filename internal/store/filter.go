package store

import (
	"fmt"
	"strings"

	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
)

// Predicate is a condition on journal columns.
//
// This is a sealed interface: only types in this package implement it, so
// compile can switch over them exhaustively.
//
// Predicate types:
//   - Eq: column = value
//   - In: column IN (values...)
//   - AtLeast / AtMost: column >= value / column <= value
//   - And: all predicates must be true
type Predicate interface {
	predicateNode()
}

// Eq matches rows whose column equals Value.
type Eq struct {
	Column string
	Value  any
}

// In matches rows whose column equals one of Values. An empty In matches
// nothing.
type In struct {
	Column string
	Values []any
}

// AtLeast matches rows whose column is >= Value.
type AtLeast struct {
	Column string
	Value  any
}

// AtMost matches rows whose column is <= Value.
type AtMost struct {
	Column string
	Value  any
}

// And matches rows matching every predicate. An empty And matches all rows.
type And struct {
	Predicates []Predicate
}

func (Eq) predicateNode()      {}
func (In) predicateNode()      {}
func (AtLeast) predicateNode() {}
func (AtMost) predicateNode()  {}
func (And) predicateNode()     {}

// filterColumns are the transitions columns a predicate may reference.
var filterColumns = map[string]bool{
	"session":    true,
	"seq":        true,
	"cause":      true,
	"event_kind": true,
	"outcome":    true,
	"error_code": true,
	"digest":     true,
}

// compilePredicate converts p to a parameterised SQL condition. Values are
// never interpolated; column names are checked against filterColumns and
// qualified with alias when it is non-empty.
func compilePredicate(p Predicate, alias string) (string, []any, error) {
	column := func(name string) (string, error) {
		if !filterColumns[name] {
			return "", fmt.Errorf("unknown filter column %q", name)
		}
		if alias == "" {
			return name, nil
		}
		return alias + "." + name, nil
	}

	switch p := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case Eq:
		col, err := column(p.Column)
		if err != nil {
			return "", nil, err
		}
		return col + " = ?", []any{p.Value}, nil
	case AtLeast:
		col, err := column(p.Column)
		if err != nil {
			return "", nil, err
		}
		return col + " >= ?", []any{p.Value}, nil
	case AtMost:
		col, err := column(p.Column)
		if err != nil {
			return "", nil, err
		}
		return col + " <= ?", []any{p.Value}, nil
	case In:
		col, err := column(p.Column)
		if err != nil {
			return "", nil, err
		}
		if len(p.Values) == 0 {
			return "1 = 0", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(p.Values)), ", ")
		return col + " IN (" + marks + ")", append([]any(nil), p.Values...), nil
	case And:
		if len(p.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(p.Predicates))
		var params []any
		for _, sub := range p.Predicates {
			sql, subParams, err := compilePredicate(sub, alias)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+sql+")")
			params = append(params, subParams...)
		}
		return strings.Join(parts, " AND "), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// Filter selects journaled transitions of one session.
type Filter struct {
	// Session is the session to read. 0 means the latest session.
	Session int64
	// Kinds keeps only these event kinds.
	Kinds []string
	// Outcomes keeps only these outcomes.
	Outcomes []engine.Outcome
	// FromSeq and ToSeq bound seq inclusively. 0 leaves a side open.
	FromSeq uint64
	ToSeq   uint64
	// Code keeps only transitions that failed with this code.
	Code fault.Code
	// External keeps only transitions of events that came from outside the
	// engine (cause 0).
	External bool
	// Limit caps the number of transitions. 0 means no limit.
	Limit int
}

// Predicate returns the condition selecting f's transitions in session.
func (f Filter) Predicate(session int64) Predicate {
	preds := []Predicate{Eq{Column: "session", Value: session}}
	if len(f.Kinds) > 0 {
		vals := make([]any, len(f.Kinds))
		for i, k := range f.Kinds {
			vals[i] = k
		}
		preds = append(preds, In{Column: "event_kind", Values: vals})
	}
	if len(f.Outcomes) > 0 {
		vals := make([]any, len(f.Outcomes))
		for i, o := range f.Outcomes {
			vals[i] = string(o)
		}
		preds = append(preds, In{Column: "outcome", Values: vals})
	}
	if f.FromSeq > 0 {
		preds = append(preds, AtLeast{Column: "seq", Value: int64(f.FromSeq)})
	}
	if f.ToSeq > 0 {
		preds = append(preds, AtMost{Column: "seq", Value: int64(f.ToSeq)})
	}
	if f.Code != "" {
		preds = append(preds, Eq{Column: "error_code", Value: string(f.Code)})
	}
	if f.External {
		preds = append(preds, Eq{Column: "cause", Value: 0})
	}
	return And{Predicates: preds}
}
