package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
)

// ErrNoSessions is returned when the journal holds no session yet.
var ErrNoSessions = errors.New("store: journal has no sessions")

// Entry is one journaled transition with its requests.
type Entry struct {
	Session  int64          `json:"session"`
	Seq      uint64         `json:"seq"`
	Cause    uint64         `json:"cause,omitempty"`
	Kind     string         `json:"kind"`
	Event    app.Event      `json:"event"`
	Outcome  engine.Outcome `json:"outcome"`
	Code     fault.Code     `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
	Digest   string         `json:"digest,omitempty"`
	Requests []app.Request  `json:"requests"`
}

// Recorded returns the replay record of e.
func (e Entry) Recorded() engine.Recorded {
	ids := make([]app.RequestID, 0, len(e.Requests))
	for _, r := range e.Requests {
		ids = append(ids, r.ID)
	}
	return engine.Recorded{
		Seq:      e.Seq,
		Cause:    e.Cause,
		Event:    e.Event,
		Outcome:  e.Outcome,
		Requests: ids,
		Digest:   e.Digest,
	}
}

// SessionInfo summarizes a session.
type SessionInfo struct {
	ID          int64  `json:"id"`
	Label       string `json:"label,omitempty"`
	Transitions int    `json:"transitions"`
	LastSeq     uint64 `json:"last_seq"`
}

// Sessions lists every session, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.label, COUNT(t.seq), COALESCE(MAX(t.seq), 0)
		FROM sessions s
		LEFT JOIN transitions t ON t.session = s.id
		GROUP BY s.id
		ORDER BY s.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionInfo{}
	for rows.Next() {
		var info SessionInfo
		var last int64
		if err := rows.Scan(&info.ID, &info.Label, &info.Transitions, &last); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.LastSeq = uint64(last)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// LatestSession returns the id of the newest session.
func (s *Store) LatestSession(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM sessions`).Scan(&id); err != nil {
		return 0, fmt.Errorf("query latest session: %w", err)
	}
	if !id.Valid {
		return 0, ErrNoSessions
	}
	return id.Int64, nil
}

// ReadTransitions returns the transitions selected by f with their requests.
// Results are ordered by seq ASC.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadTransitions(ctx context.Context, f Filter) ([]Entry, error) {
	session := f.Session
	if session == 0 {
		var err error
		if session, err = s.LatestSession(ctx); err != nil {
			return nil, err
		}
	}

	where, params, err := compilePredicate(f.Predicate(session), "")
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	query := `
		SELECT session, seq, cause, event_kind, event, outcome, error_code, error, digest
		FROM transitions
		WHERE ` + where + `
		ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		params = append(params, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	if err := s.attachRequests(ctx, session, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Recorded returns the replay records of a session. Session 0 means the
// latest session.
func (s *Store) Recorded(ctx context.Context, session int64) ([]engine.Recorded, error) {
	entries, err := s.ReadTransitions(ctx, Filter{Session: session})
	if err != nil {
		return nil, err
	}
	out := make([]engine.Recorded, len(entries))
	for i, e := range entries {
		out[i] = e.Recorded()
	}
	return out, nil
}

// RequestOrigin returns the seq of the transition that issued request id in
// session, and the request's position in it. Returns sql.ErrNoRows if the
// request was never issued.
func (s *Store) RequestOrigin(ctx context.Context, session int64, id app.RequestID) (uint64, int, error) {
	var seq int64
	var idx int
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, idx FROM requests
		WHERE session = ? AND request_id = ?
	`, session, string(id)).Scan(&seq, &idx)
	if err != nil {
		return 0, 0, err
	}
	return uint64(seq), idx, nil
}

// attachRequests loads the requests of entries, which must be sorted by seq.
func (s *Store) attachRequests(ctx context.Context, session int64, entries []Entry) error {
	bySeq := make(map[uint64]*Entry, len(entries))
	for i := range entries {
		entries[i].Requests = []app.Request{}
		bySeq[entries[i].Seq] = &entries[i]
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload
		FROM requests
		WHERE session = ? AND seq BETWEEN ? AND ?
		ORDER BY seq ASC, idx ASC
	`, session, int64(entries[0].Seq), int64(entries[len(entries)-1].Seq))
	if err != nil {
		return fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return fmt.Errorf("scan request: %w", err)
		}
		e, ok := bySeq[uint64(seq)]
		if !ok {
			continue
		}
		r, err := app.DecodeRequest(payload)
		if err != nil {
			return fmt.Errorf("decode request of transition %d: %w", seq, err)
		}
		e.Requests = append(e.Requests, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate requests: %w", err)
	}
	return nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e          Entry
		seq, cause int64
		event      []byte
		outcome    string
		code       string
	)
	if err := rows.Scan(&e.Session, &seq, &cause, &e.Kind, &event, &outcome, &code, &e.Error, &e.Digest); err != nil {
		return Entry{}, fmt.Errorf("scan transition: %w", err)
	}
	ev, err := app.DecodeEvent(event)
	if err != nil {
		return Entry{}, fmt.Errorf("decode event of transition %d: %w", seq, err)
	}
	e.Seq = uint64(seq)
	e.Cause = uint64(cause)
	e.Event = ev
	e.Outcome = engine.Outcome(outcome)
	e.Code = fault.Code(code)
	return e, nil
}
