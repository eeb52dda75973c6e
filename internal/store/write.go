package store

import (
	"context"
	"fmt"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
)

// Session appends the transitions of one engine run. It implements
// engine.Journal.
//
// Sequence numbers restart with every engine, so they are unique only within
// a session.
type Session struct {
	store *Store
	id    int64
}

// NewSession starts a session with an optional label.
func (s *Store) NewSession(ctx context.Context, label string) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (label) VALUES (?)`, label)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{store: s, id: id}, nil
}

// ID returns the session id.
func (j *Session) ID() int64 { return j.id }

// Record writes t and the requests it emitted in one database transaction.
//
// Writing a seq twice fails with a constraint error: the journal never
// rewrites history.
func (j *Session) Record(ctx context.Context, t engine.Transition) error {
	event, err := app.EncodeEvent(t.Event)
	if err != nil {
		return fmt.Errorf("record transition %d: %w", t.Seq, err)
	}
	payloads := make([][]byte, len(t.Requests))
	for i, r := range t.Requests {
		payloads[i], err = app.EncodeRequest(r)
		if err != nil {
			return fmt.Errorf("record transition %d: %w", t.Seq, err)
		}
	}

	var errText string
	if t.Err != nil {
		errText = t.Err.Error()
	}

	tx, err := j.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record transition %d: begin tx: %w", t.Seq, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transitions
		(session, seq, cause, event_kind, event, outcome, error_code, error, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.id,
		int64(t.Seq),
		int64(t.Cause),
		t.Event.Kind(),
		event,
		string(t.Outcome),
		string(fault.CodeOf(t.Err)),
		errText,
		t.Digest,
	)
	if err != nil {
		return fmt.Errorf("record transition %d: %w", t.Seq, err)
	}

	for i, r := range t.Requests {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO requests
			(session, seq, idx, request_id, kind, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			j.id,
			int64(t.Seq),
			i,
			string(r.ID),
			r.Kind(),
			payloads[i],
		)
		if err != nil {
			return fmt.Errorf("record request %d of transition %d: %w", i, t.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record transition %d: commit: %w", t.Seq, err)
	}
	return nil
}
