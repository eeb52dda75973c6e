package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/engine"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession starts a session in s.
func createTestSession(t *testing.T, s *Store) *Session {
	t.Helper()
	session, err := s.NewSession(context.Background(), "test")
	if err != nil {
		t.Fatalf("NewSession() failed: %v", err)
	}
	return session
}

// createTestEngine creates an engine journaling into session.
func createTestEngine(t *testing.T, session *Session) *engine.Engine {
	t.Helper()
	e, err := engine.New(app.New(app.DefaultSettings()),
		engine.WithJournal(session),
		engine.WithDigests(true),
		engine.WithRequestIDs(engine.NewSequentialGenerator("r")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}
	return e
}

// dispatchAll dispatches events in order and fails on engine errors.
func dispatchAll(t *testing.T, e *engine.Engine, events ...app.Event) {
	t.Helper()
	for _, ev := range events {
		if _, err := e.Dispatch(context.Background(), ev); err != nil {
			t.Fatalf("Dispatch(%s) failed: %v", ev.Kind(), err)
		}
	}
}
