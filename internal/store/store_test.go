package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpenCreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	for i := range 3 {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d: %v", i, err)
		}
		if i == 0 {
			if _, err := s.NewSession(context.Background(), "kept"); err != nil {
				t.Fatalf("NewSession(): %v", err)
			}
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close() #%d: %v", i, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("journal file missing: %v", err)
	}

	s := openAt(t, path)
	sessions, err := s.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions(): %v", err)
	}
	if len(sessions) != 1 || sessions[0].Label != "kept" {
		t.Errorf("reopening changed the journal: sessions = %+v", sessions)
	}
}

func TestOpenUnwritableDirectory(t *testing.T) {
	if _, err := Open("/nonexistent/dir/journal.db"); err == nil {
		t.Error("Open() in a missing directory succeeded")
	}
}

func TestCloseTwice(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
	_ = s.Close()

	if err := (&Store{}).Close(); err != nil {
		t.Errorf("Close() without a connection: %v", err)
	}
}

func TestConnectionSettings(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var got string
			if err := s.DB().QueryRow("PRAGMA " + tt.pragma).Scan(&got); err != nil {
				t.Fatalf("PRAGMA %s: %v", tt.pragma, err)
			}
			if got != tt.want {
				t.Errorf("PRAGMA %s = %q, want %q", tt.pragma, got, tt.want)
			}
		})
	}
}

func TestSchemaShape(t *testing.T) {
	s := createTestStore(t)

	tables := map[string][]string{
		"sessions":    {"id", "label"},
		"transitions": {"session", "seq", "cause", "event_kind", "event", "outcome", "error_code", "error", "digest"},
		"requests":    {"session", "seq", "idx", "request_id", "kind", "payload"},
	}
	for table, want := range tables {
		got := tableColumns(t, s.db, table)
		for _, col := range want {
			if !slices.Contains(got, col) {
				t.Errorf("%s has no column %q (columns %v)", table, col, got)
			}
		}
	}

	indexes := map[string]string{
		"transitions": "idx_transitions_kind",
		"requests":    "idx_requests_request_id",
	}
	for table, idx := range indexes {
		if got := tableIndexes(t, s.db, table); !slices.Contains(got, idx) {
			t.Errorf("%s has no index %q (indexes %v)", table, idx, got)
		}
	}
}

func TestSchemaConstraints(t *testing.T) {
	s := createTestStore(t)
	session := createTestSession(t, s)

	tests := []struct {
		name string
		stmt string
		args []any
	}{
		{
			name: "unknown outcome",
			stmt: `INSERT INTO transitions (session, seq, event_kind, event, outcome) VALUES (?, 1, 'show_message', x'00', 'exploded')`,
			args: []any{session.ID()},
		},
		{
			name: "zero seq",
			stmt: `INSERT INTO transitions (session, seq, event_kind, event, outcome) VALUES (?, 0, 'show_message', x'00', 'applied')`,
			args: []any{session.ID()},
		},
		{
			name: "unknown session",
			stmt: `INSERT INTO transitions (session, seq, event_kind, event, outcome) VALUES (99, 1, 'show_message', x'00', 'applied')`,
		},
		{
			name: "request without transition",
			stmt: `INSERT INTO requests (session, seq, idx, request_id, kind, payload) VALUES (?, 42, 0, 'r-1', 'render', x'00')`,
			args: []any{session.ID()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.db.Exec(tt.stmt, tt.args...); err == nil {
				t.Error("insert succeeded, want a constraint error")
			}
		})
	}
}

func TestMigrateFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open(): %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("apply v1 schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	db.Close()

	s := openAt(t, path)
	if v := userVersion(t, s.db); v != schemaVersion {
		t.Errorf("user_version = %d, want %d", v, schemaVersion)
	}
	if got := tableIndexes(t, s.db, "requests"); !slices.Contains(got, "idx_requests_request_id") {
		t.Errorf("request id index not created by migration (indexes %v)", got)
	}
}

func TestMigrateRejectsNewerJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s := openAt(t, path)
	if _, err := s.db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	if _, err := Open(path); err == nil {
		t.Error("Open() of a journal from a newer version succeeded")
	}
}

func openAt(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	return v
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		t.Fatalf("table info of %s: %v", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		cols = append(cols, name)
	}
	return cols
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?", table)
	if err != nil {
		t.Fatalf("indexes of %s: %v", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan index: %v", err)
		}
		names = append(names, name)
	}
	return names
}
