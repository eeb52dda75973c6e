package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/store"
)

func newTrace(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestTraceMissingDatabaseFlag(t *testing.T) {
	_, err := newTrace(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestTraceNonExistentDatabase(t *testing.T) {
	_, err := newTrace(t, "text", "--db", filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := newTrace(t, "text", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No sessions found")
}

func TestTraceText(t *testing.T) {
	dbPath := journalWith(t)

	out, err := newTrace(t, "text", "--db", dbPath)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Trace for session 1")
	assert.Contains(t, text, "[1] add_entity applied")
	assert.Contains(t, text, "add_entity rejected DUPLICATE_ENTITY")
	assert.Contains(t, text, "kv_set")
	assert.Contains(t, text, "=== Stats ===")
}

// tracedEntry is the part of a journaled transition the filters are checked
// against.
type tracedEntry struct {
	Seq      uint64            `json:"seq"`
	Cause    uint64            `json:"cause"`
	Kind     string            `json:"kind"`
	Outcome  engine.Outcome    `json:"outcome"`
	Code     string            `json:"code"`
	Requests []json.RawMessage `json:"requests"`
}

func TestTraceFilters(t *testing.T) {
	dbPath := journalWith(t)

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, entries []tracedEntry)
	}{
		{
			name: "kind",
			args: []string{"--kind", "kv_written"},
			check: func(t *testing.T, entries []tracedEntry) {
				require.Len(t, entries, 2)
				for _, e := range entries {
					assert.Equal(t, "kv_written", e.Kind)
				}
			},
		},
		{
			name: "outcome and code",
			args: []string{"--outcome", "rejected", "--code", "DUPLICATE_ENTITY"},
			check: func(t *testing.T, entries []tracedEntry) {
				require.Len(t, entries, 1)
				assert.Equal(t, engine.OutcomeRejected, entries[0].Outcome)
				assert.Empty(t, entries[0].Requests, "rejections issue no requests")
			},
		},
		{
			name: "external",
			args: []string{"--external"},
			check: func(t *testing.T, entries []tracedEntry) {
				require.NotEmpty(t, entries)
				for _, e := range entries {
					assert.Zero(t, e.Cause)
				}
			},
		},
		{
			name: "seq range",
			args: []string{"--from", "2", "--to", "3"},
			check: func(t *testing.T, entries []tracedEntry) {
				require.Len(t, entries, 2)
				assert.Equal(t, uint64(2), entries[0].Seq)
				assert.Equal(t, uint64(3), entries[1].Seq)
			},
		},
		{
			name: "limit",
			args: []string{"--limit", "1"},
			check: func(t *testing.T, entries []tracedEntry) {
				require.Len(t, entries, 1)
				assert.Equal(t, uint64(1), entries[0].Seq)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newTrace(t, "json", append([]string{"--db", dbPath}, tt.args...)...)
			require.NoError(t, err)

			var resp struct {
				Status string `json:"status"`
				Data   struct {
					Session     int64           `json:"session"`
					Transitions json.RawMessage `json:"transitions"`
					Stats       TraceStats      `json:"stats"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, int64(1), resp.Data.Session)

			var entries []tracedEntry
			require.NoError(t, json.Unmarshal(resp.Data.Transitions, &entries))
			assert.Equal(t, len(entries), resp.Data.Stats.Total)
			tt.check(t, entries)
		})
	}
}

func TestTraceInvalidFilter(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"outcome", []string{"--outcome", "exploded"}},
		{"range", []string{"--from", "9", "--to", "3"}},
		{"limit", []string{"--limit", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTrace(t, "text", append([]string{"--db", "unused.db"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid filter")
		})
	}
}

func TestTraceSessions(t *testing.T) {
	dbPath := journalWith(t)

	out, err := newTrace(t, "text", "--db", dbPath, "--sessions")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "dispatch")

	out, err = newTrace(t, "json", "--db", dbPath, "--sessions")
	require.NoError(t, err)
	var resp struct {
		Data []store.SessionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "dispatch", resp.Data[0].Label)
	assert.Greater(t, resp.Data[0].Transitions, 0)
}

func TestTraceStats(t *testing.T) {
	stats := traceStats([]store.Entry{
		{Outcome: engine.OutcomeApplied},
		{Outcome: engine.OutcomeApplied},
		{Outcome: engine.OutcomeRejected},
		{Outcome: engine.OutcomeDiscarded},
	})
	assert.Equal(t, TraceStats{Total: 4, Applied: 2, Rejected: 1, Discarded: 1}, stats)
}
