package harness

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	b := writeScenario(t, dir, "b.yaml", "")
	a := writeScenario(t, dir, "a.yml", "")
	c := writeScenario(t, filepath.Join(dir, "nested"), "c.YAML", "")
	writeScenario(t, dir, "notes.txt", "")

	paths, err := FindScenarios(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, c}, paths)

	single, err := FindScenarios(b)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, single)

	_, err = FindScenarios(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunSuite(t *testing.T) {
	dir := t.TempDir()
	pass := writeScenario(t, dir, "pass.yaml", `
name: pass
description: passes
steps: [{send: add_entity, args: {id: A, lat: 1, lon: 1}}]
assertions: [{type: trace_count, event: add_entity, count: 1}]
`)
	fail := writeScenario(t, dir, "fail.yaml", `
name: fail
description: fails
steps: [{send: add_entity, args: {id: A, lat: 1, lon: 1}}]
assertions: [{type: trace_count, event: add_entity, count: 2}]
`)
	broken := writeScenario(t, dir, "broken.yaml", "name: broken\n")

	result := RunSuite(context.Background(), []string{pass, fail, broken}, discard())

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 2, result.Failed)
	assert.False(t, result.OK())
	require.Len(t, result.Failures, 2)
	assert.Equal(t, "fail", result.Failures[0].Scenario)
	assert.Equal(t, broken, result.Failures[1].Path)
	assert.Contains(t, result.Failures[1].Errors[0], "description is required")
}

func TestRunSuite_DemoScenarios(t *testing.T) {
	paths, err := FindScenarios("../../testdata/scenarios")
	require.NoError(t, err)

	result := RunSuite(context.Background(), paths, discard())
	assert.True(t, result.OK(), "failures: %+v", result.Failures)
	assert.Equal(t, len(paths), result.Passed)
}
