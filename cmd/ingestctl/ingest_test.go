package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestLocal(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CHUNK_ROWS", "2")

	path := filepath.Join(dir, "run.ndjson")
	body := `{"timestamp":"2026-03-01T12:00:00Z","endpoint":"/a","method":"GET","status":200,"duration_ms":10}
{"timestamp":"2026-03-01T12:00:01Z","endpoint":"/a","method":"GET","status":500,"duration_ms":30}
{"timestamp":"2026-03-01T12:00:02Z","endpoint":"/b","method":"POST","status":201,"duration_ms":20}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"ingest", "--local", "--expected-rows", "3", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `"state": "succeeded"`)
	assert.Contains(t, out.String(), `"rows_promoted": 3`)
	assert.Contains(t, out.String(), `"total_requests": 3`)
	assert.Contains(t, out.String(), `"status_5xx": 1`)
}

func TestJobsRequiresOneSelector(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOG_LEVEL", "error")
	rootCmd.SetArgs([]string{"jobs"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	assert.Error(t, rootCmd.Execute())
}
