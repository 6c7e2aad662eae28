package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONRecordsWithRunFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(WithDir(dir), WithCorrelation(Correlation{RunID: "run-1", TraceID: "trace-1"}))
	require.NoError(t, err)

	logger.Logger.Info("child started", "pid", 42)
	logger.Logger.Debug("hidden at info level")
	require.NoError(t, logger.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(logger.Path()), "procwatch-"))
	assert.True(t, strings.HasSuffix(logger.Path(), "-run-1.log"))

	records := readRecords(t, logger.Path())
	require.Len(t, records, 2, "initialization record plus one info record")
	assert.Equal(t, "child started", records[1]["msg"])
	assert.Equal(t, "run-1", records[1]["run_id"])
	assert.Equal(t, "trace-1", records[1]["trace_id"])
	assert.EqualValues(t, 42, records[1]["pid"])
}

func TestWithConsoleMirrorsAtItsOwnLevel(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	logger, err := New(
		WithDir(t.TempDir()),
		WithLevel(log.InfoLevel),
		WithConsole(&console, log.DebugLevel),
	)
	require.NoError(t, err)

	logger.Logger.Debug("poll cycle", "ready", 0)
	logger.Logger.Warn("child ignored graceful signal, killing", "signal", "SIGTERM")
	require.NoError(t, logger.Close())

	text := console.String()
	assert.Contains(t, text, "poll cycle")
	assert.Contains(t, text, "child ignored graceful signal, killing")
	assert.Contains(t, text, "SIGTERM")
	assert.NotContains(t, text, "run_id")

	var messages []string
	for _, record := range readRecords(t, logger.Path()) {
		messages = append(messages, record["msg"].(string))
	}
	assert.NotContains(t, messages, "poll cycle", "file keeps its own level")
	assert.Contains(t, messages, "child ignored graceful signal, killing")
}

func TestWithMaxFilesPrunesOldestLogs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{
		"procwatch-20200101-000000.log",
		"procwatch-20200102-000000.log",
		"procwatch-20200103-000000.log",
		"unrelated.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o600))
	}

	logger, err := New(WithDir(dir), WithMaxFiles(2))
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{
		"procwatch-20200103-000000.log",
		filepath.Base(logger.Path()),
		"unrelated.txt",
	}, names)
}

func TestNilRuntimeLogger(t *testing.T) {
	t.Parallel()

	var logger *RuntimeLogger
	assert.NoError(t, logger.Close())
	assert.Empty(t, logger.Path())
	logger.Correlate(Correlation{RunID: "x"})
}

func TestCorrelateReplacesFields(t *testing.T) {
	t.Parallel()

	logger, err := New(WithDir(t.TempDir()))
	require.NoError(t, err)

	logger.Correlate(Correlation{RunID: "run-2", TraceID: "trace-2", SpanID: "span-2"})
	logger.Logger.Info("waiting for output", "needle", "ready")
	logger.Correlate(Correlation{RunID: "run-2"})
	logger.Logger.Info("child terminated")
	require.NoError(t, logger.Close())

	records := readRecords(t, logger.Path())
	require.Len(t, records, 3)
	assert.Equal(t, "", records[0]["run_id"], "no correlation before Correlate")
	assert.Equal(t, "span-2", records[1]["span_id"])
	assert.Equal(t, "trace-2", records[1]["trace_id"])
	assert.Equal(t, "run-2", records[2]["run_id"])
	assert.Equal(t, "", records[2]["trace_id"])
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record), line)
		records = append(records, record)
	}
	return records
}
