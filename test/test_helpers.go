// Package test provides shared helpers for procwatch tests.
package test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// Shell returns the argv that runs script with sh -c.
func Shell(script string) []string {
	return []string{"sh", "-c", script}
}

// IsolateHome points HOME at a fresh directory and clears environment that would
// leak the developer's procwatch or OTLP settings into the test. It returns the new HOME.
// Tests using it cannot run in parallel.
func IsolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("PROCWATCH_ENV", "")
	return home
}

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	WriteFile(t, path, content)
	return path
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750), "failed to create parent dir")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write file")
}

// Chdir changes to dir until the test completes.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	original, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")
	require.NoError(t, os.Chdir(dir), "failed to change directory")
	t.Cleanup(func() {
		assert.NoError(t, os.Chdir(original), "failed to restore working directory")
	})
}

// AssertFileExists checks if a file exists.
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.NoError(t, err, "file should exist: %s", path)
}
