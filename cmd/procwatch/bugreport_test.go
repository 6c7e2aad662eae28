package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/procwatch/test"
)

func TestBugreportBundlesLastRunLogsAndConfig(t *testing.T) {
	home := test.IsolateHome(t)
	restore := freezeBugreportClock(time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC))
	defer restore()

	test.WriteFile(t, filepath.Join(home, ".procwatch", "config.toml"),
		"grace_period = \"1s\"\nlog_level = \"debug\"\n")

	if res := runCLI(t, "run", "--wait-for", "hi", "--", "sh", "-c", "echo hi; exit 0"); res.err != nil {
		t.Fatalf("run: %v", res.err)
	}

	out := t.TempDir()
	res := runCLI(t, "bugreport", "--out", out)
	if res.err != nil {
		t.Fatalf("bugreport: %v", res.err)
	}
	if !strings.Contains(res.stdout, "Bug report written to:") {
		t.Fatalf("unexpected output: %q", res.stdout)
	}

	contents := readArchive(t, filepath.Join(out, "procwatch-bugreport-20260211-100000.tar.gz"))
	for _, name := range []string{"README.txt", "version.txt", "last-run.txt", lastRunFile, "config.toml"} {
		if _, ok := contents[name]; !ok {
			t.Fatalf("archive missing %s; have %v", name, keys(contents))
		}
	}
	if !strings.Contains(contents["config.toml"], `grace_period = "1s"`) {
		t.Fatalf("non-sensitive keys should survive: %q", contents["config.toml"])
	}
	// The child is terminated right after the match, so its exit code depends on timing.
	for _, want := range []string{`"outcome": "found"`, `"exit_code":`, `"needle": "hi"`} {
		if !strings.Contains(contents[lastRunFile], want) {
			t.Fatalf("last run missing %s: %q", want, contents[lastRunFile])
		}
	}
	if strings.Contains(contents["last-run.txt"], "run_id: \n") {
		t.Fatalf("last-run.txt should carry the run id: %q", contents["last-run.txt"])
	}

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount == 0 || logCount > bugreportLogLimit {
		t.Fatalf("log file count = %d, want 1..%d", logCount, bugreportLogLimit)
	}
}

func TestBugreportWarnsAboutMissingArtifacts(t *testing.T) {
	state := t.TempDir()
	out := t.TempDir()
	restore := freezeBugreportClock(time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC))
	defer restore()

	path, err := writeBugreport(state, out)
	if err != nil {
		t.Fatalf("write bugreport: %v", err)
	}
	readme := readArchive(t, path)["README.txt"]
	for _, want := range []string{"unable to read logs directory", "unable to read config", "no previous run result found"} {
		if !strings.Contains(readme, want) {
			t.Fatalf("README missing warning %q:\n%s", want, readme)
		}
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "poll_interval = \"50ms\"\n# token = \"keep comments\"\napi_key = \"abc\"\n[otel]\nheaders = \"Authorization=Bearer x\"\n"
	got := redactSensitiveConfig(input)

	for _, secret := range []string{"abc", "Bearer x"} {
		if strings.Contains(got, secret) {
			t.Fatalf("secret %q not redacted:\n%s", secret, got)
		}
	}
	for _, kept := range []string{`poll_interval = "50ms"`, `# token = "keep comments"`, "[otel]"} {
		if !strings.Contains(got, kept) {
			t.Fatalf("line %q should be kept:\n%s", kept, got)
		}
	}
}

func freezeBugreportClock(at time.Time) func() {
	previous := bugreportNowFn
	bugreportNowFn = func() time.Time { return at }
	return func() {
		bugreportNowFn = previous
	}
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("open gzip: %v", err)
	}
	defer gz.Close()

	contents := map[string]string{}
	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("read %s: %v", header.Name, err)
		}
		contents[header.Name] = string(data)
	}
	return contents
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	return out
}
