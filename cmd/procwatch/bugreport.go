package main

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var bugreportNowFn = func() time.Time {
	return time.Now().UTC()
}

// bundle is the staged content of a bug report, keyed by archive path.
type bundle struct {
	files    map[string][]byte
	warnings []string
}

func (b *bundle) add(name string, data []byte) {
	b.files[name] = data
}

func (b *bundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func newBugreportCommand(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle recent logs, the redacted config and the last run result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger().With("command", "bugreport").Info("collecting diagnostic bundle")
			if outDir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve current directory: %w", err)
				}
				outDir = cwd
			}
			path, err := writeBugreport(a.stateDir, outDir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Bug report written to: %s\n", path)
			return err
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "directory for the archive (default: current directory)")
	return cmd
}

func writeBugreport(stateDir, outDir string) (string, error) {
	b := &bundle{files: map[string][]byte{}}

	logs := collectLogs(b, filepath.Join(stateDir, "logs"))
	runID, traceID := lastCorrelation(logs)
	if runID == "" && traceID == "" {
		b.warn("no run_id/trace_id found in copied logs")
	}
	b.add("last-run.txt", []byte(fmt.Sprintf("run_id: %s\ntrace_id: %s\n", runID, traceID)))
	b.add("version.txt", []byte(fmt.Sprintf("procwatch version: %s\n", Version)))

	// #nosec G304 -- config path is fixed under the state directory.
	if data, err := os.ReadFile(filepath.Join(stateDir, "config.toml")); err == nil {
		b.add("config.toml", []byte(redactSensitiveConfig(string(data))))
	} else {
		b.warn("unable to read config: %v", err)
	}
	// #nosec G304 -- last run path is fixed under the state directory.
	if data, err := os.ReadFile(filepath.Join(stateDir, lastRunFile)); err == nil {
		b.add(lastRunFile, data)
	} else {
		b.warn("no previous run result found")
	}
	b.add("README.txt", []byte(bugreportReadme(runID, traceID, b.warnings)))

	path := filepath.Join(outDir, fmt.Sprintf("procwatch-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))
	if err := archive(path, b.files); err != nil {
		return "", err
	}
	return path, nil
}

// collectLogs stages the newest log files and returns their contents newest first.
func collectLogs(b *bundle, dir string) [][]byte {
	entries, err := os.ReadDir(dir)
	if err != nil {
		b.warn("unable to read logs directory: %v", err)
		return nil
	}

	type dated struct {
		name    string
		modTime time.Time
	}
	var files []dated
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, dated{name: entry.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if len(files) > bugreportLogLimit {
		files = files[:bugreportLogLimit]
	}

	var contents [][]byte
	for _, file := range files {
		// #nosec G304 -- names come from listing the log directory.
		data, err := os.ReadFile(filepath.Join(dir, file.name))
		if err != nil {
			b.warn("unable to read log %s: %v", file.name, err)
			continue
		}
		b.add("logs/"+file.name, data)
		contents = append(contents, data)
	}
	return contents
}

func lastCorrelation(logs [][]byte) (string, string) {
	for _, data := range logs {
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record struct {
				RunID   string `json:"run_id"`
				TraceID string `json:"trace_id"`
			}
			if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
				continue
			}
			if record.RunID != "" || record.TraceID != "" {
				return record.RunID, record.TraceID
			}
		}
	}
	return "", ""
}

func redactSensitiveConfig(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		key, _, found := strings.Cut(line, "=")
		if !found || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			lines[i] = key + `= "***REDACTED***"`
		}
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	for _, marker := range []string{"token", "secret", "password", "key", "auth", "header"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func bugreportReadme(runID, traceID string, warnings []string) string {
	var builder strings.Builder
	builder.WriteString("procwatch bug report\n====================\n\n")
	fmt.Fprintf(&builder, "Generated: %s\n", bugreportNowFn().Format(time.RFC3339))
	fmt.Fprintf(&builder, "Version: %s\n", Version)
	fmt.Fprintf(&builder, "run_id: %s\ntrace_id: %s\n\n", runID, traceID)
	builder.WriteString("Included artifacts:\n")
	fmt.Fprintf(&builder, "- logs/ (up to last %d log files)\n", bugreportLogLimit)
	builder.WriteString("- config.toml (redacted)\n- last-run.json\n- last-run.txt\n- version.txt\n")
	if len(warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return builder.String()
}

func archive(path string, files map[string][]byte) (err error) {
	// #nosec G304 -- destination is a generated file name in the chosen output directory.
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	defer func() {
		for _, closer := range []io.Closer{tw, gz, out} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close archive %s: %w", path, closeErr)
			}
		}
	}()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	modTime := bugreportNowFn()
	for _, name := range names {
		data := files[name]
		header := &tar.Header{
			Name:    name,
			Mode:    int64(fs.FileMode(0o600)),
			Size:    int64(len(data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write %s into archive: %w", name, err)
		}
	}
	return nil
}
