// Package logging sets up the procwatch runtime log: one JSON file per
// invocation under the state directory, optionally mirrored to a console.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	filePrefix = "procwatch-"
	fileSuffix = ".log"
)

// Correlation ties log records to a run and, when tracing is on, to its span.
type Correlation struct {
	RunID   string
	TraceID string
	SpanID  string
}

func (c Correlation) keyvals() []any {
	return []any{
		"run_id", strings.TrimSpace(c.RunID),
		"trace_id", strings.TrimSpace(c.TraceID),
		"span_id", strings.TrimSpace(c.SpanID),
	}
}

type settings struct {
	dir          string
	level        log.Level
	console      io.Writer
	consoleLevel log.Level
	maxFiles     int
	correlation  Correlation
}

// Option configures New.
type Option func(*settings)

// WithDir sets the log directory. The default is ~/.procwatch/logs.
func WithDir(dir string) Option {
	return func(s *settings) {
		s.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level written to the log file.
func WithLevel(level log.Level) Option {
	return func(s *settings) {
		s.level = level
	}
}

// WithConsole mirrors records at or above level to w as text.
func WithConsole(w io.Writer, level log.Level) Option {
	return func(s *settings) {
		s.console = w
		s.consoleLevel = level
	}
}

// WithMaxFiles keeps at most n procwatch log files, removing the oldest.
func WithMaxFiles(n int) Option {
	return func(s *settings) {
		s.maxFiles = n
	}
}

// WithCorrelation names the log file after the run and stamps its ids on every record.
func WithCorrelation(c Correlation) Option {
	return func(s *settings) {
		s.correlation = c
	}
}

// RuntimeLogger owns the log file. Logger always carries the current correlation fields.
type RuntimeLogger struct {
	Logger *log.Logger

	base *log.Logger
	file *os.File
	path string
}

// New opens a fresh log file and returns a logger writing JSON records to it.
func New(options ...Option) (*RuntimeLogger, error) {
	s := settings{level: log.InfoLevel}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	dir := s.dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".procwatch", "logs")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := filePrefix + time.Now().UTC().Format("20060102-150405")
	if runID := strings.TrimSpace(s.correlation.RunID); runID != "" {
		name += "-" + runID
	}
	path := filepath.Join(dir, name+fileSuffix)
	// #nosec G304 -- path is built from the log directory and a generated name.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	if s.maxFiles > 0 {
		if err := prune(dir, s.maxFiles); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	out, level := io.Writer(file), s.level
	if s.console != nil {
		out = &consoleTee{
			file:      file,
			fileLevel: s.level,
			console: log.NewWithOptions(s.console, log.Options{
				Level:           s.consoleLevel,
				ReportTimestamp: true,
				TimeFormat:      time.Kitchen,
			}),
		}
		level = min(s.level, s.consoleLevel)
	}

	r := &RuntimeLogger{
		base: log.NewWithOptions(out, log.Options{
			Level:           level,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Formatter:       log.JSONFormatter,
		}),
		file: file,
		path: path,
	}
	r.Correlate(s.correlation)
	r.Logger.Info("logger initialized", "log_file", path)
	return r, nil
}

// Correlate replaces the correlation fields on subsequent records.
func (r *RuntimeLogger) Correlate(c Correlation) {
	if r == nil || r.base == nil {
		return
	}
	r.Logger = r.base.With(c.keyvals()...)
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// prune deletes the oldest procwatch log files until keep remain.
func prune(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list log directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			names = append(names, name)
		}
	}
	if len(names) <= keep {
		return nil
	}
	// Names embed a UTC timestamp, so lexical order is age order.
	slices.Sort(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old log file: %w", err)
		}
	}
	return nil
}
