// Package capture holds the line-oriented output accumulated from a supervised child.
package capture

import (
	"strings"
	"sync"
)

// Stream identifies one of the child's two output channels.
type Stream string

const (
	// Stdout is the child's standard output.
	Stdout Stream = "stdout"
	// Stderr is the child's standard error.
	Stderr Stream = "stderr"
)

// Streams lists both output channels in drain order.
var Streams = []Stream{Stdout, Stderr}

// Line is one newline- or EOF-terminated chunk read from a stream.
// Text never includes the trailing newline.
type Line struct {
	Stream  Stream
	Text    string
	Partial bool
}

// Contains reports whether the line holds needle as a literal, case-sensitive substring.
func (l Line) Contains(needle string) bool {
	return strings.Contains(l.Text, needle)
}

// Output is the ordered record of lines observed across both streams.
// Lines are kept in observation order, not per-stream order.
type Output struct {
	mu    sync.RWMutex
	lines []Line
}

// Append records one observed line.
func (o *Output) Append(lines ...Line) {
	if o == nil || len(lines) == 0 {
		return
	}
	o.mu.Lock()
	o.lines = append(o.lines, lines...)
	o.mu.Unlock()
}

// Len returns the number of captured lines.
func (o *Output) Len() int {
	if o == nil {
		return 0
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.lines)
}

// Snapshot returns an immutable copy of the lines captured so far.
func (o *Output) Snapshot() Snapshot {
	if o == nil {
		return Snapshot{}
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{lines: append([]Line(nil), o.lines...)}
}

// Snapshot is a point-in-time, read-only view of captured output.
type Snapshot struct {
	lines []Line
}

// NewSnapshot builds a snapshot from lines, mostly for tests and callers replaying output.
func NewSnapshot(lines ...Line) Snapshot {
	return Snapshot{lines: append([]Line(nil), lines...)}
}

// Lines returns a copy of the captured lines.
func (s Snapshot) Lines() []Line {
	return append([]Line(nil), s.lines...)
}

// Len returns the number of captured lines.
func (s Snapshot) Len() int {
	return len(s.lines)
}

// Empty reports whether nothing was captured.
func (s Snapshot) Empty() bool {
	return len(s.lines) == 0
}

// Last returns the most recently captured line.
func (s Snapshot) Last() (Line, bool) {
	if len(s.lines) == 0 {
		return Line{}, false
	}
	return s.lines[len(s.lines)-1], true
}

// Stdout reconstructs the text written to standard output.
func (s Snapshot) Stdout() string {
	return s.text(func(line Line) bool { return line.Stream == Stdout })
}

// Stderr reconstructs the text written to standard error.
func (s Snapshot) Stderr() string {
	return s.text(func(line Line) bool { return line.Stream == Stderr })
}

// Combined reconstructs both streams interleaved in observation order.
func (s Snapshot) Combined() string {
	return s.text(func(Line) bool { return true })
}

// Contains reports whether any captured line holds needle.
func (s Snapshot) Contains(needle string) bool {
	for _, line := range s.lines {
		if line.Contains(needle) {
			return true
		}
	}
	return false
}

func (s Snapshot) text(keep func(Line) bool) string {
	var b strings.Builder
	for _, line := range s.lines {
		if !keep(line) {
			continue
		}
		b.WriteString(line.Text)
		if !line.Partial {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
