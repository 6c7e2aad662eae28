package mux

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/procwatch/internal/capture"
)

type pipes struct {
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
}

func newPipedMultiplexer(t *testing.T, opts ...Option) (*Multiplexer, pipes) {
	t.Helper()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	m := ForStreams(stdoutR, stderrR, opts...)
	t.Cleanup(func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		_ = m.Close()
	})
	return m, pipes{stdoutW: stdoutW, stderrW: stderrW}
}

func write(t *testing.T, w io.Writer, text string) {
	t.Helper()
	_, err := io.WriteString(w, text)
	require.NoError(t, err)
}

func TestPollReadyReturnsStreamWithCompleteLine(t *testing.T) {
	t.Parallel()

	m, p := newPipedMultiplexer(t)
	write(t, p.stderrW, "listening on :8080\n")

	ready := m.PollReady(time.Second)
	require.Equal(t, []capture.Stream{capture.Stderr}, ready)

	line, ok := m.ReadLine(capture.Stderr)
	require.True(t, ok)
	assert.Equal(t, capture.Line{Stream: capture.Stderr, Text: "listening on :8080"}, line)

	_, ok = m.ReadLine(capture.Stderr)
	assert.False(t, ok, "queue should be empty after one read")
}

func TestPartialLinesAreJoinedUntilTerminator(t *testing.T) {
	t.Parallel()

	m, p := newPipedMultiplexer(t)
	write(t, p.stdoutW, "rea")

	assert.Empty(t, m.PollReady(50*time.Millisecond), "a partial line is not ready")

	write(t, p.stdoutW, "dy\n")
	require.Equal(t, []capture.Stream{capture.Stdout}, m.PollReady(time.Second))

	line, ok := m.ReadLine(capture.Stdout)
	require.True(t, ok)
	assert.Equal(t, "ready", line.Text)
	assert.False(t, line.Partial)
}

func TestEOFTerminatesTrailingPartialLine(t *testing.T) {
	t.Parallel()

	m, p := newPipedMultiplexer(t)
	write(t, p.stdoutW, "no newline at end")
	require.NoError(t, p.stdoutW.Close())

	require.Equal(t, []capture.Stream{capture.Stdout}, m.PollReady(time.Second))
	line, ok := m.ReadLine(capture.Stdout)
	require.True(t, ok)
	assert.Equal(t, capture.Line{Stream: capture.Stdout, Text: "no newline at end", Partial: true}, line)
}

func TestPollReadyTimesOutWithoutData(t *testing.T) {
	t.Parallel()

	m, _ := newPipedMultiplexer(t)

	started := time.Now()
	ready := m.PollReady(120 * time.Millisecond)
	elapsed := time.Since(started)

	assert.Empty(t, ready)
	assert.GreaterOrEqual(t, elapsed, 120*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestPollReadyOrdersStdoutBeforeStderr(t *testing.T) {
	t.Parallel()

	m, p := newPipedMultiplexer(t)
	write(t, p.stderrW, "err first\n")
	write(t, p.stdoutW, "out second\n")

	require.Eventually(t, func() bool {
		return len(m.ready()) == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []capture.Stream{capture.Stdout, capture.Stderr}, m.PollReady(0))
}

func TestPollReadyDoesNotStarveOtherStream(t *testing.T) {
	t.Parallel()

	m, p := newPipedMultiplexer(t)
	// stdout has an incomplete line pending forever; stderr must still surface.
	write(t, p.stdoutW, "progress 10%")
	write(t, p.stderrW, "fatal: boom\n")

	require.Equal(t, []capture.Stream{capture.Stderr}, m.PollReady(time.Second))
}

func TestDrainReturnsRemainingLinesInStreamOrder(t *testing.T) {
	t.Parallel()

	m, p := newPipedMultiplexer(t)
	write(t, p.stderrW, "e1\n")
	write(t, p.stdoutW, "o1\no2\n")
	require.NoError(t, p.stdoutW.Close())
	require.NoError(t, p.stderrW.Close())

	lines := m.Drain(time.Second)
	want := []capture.Line{
		{Stream: capture.Stdout, Text: "o1"},
		{Stream: capture.Stdout, Text: "o2"},
		{Stream: capture.Stderr, Text: "e1"},
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("drained lines mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, m.Exhausted())
	assert.NoError(t, m.Err())
}

func TestDrainClosesStreamsHeldOpenPastTimeout(t *testing.T) {
	t.Parallel()

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
	})

	m := ForStreams(stdoutR, stderrR)
	_, err = stdoutW.WriteString("last words\n")
	require.NoError(t, err)
	require.NoError(t, stderrW.Close())

	started := time.Now()
	lines := m.Drain(100 * time.Millisecond)
	assert.Less(t, time.Since(started), 2*time.Second)

	require.Len(t, lines, 1)
	assert.Equal(t, "last words", lines[0].Text)
	assert.NoError(t, m.Err())
}

func TestLineHandlerObservesEveryLine(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	m, p := newPipedMultiplexer(t, WithLineHandler(func(line capture.Line) {
		mu.Lock()
		seen = append(seen, string(line.Stream)+":"+line.Text)
		mu.Unlock()
	}))

	write(t, p.stdoutW, "a\n")
	write(t, p.stderrW, "b\n")
	require.NoError(t, p.stdoutW.Close())
	require.NoError(t, p.stderrW.Close())
	m.Drain(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"stdout:a", "stderr:b"}, seen)
}
