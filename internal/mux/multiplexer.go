// Package mux presents a child's stdout and stderr as one sequence of complete lines.
//
// Each stream gets a forwarding worker that reads with a bufio.Reader, keeps
// partial lines until their terminator arrives, and queues complete lines.
// Consumers never block on a single stream: PollReady waits on a shared
// readiness channel for at most the given duration, and ReadLine only pops
// already-queued lines.
package mux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ship-commander/procwatch/internal/capture"
)

const (
	// DefaultDrainTimeout bounds how long Drain waits for both streams to reach EOF.
	DefaultDrainTimeout = 2 * time.Second

	closeWait = time.Second
)

// Source is one named output stream.
type Source struct {
	Stream capture.Stream
	Reader io.ReadCloser
}

// LineHandler observes every completed line as it is queued.
type LineHandler func(capture.Line)

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLineHandler registers an observer for completed lines.
// The handler runs on the forwarding worker and must not block.
func WithLineHandler(handler LineHandler) Option {
	return func(m *Multiplexer) {
		m.handler = handler
	}
}

// WithLogger sets the logger used for read failures and forced closes.
func WithLogger(logger *log.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Multiplexer merges line output from several streams.
type Multiplexer struct {
	order   []capture.Stream
	readers map[capture.Stream]io.ReadCloser
	handler LineHandler
	logger  *log.Logger

	mu     sync.Mutex
	queues map[capture.Stream][]capture.Line
	eof    map[capture.Stream]bool

	notify  chan struct{}
	drained chan struct{}
	err     error
}

// New starts one forwarding worker per source. Sources are drained in the order given.
func New(sources []Source, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		readers: make(map[capture.Stream]io.ReadCloser, len(sources)),
		logger:  log.New(io.Discard),
		queues:  make(map[capture.Stream][]capture.Line, len(sources)),
		eof:     make(map[capture.Stream]bool, len(sources)),
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	var group errgroup.Group
	for _, src := range sources {
		m.order = append(m.order, src.Stream)
		m.readers[src.Stream] = src.Reader
		group.Go(func() error {
			return m.forward(src)
		})
	}
	go func() {
		m.err = group.Wait()
		close(m.drained)
	}()

	return m
}

// ForStreams is shorthand for multiplexing a child's stdout and stderr.
func ForStreams(stdout, stderr io.ReadCloser, opts ...Option) *Multiplexer {
	return New([]Source{
		{Stream: capture.Stdout, Reader: stdout},
		{Stream: capture.Stderr, Reader: stderr},
	}, opts...)
}

func (m *Multiplexer) forward(src Source) error {
	defer func() {
		_ = src.Reader.Close()
	}()

	reader := bufio.NewReader(src.Reader)
	for {
		chunk, err := reader.ReadString('\n')
		if chunk != "" {
			m.enqueue(toLine(src.Stream, chunk))
		}
		if err != nil {
			m.markEOF(src.Stream)
			if isStreamClosed(err) {
				return nil
			}
			m.logger.Warn("error reading child output", "stream", src.Stream, "error", err)
			return fmt.Errorf("read %s: %w", src.Stream, err)
		}
	}
}

func toLine(stream capture.Stream, chunk string) capture.Line {
	if text, ok := strings.CutSuffix(chunk, "\n"); ok {
		return capture.Line{Stream: stream, Text: text}
	}
	return capture.Line{Stream: stream, Text: chunk, Partial: true}
}

func isStreamClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func (m *Multiplexer) enqueue(line capture.Line) {
	m.mu.Lock()
	m.queues[line.Stream] = append(m.queues[line.Stream], line)
	m.mu.Unlock()

	if m.handler != nil {
		m.handler(line)
	}
	m.wake()
}

func (m *Multiplexer) markEOF(stream capture.Stream) {
	m.mu.Lock()
	m.eof[stream] = true
	m.mu.Unlock()
	m.wake()
}

func (m *Multiplexer) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// PollReady returns the streams with at least one queued line, waiting up to maxWait
// for one to appear. The result may be empty. Streams are reported in source order.
func (m *Multiplexer) PollReady(maxWait time.Duration) []capture.Stream {
	if ready := m.ready(); len(ready) > 0 || maxWait <= 0 {
		return ready
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		select {
		case <-m.notify:
			if ready := m.ready(); len(ready) > 0 {
				return ready
			}
		case <-timer.C:
			return m.ready()
		}
	}
}

func (m *Multiplexer) ready() []capture.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []capture.Stream
	for _, stream := range m.order {
		if len(m.queues[stream]) > 0 {
			ready = append(ready, stream)
		}
	}
	return ready
}

// ReadLine pops the oldest queued line of stream without blocking.
func (m *Multiplexer) ReadLine(stream capture.Stream) (capture.Line, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[stream]
	if len(queue) == 0 {
		return capture.Line{}, false
	}
	line := queue[0]
	m.queues[stream] = queue[1:]
	return line, true
}

// Exhausted reports whether every stream reached EOF and nothing is left queued.
func (m *Multiplexer) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stream := range m.order {
		if !m.eof[stream] || len(m.queues[stream]) > 0 {
			return false
		}
	}
	return true
}

// Drain waits up to timeout for every stream to reach EOF and returns all queued
// lines, stdout before stderr. Streams still open after the timeout are closed,
// which can happen when a descendant of the child inherited the pipes.
func (m *Multiplexer) Drain(timeout time.Duration) []capture.Line {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	if !m.waitDrained(timeout) {
		m.logger.Warn("child output still open after drain timeout, closing", "timeout", timeout)
		m.closeReaders()
		if !m.waitDrained(closeWait) {
			m.logger.Error("output workers did not stop after closing pipes")
		}
	}
	return m.takeAll()
}

// Close stops the forwarding workers and discards nothing already queued.
func (m *Multiplexer) Close() error {
	m.closeReaders()
	if !m.waitDrained(closeWait) {
		return errors.New("output workers did not stop")
	}
	return m.Err()
}

// Err returns the first read failure once the workers have stopped.
func (m *Multiplexer) Err() error {
	select {
	case <-m.drained:
		return m.err
	default:
		return nil
	}
}

func (m *Multiplexer) waitDrained(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.drained:
		return true
	case <-timer.C:
		return false
	}
}

func (m *Multiplexer) closeReaders() {
	for _, stream := range m.order {
		_ = m.readers[stream].Close()
	}
}

func (m *Multiplexer) takeAll() []capture.Line {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lines []capture.Line
	for _, stream := range m.order {
		lines = append(lines, m.queues[stream]...)
		m.queues[stream] = nil
	}
	return lines
}
