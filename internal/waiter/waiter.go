// Package waiter blocks until a literal substring shows up in a child's output.
package waiter

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/procwatch/internal/capture"
	"github.com/ship-commander/procwatch/internal/mux"
)

const (
	// DefaultPollInterval is the longest single readiness wait inside a wait loop.
	DefaultPollInterval = 100 * time.Millisecond
	// MaxPollInterval keeps waits responsive to their deadline.
	MaxPollInterval = 150 * time.Millisecond
)

// Child reports liveness without blocking.
type Child interface {
	Poll() (int, bool)
}

// Source yields complete output lines per stream.
type Source interface {
	PollReady(maxWait time.Duration) []capture.Stream
	ReadLine(stream capture.Stream) (capture.Line, bool)
	Drain(timeout time.Duration) []capture.Line
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithPollInterval bounds each readiness wait. Values outside (0, MaxPollInterval] are ignored.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Waiter) {
		if interval > 0 && interval <= MaxPollInterval {
			w.pollInterval = interval
		}
	}
}

// WithDrainTimeout bounds the drain performed after the child exits mid-wait.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(w *Waiter) {
		if timeout > 0 {
			w.drainTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Waiter) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger sets the logger for wait progress.
func WithLogger(logger *log.Logger) Option {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithTracer overrides the tracer used for wait spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Waiter) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

// Waiter scans output of one child for a needle.
type Waiter struct {
	child  Child
	source Source
	output *capture.Output

	pollInterval time.Duration
	drainTimeout time.Duration
	now          func() time.Time
	logger       *log.Logger
	tracer       trace.Tracer
}

// New binds a waiter to a child, its output source and the capture it appends to.
func New(child Child, source Source, output *capture.Output, opts ...Option) *Waiter {
	if output == nil {
		output = &capture.Output{}
	}
	w := &Waiter{
		child:        child,
		source:       source,
		output:       output,
		pollInterval: DefaultPollInterval,
		drainTimeout: mux.DefaultDrainTimeout,
		now:          time.Now,
		logger:       log.New(io.Discard),
		tracer:       otel.Tracer("procwatch/waiter"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// WaitForSubstring polls until a line containing needle is captured, the child exits,
// or deadline passes. Matching is a case-sensitive literal containment test.
// Lines that arrive while the child is exiting are captured but not matched.
// The context carries trace metadata only; the deadline is the sole cancellation.
func (w *Waiter) WaitForSubstring(ctx context.Context, needle string, deadline time.Time) Outcome {
	started := w.now()
	_, span := w.tracer.Start(ctx, "waiter.wait_for_substring", trace.WithAttributes(
		attribute.String("needle", needle),
		attribute.Int64("timeout_ms", deadline.Sub(started).Milliseconds()),
	))
	defer span.End()

	outcome := w.loop(needle, deadline)
	outcome.Needle = needle
	outcome.Timeout = deadline.Sub(started)
	outcome.Elapsed = w.now().Sub(started)

	span.SetAttributes(
		attribute.String("outcome", string(outcome.Kind)),
		attribute.Int("captured_lines", outcome.Output.Len()),
		attribute.Int64("duration_ms", outcome.Elapsed.Milliseconds()),
	)
	if outcome.Kind == ProcessExited {
		span.SetAttributes(attribute.Int("exit_code", outcome.ExitCode))
	}
	if err := outcome.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	w.logger.Debug("wait finished",
		"needle", needle,
		"outcome", outcome.Kind,
		"elapsed", outcome.Elapsed,
		"lines", outcome.Output.Len(),
	)
	return outcome
}

func (w *Waiter) loop(needle string, deadline time.Time) Outcome {
	for {
		now := w.now()
		if !now.Before(deadline) {
			return Outcome{Kind: TimedOut, Output: w.output.Snapshot()}
		}

		if code, exited := w.child.Poll(); exited {
			w.output.Append(w.source.Drain(w.drainTimeout)...)
			return Outcome{Kind: ProcessExited, ExitCode: code, Output: w.output.Snapshot()}
		}

		wait := deadline.Sub(now)
		if wait > w.pollInterval {
			wait = w.pollInterval
		}
		for _, stream := range w.source.PollReady(wait) {
			for {
				line, ok := w.source.ReadLine(stream)
				if !ok {
					break
				}
				w.output.Append(line)
				if line.Contains(needle) {
					return Outcome{Kind: Found, Line: line, Output: w.output.Snapshot()}
				}
			}
		}
	}
}
