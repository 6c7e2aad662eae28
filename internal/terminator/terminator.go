// Package terminator stops a child with a graceful signal, escalating to SIGKILL
// once the grace period runs out, and collects its final exit code and output.
package terminator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/procwatch/internal/capture"
	"github.com/ship-commander/procwatch/internal/child"
	"github.com/ship-commander/procwatch/internal/mux"
)

// DefaultGracePeriod is the wait between the graceful signal and SIGKILL used by
// callers that have no configured grace period.
const DefaultGracePeriod = 5 * time.Second

// Mode records how the child ended.
type Mode string

const (
	// ModeExited means the child had already exited before termination began.
	ModeExited Mode = "exited"
	// ModeGraceful means the child exited within the grace period.
	ModeGraceful Mode = "graceful"
	// ModeForced means the child was killed, after the grace period or at once when there was none.
	ModeForced Mode = "forced"
)

// Target is the process being terminated.
type Target interface {
	Poll() (int, bool)
	Signal(sig syscall.Signal) error
	Kill() error
	KillGroup() error
	ReapTimeout(timeout time.Duration) (int, bool)
	Reap() int
}

// Drainer returns the output still pending once the child is gone.
type Drainer interface {
	Drain(timeout time.Duration) []capture.Line
}

// Result is the final state of a terminated child.
type Result struct {
	ExitCode  int
	Output    capture.Snapshot
	Mode      Mode
	Escalated bool
	// Signal is the graceful signal that was sent, zero when none was.
	Signal   syscall.Signal
	Duration time.Duration
}

// Option configures a Terminator.
type Option func(*Terminator)

// WithSignal overrides the graceful signal.
func WithSignal(sig syscall.Signal) Option {
	return func(t *Terminator) {
		if sig != 0 {
			t.signal = sig
		}
	}
}

// WithDrainTimeout bounds the final output drain.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(t *Terminator) {
		if timeout > 0 {
			t.drainTimeout = timeout
		}
	}
}

// WithLogger sets the logger for escalation steps.
func WithLogger(logger *log.Logger) Option {
	return func(t *Terminator) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTracer overrides the tracer used for termination spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Terminator) {
		if tracer != nil {
			t.tracer = tracer
		}
	}
}

// Terminator ends one child exactly once.
type Terminator struct {
	target  Target
	drainer Drainer
	output  *capture.Output

	signal       syscall.Signal
	drainTimeout time.Duration
	logger       *log.Logger
	tracer       trace.Tracer
	now          func() time.Time

	mu     sync.Mutex
	done   bool
	result Result
}

// New binds a terminator to target. Drained lines are appended to output.
func New(target Target, drainer Drainer, output *capture.Output, opts ...Option) *Terminator {
	if output == nil {
		output = &capture.Output{}
	}
	t := &Terminator{
		target:       target,
		drainer:      drainer,
		output:       output,
		signal:       child.DefaultGracefulSignal,
		drainTimeout: mux.DefaultDrainTimeout,
		logger:       log.New(io.Discard),
		tracer:       otel.Tracer("procwatch/terminator"),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Terminate stops the child and returns its exit code with every captured line.
// A child that ignores the graceful signal for longer than grace is killed and
// reaped without a further timeout. A non-positive grace skips the graceful
// signal and kills at once. Later calls return the first result unchanged.
func (t *Terminator) Terminate(ctx context.Context, grace time.Duration) (Result, error) {
	if t == nil || t.target == nil {
		return Result{}, errors.New("terminator has no target")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return t.result, nil
	}

	_, span := t.tracer.Start(ctx, "terminator.terminate", trace.WithAttributes(
		attribute.Int64("grace_ms", grace.Milliseconds()),
		attribute.String("signal", child.SignalName(t.signal)),
	))
	defer span.End()

	started := t.now()
	result, err := t.stop(grace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if t.drainer != nil {
		t.output.Append(t.drainer.Drain(t.drainTimeout)...)
	}
	result.Output = t.output.Snapshot()
	result.Duration = t.now().Sub(started)

	t.done = true
	t.result = result

	span.SetAttributes(
		attribute.String("mode", string(result.Mode)),
		attribute.Bool("escalated", result.Escalated),
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (t *Terminator) stop(grace time.Duration) (Result, error) {
	if code, exited := t.target.Poll(); exited {
		t.sweep()
		return Result{ExitCode: code, Mode: ModeExited}, nil
	}

	if grace <= 0 {
		t.logger.Debug("no grace period, killing")
		if err := t.target.Kill(); err != nil {
			return Result{}, fmt.Errorf("kill child: %w", err)
		}
		return Result{ExitCode: t.target.Reap(), Mode: ModeForced, Escalated: true}, nil
	}

	signalName := child.SignalName(t.signal)
	if err := t.target.Signal(t.signal); err != nil {
		t.logger.Warn("graceful signal failed, escalating", "signal", signalName, "error", err)
	} else {
		t.logger.Debug("sent graceful signal", "signal", signalName, "grace", grace)
		if code, exited := t.target.ReapTimeout(grace); exited {
			t.sweep()
			return Result{ExitCode: code, Mode: ModeGraceful, Signal: t.signal}, nil
		}
		t.logger.Warn("child ignored graceful signal, killing", "signal", signalName, "grace", grace)
	}

	if err := t.target.Kill(); err != nil {
		return Result{}, fmt.Errorf("kill child after %s: %w", signalName, err)
	}
	code := t.target.Reap()
	return Result{ExitCode: code, Mode: ModeForced, Escalated: true, Signal: t.signal}, nil
}

// sweep kills group members that outlived the leader so they cannot hold the pipes open.
func (t *Terminator) sweep() {
	if err := t.target.KillGroup(); err != nil {
		t.logger.Warn("kill leftover process group failed", "error", err)
	}
}
