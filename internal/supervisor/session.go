// Package supervisor owns the single background-process slot used by a test harness.
//
// A Session starts at most one child at a time, waits for literal output from it,
// and terminates it with graceful-then-forced escalation. The slot moves through
// idle, running and draining, and only returns to idle once the child's exit code
// and complete output have been collected.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/procwatch/internal/capture"
	"github.com/ship-commander/procwatch/internal/child"
	"github.com/ship-commander/procwatch/internal/cmdline"
	"github.com/ship-commander/procwatch/internal/events"
	"github.com/ship-commander/procwatch/internal/metrics"
	"github.com/ship-commander/procwatch/internal/mux"
	"github.com/ship-commander/procwatch/internal/state"
	"github.com/ship-commander/procwatch/internal/telemetry/invariants"
	"github.com/ship-commander/procwatch/internal/terminator"
	"github.com/ship-commander/procwatch/internal/waiter"
)

// DefaultWaitTimeout applies when WaitForOutput is called without a positive timeout.
const DefaultWaitTimeout = 30 * time.Second

// Options configures a Session. Zero values select defaults: GracePeriod falls back
// to terminator.DefaultGracePeriod and WaitTimeout to DefaultWaitTimeout.
type Options struct {
	SessionID      string
	Dir            string
	Logger         *log.Logger
	Bus            events.Publisher
	Metrics        *metrics.Recorder
	Tracer         trace.Tracer
	PollInterval   time.Duration
	GracePeriod    time.Duration
	DrainTimeout   time.Duration
	WaitTimeout    time.Duration
	GracefulSignal syscall.Signal
}

// Info describes the active child.
type Info struct {
	PID       int
	Argv      []string
	StartedAt time.Time
	// Lines is the number of output lines captured so far.
	Lines int
}

// Result is the final exit code and output of a terminated child.
type Result struct {
	PID       int
	Argv      []string
	ExitCode  int
	Output    capture.Snapshot
	Mode      terminator.Mode
	Escalated bool
	Duration  time.Duration
}

// Stdout returns the captured standard output text.
func (r Result) Stdout() string {
	return r.Output.Stdout()
}

// Stderr returns the captured standard error text.
func (r Result) Stderr() string {
	return r.Output.Stderr()
}

// Diagnostic renders the exit code, command and both output streams for assertion failures.
func (r Result) Diagnostic() string {
	return fmt.Sprintf("Command has exited with code %d: %s\n%s",
		r.ExitCode, cmdline.Join(r.Argv), waiter.FormatOutput(r.Output))
}

type activeChild struct {
	proc       *child.Process
	mux        *mux.Multiplexer
	output     *capture.Output
	waiter     *waiter.Waiter
	terminator *terminator.Terminator
}

// Session is the single background-process slot. It is meant for one driving
// goroutine; State and Active may be called from others.
type Session struct {
	id      string
	dir     string
	logger  *log.Logger
	bus     events.Publisher
	metrics *metrics.Recorder
	tracer  trace.Tracer
	machine *state.Machine

	pollInterval   time.Duration
	gracePeriod    time.Duration
	drainTimeout   time.Duration
	waitTimeout    time.Duration
	gracefulSignal syscall.Signal

	// lifecycle serializes Start and TerminateActive; mu guards active.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	active    *activeChild
}

// New creates an idle session.
func New(opts Options) *Session {
	id := strings.TrimSpace(opts.SessionID)
	if id == "" {
		id = uuid.NewString()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("procwatch/supervisor")
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 || pollInterval > waiter.MaxPollInterval {
		pollInterval = waiter.DefaultPollInterval
	}
	gracePeriod := opts.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = terminator.DefaultGracePeriod
	}
	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = mux.DefaultDrainTimeout
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	gracefulSignal := opts.GracefulSignal
	if gracefulSignal == 0 {
		gracefulSignal = child.DefaultGracefulSignal
	}

	return &Session{
		id:             id,
		dir:            opts.Dir,
		logger:         logger.With("session_id", id),
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		tracer:         tracer,
		machine:        state.NewMachine(id, state.WithTracer(tracer), state.WithBus(opts.Bus)),
		pollInterval:   pollInterval,
		gracePeriod:    gracePeriod,
		drainTimeout:   drainTimeout,
		waitTimeout:    waitTimeout,
		gracefulSignal: gracefulSignal,
	}
}

// ID returns the session identifier used in logs, spans and events.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// State returns the current slot state.
func (s *Session) State() state.State {
	if s == nil {
		return state.Idle
	}
	return s.machine.Current()
}

// History returns the most recent state transitions, oldest first.
func (s *Session) History() []state.Record {
	if s == nil {
		return nil
	}
	return s.machine.History()
}

// Active describes the running child, if any.
func (s *Session) Active() (Info, bool) {
	if s == nil {
		return Info{}, false
	}
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active == nil {
		return Info{}, false
	}
	return Info{
		PID:       active.proc.PID(),
		Argv:      active.proc.Argv(),
		StartedAt: active.proc.StartedAt(),
		Lines:     active.output.Len(),
	}, true
}

// Start spawns argv as the session's background child.
// It fails with *ConflictError unless the session is idle, and passes *child.SpawnError
// through unchanged; in both cases the state is left as it was.
func (s *Session) Start(ctx context.Context, argv []string) error {
	if s == nil {
		return errors.New("session is nil")
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.StringSlice("argv", argv),
	))
	defer span.End()

	if current := s.machine.Current(); current != state.Idle {
		info, _ := s.Active()
		invariants.CheckSingleActiveProcess(ctx, "supervisor.session.start", info.PID, info.Argv, argv)
		err := &ConflictError{
			State:         current,
			ActivePID:     info.PID,
			ActiveCommand: strings.Join(info.Argv, " "),
			Requested:     append([]string(nil), argv...),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	proc, err := child.Start(argv, child.WithDir(s.dir))
	if err != nil {
		s.metrics.SpawnFailed()
		s.logger.Error("spawn failed", "argv", argv, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	pid := proc.PID()
	output := &capture.Output{}
	multiplexer := mux.ForStreams(proc.Stdout(), proc.Stderr(),
		mux.WithLogger(s.logger),
		mux.WithLineHandler(func(line capture.Line) {
			s.publish(events.EventTypeOutputLine, events.SeverityInfo, events.OutputLine{
				PID:     pid,
				Stream:  string(line.Stream),
				Text:    line.Text,
				Partial: line.Partial,
			})
		}),
	)
	active := &activeChild{
		proc:   proc,
		mux:    multiplexer,
		output: output,
		waiter: waiter.New(proc, multiplexer, output,
			waiter.WithPollInterval(s.pollInterval),
			waiter.WithDrainTimeout(s.drainTimeout),
			waiter.WithLogger(s.logger),
			waiter.WithTracer(s.tracer),
		),
		terminator: terminator.New(proc, multiplexer, output,
			terminator.WithSignal(s.gracefulSignal),
			terminator.WithDrainTimeout(s.drainTimeout),
			terminator.WithLogger(s.logger),
			terminator.WithTracer(s.tracer),
		),
	}

	if err := s.machine.Transition(ctx, state.Running, "start"); err != nil {
		_ = proc.Kill()
		proc.Reap()
		_ = multiplexer.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start %s: %w", proc, err)
	}

	s.mu.Lock()
	s.active = active
	s.mu.Unlock()

	s.metrics.Started()
	s.publish(events.EventTypeProcessStarted, events.SeverityInfo, events.ProcessStarted{
		PID:  pid,
		Argv: proc.Argv(),
	})
	s.logger.Info("child started", "pid", pid, "command", proc.String())

	span.SetAttributes(attribute.Int("pid", pid))
	span.SetStatus(codes.Ok, "")
	return nil
}

// WaitForOutput blocks until a line containing needle is captured, the child exits,
// or timeout elapses, and reports which happened. A non-positive timeout uses the
// session default. It fails only with *NoActiveProcessError.
func (s *Session) WaitForOutput(ctx context.Context, needle string, timeout time.Duration) (waiter.Outcome, error) {
	if s == nil {
		return waiter.Outcome{}, errors.New("session is nil")
	}
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active == nil || s.machine.Current() != state.Running {
		return waiter.Outcome{}, &NoActiveProcessError{Operation: "wait for output"}
	}
	if timeout <= 0 {
		timeout = s.waitTimeout
	}

	pid := active.proc.PID()
	ctx, span := s.tracer.Start(ctx, "session.wait", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("pid", pid),
	))
	defer span.End()

	outcome := active.waiter.WaitForSubstring(ctx, needle, time.Now().Add(timeout))

	s.metrics.WaitFinished(string(outcome.Kind), outcome.Elapsed)
	severity := events.SeverityInfo
	if outcome.Kind != waiter.Found {
		severity = events.SeverityWarn
	}
	s.publish(events.EventTypeWaitOutcome, severity, events.WaitOutcome{
		PID:      pid,
		Needle:   needle,
		Outcome:  string(outcome.Kind),
		ExitCode: outcome.ExitCode,
		Elapsed:  outcome.Elapsed,
	})
	s.logger.Info("wait finished", "pid", pid, "needle", needle, "outcome", outcome.Kind, "elapsed", outcome.Elapsed)

	span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
	span.SetStatus(codes.Ok, "")
	return outcome, nil
}

// ExpectOutput is WaitForOutput that turns every outcome other than a match into an error.
func (s *Session) ExpectOutput(ctx context.Context, needle string, timeout time.Duration) (capture.Line, error) {
	outcome, err := s.WaitForOutput(ctx, needle, timeout)
	if err != nil {
		return capture.Line{}, err
	}
	if err := outcome.Err(); err != nil {
		return capture.Line{}, err
	}
	return outcome.Line, nil
}

// WaitForExit blocks until the running child exits on its own or timeout elapses.
// A non-positive timeout uses the session default. Output keeps being captured
// meanwhile. It reports the exit code and whether the child exited; the slot stays
// running either way until TerminateActive.
func (s *Session) WaitForExit(ctx context.Context, timeout time.Duration) (int, bool, error) {
	if s == nil {
		return 0, false, errors.New("session is nil")
	}
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active == nil || s.machine.Current() != state.Running {
		return 0, false, &NoActiveProcessError{Operation: "wait for exit"}
	}
	if timeout <= 0 {
		timeout = s.waitTimeout
	}

	_, span := s.tracer.Start(ctx, "session.wait_exit", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("pid", active.proc.PID()),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	code, exited := active.proc.ReapTimeout(timeout)
	span.SetAttributes(attribute.Bool("exited", exited))
	if exited {
		span.SetAttributes(attribute.Int("exit_code", code))
	}
	span.SetStatus(codes.Ok, "")
	return code, exited, nil
}

// TerminateActive stops the running child, reaps it, and returns its exit code with
// all captured output. The session is idle again afterwards. Without a running child
// it fails with *NoActiveProcessError.
func (s *Session) TerminateActive(ctx context.Context) (Result, error) {
	if s == nil {
		return Result{}, errors.New("session is nil")
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active == nil {
		return Result{}, &NoActiveProcessError{Operation: "terminate"}
	}

	pid := active.proc.PID()
	ctx, span := s.tracer.Start(ctx, "session.terminate", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("pid", pid),
	))
	defer span.End()

	// A failed kill leaves the slot draining so the termination can be retried.
	if s.machine.Current() == state.Running {
		if err := s.machine.Transition(ctx, state.Draining, "terminate"); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, fmt.Errorf("terminate %s: %w", active.proc, err)
		}
	}

	stopped, err := active.terminator.Terminate(ctx, s.gracePeriod)
	if err != nil {
		s.logger.Error("terminate failed", "pid", pid, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("terminate %s: %w", active.proc, err)
	}
	if stopped.Escalated {
		s.publish(events.EventTypeEscalation, events.SeverityWarn, events.Escalation{
			PID:    pid,
			Signal: child.SignalName(stopped.Signal),
			Grace:  s.gracePeriod,
		})
	}

	alive, probeErr := active.proc.GroupAlive()
	if probeErr != nil {
		s.logger.Warn("probe process group failed", "pid", pid, "error", probeErr)
	}
	if !invariants.CheckChildReaped(ctx, "supervisor.session.terminate", pid, alive) {
		s.logger.Warn("process group outlived the child", "pid", pid)
	}
	if err := active.mux.Close(); err != nil {
		s.logger.Debug("close output pipes", "pid", pid, "error", err)
	}

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	if err := s.machine.Transition(ctx, state.Idle, "terminated"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("terminate %s: %w", active.proc, err)
	}

	result := Result{
		PID:       pid,
		Argv:      active.proc.Argv(),
		ExitCode:  stopped.ExitCode,
		Output:    stopped.Output,
		Mode:      stopped.Mode,
		Escalated: stopped.Escalated,
		Duration:  stopped.Duration,
	}

	s.metrics.Terminated(string(result.Mode))
	s.publish(events.EventTypeProcessExit, events.SeverityInfo, events.ProcessExit{
		PID:      pid,
		ExitCode: result.ExitCode,
		Mode:     string(result.Mode),
	})
	s.logger.Info("child terminated", "pid", pid, "exit_code", result.ExitCode, "mode", result.Mode, "lines", result.Output.Len())

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.String("mode", string(result.Mode)),
		attribute.Bool("escalated", result.Escalated),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// Close terminates the active child, if any. It is safe to call on an idle session.
func (s *Session) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	_, err := s.TerminateActive(ctx)
	if errors.Is(err, ErrNoActiveProcess) {
		return nil
	}
	return err
}

func (s *Session) publish(eventType events.Type, severity string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: s.id,
		Severity:  severity,
		Payload:   payload,
	})
}
