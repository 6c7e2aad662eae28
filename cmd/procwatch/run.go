package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ship-commander/procwatch/internal/child"
	"github.com/ship-commander/procwatch/internal/cmdline"
	"github.com/ship-commander/procwatch/internal/events"
	"github.com/ship-commander/procwatch/internal/logging"
	"github.com/ship-commander/procwatch/internal/metrics"
	"github.com/ship-commander/procwatch/internal/placeholder"
	"github.com/ship-commander/procwatch/internal/supervisor"
	"github.com/ship-commander/procwatch/internal/waiter"
)

const lastRunFile = "last-run.json"

var encodeLastRun = func(report runReport) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}

type runOptions struct {
	waitFor     string
	timeout     time.Duration
	hold        time.Duration
	grace       time.Duration
	tmpdir      string
	command     string
	dir         string
	metricsFile string
	jsonOutput  bool
}

type runReport struct {
	RunID      string      `json:"run_id"`
	Command    []string    `json:"command"`
	PID        int         `json:"pid"`
	ExitCode   int         `json:"exit_code"`
	Mode       string      `json:"mode"`
	Escalated  bool        `json:"escalated"`
	DurationMS int64       `json:"duration_ms"`
	Stdout     string      `json:"stdout"`
	Stderr     string      `json:"stderr"`
	Wait       *waitReport `json:"wait,omitempty"`
}

type waitReport struct {
	Needle    string `json:"needle"`
	Outcome   string `json:"outcome"`
	Line      string `json:"line,omitempty"`
	Stream    string `json:"stream,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func newRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Start a command, wait for its output, then terminate it",
		Long: "Start a command under supervision. With --wait-for, block until a line containing the\n" +
			"text appears on stdout or stderr; otherwise wait for the command to exit. The command is\n" +
			"then terminated (graceful signal, then SIGKILL after --grace) and its exit code and output\n" +
			"are reported. Exits non-zero when the text does not appear.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSupervised(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.waitFor, "wait-for", "", "literal text to wait for on stdout or stderr")
	flags.DurationVar(&opts.timeout, "timeout", 0, "how long to wait (default from wait_timeout)")
	flags.DurationVar(&opts.hold, "hold", 0, "keep the command running this long after the text appears")
	flags.DurationVar(&opts.grace, "grace", 0, "time between the graceful signal and SIGKILL (default from grace_period)")
	flags.StringVar(&opts.tmpdir, "tmpdir", "", "value substituted for {tmpdir} in the command and wait text")
	flags.StringVar(&opts.command, "command", "", "command line to split instead of positional arguments")
	flags.StringVar(&opts.dir, "dir", "", "working directory of the command")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus textfile metrics here")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print the result as JSON")
	return cmd
}

func (a *app) runSupervised(ctx context.Context, stdout, stderr io.Writer, opts *runOptions, args []string) error {
	argv, err := resolveArgv(opts.command, args)
	if err != nil {
		return err
	}
	needle := opts.waitFor
	if opts.tmpdir != "" {
		values := placeholder.WithTmpDir(opts.tmpdir)
		argv = values.ExpandAll(argv)
		needle = values.Expand(needle)
	}

	gracefulSignal, err := child.ParseSignal(a.cfg.GracefulSignal)
	if err != nil {
		return fmt.Errorf("graceful signal: %w", err)
	}
	grace := opts.grace
	if grace <= 0 {
		grace = a.cfg.GracePeriod
	}
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = a.cfg.WaitTimeout
	}

	runID := uuid.NewString()
	ctx, span := otel.Tracer("procwatch/cli").Start(ctx, "procwatch.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID), attribute.StringSlice("argv", argv))

	correlation := logging.Correlation{RunID: runID}
	if spanContext := span.SpanContext(); spanContext.IsValid() {
		correlation.TraceID = spanContext.TraceID().String()
		correlation.SpanID = spanContext.SpanID().String()
	}
	a.runtime.Correlate(correlation)
	logger := a.logger()

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()
	bus.Subscribe(func(event events.Event) {
		switch payload := event.Payload.(type) {
		case events.OutputLine:
			logger.Debug("child output", "stream", payload.Stream, "text", payload.Text)
		case events.Escalation:
			logger.Warn("child killed after grace period", "pid", payload.PID, "grace", payload.Grace)
		}
	}, events.EventTypeOutputLine, events.EventTypeEscalation)

	recorder := metrics.New()
	defer a.writeMetrics(opts.metricsFile, recorder)

	session := supervisor.New(supervisor.Options{
		SessionID:      runID,
		Dir:            opts.dir,
		Logger:         logger,
		Bus:            bus,
		Metrics:        recorder,
		PollInterval:   a.cfg.PollInterval,
		GracePeriod:    grace,
		DrainTimeout:   a.cfg.DrainTimeout,
		WaitTimeout:    timeout,
		GracefulSignal: gracefulSignal,
	})
	if err := session.Start(ctx, argv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var (
		wait    *waiter.Outcome
		waitErr error
	)
	if needle != "" {
		outcome, err := session.WaitForOutput(ctx, needle, timeout)
		if err != nil {
			_ = session.Close(context.WithoutCancel(ctx))
			return err
		}
		wait = &outcome
		waitErr = outcome.Err()
		if waitErr == nil && opts.hold > 0 {
			hold(ctx, opts.hold)
		}
	} else {
		awaitExit(ctx, logger, session, timeout)
	}

	// Termination must finish even if the run was interrupted.
	result, err := session.TerminateActive(context.WithoutCancel(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	report := newRunReport(runID, result, wait)
	a.saveLastRun(report)
	if opts.jsonOutput {
		if err := writeJSON(stdout, report); err != nil {
			return err
		}
	} else if err := writeText(stdout, stderr, result, waitErr); err != nil {
		return err
	}

	if waitErr != nil {
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, waitErr.Error())
		return waitErr
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func resolveArgv(command string, args []string) ([]string, error) {
	switch {
	case command != "" && len(args) > 0:
		return nil, errors.New("use either --command or positional arguments, not both")
	case command != "":
		argv, err := cmdline.Split(command)
		if err != nil {
			return nil, fmt.Errorf("parse --command: %w", err)
		}
		if len(argv) == 0 {
			return nil, errors.New("--command is empty")
		}
		return argv, nil
	case len(args) > 0:
		return args, nil
	default:
		return nil, errors.New("no command given")
	}
}

type exitWaiter interface {
	WaitForExit(ctx context.Context, timeout time.Duration) (int, bool, error)
}

// awaitExit gives a command run without --wait-for until timeout to finish on its own.
func awaitExit(ctx context.Context, logger *log.Logger, session exitWaiter, timeout time.Duration) {
	_, exited, err := session.WaitForExit(ctx, timeout)
	switch {
	case err != nil:
		logger.Warn("wait for exit failed", "timeout", timeout, "error", err)
	case !exited:
		logger.Info("command still running at timeout, terminating", "timeout", timeout)
	}
}

func hold(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func newRunReport(runID string, result supervisor.Result, wait *waiter.Outcome) runReport {
	report := runReport{
		RunID:      runID,
		Command:    result.Argv,
		PID:        result.PID,
		ExitCode:   result.ExitCode,
		Mode:       string(result.Mode),
		Escalated:  result.Escalated,
		DurationMS: result.Duration.Milliseconds(),
		Stdout:     result.Stdout(),
		Stderr:     result.Stderr(),
	}
	if wait != nil {
		report.Wait = &waitReport{
			Needle:    wait.Needle,
			Outcome:   string(wait.Kind),
			ElapsedMS: wait.Elapsed.Milliseconds(),
		}
		if wait.Kind == waiter.Found {
			report.Wait.Line = wait.Line.Text
			report.Wait.Stream = string(wait.Line.Stream)
		}
	}
	return report
}

func writeJSON(out io.Writer, report runReport) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("write json result: %w", err)
	}
	return nil
}

type diagnostic interface {
	Diagnostic() string
}

func writeText(stdout, stderr io.Writer, result supervisor.Result, waitErr error) error {
	var diag diagnostic
	if errors.As(waitErr, &diag) {
		_, err := fmt.Fprintln(stderr, diag.Diagnostic())
		return err
	}
	if _, err := io.WriteString(stdout, result.Stdout()); err != nil {
		return err
	}
	if _, err := io.WriteString(stderr, result.Stderr()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(stderr, "procwatch: %s exited with code %d (%s)\n",
		cmdline.Join(result.Argv), result.ExitCode, result.Mode)
	return err
}

func (a *app) writeMetrics(path string, recorder *metrics.Recorder) {
	if path == "" {
		return
	}
	if err := recorder.WriteToTextfile(path); err != nil {
		a.logger().Warn("metrics export failed", "path", path, "error", err)
	}
}

func (a *app) saveLastRun(report runReport) {
	path := filepath.Join(a.stateDir, lastRunFile)
	data, err := encodeLastRun(report)
	if err != nil {
		a.logger().Warn("encode last run failed", "path", path, "error", err)
		return
	}
	if err := os.MkdirAll(a.stateDir, 0o750); err != nil {
		a.logger().Warn("save last run failed", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		a.logger().Warn("save last run failed", "path", path, "error", err)
	}
}
