// Package invariants records broken supervisor invariants as span events so
// they show up next to the operation that tripped them.
package invariants

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventName is the span event name used for every violation.
const EventName = "invariant.violation"

// Name identifies an invariant.
type Name string

const (
	// SingleActiveProcess means at most one supervised child per session.
	SingleActiveProcess Name = "single_active_process"
	// StateTransitionLegal means sessions only move idle -> running -> draining -> idle.
	StateTransitionLegal Name = "state_transition_legal"
	// ChildReaped means a terminated child leaves no live process group behind.
	ChildReaped Name = "child_reaped"
)

// Severity grades a violation.
type Severity string

// Severity levels.
const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

var disabled atomic.Bool

func init() {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("PROCWATCH_INVARIANTS"))) {
	case "off", "0", "false":
		disabled.Store(true)
	}
}

// SetEnabled turns reporting on or off for the whole process.
func SetEnabled(enabled bool) {
	disabled.Store(!enabled)
}

// Enabled reports whether violations are being recorded.
func Enabled() bool {
	return !disabled.Load()
}

// Violation describes one broken invariant.
type Violation struct {
	Invariant  Name
	Severity   Severity
	Where      string
	Reason     string
	Attributes []attribute.KeyValue
}

func (v Violation) attributes() []attribute.KeyValue {
	severity := v.Severity
	if severity != SeverityWarn {
		severity = SeverityError
	}
	attrs := []attribute.KeyValue{
		attribute.String("invariant.name", string(v.Invariant)),
		attribute.String("invariant.severity", string(severity)),
		attribute.String("invariant.where", v.Where),
		attribute.String("invariant.reason", v.Reason),
	}
	return append(attrs, v.Attributes...)
}

// Report adds an invariant.violation event to the span in ctx. Without a
// recording span it opens a short-lived one so the event is not lost.
func Report(ctx context.Context, v Violation) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if v.Invariant == "" {
		v.Invariant = "unknown"
	}
	attrs := v.attributes()

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(EventName, trace.WithAttributes(attrs...))
		return
	}

	_, span := otel.Tracer("procwatch/invariants").Start(ctx, EventName)
	defer span.End()
	span.AddEvent(EventName, trace.WithAttributes(attrs...))
	if v.Severity != SeverityWarn {
		span.SetStatus(codes.Error, v.Reason)
	}
}

// CheckSingleActiveProcess reports a start attempted while activePID is still supervised.
func CheckSingleActiveProcess(ctx context.Context, where string, activePID int, activeArgv, requested []string) bool {
	if activePID <= 0 && len(activeArgv) == 0 {
		return true
	}
	Report(ctx, Violation{
		Invariant: SingleActiveProcess,
		Severity:  SeverityWarn,
		Where:     where,
		Reason:    fmt.Sprintf("start requested while pid %d is still active", activePID),
		Attributes: []attribute.KeyValue{
			attribute.Int("active.pid", activePID),
			attribute.StringSlice("active.argv", activeArgv),
			attribute.StringSlice("requested.argv", requested),
		},
	})
	return false
}

// CheckStateTransitionLegal reports a transition outside the session lifecycle.
func CheckStateTransitionLegal(ctx context.Context, where, sessionID, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Report(ctx, Violation{
		Invariant: StateTransitionLegal,
		Severity:  SeverityError,
		Where:     where,
		Reason:    fmt.Sprintf("illegal transition %s -> %s", from, to),
		Attributes: []attribute.KeyValue{
			attribute.String("session_id", sessionID),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		},
	})
	return false
}

// CheckChildReaped reports a process group that outlived its terminated leader.
func CheckChildReaped(ctx context.Context, where string, pid int, groupAlive bool) bool {
	if !groupAlive {
		return true
	}
	Report(ctx, Violation{
		Invariant:  ChildReaped,
		Severity:   SeverityWarn,
		Where:      where,
		Reason:     fmt.Sprintf("process group %d still has members after termination", pid),
		Attributes: []attribute.KeyValue{attribute.Int("pgid", pid)},
	})
	return false
}
