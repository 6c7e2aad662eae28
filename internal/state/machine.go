// Package state tracks the single child slot of a supervisor session. The slot
// cycles idle -> running -> draining -> idle and never skips a step.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/procwatch/internal/events"
	"github.com/ship-commander/procwatch/internal/telemetry/invariants"
)

// State is the lifecycle position of a supervisor session.
type State string

const (
	// Idle means no child is active.
	Idle State = "idle"
	// Running means a child has been started and not yet terminated.
	Running State = "running"
	// Draining means termination is in progress.
	Draining State = "draining"
)

var successor = map[State]State{
	Idle:     Running,
	Running:  Draining,
	Draining: Idle,
}

// Next returns the only state s may move to, or "" for an unknown state.
func (s State) Next() State {
	return successor[s]
}

// HistoryLimit caps the records kept by a Machine; older ones are discarded.
const HistoryLimit = 128

// ErrIllegalTransition matches every *IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal session state transition")

// IllegalTransitionError reports a transition that would skip or reverse a step.
type IllegalTransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("session %q cannot move from %s to %s (next is %s)", e.SessionID, e.From, e.To, e.From.Next())
}

// Is reports whether target is ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Record is one applied transition.
type Record struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Option configures NewMachine.
type Option func(*Machine)

// WithTracer sets the tracer for session.transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithBus publishes each applied transition as a StateTransition event.
func WithBus(bus events.Publisher) Option {
	return func(m *Machine) {
		m.bus = bus
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// Machine holds the state slot of one session.
type Machine struct {
	sessionID string
	bus       events.Publisher
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	current State
	history []Record
}

// NewMachine returns an idle machine for sessionID.
func NewMachine(sessionID string, options ...Option) *Machine {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		id = "session"
	}
	m := &Machine{
		sessionID: id,
		tracer:    otel.Tracer("procwatch/state"),
		now:       time.Now,
		current:   Idle,
	}
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m
}

// Current returns the present state.
func (m *Machine) Current() State {
	if m == nil {
		return Idle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the machine to to when to is the successor of the current
// state. Anything else fails with *IllegalTransitionError and changes nothing.
func (m *Machine) Transition(ctx context.Context, to State, reason string) error {
	if m == nil {
		return errors.New("state machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	reason = strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "session.transition", trace.WithAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("state.to", string(to)),
		attribute.String("reason", reason),
	))
	defer span.End()

	m.mu.Lock()
	from := m.current
	span.SetAttributes(attribute.String("state.from", string(from)))
	if from.Next() != to {
		m.mu.Unlock()
		err := &IllegalTransitionError{SessionID: m.sessionID, From: from, To: to}
		invariants.CheckStateTransitionLegal(ctx, "state.machine.transition", m.sessionID, string(from), string(to), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := Record{From: from, To: to, Reason: reason, At: m.now().UTC()}
	m.current = to
	m.history = append(m.history, record)
	if excess := len(m.history) - HistoryLimit; excess > 0 {
		m.history = append(m.history[:0:0], m.history[excess:]...)
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventTypeStateTransition,
			Time:      record.At,
			SessionID: m.sessionID,
			Severity:  events.SeverityInfo,
			Payload:   events.StateTransition{From: string(from), To: string(to), Reason: reason},
		})
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// History returns the most recent transitions, oldest first.
func (m *Machine) History() []Record {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}
