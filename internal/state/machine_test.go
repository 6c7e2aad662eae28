package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ship-commander/procwatch/internal/events"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) snapshot() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

func newTracer(t *testing.T) (*tracetest.SpanRecorder, Option) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return recorder, WithTracer(provider.Tracer("state-test"))
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestNextFollowsTheCycle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Running, Idle.Next())
	assert.Equal(t, Draining, Running.Next())
	assert.Equal(t, Idle, Draining.Next())
	assert.Equal(t, State(""), State("paused").Next())
}

func TestTransitionCyclesThroughLifecycle(t *testing.T) {
	t.Parallel()

	m := NewMachine("s-1")
	require.Equal(t, Idle, m.Current())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		for _, next := range []State{Running, Draining, Idle} {
			require.NoError(t, m.Transition(ctx, next, "cycle"))
			require.Equal(t, next, m.Current())
		}
	}
	assert.Len(t, m.History(), 6)
}

func TestTransitionRejectsSkippedOrReversedSteps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		setup []State
		to    State
	}{
		{to: Draining},
		{to: Idle},
		{setup: []State{Running}, to: Running},
		{setup: []State{Running}, to: Idle},
		{setup: []State{Running, Draining}, to: Running},
		{to: State("paused")},
	}
	for _, tt := range tests {
		m := NewMachine("s-42")
		for _, step := range tt.setup {
			require.NoError(t, m.Transition(context.Background(), step, "setup"))
		}
		from := m.Current()

		t.Run(fmt.Sprintf("%s to %s", from, tt.to), func(t *testing.T) {
			t.Parallel()

			err := m.Transition(context.Background(), tt.to, "skip")
			require.ErrorIs(t, err, ErrIllegalTransition)

			var illegal *IllegalTransitionError
			require.ErrorAs(t, err, &illegal)
			assert.Equal(t, "s-42", illegal.SessionID)
			assert.Equal(t, from, illegal.From)
			assert.Equal(t, tt.to, illegal.To)
			assert.Contains(t, err.Error(), fmt.Sprintf("(next is %s)", from.Next()))
			assert.Equal(t, from, m.Current(), "rejected transition must not move the slot")
			assert.Len(t, m.History(), len(tt.setup))
		})
	}
}

func TestTransitionRecordsTimeAndTrimmedReason(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 11, 5, 0, 0, 0, time.FixedZone("X", 3600))
	m := NewMachine("  s-7  ", WithClock(func() time.Time { return fixed }))
	require.NoError(t, m.Transition(context.Background(), Running, "  child started  "))

	assert.Equal(t, []Record{{From: Idle, To: Running, Reason: "child started", At: fixed.UTC()}}, m.History())
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	m := NewMachine("s-long")
	ctx := context.Background()
	cycles := HistoryLimit/3 + 5
	for i := 0; i < cycles; i++ {
		for _, next := range []State{Running, Draining, Idle} {
			require.NoError(t, m.Transition(ctx, next, fmt.Sprintf("cycle %d", i)))
		}
	}

	history := m.History()
	require.Len(t, history, HistoryLimit)
	last := history[len(history)-1]
	assert.Equal(t, Idle, last.To)
	assert.Equal(t, fmt.Sprintf("cycle %d", cycles-1), last.Reason)

	history[0].Reason = "mutated"
	assert.NotEqual(t, "mutated", m.History()[0].Reason, "History returns a copy")
}

func TestTransitionPublishesEvent(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	m := NewMachine("s-1", WithBus(bus))
	require.NoError(t, m.Transition(context.Background(), Running, "start"))
	require.Error(t, m.Transition(context.Background(), Idle, "illegal"))

	published := bus.snapshot()
	require.Len(t, published, 1, "rejected transitions publish nothing")
	event := published[0]
	assert.Equal(t, events.EventTypeStateTransition, event.Type)
	assert.Equal(t, "s-1", event.SessionID)
	assert.False(t, event.Time.IsZero())
	assert.Equal(t, events.StateTransition{From: "idle", To: "running", Reason: "start"}, event.Payload)
}

func TestTransitionSpan(t *testing.T) {
	t.Parallel()

	recorder, withTracer := newTracer(t)
	m := NewMachine("s-7", withTracer)
	require.NoError(t, m.Transition(context.Background(), Running, "child started"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "session.transition", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Equal(t, map[attribute.Key]string{
		"session_id": "s-7",
		"state.from": "idle",
		"state.to":   "running",
		"reason":     "child started",
	}, spanAttrs(span))
}

func TestIllegalTransitionSpanIsChildWithViolation(t *testing.T) {
	t.Parallel()

	recorder, withTracer := newTracer(t)
	m := NewMachine("s-9", withTracer)

	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("parent")
	parentCtx, parent := tracer.Start(context.Background(), "parent")
	err := m.Transition(parentCtx, Draining, "terminate while idle")
	parent.End()
	require.ErrorIs(t, err, ErrIllegalTransition)

	var transition sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "session.transition" {
			transition = span
		}
	}
	require.NotNil(t, transition)
	assert.Equal(t, parent.SpanContext().SpanID(), transition.Parent().SpanID())
	assert.Equal(t, codes.Error, transition.Status().Code)

	var names []string
	for _, event := range transition.Events() {
		names = append(names, event.Name)
	}
	assert.Contains(t, names, "invariant.violation")
}

func TestNilMachine(t *testing.T) {
	t.Parallel()

	var m *Machine
	assert.Error(t, m.Transition(context.Background(), Running, ""))
	assert.Equal(t, Idle, m.Current())
	assert.Nil(t, m.History())
	assert.False(t, errors.Is(errors.New("other"), ErrIllegalTransition))
}
