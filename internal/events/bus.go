// Package events carries supervisor notifications (spawn, output lines, wait
// outcomes, escalation, exit, state changes) to in-process subscribers.
package events

import (
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 256

// Type names a kind of session event.
type Type string

const (
	// EventTypeProcessStarted is published once a child has been spawned.
	EventTypeProcessStarted Type = "process.started"
	// EventTypeOutputLine carries one completed line read from a child stream.
	EventTypeOutputLine Type = "process.output_line"
	// EventTypeWaitOutcome reports how a wait for output ended.
	EventTypeWaitOutcome Type = "wait.outcome"
	// EventTypeEscalation is published when a child is killed after ignoring the graceful signal.
	EventTypeEscalation Type = "process.escalation"
	// EventTypeProcessExit is published after a child has been reaped.
	EventTypeProcessExit Type = "process.exit"
	// EventTypeStateTransition is published for every applied session state change.
	EventTypeStateTransition Type = "session.transition"
)

// Severity values carried on events.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one notification about a supervisor session.
type Event struct {
	Type      Type
	Time      time.Time
	SessionID string
	Severity  string
	Payload   any
}

// Handler consumes a published event.
type Handler func(Event)

// Publisher is what producers need. Sessions and state machines take one so
// tests can record events without a running bus.
type Publisher interface {
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber queue capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger sets the logger used for dropped-event warnings.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus fans events out to subscribers, each served by its own
// goroutine and bounded queue. Publish never blocks: a full queue drops the
// event for that subscriber and counts it.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     *log.Logger
	subs       map[uint64]*subscriber
	nextID     uint64
	closed     bool
	handlers   sync.WaitGroup
	dropped    atomic.Uint64
}

type subscriber struct {
	id    uint64
	types []Type
	ch    chan Event
}

func (s *subscriber) wants(eventType Type) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// New creates an in-memory bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.New(io.Discard),
		subs:       make(map[uint64]*subscriber),
	}
	for _, option := range options {
		if option != nil {
			option(bus)
		}
	}
	return bus
}

// Subscribe registers handler for the given event types, or for every event
// when no type is given. The returned func unsubscribes; it is safe to call
// more than once and after Close.
func (b *InMemoryBus) Subscribe(handler Handler, types ...Type) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscriber{
		id:    b.nextID,
		types: slices.Clone(types),
		ch:    make(chan Event, b.bufferSize),
	}
	b.subs[sub.id] = sub
	b.handlers.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.handlers.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.ch)
		}
	}
}

// Publish delivers event to every interested subscriber. A zero Time is
// stamped with the current UTC time.
func (b *InMemoryBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped",
				"subscriber", sub.id,
				"type", event.Type,
				"session_id", event.SessionID,
			)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber queue was full.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and waits for handlers to finish the events already
// queued for them.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for id, sub := range b.subs {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	b.handlers.Wait()
}
