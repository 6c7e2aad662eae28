package events

import "time"

// ProcessStarted is the payload of EventTypeProcessStarted.
type ProcessStarted struct {
	PID  int
	Argv []string
}

// OutputLine is the payload of EventTypeOutputLine.
type OutputLine struct {
	PID     int
	Stream  string
	Text    string
	Partial bool
}

// WaitOutcome is the payload of EventTypeWaitOutcome.
type WaitOutcome struct {
	PID      int
	Needle   string
	Outcome  string
	ExitCode int
	Elapsed  time.Duration
}

// Escalation is the payload of EventTypeEscalation.
type Escalation struct {
	PID    int
	Signal string
	Grace  time.Duration
}

// ProcessExit is the payload of EventTypeProcessExit.
type ProcessExit struct {
	PID      int
	ExitCode int
	Mode     string
}

// StateTransition is the payload of EventTypeStateTransition.
type StateTransition struct {
	From   string
	To     string
	Reason string
}
