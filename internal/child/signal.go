package child

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultGracefulSignal is sent first when asking the child to shut down.
const DefaultGracefulSignal = unix.SIGTERM

var gracefulSignals = map[syscall.Signal]struct{}{
	unix.SIGTERM: {},
	unix.SIGINT:  {},
	unix.SIGHUP:  {},
	unix.SIGQUIT: {},
}

// ParseSignal resolves names such as "TERM", "SIGINT" or "hup" to a graceful shutdown signal.
func ParseSignal(name string) (syscall.Signal, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if normalized == "" {
		return DefaultGracefulSignal, nil
	}
	if !strings.HasPrefix(normalized, "SIG") {
		normalized = "SIG" + normalized
	}
	sig := unix.SignalNum(normalized)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	if _, ok := gracefulSignals[sig]; !ok {
		return 0, fmt.Errorf("signal %s cannot be used for graceful shutdown", normalized)
	}
	return sig, nil
}

// SignalName returns the conventional SIG-prefixed name of sig.
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}
