// Package child spawns and reaps the single supervised background process.
//
// The child runs in its own process group with stdout and stderr redirected
// into pipes owned by the caller. Liveness is observable without blocking via
// Poll, and termination signals are delivered to the whole group so helper
// processes started by a shell wrapper do not keep the pipes open.
package child

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Option configures process creation.
type Option func(*options)

type options struct {
	dir string
}

// WithDir sets the working directory of the child.
func WithDir(dir string) Option {
	return func(opts *options) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// Process is one spawned child and the read side of its output pipes.
type Process struct {
	argv      []string
	cmd       *exec.Cmd
	stdout    *os.File
	stderr    *os.File
	startedAt time.Time

	done     chan struct{}
	exitCode int
	signal   syscall.Signal
	waitErr  error
}

// Start spawns argv with both output streams captured.
// It returns a *SpawnError when the command is empty, cannot be located, or the OS refuses to create it.
func Start(argv []string, opts ...Option) (*Process, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, &SpawnError{Argv: argv, Err: errors.New("command must not be empty")}
	}

	resolved := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = resolved.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Argv: argv, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, &SpawnError{Argv: argv, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Argv: argv, Err: err}
	}
	// The child holds its own copies; EOF on the read side needs ours closed.
	closeAll(stdoutW, stderrW)

	p := &Process{
		argv:      append([]string(nil), argv...),
		cmd:       cmd,
		stdout:    stdoutR,
		stderr:    stderrR,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitCode, p.signal = exitStatus(p.cmd.ProcessState, err)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	close(p.done)
}

// PID returns the operating-system process id.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Argv returns a copy of the command line.
func (p *Process) Argv() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.argv...)
}

// String returns the command line joined by spaces.
func (p *Process) String() string {
	if p == nil {
		return ""
	}
	return strings.Join(p.argv, " ")
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.startedAt
}

// Stdout returns the read side of the child's standard output.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Stderr returns the read side of the child's standard error.
func (p *Process) Stderr() io.ReadCloser {
	return p.stderr
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Poll reports the exit code if the process has already exited. It never blocks.
func (p *Process) Poll() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Reap blocks until the process exits and returns its exit code.
func (p *Process) Reap() int {
	<-p.done
	return p.exitCode
}

// ReapTimeout waits up to timeout for the process to exit.
func (p *Process) ReapTimeout(timeout time.Duration) (int, bool) {
	if timeout <= 0 {
		return p.Poll()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.exitCode, true
	case <-timer.C:
		return 0, false
	}
}

// Signaled returns the signal that ended the process, if any.
// Only meaningful once the process has exited.
func (p *Process) Signaled() (syscall.Signal, bool) {
	if _, exited := p.Poll(); !exited || p.signal == 0 {
		return 0, false
	}
	return p.signal, true
}

// WaitErr returns a reaping failure that was not an ordinary non-zero exit.
func (p *Process) WaitErr() error {
	if _, exited := p.Poll(); !exited {
		return nil
	}
	return p.waitErr
}

// Signal delivers sig to the child's process group, falling back to the child itself.
// Signalling a process that has already exited is not an error.
func (p *Process) Signal(sig syscall.Signal) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return errors.New("process is not started")
	}
	if _, exited := p.Poll(); exited {
		return nil
	}

	pid := p.cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ESRCH) && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("signal process group %d with %s: %w", pid, SignalName(sig), err)
	}

	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal pid %d with %s: %w", pid, SignalName(sig), err)
	}
	return nil
}

// Kill sends SIGKILL to the child's process group.
func (p *Process) Kill() error {
	return p.Signal(unix.SIGKILL)
}

// KillGroup sends SIGKILL to whatever is left of the child's process group,
// including after the leader has exited. An empty group is not an error.
func (p *Process) KillGroup() error {
	pid := p.PID()
	if pid <= 0 {
		return errors.New("process is not started")
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pid, err)
	}
	return nil
}

// GroupAlive probes whether any member of the child's process group still exists.
// A reaped leader with surviving descendants still reports true.
func (p *Process) GroupAlive() (bool, error) {
	pid := p.PID()
	if pid <= 0 {
		return false, nil
	}
	err := unix.Kill(-pid, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		return true, nil
	default:
		return false, fmt.Errorf("probe process group %d: %w", pid, err)
	}
}

func exitStatus(state *os.ProcessState, err error) (int, syscall.Signal) {
	if state == nil {
		if err != nil {
			return 1, 0
		}
		return 0, 0
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), status.Signal()
	}
	return state.ExitCode(), 0
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		if file != nil {
			_ = file.Close()
		}
	}
}
