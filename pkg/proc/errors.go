package proc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the errors a session can fail with.
type ErrorKind uint8

const (
	// LaunchFailure means the child could not be created or could not
	// load its image.
	LaunchFailure ErrorKind = iota + 1
	// PermissionDenied means the privileged task handle was refused.
	PermissionDenied
	// PortError means allocating or registering the exception port failed,
	// or a restore left the bindings inconsistent.
	PortError
	// MemoryFault means a breakpoint read or write touched unmapped or
	// non-executable memory.
	MemoryFault
	// ProtocolViolation means an exception message could not be decoded
	// or replied to, or a message arrived after detach.
	ProtocolViolation
	// ResourceExhausted means the staging mapping could not be allocated.
	ResourceExhausted
)

var errorKindNames = map[ErrorKind]string{
	LaunchFailure:     "launch failure",
	PermissionDenied:  "permission denied",
	PortError:         "port error",
	MemoryFault:       "memory fault",
	ProtocolViolation: "protocol violation",
	ResourceExhausted: "resource exhausted",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Stage names the step of a session an error happened in.
type Stage string

const (
	StageLaunch   Stage = "launch"
	StageAcquire  Stage = "acquire task"
	StageRedirect Stage = "redirect exception ports"
	StageInject   Stage = "inject breakpoint"
	StageResume   Stage = "resume target"
	StageRelay    Stage = "relay exceptions"
	StageTeardown Stage = "teardown"
)

// SessionError is the error type returned by every fallible step of a
// session.
type SessionError struct {
	Kind  ErrorKind
	Stage Stage
	// Recoverable is set for decode failures of a single message, which
	// resolve that message as unhandled and let the relay continue.
	Recoverable bool
	Err         error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Fatal reports whether the error ends the session.
func (e *SessionError) Fatal() bool { return !e.Recoverable }

// Is matches another *SessionError with the same Kind (and Stage, when the
// target sets one), so that errors.Is(err, &SessionError{Kind: MemoryFault})
// works.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
}

func newError(kind ErrorKind, stage Stage, format string, args ...interface{}) *SessionError {
	return &SessionError{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the ErrorKind of err, or zero when err is not a
// *SessionError.
func KindOf(err error) ErrorKind {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return 0
}

// StageOf returns the Stage of err, or "" when err is not a *SessionError.
func StageOf(err error) Stage {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Stage
	}
	return ""
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrNoAddress is returned by NewSession for a zero breakpoint address.
var ErrNoAddress = errors.New("breakpoint address must be a non-zero number")

// ErrNoTarget is returned by NewSession when neither a command nor a pid
// was given.
var ErrNoTarget = errors.New("no target: provide an executable to launch or a pid to attach to")

// ErrRelayDetached is wrapped in the ProtocolViolation returned when Relay
// is called on a session that was already stopped or torn down.
var ErrRelayDetached = errors.New("relay requested after detach")
