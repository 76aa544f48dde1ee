package proc

import (
	"fmt"

	"github.com/isolate-dbg/isolate/pkg/logflags"
	"github.com/isolate-dbg/isolate/pkg/proc/machexc"
)

// ExceptionPortBinding is one entry of a task exception routing table.
type ExceptionPortBinding struct {
	Mask     machexc.ExceptionMask
	Port     uint32
	Behavior machexc.Behavior
	Flavor   int32
}

func (b ExceptionPortBinding) String() string {
	return fmt.Sprintf("mask=%#x port=%#x behavior=%v flavor=%d", uint32(b.Mask), b.Port, b.Behavior, b.Flavor)
}

// PortRedirect holds the exception routing captured from a task and the
// controller port that replaced it.
type PortRedirect struct {
	task     Task
	saved    []ExceptionPortBinding
	port     ExceptionPort
	restored bool
	released bool
}

// CaptureExceptionPorts saves the routing of every exception class of
// task. Nothing is modified.
func CaptureExceptionPorts(task Task) (*PortRedirect, error) {
	saved, err := task.ExceptionPorts(machexc.MaskAll)
	if err != nil {
		return nil, &SessionError{Kind: PortError, Stage: StageRedirect, Err: fmt.Errorf("could not read exception ports: %w", err)}
	}
	log := logflags.PortsLogger()
	for _, b := range saved {
		log.Debugf("saved %v", b)
	}
	return &PortRedirect{task: task, saved: saved}, nil
}

// Redirect captures the routing of task and installs a fresh controller
// port for all exception classes.
func Redirect(task Task) (*PortRedirect, error) {
	r, err := CaptureExceptionPorts(task)
	if err != nil {
		return nil, err
	}
	if err := r.Install(); err != nil {
		return nil, err
	}
	return r, nil
}

// Install allocates the controller port and registers it for every
// exception class, with 64 bit codes and no thread state.
func (r *PortRedirect) Install() error {
	if r.port != nil {
		return nil
	}
	port, err := r.task.NewExceptionPort()
	if err != nil {
		return &SessionError{Kind: PortError, Stage: StageRedirect, Err: fmt.Errorf("could not allocate exception port: %w", err)}
	}
	b := ExceptionPortBinding{
		Mask:     machexc.MaskAll,
		Port:     port.Name(),
		Behavior: machexc.BehaviorDefault | machexc.MachExceptionCodes,
		Flavor:   machexc.ThreadStateNone,
	}
	if err := r.task.SetExceptionPorts(b); err != nil {
		port.Close()
		return &SessionError{Kind: PortError, Stage: StageRedirect, Err: fmt.Errorf("could not set exception ports: %w", err)}
	}
	logflags.PortsLogger().Debugf("installed %v", b)
	r.port = port
	return nil
}

// Saved returns the captured bindings.
func (r *PortRedirect) Saved() []ExceptionPortBinding {
	return r.saved
}

// Port returns the installed controller port, nil before Install.
func (r *PortRedirect) Port() ExceptionPort {
	return r.port
}

// Restore re-registers every captured binding. Restoring fewer bindings
// than were captured is a PortError. Calls after the first successful
// one do nothing.
func (r *PortRedirect) Restore() error {
	if r.restored {
		return nil
	}
	n := 0
	var firstErr error
	for _, b := range r.saved {
		if err := r.task.SetExceptionPorts(b); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logflags.PortsLogger().Errorf("could not restore %v: %v", b, err)
			continue
		}
		n++
	}
	if n != len(r.saved) {
		return &SessionError{Kind: PortError, Stage: StageTeardown, Err: fmt.Errorf("restored %d of %d exception port bindings: %w", n, len(r.saved), firstErr)}
	}
	r.restored = true
	logflags.PortsLogger().Debugf("restored %d bindings", n)
	return nil
}

// Release destroys the controller port. It is called once, after Restore.
func (r *PortRedirect) Release() error {
	if r.released || r.port == nil {
		return nil
	}
	r.released = true
	if err := r.port.Close(); err != nil {
		return &SessionError{Kind: PortError, Stage: StageTeardown, Err: fmt.Errorf("could not release exception port: %w", err)}
	}
	return nil
}
