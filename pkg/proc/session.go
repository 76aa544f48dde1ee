package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/isolate-dbg/isolate/pkg/argval"
	"github.com/isolate-dbg/isolate/pkg/logflags"
)

// Config describes the target of a session and the breakpoint to plant.
type Config struct {
	// Cmd is the command line to launch. Ignored when AttachPid is set.
	Cmd        []string
	Env        []string
	WorkingDir string
	TTY        string

	// AttachPid is a living process to attach to instead of launching.
	AttachPid int

	// BreakpointAddr is the virtual address to plant the trap at. Zero is
	// invalid.
	BreakpointAddr uint64

	// Disassemble logs the instruction replaced by the breakpoint.
	Disassemble bool

	// Arch defaults to the architecture of the controller.
	Arch Arch

	// Stdout receives the type tags printed by SetCallArguments.
	Stdout io.Writer
}

// Session controls one target from launch (or attach) to teardown.
type Session struct {
	backend Backend
	conf    Config
	arch    Arch

	mu        sync.Mutex
	target    Target
	task      Task
	redirect  *PortRedirect
	injector  *Injector
	stopped   bool
	stopAsked bool
	// interrupted is set while an interrupt sent by Stop is queued on the
	// controller port.
	interrupted bool
	launched    bool

	bp      *Breakpoint
	hit     *Hit
	relayed int
	args    []argval.Value

	// reaped is set when the launched child exited and was waited for,
	// taskDead when its task port died. Both are guarded by mu.
	reaped   bool
	taskDead bool
	// taskSuspended is set while the session holds a task_suspend on the
	// target.
	taskSuspended bool

	teardownOnce sync.Once
	teardownErr  error
}

// NewSession validates conf and returns a session that has not touched
// any process yet.
func NewSession(backend Backend, conf Config) (*Session, error) {
	if conf.BreakpointAddr == 0 {
		return nil, ErrNoAddress
	}
	if conf.AttachPid <= 0 && len(conf.Cmd) == 0 {
		return nil, ErrNoTarget
	}
	arch := conf.Arch
	if arch == nil {
		var err error
		arch, err = ArchForGOARCH(runtime.GOARCH)
		if err != nil {
			return nil, err
		}
	}
	if conf.Stdout == nil {
		conf.Stdout = os.Stdout
	}
	return &Session{backend: backend, conf: conf, arch: arch}, nil
}

// Target returns a snapshot of the controlled process.
func (s *Session) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Breakpoint returns the planted breakpoint, nil before Start planted it.
func (s *Session) Breakpoint() *Breakpoint { return s.bp }

// Hit returns the breakpoint hit the relay stopped on, if any.
func (s *Session) Hit() *Hit { return s.hit }

// Redirect returns the captured exception routing, nil before Start
// reached it.
func (s *Session) Redirect() *PortRedirect { return s.redirect }

func (s *Session) setState(st TargetState) {
	s.mu.Lock()
	logflags.SessionLogger().Debugf("pid %d: %v -> %v", s.target.Pid, s.target.State, st)
	s.target.State = st
	s.mu.Unlock()
}

func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAsked
}

// Start brings the target under control: it launches or attaches, takes
// the task port, redirects exception ports, plants the breakpoint and
// lets the target run. On failure the session is torn down before Start
// returns.
func (s *Session) Start() (err error) {
	defer func() {
		if err != nil {
			if terr := s.Teardown(); terr != nil {
				logflags.SessionLogger().Errorf("teardown after failed start: %v", terr)
			}
		}
	}()

	if s.conf.AttachPid > 0 {
		return s.attach()
	}
	return s.launch()
}

func (s *Session) launch() error {
	log := logflags.LaunchLogger()
	lc := &LaunchConfig{
		Path:       s.conf.Cmd[0],
		Args:       s.conf.Cmd,
		Env:        s.conf.Env,
		WorkingDir: s.conf.WorkingDir,
		TTY:        s.conf.TTY,
	}
	s.setState(Launching)
	pid, err := s.backend.Launch(lc)
	if err != nil {
		return &SessionError{Kind: LaunchFailure, Stage: StageLaunch, Err: err}
	}
	s.mu.Lock()
	s.target.Pid = pid
	s.launched = true
	s.mu.Unlock()
	log.Debugf("launched %s as %d", lc.Path, pid)
	// The child is held before exec until its exceptions reach us.
	s.setState(Stopped)

	if err := s.acquire(pid); err != nil {
		return err
	}
	if err := s.redirectPorts(); err != nil {
		return err
	}
	if err := s.backend.ReleaseExec(pid); err != nil {
		return &SessionError{Kind: LaunchFailure, Stage: StageLaunch, Err: err}
	}
	if err := s.waitExec(); err != nil {
		return err
	}
	s.setState(Running)
	return nil
}

func (s *Session) attach() error {
	pid := s.conf.AttachPid
	s.mu.Lock()
	s.target.Pid = pid
	s.mu.Unlock()

	if err := s.acquire(pid); err != nil {
		return err
	}
	if err := s.task.Suspend(); err != nil {
		return &SessionError{Kind: PermissionDenied, Stage: StageAcquire, Err: fmt.Errorf("could not suspend %d: %w", pid, err)}
	}
	s.taskSuspended = true
	s.setState(Stopped)
	if err := s.redirectPorts(); err != nil {
		return err
	}
	if err := s.backend.AttachTrace(pid); err != nil {
		return &SessionError{Kind: PermissionDenied, Stage: StageAcquire, Err: fmt.Errorf("could not attach to %d: %w", pid, err)}
	}
	if err := s.plant(); err != nil {
		return err
	}
	if err := s.task.Resume(); err != nil {
		return &SessionError{Kind: PortError, Stage: StageResume, Err: fmt.Errorf("could not resume %d: %w", pid, err)}
	}
	s.taskSuspended = false
	s.setState(Running)
	return nil
}

func (s *Session) acquire(pid int) error {
	task, err := s.backend.AcquireTask(pid)
	if err != nil {
		return &SessionError{Kind: PermissionDenied, Stage: StageAcquire, Err: err}
	}
	s.mu.Lock()
	s.task = task
	s.target.Task = task
	s.mu.Unlock()
	return nil
}

func (s *Session) redirectPorts() error {
	r, err := CaptureExceptionPorts(s.task)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.redirect = r
	s.mu.Unlock()
	if err := r.Install(); err != nil {
		return err
	}
	s.setState(Attached)
	return nil
}

func (s *Session) plant() error {
	s.injector = NewInjector(s.task, s.arch)
	s.injector.Disassemble = s.conf.Disassemble
	bp, err := s.injector.Plant(s.conf.BreakpointAddr)
	if err != nil {
		return err
	}
	s.bp = bp
	return nil
}

// Injector returns the injector used to plant the breakpoint.
func (s *Session) Injector() *Injector { return s.injector }

// Stop asks a running Relay to return. It can be called from any
// goroutine and any number of times, before or during Relay.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopAsked || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopAsked = true
	var port ExceptionPort
	if s.redirect != nil {
		port = s.redirect.Port()
	}
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	if err := port.Interrupt(); err != nil {
		return err
	}
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	return nil
}

// Teardown restores the captured exception routing, releases the
// controller port and kills the target. Only the steps whose resources
// were acquired run. It is safe to call more than once; the first call
// does the work.
func (s *Session) Teardown() error {
	s.teardownOnce.Do(func() {
		s.teardownErr = s.teardown()
	})
	return s.teardownErr
}

func (s *Session) teardown() error {
	log := logflags.SessionLogger()
	s.mu.Lock()
	s.stopped = true
	r, task, pid := s.redirect, s.task, s.target.Pid
	// A process we failed to take the task of was never ours to kill.
	owned := s.launched || task != nil
	s.mu.Unlock()

	s.mu.Lock()
	reaped := s.reaped
	dead := s.taskDead || reaped
	s.mu.Unlock()

	var errs []error
	if r != nil && !dead {
		if err := r.Restore(); err != nil {
			errs = append(errs, err)
		}
	}
	if r != nil {
		if err := r.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if pid > 0 && owned && !reaped {
		if err := s.backend.Kill(pid); err != nil {
			errs = append(errs, &SessionError{Kind: LaunchFailure, Stage: StageTeardown, Err: fmt.Errorf("could not kill %d: %w", pid, err)})
		} else {
			log.Debugf("killed %d", pid)
		}
	}
	if task != nil && s.taskSuspended && !dead {
		// The kill is only delivered once the task runs again.
		if err := task.Resume(); err != nil {
			log.Debugf("could not resume killed task: %v", err)
		}
	}
	if task != nil {
		if err := task.Close(); err != nil {
			errs = append(errs, &SessionError{Kind: PortError, Stage: StageTeardown, Err: err})
		}
	}
	if pid > 0 && owned {
		s.setState(Killed)
	} else {
		s.setState(Detached)
	}
	return errors.Join(errs...)
}

// SetCallArguments records the arguments of a future injected call. Every
// value is checked against the range of its kind and its type tag is
// printed to the session output.
func (s *Session) SetCallArguments(args []argval.Value) error {
	for i, v := range args {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	for _, v := range args {
		fmt.Fprintln(s.conf.Stdout, v.Kind())
	}
	s.args = append(s.args[:0], args...)
	return nil
}

// CallArguments returns the recorded call arguments.
func (s *Session) CallArguments() []argval.Value { return s.args }

// Run executes a whole session: start, relay until ctx is done or the
// breakpoint is hit, teardown.
func Run(ctx context.Context, backend Backend, conf Config, args []argval.Value) (*Result, error) {
	s, err := NewSession(backend, conf)
	if err != nil {
		return nil, err
	}
	if err := s.SetCallArguments(args); err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	res := &Result{Pid: s.Target().Pid, Breakpoint: s.bp}
	rerr := s.Relay(ctx)
	res.Hit, res.Relayed = s.hit, s.relayed
	if terr := s.Teardown(); terr != nil {
		if rerr == nil {
			return res, terr
		}
		logflags.SessionLogger().Errorf("teardown: %v", terr)
	}
	return res, rerr
}
