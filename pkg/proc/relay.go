package proc

import (
	"context"
	"errors"
	"fmt"

	"github.com/isolate-dbg/isolate/pkg/logflags"
	"github.com/isolate-dbg/isolate/pkg/proc/machexc"
)

// receiveTrailerSize is room for the largest trailer the kernel appends to
// a received message.
const receiveTrailerSize = 68

// machHandler resolves the exceptions of one relay iteration.
type machHandler struct {
	s   *Session
	hit *Hit

	// awaitExec is set while a launched child has not reached its exec
	// yet; execStop records that the message was the trap of that exec.
	awaitExec bool
	execStop  bool
	plantErr  error
}

func (h *machHandler) CatchRaise(e *machexc.Exception) machexc.KernReturn {
	log := logflags.RelayLogger()
	log.Debugf("exception %v", e)

	if sig, ok := e.Signal(); ok {
		forward := sig
		switch {
		case sig == stopSignal:
			forward = 0
		case h.awaitExec && sig == trapSignal:
			forward = 0
			h.execStop = true
		}
		if err := h.s.backend.UpdateThread(h.s.target.Pid, Thread(e.Thread), forward); err != nil {
			log.Errorf("could not forward signal %d to thread %#x: %v", forward, e.Thread, err)
			return machexc.KernFailure
		}
		log.Debugf("forwarded signal %d as %d", sig, forward)
		return machexc.KernSuccess
	}

	if e.Type == machexc.ExcBreakpoint && h.s.bp != nil {
		pc, err := h.s.task.ThreadPC(Thread(e.Thread))
		if err != nil {
			log.Errorf("could not read pc of thread %#x: %v", e.Thread, err)
			return machexc.KernFailure
		}
		if addr := TrapAddr(h.s.arch, pc); addr == h.s.bp.Addr {
			h.hit = &Hit{Thread: Thread(e.Thread), PC: pc, Addr: addr}
			return machexc.KernSuccess
		}
		log.Debugf("breakpoint exception at %#x is not ours", pc)
	}
	return machexc.KernFailure
}

func (h *machHandler) CatchRaiseState(e *machexc.StateException) machexc.KernReturn {
	logflags.RelayLogger().Debugf("unhandled raise_state %v", &e.Exception)
	return machexc.RcvInvalidType
}

func (h *machHandler) CatchRaiseStateIdentity(e *machexc.StateException) machexc.KernReturn {
	logflags.RelayLogger().Debugf("unhandled raise_state_identity %v", &e.Exception)
	return machexc.RcvInvalidType
}

// Relay runs the exception loop until the planted breakpoint is hit, Stop
// is called or ctx is done. Every message received from the kernel is
// replied to exactly once, with the target suspended between receive and
// reply.
func (s *Session) Relay(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.redirect == nil || s.redirect.Port() == nil {
		s.mu.Unlock()
		return &SessionError{Kind: ProtocolViolation, Stage: StageRelay, Err: ErrRelayDetached}
	}
	port := s.redirect.Port()
	// No interrupt will wake us for a Stop that came before the port
	// existed, or whose interrupt the launch consumed.
	early := s.stopAsked && !s.interrupted
	s.mu.Unlock()
	if early {
		s.setState(Detached)
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	log := logflags.RelayLogger()
	msg, reply := relayBuffers()

	for {
		hdr, n, err := receive(port, msg)
		if err != nil {
			return &SessionError{Kind: ProtocolViolation, Stage: StageRelay, Err: err}
		}

		switch hdr.ID {
		case machexc.InterruptID:
			if s.stopRequested() {
				log.Debugf("relay stopped after %d messages", s.relayed)
				s.setState(Detached)
				return nil
			}
			continue
		case machexc.DeadNameID:
			log.Debugf("task of %d died", s.target.Pid)
			s.mu.Lock()
			s.taskDead = true
			s.mu.Unlock()
			return ErrProcessExited{Pid: s.target.Pid, Status: -1}
		}

		h := &machHandler{s: s}
		if err := s.relayOne(msg[:n], reply, port, h); err != nil {
			return err
		}
		s.relayed++
		if h.hit != nil {
			s.hit = h.hit
			s.setState(Trapped)
			log.Infof("breakpoint hit at %#x on thread %#x", h.hit.Addr, h.hit.Thread)
			return nil
		}
	}
}

// waitExec relays the messages of a launched child until the trap of its
// exec. The trap is not delivered; the breakpoint is planted while the
// child is stopped in it.
func (s *Session) waitExec() error {
	log := logflags.LaunchLogger()
	port := s.redirect.Port()
	pid := s.target.Pid
	msg, reply := relayBuffers()

	for {
		hdr, n, err := receive(port, msg)
		if err != nil {
			return &SessionError{Kind: ProtocolViolation, Stage: StageLaunch, Err: err}
		}

		switch hdr.ID {
		case machexc.InterruptID:
			// The Stop stays latched for Relay.
			s.mu.Lock()
			s.interrupted = false
			s.mu.Unlock()
			continue
		case machexc.DeadNameID:
			s.mu.Lock()
			s.taskDead = true
			s.mu.Unlock()
			err := s.backend.Reap(pid)
			var exited ErrProcessExited
			if errors.As(err, &exited) {
				s.mu.Lock()
				s.reaped = true
				s.mu.Unlock()
			} else if err == nil {
				err = ErrProcessExited{Pid: pid, Status: -1}
			}
			return &SessionError{Kind: LaunchFailure, Stage: StageLaunch, Err: err}
		}

		h := &machHandler{s: s, awaitExec: true}
		if err := s.relayOne(msg[:n], reply, port, h); err != nil {
			return err
		}
		if h.execStop {
			if h.plantErr != nil {
				return h.plantErr
			}
			log.Debugf("%d reached exec", pid)
			return nil
		}
	}
}

func relayBuffers() (msg, reply []byte) {
	return make([]byte, machexc.MaxRequestSize+receiveTrailerSize), make([]byte, machexc.MaxRequestSize)
}

func receive(port ExceptionPort, msg []byte) (machexc.Header, int, error) {
	n, err := port.Receive(msg)
	if err != nil {
		return machexc.Header{}, 0, fmt.Errorf("receive failed: %w", err)
	}
	hdr, err := machexc.DecodeHeader(msg[:n])
	return hdr, n, err
}

// relayOne handles one kernel message: suspend, decode, resume, reply.
func (s *Session) relayOne(msg, reply []byte, port ExceptionPort, h *machHandler) error {
	log := logflags.RelayLogger()

	threads, err := s.task.Threads()
	if err != nil {
		return s.abandon(msg, reply, port, nil, err)
	}
	defer s.task.ReleaseThreads(threads)
	suspended := make([]Thread, 0, len(threads))
	for _, th := range threads {
		if err := s.task.SuspendThread(th); err != nil {
			return s.abandon(msg, reply, port, suspended, err)
		}
		suspended = append(suspended, th)
	}
	s.mu.Lock()
	s.target.Threads = threads
	s.mu.Unlock()

	size, rc, serveErr := machexc.Serve(msg, reply, h)
	if size == 0 {
		s.resumeThreads(suspended)
		return &SessionError{Kind: ProtocolViolation, Stage: StageRelay, Err: fmt.Errorf("no reply could be built: %w", serveErr)}
	}
	if serveErr != nil {
		log.Warnf("%v", &SessionError{Kind: ProtocolViolation, Stage: StageRelay, Recoverable: true, Err: serveErr})
	} else if rc == machexc.RcvInvalidType {
		log.Warnf("%v", newRecoverable("exception delivered to an unsupported entry point"))
	}

	if h.execStop {
		h.plantErr = s.plant()
	}
	if h.hit != nil || h.plantErr != nil {
		// Keep the target stopped until teardown.
		if err := s.task.Suspend(); err != nil {
			log.Errorf("could not suspend task: %v", err)
		} else {
			s.taskSuspended = true
		}
	}
	s.resumeThreads(suspended)

	if err := port.Reply(reply[:size]); err != nil {
		return &SessionError{Kind: ProtocolViolation, Stage: StageRelay, Err: fmt.Errorf("reply failed: %w", err)}
	}
	log.Debugf("replied %v", rc)
	return nil
}

// abandon resumes the threads suspended so far and resolves msg as failed
// without handling it. The returned error ends the relay.
func (s *Session) abandon(msg, reply []byte, port ExceptionPort, suspended []Thread, cause error) error {
	log := logflags.RelayLogger()
	s.resumeThreads(suspended)
	serr := &SessionError{Kind: PortError, Stage: StageRelay, Err: fmt.Errorf("could not stop the target: %w", cause)}
	n, err := machexc.Fail(msg, reply, machexc.KernFailure)
	if err != nil {
		log.Errorf("could not build a failure reply: %v", err)
		return serr
	}
	if err := port.Reply(reply[:n]); err != nil {
		log.Errorf("could not send a failure reply: %v", err)
	}
	return serr
}

func (s *Session) resumeThreads(threads []Thread) {
	for i := len(threads) - 1; i >= 0; i-- {
		if err := s.task.ResumeThread(threads[i]); err != nil {
			logflags.RelayLogger().Errorf("could not resume thread %#x: %v", threads[i], err)
		}
	}
}

func newRecoverable(msg string) *SessionError {
	return &SessionError{Kind: ProtocolViolation, Stage: StageRelay, Recoverable: true, Err: errors.New(msg)}
}
