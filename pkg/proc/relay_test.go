package proc

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isolate-dbg/isolate/pkg/proc/machexc"
)

const testBreakpoint = fakeTextBase + 0x40

func startSession(t *testing.T, b *fakeBackend) *Session {
	t.Helper()
	s, err := NewSession(b, Config{
		Cmd:            []string{"/usr/bin/true"},
		BreakpointAddr: testBreakpoint,
		Arch:           AMD64Arch(),
		Stdout:         new(bytes.Buffer),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NotNil(t, b.task.port)
	// Forget the exec trap.
	b.task.port.resetReplies()
	b.updates = nil
	return s
}

// relayReturns runs Relay without a deadline and fails the test if it
// does not return on its own.
func relayReturns(t *testing.T, s *Session) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Relay(context.Background()) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not return")
		return nil
	}
}

func relayWithTimeout(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Relay(ctx)
}

func replyCodes(t *testing.T, p *fakePort) []machexc.KernReturn {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var rcs []machexc.KernReturn
	for _, r := range p.replies {
		rc, id, err := machexc.ReplyRetCode(r)
		require.NoError(t, err)
		assert.Equal(t, machexc.RaiseID+100, id)
		rcs = append(rcs, rc)
	}
	return rcs
}

func TestRelaySignalForwarding(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	port := b.task.port
	th0, th1 := b.task.threads[0], b.task.threads[1]

	const sigusr1 = 30
	port.deliver(softSignal(th0, stopSignal))
	port.deliver(softSignal(th1, sigusr1))
	port.deliver(softSignal(th1, stopSignal))
	require.NoError(t, s.Stop())

	require.NoError(t, relayWithTimeout(t, s))
	assert.Equal(t, []threadUpdate{
		{thread: th0, sig: 0, suspended: true},
		{thread: th1, sig: sigusr1, suspended: true},
		{thread: th1, sig: 0, suspended: true},
	}, b.updates)
	assert.Equal(t, []machexc.KernReturn{machexc.KernSuccess, machexc.KernSuccess, machexc.KernSuccess}, replyCodes(t, port))
	assert.Equal(t, Detached, s.Target().State)
	for _, th := range b.task.threads {
		assert.Zero(t, b.task.suspended[th], "thread %#x left suspended", th)
	}
	assert.NotZero(t, b.task.listed)
	assert.Equal(t, b.task.listed, b.task.released, "thread references leaked")
	assert.Equal(t, b.task.threads, s.Target().Threads)
}

func TestRelayOneReplyPerMessage(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	port := b.task.port
	th := b.task.threads[0]

	unknown := machexc.EncodeRaise(fakePortName, fakeReply, uint32(th), fakeTaskName, machexc.ExcBreakpoint, nil)
	unknown[20] = 0x77
	truncated := softSignal(th, 5)
	truncated = truncated[:len(truncated)-8]
	truncated[4] -= 8

	msgs := [][]byte{
		softSignal(th, 5),
		machexc.EncodeRaiseState(fakePortName, fakeReply, false, 0, 0, machexc.ExcBadAccess, []int64{1, 2}, 7, []uint32{1, 2, 3}),
		machexc.EncodeRaiseState(fakePortName, fakeReply, true, uint32(th), fakeTaskName, machexc.ExcBadAccess, []int64{1, 2}, 7, []uint32{1, 2, 3}),
		unknown,
		truncated,
		machexc.EncodeRaise(fakePortName, fakeReply, uint32(th), fakeTaskName, machexc.ExcBadAccess, []int64{1, 0}),
	}
	for _, m := range msgs {
		port.deliver(m)
	}
	s.Stop()

	require.NoError(t, relayWithTimeout(t, s))
	assert.Equal(t, len(msgs), port.replyCount())
	assert.Equal(t, len(msgs), s.relayed)

	p := port
	p.mu.Lock()
	var rcs []machexc.KernReturn
	for _, r := range p.replies {
		rc, _, err := machexc.ReplyRetCode(r)
		require.NoError(t, err)
		rcs = append(rcs, rc)
	}
	p.mu.Unlock()
	assert.Equal(t, []machexc.KernReturn{
		machexc.KernSuccess,
		machexc.RcvInvalidType,
		machexc.RcvInvalidType,
		machexc.MigBadID,
		machexc.MigBadArguments,
		machexc.KernFailure,
	}, rcs)
}

func TestRelayBreakpointHit(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	port := b.task.port
	th0, th1 := b.task.threads[0], b.task.threads[1]

	// A trap elsewhere is not ours and is left to the kernel.
	b.task.pcs[th1] = testBreakpoint + 0x100
	b.task.pcs[th0] = testBreakpoint + 1
	port.deliver(breakpointException(th1))
	port.deliver(breakpointException(th0))

	require.NoError(t, relayWithTimeout(t, s))
	hit := s.Hit()
	require.NotNil(t, hit)
	assert.Equal(t, uint64(testBreakpoint), hit.Addr)
	assert.Equal(t, th0, hit.Thread)
	assert.Equal(t, Trapped, s.Target().State)
	assert.Equal(t, []machexc.KernReturn{machexc.KernFailure, machexc.KernSuccess}, replyCodes(t, port))
	assert.Equal(t, 1, b.task.taskSusp, "target left running after the hit")
}

func TestRelayReplyFailureIsFatal(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	port := b.task.port
	port.replyErr = errors.New("send invalid dest")
	port.deliver(softSignal(b.task.threads[0], 5))
	port.deliver(softSignal(b.task.threads[0], 5))

	err := relayWithTimeout(t, s)
	require.Error(t, err)
	assert.Equal(t, ProtocolViolation, KindOf(err))
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.True(t, serr.Fatal())
	assert.Len(t, b.updates, 1, "relay continued after a failed reply")
}

func TestRelayPortDestroyed(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	b.task.port.closeInbox()
	err := relayWithTimeout(t, s)
	assert.Equal(t, ProtocolViolation, KindOf(err))
}

func TestRelayTargetDied(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	b.task.port.deliver(deadNameNotification())

	err := relayWithTimeout(t, s)
	var exited ErrProcessExited
	require.True(t, errors.As(err, &exited), "%v", err)
	assert.Equal(t, b.pid, exited.Pid)
	assert.Zero(t, b.task.port.replyCount())

	calls := b.task.setCalls
	require.NoError(t, s.Teardown())
	assert.Equal(t, calls, b.task.setCalls, "restore attempted on a dead task")
	assert.Equal(t, []int{b.pid}, b.killed)
}

func TestRelayContextCancel(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Relay(ctx) }()
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not return after cancel")
	}
	assert.Equal(t, 1, b.task.port.interrupts)
}

func TestRelayAfterDetach(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	require.NoError(t, s.Teardown())
	err := relayWithTimeout(t, s)
	assert.Equal(t, ProtocolViolation, KindOf(err))
	assert.True(t, errors.Is(err, ErrRelayDetached))
}

func TestRelayThreadListFailure(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	port := b.task.port
	b.task.failThreads = true
	port.deliver(softSignal(b.task.threads[0], 30))
	port.deliver(softSignal(b.task.threads[0], 30))

	err := relayWithTimeout(t, s)
	require.Error(t, err)
	assert.Equal(t, PortError, KindOf(err))
	assert.ErrorIs(t, err, errFake)
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.True(t, serr.Fatal())
	assert.Empty(t, b.updates, "signal forwarded to a running target")
	assert.Equal(t, []machexc.KernReturn{machexc.KernFailure}, replyCodes(t, port))
}

func TestRelaySuspendFailureResumesThreads(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	port := b.task.port
	th0, th1 := b.task.threads[0], b.task.threads[1]
	b.task.failSuspend = th1
	port.deliver(softSignal(th0, 30))

	err := relayWithTimeout(t, s)
	assert.Equal(t, PortError, KindOf(err))
	assert.Empty(t, b.updates)
	assert.Zero(t, b.task.suspended[th0], "thread suspended before the failure was not resumed")
	assert.Equal(t, []machexc.KernReturn{machexc.KernFailure}, replyCodes(t, port))
	assert.Equal(t, b.task.listed, b.task.released)
}

func TestStopBeforeStart(t *testing.T) {
	b := newFakeBackend()
	s, err := NewSession(b, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start())

	require.NoError(t, relayReturns(t, s))
	assert.Equal(t, Detached, s.Target().State)
	assert.Zero(t, b.task.port.interrupts)
}

func TestStopDuringLaunch(t *testing.T) {
	b := newFakeBackend()
	s, err := NewSession(b, testConfig())
	require.NoError(t, err)
	// The interrupt is queued ahead of the exec trap.
	b.beforeExec = func() { require.NoError(t, s.Stop()) }
	require.NoError(t, s.Start())
	assert.Equal(t, 1, b.task.port.interrupts)
	require.NotNil(t, s.Breakpoint())

	require.NoError(t, relayReturns(t, s))
	assert.Equal(t, Detached, s.Target().State)
}

func TestTargetSnapshotDuringRelay(t *testing.T) {
	b := newFakeBackend()
	s := startSession(t, b)
	for i := 0; i < 32; i++ {
		b.task.port.deliver(softSignal(b.task.threads[i%2], 30))
	}
	s.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for s.Target().State != Detached {
			_ = s.Target().Threads
		}
	}()
	require.NoError(t, relayWithTimeout(t, s))
	<-done
	assert.Equal(t, b.task.threads, s.Target().Threads)
}
