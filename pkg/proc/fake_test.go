package proc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/isolate-dbg/isolate/pkg/proc/machexc"
)

const (
	fakePageSize = 0x1000
	fakeTextBase = 0x100000
	fakeDataBase = fakeTextBase + 2*fakePageSize
	fakeMemEnd   = fakeDataBase + fakePageSize

	fakePortName = 0x1103
	fakeTaskName = 0x2403
	fakeReply    = 0x1207
)

var errFake = errors.New("fake failure")

// fakeTask is an in-memory task: two pages of r-x text followed by a
// page of rw- data, a per-class exception routing table and a fixed set
// of threads.
type fakeTask struct {
	pid     int
	mem     []byte
	regions []Region

	classes [machexc.ExcCorpseNotify + 1]ExceptionPortBinding

	threads   []Thread
	suspended map[Thread]int
	pcs       map[Thread]uint64
	taskSusp  int
	// listed and released count the thread references handed out by
	// Threads and dropped by ReleaseThreads.
	listed   int
	released int

	port *fakePort

	writes       int
	setCalls     int
	failSetAfter int // SetExceptionPorts fails once setCalls exceeds it, if > 0
	failSet      bool
	failGet      bool
	failPort     bool
	failRead     bool
	failThreads  bool
	failSuspend  Thread // SuspendThread fails for this thread, if set
	closed       bool
	events       *[]string
}

func newFakeTask(pid int, events *[]string) *fakeTask {
	t := &fakeTask{
		pid: pid,
		mem: make([]byte, fakeMemEnd-fakeTextBase),
		regions: []Region{
			{Start: fakeTextBase, End: fakeDataBase, Prot: ProtRead | ProtExecute},
			{Start: fakeDataBase, End: fakeMemEnd, Prot: ProtRead | ProtWrite},
		},
		threads:   []Thread{0x2303, 0x2503},
		suspended: map[Thread]int{},
		pcs:       map[Thread]uint64{},
		events:    events,
	}
	for i := range t.mem {
		t.mem[i] = byte(i * 7)
	}
	// Crash reporter on the bad access and crash classes, host defaults for
	// the rest.
	for c := machexc.ExcBadAccess; c <= machexc.ExcCorpseNotify; c++ {
		t.classes[c] = ExceptionPortBinding{Mask: c.Mask(), Behavior: machexc.BehaviorDefault, Flavor: machexc.ThreadStateNone}
	}
	for _, c := range []machexc.ExceptionType{machexc.ExcBadAccess, machexc.ExcCrash} {
		t.classes[c] = ExceptionPortBinding{Mask: c.Mask(), Port: 0x907, Behavior: machexc.BehaviorStateIdentity | machexc.MachExceptionCodes, Flavor: 7}
	}
	return t
}

func (t *fakeTask) event(s string) {
	if t.events != nil {
		*t.events = append(*t.events, s)
	}
}

func (t *fakeTask) Pid() int { return t.pid }

func (t *fakeTask) Threads() ([]Thread, error) {
	if t.failThreads {
		return nil, errFake
	}
	t.listed += len(t.threads)
	return append([]Thread(nil), t.threads...), nil
}

func (t *fakeTask) ReleaseThreads(threads []Thread) {
	t.released += len(threads)
}

func (t *fakeTask) SuspendThread(th Thread) error {
	if t.failSuspend != 0 && th == t.failSuspend {
		return fmt.Errorf("suspend %#x: %w", th, errFake)
	}
	t.suspended[th]++
	return nil
}

func (t *fakeTask) ResumeThread(th Thread) error {
	if t.suspended[th] == 0 {
		return fmt.Errorf("thread %#x is not suspended", th)
	}
	t.suspended[th]--
	return nil
}

func (t *fakeTask) allSuspended() bool {
	for _, th := range t.threads {
		if t.suspended[th] == 0 {
			return false
		}
	}
	return true
}

func (t *fakeTask) Suspend() error {
	t.event("task_suspend")
	t.taskSusp++
	return nil
}

func (t *fakeTask) Resume() error {
	t.event("task_resume")
	t.taskSusp--
	return nil
}

func (t *fakeTask) ThreadPC(th Thread) (uint64, error) {
	pc, ok := t.pcs[th]
	if !ok {
		return 0, fmt.Errorf("no thread %#x", th)
	}
	return pc, nil
}

func (t *fakeTask) Region(addr uint64) (Region, error) {
	for _, r := range t.regions {
		if addr >= r.Start && addr < r.End {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("no region at %#x", addr)
}

func (t *fakeTask) inRange(addr uint64, n int) bool {
	return addr >= fakeTextBase && addr+uint64(n) <= fakeMemEnd
}

func (t *fakeTask) ReadMemory(buf []byte, addr uint64) (int, error) {
	if t.failRead || !t.inRange(addr, len(buf)) {
		return 0, fmt.Errorf("read %#x: %w", addr, errFake)
	}
	return copy(buf, t.mem[addr-fakeTextBase:]), nil
}

func (t *fakeTask) WriteMemory(addr uint64, data []byte) (int, error) {
	if !t.inRange(addr, len(data)) {
		return 0, fmt.Errorf("write %#x: %w", addr, errFake)
	}
	for a := addr; a < addr+uint64(len(data)); a += fakePageSize {
		r, _ := t.Region(a)
		if r.Prot&ProtWrite == 0 {
			return 0, fmt.Errorf("write %#x: protection %v", a, r.Prot)
		}
	}
	t.event("write")
	t.writes++
	return copy(t.mem[addr-fakeTextBase:], data), nil
}

// Protect changes the protection of the regions overlapping the range;
// the fake splits nothing, the regions are page aligned.
func (t *fakeTask) Protect(addr uint64, size int, prot Prot) error {
	for i := range t.regions {
		r := &t.regions[i]
		if addr < r.End && addr+uint64(size) > r.Start {
			r.Prot = prot &^ ProtCopy
		}
	}
	return nil
}

func (t *fakeTask) PageSize() int { return fakePageSize }

// ExceptionPorts groups the classes in mask that share a routing, like
// task_get_exception_ports does.
func (t *fakeTask) ExceptionPorts(mask machexc.ExceptionMask) ([]ExceptionPortBinding, error) {
	if t.failGet {
		return nil, errFake
	}
	var out []ExceptionPortBinding
	for c := machexc.ExcBadAccess; c <= machexc.ExcCorpseNotify; c++ {
		if mask&c.Mask() == 0 {
			continue
		}
		b := t.classes[c]
		merged := false
		for i := range out {
			if out[i].Port == b.Port && out[i].Behavior == b.Behavior && out[i].Flavor == b.Flavor {
				out[i].Mask |= c.Mask()
				merged = true
				break
			}
		}
		if !merged {
			b.Mask = c.Mask()
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *fakeTask) SetExceptionPorts(b ExceptionPortBinding) error {
	t.setCalls++
	if t.failSet || (t.failSetAfter > 0 && t.setCalls > t.failSetAfter) {
		return errFake
	}
	t.event("set_exception_ports")
	for c := machexc.ExcBadAccess; c <= machexc.ExcCorpseNotify; c++ {
		if b.Mask&c.Mask() != 0 {
			t.classes[c] = ExceptionPortBinding{Mask: c.Mask(), Port: b.Port, Behavior: b.Behavior, Flavor: b.Flavor}
		}
	}
	return nil
}

func (t *fakeTask) NewExceptionPort() (ExceptionPort, error) {
	if t.failPort {
		return nil, errFake
	}
	t.port = newFakePort(fakePortName)
	return t.port, nil
}

func (t *fakeTask) Close() error {
	t.closed = true
	return nil
}

// fakePort is an exception port backed by a channel. Messages queued with
// deliver are received in order.
type fakePort struct {
	name  uint32
	inbox chan []byte
	done  chan struct{}

	mu         sync.Mutex
	received   int
	replies    [][]byte
	interrupts int
	replyErr   error
	closed     bool

	// inboxClosed is set by closeInbox.
	inboxClosed bool
}

func newFakePort(name uint32) *fakePort {
	return &fakePort{name: name, inbox: make(chan []byte, 64), done: make(chan struct{})}
}

func (p *fakePort) deliver(msg []byte) {
	p.inbox <- msg
}

// closeInbox makes Receive fail once the queued messages are drained, as
// when the kernel destroys the port.
func (p *fakePort) closeInbox() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inboxClosed = true
	close(p.inbox)
}

func (p *fakePort) Name() uint32 { return p.name }

func (p *fakePort) Receive(buf []byte) (int, error) {
	select {
	case msg, ok := <-p.inbox:
		if !ok {
			return 0, errors.New("port destroyed")
		}
		p.mu.Lock()
		p.received++
		p.mu.Unlock()
		return copy(buf, msg), nil
	case <-p.done:
		return 0, errors.New("port closed")
	}
}

func (p *fakePort) Reply(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyErr != nil {
		return p.replyErr
	}
	p.replies = append(p.replies, append([]byte(nil), msg...))
	return nil
}

func (p *fakePort) resetReplies() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = nil
}

func (p *fakePort) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
	if p.closed || p.inboxClosed {
		return errors.New("port closed")
	}
	p.inbox <- machexc.EncodeInterrupt(p.name)
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("port already closed")
	}
	p.closed = true
	close(p.done)
	return nil
}

func (p *fakePort) replyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replies)
}

type threadUpdate struct {
	thread Thread
	sig    int
	// suspended records whether every thread was suspended at the time
	// of the update.
	suspended bool
}

// fakeBackend hands out a single fakeTask and records the primitives the
// session calls, in order.
type fakeBackend struct {
	task   *fakeTask
	events []string

	pid        int
	alive      map[int]bool
	launched   *LaunchConfig
	launchErr  error
	exitStatus int
	exits      bool
	acquireErr error
	attachErr  error

	updates []threadUpdate
	killed  []int

	// beforeExec and afterExec run around the exec trap a released child
	// raises.
	beforeExec func()
	afterExec  func()
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{pid: 4242, alive: map[int]bool{}}
	b.task = newFakeTask(b.pid, &b.events)
	return b
}

func (b *fakeBackend) Launch(cfg *LaunchConfig) (int, error) {
	b.events = append(b.events, "launch")
	if b.launchErr != nil {
		return 0, b.launchErr
	}
	b.launched = cfg
	b.alive[b.pid] = true
	return b.pid, nil
}

// ReleaseExec raises the exec trap on the installed port, or the death of
// the task when the child is set to exit.
func (b *fakeBackend) ReleaseExec(pid int) error {
	b.events = append(b.events, "exec")
	if b.beforeExec != nil {
		b.beforeExec()
	}
	if b.exits {
		b.alive[pid] = false
		b.task.port.deliver(deadNameNotification())
		return nil
	}
	b.task.port.deliver(softSignal(b.task.threads[0], trapSignal))
	if b.afterExec != nil {
		b.afterExec()
	}
	return nil
}

func (b *fakeBackend) Reap(pid int) error {
	b.events = append(b.events, "reap")
	return ErrProcessExited{Pid: pid, Status: b.exitStatus}
}

func (b *fakeBackend) AcquireTask(pid int) (Task, error) {
	b.events = append(b.events, "task_for_pid")
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	return b.task, nil
}

func (b *fakeBackend) AttachTrace(pid int) error {
	b.events = append(b.events, "attach")
	if b.attachErr != nil {
		return b.attachErr
	}
	b.alive[pid] = true
	return nil
}

func (b *fakeBackend) UpdateThread(pid int, thread Thread, sig int) error {
	b.updates = append(b.updates, threadUpdate{thread: thread, sig: sig, suspended: b.task.allSuspended()})
	return nil
}

func (b *fakeBackend) Kill(pid int) error {
	b.events = append(b.events, "kill")
	b.killed = append(b.killed, pid)
	b.alive[pid] = false
	return nil
}

func softSignal(thread Thread, sig int) []byte {
	return machexc.EncodeRaise(fakePortName, fakeReply, uint32(thread), fakeTaskName, machexc.ExcSoftware, []int64{machexc.ExcSoftSignal, int64(sig)})
}

func breakpointException(thread Thread) []byte {
	return machexc.EncodeRaise(fakePortName, fakeReply, uint32(thread), fakeTaskName, machexc.ExcBreakpoint, []int64{1, 0})
}

func deadNameNotification() []byte {
	msg := make([]byte, machexc.HeaderSize+8)
	machexc.Header{Size: uint32(len(msg)), LocalPort: fakePortName, ID: machexc.DeadNameID}.Put(msg)
	return msg
}
