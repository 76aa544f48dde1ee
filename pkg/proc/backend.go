package proc

import (
	"github.com/isolate-dbg/isolate/pkg/proc/machexc"
)

// LaunchConfig describes the child to create.
type LaunchConfig struct {
	// Path is the executable, Args its full argument vector (Args[0]
	// included).
	Path       string
	Args       []string
	Env        []string
	WorkingDir string
	// TTY is the terminal the child gets as its controlling terminal and
	// standard streams. Empty means inherit the controller's.
	TTY string
}

// Backend is the set of process-control primitives a session is built
// on. The native implementation lives in package native.
type Backend interface {
	// Launch creates a child that is armed for tracing, with signals
	// delivered as exceptions, and held before exec until ReleaseExec.
	Launch(cfg *LaunchConfig) (int, error)
	// ReleaseExec lets a held child exec its image. The exec raises a
	// SIGTRAP exception on the exception ports of the child's task.
	ReleaseExec(pid int) error
	// Reap waits for a launched child whose task died and returns the
	// ErrProcessExited describing how it ended.
	Reap(pid int) error
	// AcquireTask exchanges pid for its task port.
	AcquireTask(pid int) (Task, error)
	// AttachTrace attaches the trace layer to a running pid with signals
	// delivered as exceptions.
	AttachTrace(pid int) error
	// UpdateThread sets the signal the trace layer delivers to thread when
	// its current exception is replied to. Zero delivers nothing.
	UpdateThread(pid int, thread Thread, sig int) error
	// Kill terminates pid and reaps it if it is a child of the controller.
	Kill(pid int) error
}

// Task is a privileged handle over the memory, threads and exception
// routing of a process.
type Task interface {
	Pid() int
	// Threads lists the threads of the task. Every listed thread holds a
	// reference the caller drops with ReleaseThreads.
	Threads() ([]Thread, error)
	ReleaseThreads([]Thread)
	SuspendThread(Thread) error
	ResumeThread(Thread) error
	Suspend() error
	Resume() error
	// ThreadPC reads the program counter of a suspended thread.
	ThreadPC(Thread) (uint64, error)

	// Region returns the mapping containing addr.
	Region(addr uint64) (Region, error)
	ReadMemory(buf []byte, addr uint64) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)
	Protect(addr uint64, size int, prot Prot) error
	PageSize() int

	// ExceptionPorts returns the bindings registered for the classes in
	// mask, one entry per distinct routing.
	ExceptionPorts(mask machexc.ExceptionMask) ([]ExceptionPortBinding, error)
	SetExceptionPorts(b ExceptionPortBinding) error
	// NewExceptionPort allocates a receive right with a send right
	// inserted, ready to be installed with SetExceptionPorts.
	NewExceptionPort() (ExceptionPort, error)

	Close() error
}

// ExceptionPort is a port the controller owns the receive right of.
type ExceptionPort interface {
	Name() uint32
	// Receive blocks until a message arrives and copies it into buf.
	Receive(buf []byte) (int, error)
	// Reply sends an encoded reply message.
	Reply(msg []byte) error
	// Interrupt wakes up a pending Receive with a machexc.InterruptID
	// message. It may be called from any goroutine.
	Interrupt() error
	Close() error
}
