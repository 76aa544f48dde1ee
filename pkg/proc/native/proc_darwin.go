//go:build darwin && cgo

package native

// #include "mach_darwin.h"
// #include <stdlib.h>
import "C"
import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/isolate-dbg/isolate/pkg/logflags"
	"github.com/isolate-dbg/isolate/pkg/proc"
)

// Backend is the Darwin implementation of proc.Backend.
type Backend struct {
	pt *ptracer

	mu       sync.Mutex
	children map[int]*child

	// TTYOutput receives the output of targets launched on a new
	// pseudo-terminal.
	TTYOutput *os.File
}

// New returns the native backend.
func New() (proc.Backend, error) {
	return &Backend{pt: newPtracer(), children: map[int]*child{}, TTYOutput: os.Stdout}, nil
}

// child is a process forked by Launch.
type child struct {
	tty *childTTY
	// hold is the write end of the pipe the child waits on before exec,
	// nil once released.
	hold *os.File
}

func (c *child) close() {
	if c.hold != nil {
		c.hold.Close()
		c.hold = nil
	}
	c.tty.close()
}

func cStrings(ss []string) []*C.char {
	out := make([]*C.char, 0, len(ss)+1)
	for _, s := range ss {
		out = append(out, C.CString(s))
	}
	// argv and envp must be null terminated.
	return append(out, nil)
}

func freeCStrings(ss []*C.char) {
	for _, s := range ss {
		if s != nil {
			C.free(unsafe.Pointer(s))
		}
	}
}

// Launch forks a child that calls PT_TRACE_ME and PT_SIGEXC, then waits
// for ReleaseExec before exec'ing the target.
func (b *Backend) Launch(cfg *proc.LaunchConfig) (int, error) {
	argv0Go := cfg.Path
	// Make sure the binary exists.
	if filepath.Base(argv0Go) == argv0Go {
		p, err := exec.LookPath(argv0Go)
		if err != nil {
			return 0, err
		}
		argv0Go = p
	}
	argv0Go, err := filepath.Abs(argv0Go)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(argv0Go); err != nil {
		return 0, err
	}

	tty, err := openTTY(cfg.TTY, b.TTYOutput)
	if err != nil {
		return 0, err
	}
	defer tty.parentDone()

	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{cfg.Path}
	}

	argv0 := C.CString(argv0Go)
	defer C.free(unsafe.Pointer(argv0))
	wd := C.CString(cfg.WorkingDir)
	defer C.free(unsafe.Pointer(wd))
	argv := cStrings(args)
	defer freeCStrings(argv)
	envp := cStrings(env)
	defer freeCStrings(envp)

	var pid int
	var hold C.int
	b.pt.execPtraceFunc(func() {
		pid = int(C.fork_traced(argv0, &argv[0], &envp[0], wd, C.int(tty.fd()), &hold))
	})
	if pid <= 0 {
		tty.close()
		return 0, fmt.Errorf("could not fork %s: %w", argv0Go, sys.Errno(-pid))
	}

	b.mu.Lock()
	b.children[pid] = &child{tty: tty, hold: os.NewFile(uintptr(hold), "exec hold")}
	b.mu.Unlock()
	logflags.LaunchLogger().Debugf("forked %s as %d", argv0Go, pid)
	return pid, nil
}

// ReleaseExec lets a child held by Launch exec its image.
func (b *Backend) ReleaseExec(pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.children[pid]
	if c == nil || c.hold == nil {
		return fmt.Errorf("%d is not waiting for exec", pid)
	}
	_, err := c.hold.Write([]byte{0})
	c.hold.Close()
	c.hold = nil
	if err != nil {
		return fmt.Errorf("could not release %d: %w", pid, err)
	}
	return nil
}

// Reap waits for a launched child that terminated.
func (b *Backend) Reap(pid int) error {
	for {
		var status sys.WaitStatus
		_, err := sys.Wait4(pid, &status, 0, nil)
		if errors.Is(err, sys.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait4 %d: %w", pid, err)
		}
		switch {
		case status.Exited():
			b.forget(pid)
			return proc.ErrProcessExited{Pid: pid, Status: status.ExitStatus()}
		case status.Signaled():
			b.forget(pid)
			return proc.ErrProcessExited{Pid: pid, Status: -int(status.Signal())}
		}
		logflags.LaunchLogger().Debugf("%d reported %#x while exiting", pid, uint32(status))
	}
}

// AcquireTask calls task_for_pid, which needs root or the debugger
// entitlement.
func (b *Backend) AcquireTask(pid int) (proc.Task, error) {
	var port C.task_t
	if kret := C.acquire_task(C.int(pid), &port); kret != C.KERN_SUCCESS {
		return nil, fmt.Errorf("task_for_pid %d: %w", pid, kernError(kret))
	}
	return newTask(pid, port), nil
}

func (b *Backend) AttachTrace(pid int) error {
	var err error
	b.pt.execPtraceFunc(func() { err = ptraceAttachExc(pid) })
	return err
}

func (b *Backend) UpdateThread(pid int, thread proc.Thread, sig int) error {
	var err error
	b.pt.execPtraceFunc(func() { err = ptraceThupdate(pid, uint32(thread), sig) })
	return err
}

// Kill sends SIGKILL to pid. Launched children are reaped in the
// background, once the session has let go of the task. A child still
// held before exec dies on the signal too.
func (b *Backend) Kill(pid int) error {
	if err := sys.Kill(pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return fmt.Errorf("could not deliver signal: %w", err)
	}
	b.mu.Lock()
	_, launched := b.children[pid]
	b.mu.Unlock()
	if launched {
		go func() {
			var status sys.WaitStatus
			for {
				if _, err := sys.Wait4(pid, &status, 0, nil); err != sys.EINTR {
					break
				}
			}
			b.forget(pid)
		}()
	}
	return nil
}

// forget drops a launched child and closes what the controller kept of
// it.
func (b *Backend) forget(pid int) {
	b.mu.Lock()
	c := b.children[pid]
	delete(b.children, pid)
	b.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// kernError turns a kern_return_t into an error.
func kernError(kret C.kern_return_t) error {
	return fmt.Errorf("%s (%#x)", C.GoString(C.mach_error_string(C.mach_error_t(kret))), int(kret))
}
