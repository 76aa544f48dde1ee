//go:build darwin && cgo

package native

import sys "golang.org/x/sys/unix"

// Darwin ptrace requests, from <sys/ptrace.h>.
const (
	ptThupdate  = 13
	ptAttachExc = 14
)

// ptraceAttachExc attaches to pid with signals delivered as Mach
// exceptions. The kernel stops the process with SIGSTOP.
func ptraceAttachExc(pid int) error {
	return ptrace(ptAttachExc, pid, 0, 0)
}

// ptraceThupdate sets the signal delivered to thread once its pending
// exception is replied to.
func ptraceThupdate(pid int, thread uint32, sig int) error {
	return ptrace(ptThupdate, pid, uintptr(thread), uintptr(sig))
}

func ptrace(request, pid int, addr uintptr, data uintptr) error {
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(request), uintptr(pid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
