//go:build darwin && cgo

package native

// #include "mach_darwin.h"
import "C"
import (
	"errors"
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/isolate-dbg/isolate/pkg/proc"
	"github.com/isolate-dbg/isolate/pkg/proc/machexc"
)

const maxThreads = 1024

// task is a task port obtained with task_for_pid.
type task struct {
	pid  int
	port C.task_t
}

func newTask(pid int, port C.task_t) *task {
	return &task{pid: pid, port: port}
}

func (t *task) Pid() int { return t.pid }

func (t *task) Threads() ([]proc.Thread, error) {
	var list [maxThreads]C.thread_act_t
	var count C.mach_msg_type_number_t
	if kret := C.task_thread_list(t.port, &list[0], maxThreads, &count); kret != C.KERN_SUCCESS {
		return nil, fmt.Errorf("could not list threads: %w", kernError(kret))
	}
	threads := make([]proc.Thread, count)
	for i := range threads {
		threads[i] = proc.Thread(list[i])
	}
	return threads, nil
}

// ReleaseThreads drops the send rights Threads handed out.
func (t *task) ReleaseThreads(threads []proc.Thread) {
	for _, th := range threads {
		C.release_port(C.mach_port_t(th))
	}
}

func (t *task) SuspendThread(th proc.Thread) error {
	if kret := C.thread_suspend(C.thread_act_t(th)); kret != C.KERN_SUCCESS {
		return fmt.Errorf("could not suspend thread %#x: %w", uint32(th), kernError(kret))
	}
	return nil
}

func (t *task) ResumeThread(th proc.Thread) error {
	if kret := C.thread_resume(C.thread_act_t(th)); kret != C.KERN_SUCCESS {
		return fmt.Errorf("could not resume thread %#x: %w", uint32(th), kernError(kret))
	}
	return nil
}

func (t *task) Suspend() error {
	if kret := C.task_suspend(t.port); kret != C.KERN_SUCCESS {
		return fmt.Errorf("could not suspend task: %w", kernError(kret))
	}
	return nil
}

func (t *task) Resume() error {
	if kret := C.task_resume(t.port); kret != C.KERN_SUCCESS {
		return fmt.Errorf("could not resume task: %w", kernError(kret))
	}
	return nil
}

func (t *task) ThreadPC(th proc.Thread) (uint64, error) {
	var pc C.uint64_t
	if kret := C.get_thread_pc(C.thread_act_t(th), &pc); kret != C.KERN_SUCCESS {
		return 0, fmt.Errorf("could not get state of thread %#x: %w", uint32(th), kernError(kret))
	}
	return uint64(pc), nil
}

func (t *task) Region(addr uint64) (proc.Region, error) {
	start := C.mach_vm_address_t(addr)
	var size C.mach_vm_size_t
	var prot C.vm_prot_t
	if kret := C.memory_region(t.port, &start, &size, &prot); kret != C.KERN_SUCCESS {
		return proc.Region{}, kernError(kret)
	}
	if uint64(start) > addr {
		return proc.Region{}, fmt.Errorf("%#x is not mapped, next region at %#x", addr, uint64(start))
	}
	return proc.Region{Start: uint64(start), End: uint64(start) + uint64(size), Prot: proc.Prot(prot)}, nil
}

func (t *task) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var n C.mach_vm_size_t
	kret := C.read_memory(t.port, C.mach_vm_address_t(addr), unsafe.Pointer(&buf[0]), C.mach_vm_size_t(len(buf)), &n)
	if kret != C.KERN_SUCCESS {
		return 0, kernError(kret)
	}
	return int(n), nil
}

func (t *task) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	kret := C.write_memory(t.port, C.mach_vm_address_t(addr), unsafe.Pointer(&data[0]), C.mach_msg_type_number_t(len(data)))
	if kret != C.KERN_SUCCESS {
		return 0, kernError(kret)
	}
	return len(data), nil
}

func (t *task) Protect(addr uint64, size int, prot proc.Prot) error {
	if kret := C.protect_memory(t.port, C.mach_vm_address_t(addr), C.mach_vm_size_t(size), C.vm_prot_t(prot)); kret != C.KERN_SUCCESS {
		return kernError(kret)
	}
	return nil
}

func (t *task) PageSize() int { return sys.Getpagesize() }

func (t *task) ExceptionPorts(mask machexc.ExceptionMask) ([]proc.ExceptionPortBinding, error) {
	var info C.exception_ports_info
	if kret := C.get_exception_ports(t.port, C.exception_mask_t(mask), &info); kret != C.KERN_SUCCESS {
		return nil, kernError(kret)
	}
	out := make([]proc.ExceptionPortBinding, info.count)
	for i := range out {
		out[i] = proc.ExceptionPortBinding{
			Mask:     machexc.ExceptionMask(info.masks[i]),
			Port:     uint32(info.ports[i]),
			Behavior: machexc.Behavior(info.behaviors[i]),
			Flavor:   int32(info.flavors[i]),
		}
	}
	return out, nil
}

func (t *task) SetExceptionPorts(b proc.ExceptionPortBinding) error {
	kret := C.task_set_exception_ports(t.port, C.exception_mask_t(b.Mask), C.mach_port_t(b.Port),
		C.exception_behavior_t(b.Behavior), C.thread_state_flavor_t(b.Flavor))
	if kret != C.KERN_SUCCESS {
		return kernError(kret)
	}
	return nil
}

func (t *task) NewExceptionPort() (proc.ExceptionPort, error) {
	var port C.mach_port_t
	if kret := C.allocate_exception_port(t.port, &port); kret != C.KERN_SUCCESS {
		return nil, kernError(kret)
	}
	return &exceptionPort{name: port}, nil
}

func (t *task) Close() error {
	if t.port == 0 {
		return errors.New("task already closed")
	}
	kret := C.release_port(t.port)
	t.port = 0
	if kret != C.KERN_SUCCESS {
		return kernError(kret)
	}
	return nil
}
