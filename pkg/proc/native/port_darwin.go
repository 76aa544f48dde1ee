//go:build darwin && cgo

package native

// #include "mach_darwin.h"
import "C"
import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/isolate-dbg/isolate/pkg/proc/machexc"
)

var errPortClosed = errors.New("exception port closed")

// exceptionPort owns a receive right and a send right under name.
type exceptionPort struct {
	name C.mach_port_t

	mu     sync.Mutex
	closed bool
}

func (p *exceptionPort) Name() uint32 { return uint32(p.name) }

func (p *exceptionPort) Receive(buf []byte) (int, error) {
	var n C.mach_msg_size_t
	ret := C.receive_message(p.name, unsafe.Pointer(&buf[0]), C.mach_msg_size_t(len(buf)), &n)
	if ret != C.MACH_MSG_SUCCESS {
		return 0, fmt.Errorf("mach_msg receive: %w", kernError(C.kern_return_t(ret)))
	}
	return int(n), nil
}

func (p *exceptionPort) Reply(msg []byte) error {
	ret := C.send_message(unsafe.Pointer(&msg[0]), C.mach_msg_size_t(len(msg)))
	if ret != C.MACH_MSG_SUCCESS {
		return fmt.Errorf("mach_msg send: %w", kernError(C.kern_return_t(ret)))
	}
	return nil
}

func (p *exceptionPort) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPortClosed
	}
	return p.Reply(machexc.EncodeInterrupt(uint32(p.name)))
}

func (p *exceptionPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPortClosed
	}
	p.closed = true
	if kret := C.release_exception_port(p.name); kret != C.KERN_SUCCESS {
		return kernError(kret)
	}
	return nil
}
