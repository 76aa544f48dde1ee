// Package native implements the process control primitives of a session
// on top of the Mach task and exception interfaces of Darwin.
//
// On every other OS, and on Darwin builds without cgo, New returns
// ErrNativeBackendDisabled.
package native

import (
	"errors"
	"runtime"
)

var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// ptracer runs every trace layer request on one locked OS thread.
type ptracer struct {
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
}

func newPtracer() *ptracer {
	p := &ptracer{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go p.handlePtraceFuncs()
	return p
}

func (p *ptracer) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. The fork of the child also
	// happens here so that the tracer thread is the parent thread.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *ptracer) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}
