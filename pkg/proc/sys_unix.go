//go:build unix

package proc

import "golang.org/x/sys/unix"

// stopSignal is the signal the attach handshake stops the target with.
const stopSignal = int(unix.SIGSTOP)

// trapSignal is the signal the exec of a traced child raises.
const trapSignal = int(unix.SIGTRAP)

// anonStaging maps private anonymous read/write pages.
type anonStaging struct{}

func (anonStaging) Map(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func (anonStaging) Unmap(b []byte) error {
	return unix.Munmap(b)
}
