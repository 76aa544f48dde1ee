package proc

import "fmt"

// TargetState is the lifecycle state of the controlled process.
type TargetState uint8

const (
	Launching TargetState = iota
	Stopped
	Attached
	Running
	Trapped
	Detached
	Killed
)

var targetStateNames = [...]string{
	Launching: "launching",
	Stopped:   "stopped",
	Attached:  "attached",
	Running:   "running",
	Trapped:   "trapped",
	Detached:  "detached",
	Killed:    "killed",
}

func (s TargetState) String() string {
	if int(s) < len(targetStateNames) {
		return targetStateNames[s]
	}
	return fmt.Sprintf("TargetState(%d)", uint8(s))
}

// Thread is a thread port name of the target task.
type Thread uint32

// Target is the process controlled by a session.
type Target struct {
	Pid     int
	Task    Task
	Threads []Thread
	State   TargetState
}

// Prot is a set of virtual memory protection bits.
type Prot uint32

const (
	ProtRead    Prot = 0x1
	ProtWrite   Prot = 0x2
	ProtExecute Prot = 0x4
	// ProtCopy requests a private copy of the pages (VM_PROT_COPY), used to
	// make shared text writable.
	ProtCopy Prot = 0x10
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is a mapped range of the target address space.
type Region struct {
	Start, End uint64
	Prot       Prot
}

// Contains reports whether the n bytes at addr all lie in r.
func (r Region) Contains(addr uint64, n int) bool {
	return addr >= r.Start && addr+uint64(n) <= r.End && addr+uint64(n) >= addr
}

// Hit describes the breakpoint exception the relay stopped on.
type Hit struct {
	Thread Thread
	// PC is the program counter as reported by the thread, Addr the trap
	// address it maps back to.
	PC   uint64
	Addr uint64
}

// Result is the outcome of a completed session.
type Result struct {
	Pid        int
	Breakpoint *Breakpoint
	Hit        *Hit
	// Relayed counts the exception messages replied to.
	Relayed int
}
