package proc

import (
	"fmt"
)

// Arch defines an interface for representing a
// CPU architecture.
type Arch interface {
	PtrSize() int
	BreakpointInstruction() []byte
	BreakpointSize() int
	// BreakInstrMovesPC reports whether the PC reported for a trap is
	// past the trap instruction.
	BreakInstrMovesPC() bool
	// MaxInstructionLength is the number of bytes to read to be sure a
	// whole instruction can be decoded.
	MaxInstructionLength() int
	// Disassemble decodes the instruction at the start of mem, located at
	// pc, and returns its GNU syntax and length.
	Disassemble(mem []byte, pc uint64) (string, int, error)
}

// TrapAddr translates the PC reported for a trap back to the address of
// the trap instruction.
func TrapAddr(a Arch, pc uint64) uint64 {
	if a.BreakInstrMovesPC() {
		return pc - uint64(a.BreakpointSize())
	}
	return pc
}

// ArchForGOARCH returns the architecture of the given GOARCH value.
func ArchForGOARCH(goarch string) (Arch, error) {
	switch goarch {
	case "amd64":
		return AMD64Arch(), nil
	case "arm64":
		return ARM64Arch(), nil
	}
	return nil, fmt.Errorf("unsupported architecture %s", goarch)
}
