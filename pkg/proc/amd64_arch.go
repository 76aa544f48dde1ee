package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

var amd64BreakInstruction = []byte{0xCC}

// AMD64 represents the AMD64 CPU architecture.
type AMD64 struct{}

// AMD64Arch returns an initialized AMD64
// struct.
func AMD64Arch() *AMD64 {
	return &AMD64{}
}

// PtrSize returns the size of a pointer
// on this architecture.
func (a *AMD64) PtrSize() int {
	return 8
}

// MaxInstructionLength returns the maximum length of an instruction.
func (a *AMD64) MaxInstructionLength() int {
	return 15
}

// BreakpointInstruction returns the Breakpoint
// instruction for this architecture.
func (a *AMD64) BreakpointInstruction() []byte {
	return amd64BreakInstruction
}

// BreakInstrMovesPC returns whether the
// breakpoint instruction will change the value
// of PC after being executed
func (a *AMD64) BreakInstrMovesPC() bool {
	return true
}

// BreakpointSize returns the size of the
// breakpoint instruction on this architecture.
func (a *AMD64) BreakpointSize() int {
	return len(amd64BreakInstruction)
}

func (a *AMD64) Disassemble(mem []byte, pc uint64) (string, int, error) {
	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		return "", 0, err
	}
	return x86asm.GNUSyntax(inst, pc, nil), inst.Len, nil
}
