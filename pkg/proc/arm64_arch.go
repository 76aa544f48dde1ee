package proc

import (
	"golang.org/x/arch/arm64/arm64asm"
)

// BRK #0
var arm64BreakInstruction = []byte{0x0, 0x0, 0x20, 0xd4}

// ARM64 represents the ARM64 CPU architecture.
type ARM64 struct{}

// ARM64Arch returns an initialized ARM64
// struct.
func ARM64Arch() *ARM64 {
	return &ARM64{}
}

// PtrSize returns the size of a pointer
// on this architecture.
func (a *ARM64) PtrSize() int {
	return 8
}

// MaxInstructionLength returns the maximum length of an instruction.
func (a *ARM64) MaxInstructionLength() int {
	return 4
}

// BreakpointInstruction returns the Breakpoint
// instruction for this architecture.
func (a *ARM64) BreakpointInstruction() []byte {
	return arm64BreakInstruction
}

// BreakInstrMovesPC returns whether the
// breakpoint instruction will change the value
// of PC after being executed
func (a *ARM64) BreakInstrMovesPC() bool {
	return false
}

// BreakpointSize returns the size of the
// breakpoint instruction on this architecture.
func (a *ARM64) BreakpointSize() int {
	return len(arm64BreakInstruction)
}

func (a *ARM64) Disassemble(mem []byte, pc uint64) (string, int, error) {
	inst, err := arm64asm.Decode(mem)
	if err != nil {
		return "", 0, err
	}
	if inst.Op == 0 {
		return "?", 4, nil
	}
	return arm64asm.GNUSyntax(inst), 4, nil
}
