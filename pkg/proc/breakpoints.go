package proc

import (
	"bytes"
	"fmt"

	"github.com/isolate-dbg/isolate/pkg/logflags"
)

// Breakpoint represents a software breakpoint planted in the target.
type Breakpoint struct {
	Addr uint64
	// OriginalData are the bytes the trap replaced, captured before the
	// first write to Addr.
	OriginalData []byte
	TrapData     []byte
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint at %#x original=% x trap=% x", bp.Addr, bp.OriginalData, bp.TrapData)
}

// Staging allocates and releases the controller-side scratch mapping a
// patch is assembled in.
type Staging interface {
	Map(size int) ([]byte, error)
	Unmap(b []byte) error
}

// Injector writes instruction patches into a task.
type Injector struct {
	task    Task
	arch    Arch
	staging Staging

	// Disassemble logs the instruction being replaced.
	Disassemble bool
}

// NewInjector returns an injector writing to task through the default
// anonymous staging mapping.
func NewInjector(task Task, arch Arch) *Injector {
	return &Injector{task: task, arch: arch, staging: anonStaging{}}
}

// SetStaging replaces the staging allocator.
func (inj *Injector) SetStaging(s Staging) {
	inj.staging = s
}

// Plant captures the instruction at addr and overwrites it with the trap
// instruction of the architecture.
func (inj *Injector) Plant(addr uint64) (*Breakpoint, error) {
	trap := inj.arch.BreakpointInstruction()
	region, err := inj.region(addr, len(trap))
	if err != nil {
		return nil, err
	}

	orig := make([]byte, len(trap))
	if _, err := inj.task.ReadMemory(orig, addr); err != nil {
		return nil, &SessionError{Kind: MemoryFault, Stage: StageInject, Err: fmt.Errorf("could not read %#x: %w", addr, err)}
	}
	if inj.Disassemble {
		inj.logInstruction(addr, region)
	}

	bp := &Breakpoint{Addr: addr, OriginalData: orig, TrapData: append([]byte(nil), trap...)}
	if err := inj.write(addr, bp.TrapData, region); err != nil {
		return nil, err
	}
	logflags.MemoryLogger().Debugf("planted %v", bp)
	return bp, nil
}

// Clear restores the bytes bp replaced.
func (inj *Injector) Clear(bp *Breakpoint) error {
	region, err := inj.region(bp.Addr, len(bp.OriginalData))
	if err != nil {
		return err
	}
	return inj.write(bp.Addr, bp.OriginalData, region)
}

func (inj *Injector) region(addr uint64, n int) (Region, error) {
	region, err := inj.task.Region(addr)
	if err != nil {
		return Region{}, &SessionError{Kind: MemoryFault, Stage: StageInject, Err: fmt.Errorf("%#x is not mapped: %w", addr, err)}
	}
	if !region.Contains(addr, n) {
		return Region{}, newError(MemoryFault, StageInject, "%#x is not mapped", addr)
	}
	if region.Prot&ProtExecute == 0 {
		return Region{}, newError(MemoryFault, StageInject, "%#x is not executable (%v)", addr, region.Prot)
	}
	return region, nil
}

// write applies patch at addr. The pages spanning the patch are copied
// into a staging mapping, patched there and transferred back to the same
// addresses of the target. The staging mapping is released before
// returning.
func (inj *Injector) write(addr uint64, patch []byte, region Region) error {
	page := uint64(inj.task.PageSize())
	base := addr &^ (page - 1)
	end := (addr + uint64(len(patch)) + page - 1) &^ (page - 1)
	span := int(end - base)

	staged, err := inj.staging.Map(span)
	if err != nil {
		return &SessionError{Kind: ResourceExhausted, Stage: StageInject, Err: fmt.Errorf("could not map %d staging bytes: %w", span, err)}
	}
	defer func() {
		if err := inj.staging.Unmap(staged); err != nil {
			logflags.MemoryLogger().Errorf("could not unmap staging: %v", err)
		}
	}()

	if _, err := inj.task.ReadMemory(staged, base); err != nil {
		return &SessionError{Kind: MemoryFault, Stage: StageInject, Err: fmt.Errorf("could not read page %#x: %w", base, err)}
	}
	copy(staged[addr-base:], patch)

	if err := inj.task.Protect(base, span, region.Prot|ProtWrite|ProtCopy); err != nil {
		return &SessionError{Kind: MemoryFault, Stage: StageInject, Err: fmt.Errorf("could not make %#x writable: %w", base, err)}
	}
	_, werr := inj.task.WriteMemory(base, staged)
	if err := inj.task.Protect(base, span, region.Prot); err != nil && werr == nil {
		werr = fmt.Errorf("could not restore protection %v: %w", region.Prot, err)
	}
	if werr != nil {
		return &SessionError{Kind: MemoryFault, Stage: StageInject, Err: fmt.Errorf("could not write %#x: %w", addr, werr)}
	}

	check := make([]byte, len(patch))
	if _, err := inj.task.ReadMemory(check, addr); err != nil {
		return &SessionError{Kind: MemoryFault, Stage: StageInject, Err: fmt.Errorf("could not read back %#x: %w", addr, err)}
	}
	if !bytes.Equal(check, patch) {
		return newError(MemoryFault, StageInject, "write at %#x did not stick: % x", addr, check)
	}
	return nil
}

func (inj *Injector) logInstruction(addr uint64, region Region) {
	n := inj.arch.MaxInstructionLength()
	if rest := region.End - addr; uint64(n) > rest {
		n = int(rest)
	}
	mem := make([]byte, n)
	if _, err := inj.task.ReadMemory(mem, addr); err != nil {
		logflags.MemoryLogger().Debugf("could not read instruction at %#x: %v", addr, err)
		return
	}
	text, size, err := inj.arch.Disassemble(mem, addr)
	if err != nil {
		logflags.MemoryLogger().Debugf("could not decode instruction at %#x: %v", addr, err)
		return
	}
	logflags.MemoryLogger().Infof("replacing %#x: % x\t%s", addr, mem[:size], text)
}
