// Package machexc encodes and decodes the mach_exc MIG messages the Darwin
// kernel sends to an exception port, and dispatches them to a Handler the
// same way the generated mach_exc_server demultiplexer does.
//
// Only the MACH_EXCEPTION_CODES flavour of the protocol is implemented:
// exception codes are always 64 bit.
package machexc

import "fmt"

// KernReturn mirrors kern_return_t.
type KernReturn int32

const (
	KernSuccess         KernReturn = 0
	KernInvalidArgument KernReturn = 4
	KernFailure         KernReturn = 5
	KernNotSupported    KernReturn = 46
	MigBadID            KernReturn = -303
	MigBadArguments     KernReturn = -304
	RcvInvalidType      KernReturn = 0x1000400f
)

func (kr KernReturn) String() string {
	switch kr {
	case KernSuccess:
		return "KERN_SUCCESS"
	case KernInvalidArgument:
		return "KERN_INVALID_ARGUMENT"
	case KernFailure:
		return "KERN_FAILURE"
	case KernNotSupported:
		return "KERN_NOT_SUPPORTED"
	case MigBadID:
		return "MIG_BAD_ID"
	case MigBadArguments:
		return "MIG_BAD_ARGUMENTS"
	case RcvInvalidType:
		return "MACH_RCV_INVALID_TYPE"
	}
	return fmt.Sprintf("kern_return(%#x)", int32(kr))
}

// ExceptionType mirrors exception_type_t.
type ExceptionType int32

const (
	ExcBadAccess      ExceptionType = 1
	ExcBadInstruction ExceptionType = 2
	ExcArithmetic     ExceptionType = 3
	ExcEmulation      ExceptionType = 4
	ExcSoftware       ExceptionType = 5
	ExcBreakpoint     ExceptionType = 6
	ExcSyscall        ExceptionType = 7
	ExcMachSyscall    ExceptionType = 8
	ExcRPCAlert       ExceptionType = 9
	ExcCrash          ExceptionType = 10
	ExcResource       ExceptionType = 11
	ExcGuard          ExceptionType = 12
	ExcCorpseNotify   ExceptionType = 13
)

var exceptionNames = map[ExceptionType]string{
	ExcBadAccess:      "EXC_BAD_ACCESS",
	ExcBadInstruction: "EXC_BAD_INSTRUCTION",
	ExcArithmetic:     "EXC_ARITHMETIC",
	ExcEmulation:      "EXC_EMULATION",
	ExcSoftware:       "EXC_SOFTWARE",
	ExcBreakpoint:     "EXC_BREAKPOINT",
	ExcSyscall:        "EXC_SYSCALL",
	ExcMachSyscall:    "EXC_MACH_SYSCALL",
	ExcRPCAlert:       "EXC_RPC_ALERT",
	ExcCrash:          "EXC_CRASH",
	ExcResource:       "EXC_RESOURCE",
	ExcGuard:          "EXC_GUARD",
	ExcCorpseNotify:   "EXC_CORPSE_NOTIFY",
}

func (t ExceptionType) String() string {
	if s, ok := exceptionNames[t]; ok {
		return s
	}
	return fmt.Sprintf("exception(%d)", int32(t))
}

// ExcSoftSignal is the first code of an EXC_SOFTWARE exception that carries
// a Unix signal (delivered because the target is traced with PT_SIGEXC or
// PT_ATTACHEXC). The second code is the signal number.
const ExcSoftSignal = 0x10003

// ExceptionMask mirrors exception_mask_t.
type ExceptionMask uint32

// Mask returns the mask bit that selects t.
func (t ExceptionType) Mask() ExceptionMask { return 1 << uint(t) }

// MaskAll is EXC_MASK_ALL: every exception class from EXC_BAD_ACCESS to
// EXC_GUARD except EXC_CRASH, which the kernel refuses to route to a task
// port, and EXC_CORPSE_NOTIFY.
const MaskAll ExceptionMask = 0x1bfe

// Behavior mirrors exception_behavior_t.
type Behavior int32

const (
	BehaviorDefault       Behavior = 1
	BehaviorState         Behavior = 2
	BehaviorStateIdentity Behavior = 3

	// MachExceptionCodes asks the kernel to deliver 64 bit codes.
	MachExceptionCodes Behavior = -0x80000000
)

func (b Behavior) String() string {
	var s string
	switch b &^ MachExceptionCodes {
	case BehaviorDefault:
		s = "EXCEPTION_DEFAULT"
	case BehaviorState:
		s = "EXCEPTION_STATE"
	case BehaviorStateIdentity:
		s = "EXCEPTION_STATE_IDENTITY"
	default:
		s = fmt.Sprintf("behavior(%d)", int32(b&^MachExceptionCodes))
	}
	if b&MachExceptionCodes != 0 {
		s += "|MACH_EXCEPTION_CODES"
	}
	return s
}

// ThreadStateNone is THREAD_STATE_NONE, the flavor used with
// EXCEPTION_DEFAULT.
const ThreadStateNone = 13

// Exception is a decoded exception message. It only lives for the
// duration of one relay iteration.
type Exception struct {
	// Port is the exception port the message was received on.
	Port   uint32
	Thread uint32
	Task   uint32
	Type   ExceptionType
	Codes  []int64
}

// Signal returns the Unix signal carried by a soft-signal exception.
func (e *Exception) Signal() (int, bool) {
	if e.Type != ExcSoftware || len(e.Codes) < 2 || e.Codes[0] != ExcSoftSignal {
		return 0, false
	}
	return int(e.Codes[1]), true
}

func (e *Exception) String() string {
	if sig, ok := e.Signal(); ok {
		return fmt.Sprintf("%s/EXC_SOFT_SIGNAL signal=%d thread=%#x", e.Type, sig, e.Thread)
	}
	return fmt.Sprintf("%s codes=%#x thread=%#x", e.Type, e.Codes, e.Thread)
}

// StateException is the payload of the raise_state and
// raise_state_identity variants. Thread and Task are zero for
// raise_state.
type StateException struct {
	Exception
	Flavor   int32
	OldState []uint32
	// NewState is filled by the handler when it returns KernSuccess.
	NewState []uint32
}

// Handler receives exceptions routed by Serve. There is one method per
// delivery variant of the mach_exc protocol.
type Handler interface {
	// CatchRaise handles EXCEPTION_DEFAULT deliveries.
	CatchRaise(e *Exception) KernReturn
	// CatchRaiseState handles EXCEPTION_STATE deliveries.
	CatchRaiseState(e *StateException) KernReturn
	// CatchRaiseStateIdentity handles EXCEPTION_STATE_IDENTITY deliveries.
	CatchRaiseStateIdentity(e *StateException) KernReturn
}
