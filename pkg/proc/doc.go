// Package proc is the process control and exception relay engine.
//
// A Session launches (or attaches to) a target, takes its Mach task port,
// redirects the exception classes of the task to a port owned by the
// controller, plants one software breakpoint and then relays exception
// messages until the breakpoint fires or the session is stopped from the
// outside. Teardown restores the saved exception routing and kills the
// target on every exit path.
//
// What follows is a breakdown of the division of responsibility by file:
//
//   - session.go - Session lifecycle: launch/attach handshake, teardown.
//   - backend.go - The OS primitives the engine is built on.
//   - ports.go - Capture, redirection and restore of exception ports.
//   - breakpoints.go - Staged patching of trap instructions.
//   - relay.go - The receive/suspend/decode/resume/reply loop.
//   - arch.go, *_arch.go - Trap encodings and disassembly per architecture.
//   - errors.go - The error taxonomy of a session.
//
// The OS primitives live in package native; package machexc holds the
// wire format of exception messages.
package proc
