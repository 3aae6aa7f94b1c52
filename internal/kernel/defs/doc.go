// Package defs holds the scalar identifiers, limits, clock abstraction, and
// error taxonomy shared by every kernel subsystem.
//
// It sits at the bottom of the dependency order (mem -> cpu -> sched -> cap
// -> ipc -> proc -> syscall) and imports nothing above the standard library,
// so any subsystem may depend on it without cycles.
package defs
