// Package kernel assembles the privileged core. New builds the address
// space manager, the context switch engine, the scheduler, the
// capability manager, processes, IPC and finally the syscall table, in
// that order, each handed exactly the collaborators it needs. Start
// spawns init and runs one timer loop per modeled core; Stop halts the
// loops and leaves the machine inspectable.
//
// The flight recorder tees off the logger before the first subsystem
// comes up, so the black box holds the boot sequence alongside runtime
// events, and the SLO harness is fed straight from the switch engine's
// latency hook.
package kernel
