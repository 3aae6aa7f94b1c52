/*
Package proc ties the kernel's subsystems into a process lifecycle: spawn,
exit, and wait.

# Table

Processes live in a fixed arena. A pid packs the slot index with the
generation the slot had at spawn, odd generations marking live slots, so a
pid held across its process's death and the slot's reuse resolves to
nothing rather than to the unrelated newcomer. Pid 0 never resolves and
names the kernel itself: it is the parent of boot-time processes and the
adopter of orphans.

# Spawn

Spawn builds a process bottom-up: a fresh address space with code mapped
execute-only-plus-read and a stack mapped writable, a capability table
seeded by transferring the parent's gifts, then a main thread admitted to
the scheduler. Any stage failing unwinds the stages before it, including
returning the pid to the arena, so a rejected spawn leaves no residue.

# Exit and wait

Exit retires every thread (parked ones are unparked first, then woken,
then terminated), then destroys the capability table, firing revocation
hooks that close the process's channel endpoints and tear down its shared
grants. It then releases the address space and wakes parked waiters. The entry
then lingers as a zombie carrying the exit status until the parent reaps
it with Wait; children of the dead process are reparented to the kernel,
which reaps zombies among them immediately since nobody can claim their
status anymore. Wait is parent-only and built on the scheduler's two-phase
park, so a child exiting between the liveness check and the sleep still
wakes the waiter.
*/
package proc
