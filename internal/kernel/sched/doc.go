/*
Package sched implements the thread scheduler: per-core run queues over
three scheduling classes, admission control for deadline threads, CBS
budget enforcement, priority inheritance hooks for IPC, and the park/unpark
mechanism every blocking kernel operation is built on.

# Classes

Highest to lowest: Deadline (EDF under a constant bandwidth server),
FixedPriority (round-robin within a level, for interrupt-bound threads),
BestEffort (weighted fair queue). The class set is closed; Class is a
sealed interface so a new class cannot appear without every switch in this
package handling it.

# Per-core model

Each core owns a run queue set and pulls work from it. Only best-effort
threads are rebalanced across cores, and never onto isolated cores.
Deadline admission is partitioned: a thread is placed on one eligible core
and counted against that core's bandwidth; the sum of budget/period on a
core never exceeds 1.

# Locking

One short-held lock per core queue, ordered after address-space locks and
before capability-table locks. Cross-core operations lock the lower core id
first. A thread's home core is re-read after locking (it may have been
rebalanced), the same retry loop real kernels use. The context switch
engine is always invoked outside queue locks.

# Blocking

Park/Unpark is the single suspension mechanism: a parked thread is Blocked,
holds no kernel lock, and returns to Ready on wake or timeout. Interrupt
context never parks and never touches IPC; it posts to a bounded wake
buffer the scheduler drains.
*/
package sched
