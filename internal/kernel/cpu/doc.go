// Package cpu models the per-core execution state and the context switch
// engine. The engine is the single narrow boundary the scheduler drives:
// switch(outgoing, incoming) saves the outgoing register file into its
// thread, changes address space only when the two threads live in different
// spaces, and restores the incoming register file. Everything above this
// boundary is ordinary code operating on thread values.
//
// Invariants at the switch boundary: the per-core lock models the
// interrupts-off window and is held start to finish, the hot path performs
// no heap allocation, and a started switch runs to completion. Switching to
// a nil thread is a corrupted-kernel condition and panics.
package cpu
