// Package syscall is the kernel's single entry surface: a frozen numeric
// table mapping call numbers to handlers over the wired subsystems.
//
// The table is append-only. A number, once assigned, is never reused or
// renumbered, so old userspace binaries fail with a loud reject instead
// of silently invoking the wrong call. Malformed input (an unknown
// number, a non-zero word past a call's argument count, a stray operand)
// is rejected with EInvalidArgument before any handler runs; nothing is
// coerced. Results travel as two registers plus an optional copy-out
// buffer, with errors flattened to the stable errno codes of the defs
// taxonomy.
package syscall
