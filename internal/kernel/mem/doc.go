/*
Package mem implements the address space manager: per-space page-table
roots, explicit map/unmap/protect with permission bits, write-xor-execute
enforcement, and an address-space switch primitive with targeted
translation-cache invalidation.

# Overview

Address spaces are modeled, not wired to hardware: a three-level page table
maps virtual page numbers to physical frames drawn from a bounded frame
pool, and each core carries a software TLB tagged by (address space, page)
so a switch never flushes translations wholesale. Unmap and protect shoot
down exactly the entries they invalidate, on every core.

# Invariants

  - No mapping is ever writable and executable at once; map and protect
    both reject such requests with ErrInvalidPermissions.
  - Kernel template regions are mapped identically into every space and
    share frames; they are never unmapped by user requests.
  - Frames are reference counted: shared-grant mappings pin their frames,
    so revoking one holder never frees memory still mapped elsewhere.

# Locking

The manager lock is ordered before scheduler and capability locks
system-wide. Per-space locks nest inside the manager lock; the frame pool
and per-core TLB locks are leaves.
*/
package mem
