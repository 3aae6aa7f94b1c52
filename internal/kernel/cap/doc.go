/*
Package cap implements the capability manager: per-process handle tables,
generation-checked validation, label-grouped revocation, and a bounded,
rate-capped audit log.

# Model

A capability is a slot in its owner's fixed handle-table arena holding an
object descriptor, a rights bitmap, and an optional expiry scope. The
user-visible handle packs the slot index with the generation the slot had
at mint time. Generation parity encodes liveness (odd live, even free);
every allocation and invalidation bumps it, so a stale handle can be told
apart from a forged one: an odd generation behind the slot's current value
is use-after-revoke, anything else is invalid.

# Revocation

Capabilities minted for the same resource share a label, and the
revocation index maps each label to its holders by (pid, slot) coordinates
only, never pointers, so index entries survive arbitrary slot reuse.
Revoke deletes the index entry under the manager lock (the linearization
point against concurrent lookups), bumps every holder slot, then fires
registered teardown hooks before returning, so dependent state such as
channel peers and shared-memory grants is gone when the caller resumes.
Revoking a label twice is a no-op.

# Audit

Every operation appends to a bounded ring, capped per process by a token
bucket. Records past the cap are counted and dropped; auditing never
blocks or fails an operation.

# Locking

The manager lock is ordered after scheduler queue locks; per-table locks
nest inside it. Lookup touches only its table lock and runs in constant
time.
*/
package cap
