// Package ipc implements bounded, capability-gated message channels and
// the shared-memory grant protocol that rides on them.
//
// # Channels
//
// A channel is a bounded MPMC ring with an explicit credit counter. Every
// producer takes a credit before writing a slot, so capacity can never be
// oversubscribed no matter how many senders race. Endpoints are plain
// capabilities: Create mints a send endpoint (Send|Duplicate) and a
// receive endpoint (Receive|Duplicate) into the creator's table, and
// processes pass them onward with Clone, Transfer, or a capability riding
// inside a message.
//
// # Backpressure
//
// A full ring does what the channel's policy says: DropOldest evicts the
// head (the evicted slot's credit carries to the new message), Park blocks
// the sender with a two-phase park and an optional timeout, and Spill
// appends to a bounded overflow buffer. Spilled messages are strictly
// newer than anything in the ring, so delivery order stays FIFO: sends
// route to the overflow whenever it is non-empty, and receives drain the
// ring first.
//
// # Priority inheritance
//
// Parked senders inherit the rank of the best parked receiver so a
// high-rank consumer is never stalled behind a low-rank producer's
// backpressure. On latency-sensitive channels the wake path also boosts
// the receiver to the sender's rank before unparking it. Donations are
// cleared when the operation that accepted them returns.
//
// # Closure
//
// Revoking an endpoint label (Close, region revocation, or process exit)
// flips that side's liveness flag through the capability teardown hook.
// Receivers drain buffered messages before seeing ErrPeerClosed; senders
// fail immediately. When both sides are gone the channel is destroyed.
//
// # Grants
//
// Grant pins a memory region's frames and publishes a cookie; MapGrant
// maps those frames into the address space of any process holding the
// channel's receive endpoint, with at most the granted read/write mask.
// Revoking the region label or either endpoint tears every mapping down
// synchronously and unpins the frames.
package ipc
