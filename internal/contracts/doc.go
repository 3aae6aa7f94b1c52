// Package contracts defines versioned IPC service contracts: the shape
// a channel takes when a session binds an endpoint, and the envelope
// frames sessions exchange over it.
//
// Contracts are userspace input, re-registered on every boot from YAML
// registry files plus a built-in set; the kernel persists nothing. A
// receiver rejects any schema version other than the one its contract
// names; there is no best-effort parsing of mismatched frames.
package contracts
