/*
Package observe carries the kernel's self-observation instruments: a
flight recorder and an SLO harness.

The flight recorder is a bounded ring of structured events that always
keeps flying; when full it overwrites the oldest entry and counts the
loss. Boot tees the kernel's zap output into it, so every subsystem's
logging doubles as the black box without any call-site changes. Each
event carries a blake2b hash chaining it to its predecessor, and Dump
writes the ring as a canonical CBOR stream in a zstd frame, so a dump
pulled off a crashed node is both compact and tamper-evident.

The SLO harness keeps rolling latency windows per category (context
switch, IPC round trip) and reduces them to empirical quantiles on
demand. Optional p99 targets turn a report into a pass/fail gate.
*/
package observe
