// Package ws carries service sessions over WebSocket. Each connection
// spawns a process under init whose main thread issues every syscall the
// socket asks for, so a session sees exactly the semantics a native
// caller would: the same rights checks, the same backpressure, the same
// errno taxonomy.
//
// Frames are contract envelopes (version, endpoint, kind, payload).
// Client kinds:
//
//	open   bind a registered endpoint; mints the channel the contract
//	       describes and returns both handles
//	send   enqueue the payload on the endpoint's send handle
//	recv   dequeue one message; payload may carry {"timeout":"50ms"}
//	echo   send then receive in one step, timing the round trip
//	close  release both endpoint handles
//
// Replies are hello, opened, sent, message, timeout, echoed, closed, and
// error. Every envelope must carry the contract's exact schema version;
// anything else is rejected, there is no best-effort parsing of newer or
// older frames. Blocking receives are clamped to maxRecvWait so a dead
// peer cannot strand the session goroutine. Handle transfer is a syscall
// feature only; envelopes carry payload bytes, never handles.
package ws
