// Package timeutil provides SerializableTimer, a timer primitive that keeps
// enough deterministic state (start time, duration, running/stopped/expired)
// to be snapshotted and compared in tests, while still driving real callback
// execution off a background time.Timer.
//
// The transaction timer fleets in package timer build on SerializableTimer
// rather than bare time.AfterFunc because every RFC 3261 timer (A, B, D,
// E1/E2, F, G, H, I, J, K, Trying, Stale) and every STUN retransmission
// timer needs its remaining/elapsed duration inspectable from outside the
// callback for logging and tests — time.Timer exposes neither.
package timeutil
