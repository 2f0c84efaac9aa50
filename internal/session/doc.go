// Package session manages the device's connection to the platform.
//
// A Manager dials a Transport, keeps one session (a Conn plus its
// goroutines) alive at a time and rebuilds it with exponential backoff
// and jitter whenever it fails. Callers never block on the network:
// Publish enqueues a Message for the session's single writer and returns
// a Pending that completes when the transport acknowledges the send.
//
// # Session lifecycle
//
//	Disconnected ──Start──▶ Connecting ──dial ok──▶ Connected
//	      ▲                     │  ▲                    │
//	      │                 dial│  │backoff             │conn lost /
//	      │                 fail▼  │                    │idle timeout
//	      └──────────────── Connecting ◀────────────────┘
//
// On every Connected transition the manager replays reports still held
// in the Outbox, then runs the OnConnected hooks in registration order.
// On teardown every outstanding Pending completes with ErrSessionLost and
// the OnDisconnected hooks run.
//
// # Correlation
//
// Every outbound message receives a monotonically increasing ID. The
// Pending for an ID is removed exactly once: on ack, on timeout
// (ErrRequestTimedOut) or on teardown (ErrSessionLost). An ack arriving
// after the timeout finds nothing to resolve and is ignored.
package session
