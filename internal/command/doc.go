// Package command executes platform command invocations.
//
// Each inbound command request becomes an Invocation that moves through
//
//	Received ──▶ Executing ──▶ Responded
//	    │
//	    └──────▶ Rejected
//
// A request naming an unknown service or command, or carrying parameters
// of the wrong type, is Rejected and answered without running any code.
// Otherwise the handler runs on its own goroutine under the service lock
// with a deadline; a handler that overruns is answered with a timeout
// failure while it finishes in the background. Responses carry the
// inbound request ID.
package command
