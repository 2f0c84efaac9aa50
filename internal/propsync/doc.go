// Package propsync keeps the platform's copy of the device shadow current.
//
// Device code calls FireChanged after it updates a service. The Engine
// marks the service's properties dirty and wakes a single flusher
// goroutine, which publishes one report per dirty service in the order
// services first became dirty. Any number of FireChanged calls made
// before a service's report is taken collapse into that one report.
//
// While the session is down nothing is published; changes accumulate as
// dirty flags. When a session comes up the Engine sends exactly one full
// report of every service and clears all dirty flags before resuming
// normal flushing.
//
// The Engine also answers platform property writes (HandleWrite) and
// property queries (HandleGet).
package propsync
