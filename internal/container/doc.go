// Package container holds the services of one device and routes every
// read, write and command invocation to them.
//
// Each service is stored under its registration name together with an
// exclusive lock. Device-side updates (Update), platform writes
// (ApplyWrites, RouteWrite), snapshots and command handlers for one
// service all run under that lock, so they never interleave. Different
// services proceed concurrently. The name → service map itself is
// read-mostly and guarded by an RWMutex.
//
// Registration closes the service's schema: the set of properties and
// commands is fixed for the lifetime of the container.
package container
