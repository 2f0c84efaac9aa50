// Package api provides the local read-only diagnostics HTTP API.
//
// It exposes the agent's health, the registered services with their
// schemas, the current shadow of each service and runtime statistics, so
// an operator on the device can see what the platform should be seeing.
// Nothing here can write properties or invoke commands; those only
// arrive from the platform.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
