// Package api provides the HTTP REST API and WebSocket server for Fleetcore.
//
// Two WebSocket surfaces are exposed: /ws/tablet for the managed devices
// themselves (register, report status, receive commands) and /ws/dashboard
// for observers that watch fleet state and issue commands. The REST surface
// under /api/v1 mirrors the dashboard's capabilities for non-WebSocket
// clients.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
