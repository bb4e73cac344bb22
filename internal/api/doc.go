// Package api provides the HTTP REST API and WebSocket server for the CAN
// relay service.
//
// Routes (all under /api/v1):
//
//	GET  /health                  liveness, no auth
//	GET  /metrics                 runtime, bus and connection statistics, no auth
//	GET  /relays                  cached state of every relay
//	GET  /relays/{node}           cached state of one relay
//	GET  /relays/{node}/history   relay state history, newest first
//	POST /relays/{node}/switch    switch a relay (bearer token)
//	POST /relays/refresh          re-scan the bus (bearer token)
//	POST /relays/detect           scan without updating the cache (bearer token)
//	POST /auth/ws-ticket          single-use WebSocket ticket (bearer token)
//	GET  /ws?ticket=...           live relay events
//
// Mutating routes require an HS256 JWT signed with security.jwt.secret.
// The Hub implements the bridge's event broadcaster, so relay changes reach
// WebSocket clients subscribed to "canrelay.state" and "canrelay.offline".
// A state subscription may name nodes to filter on and is answered with a
// snapshot of the current states before live events follow.
package api
