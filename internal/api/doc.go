// Package api implements the HTTP API and WebSocket server for Pebble Core.
//
// This package provides:
//   - POST /api/v1/events/{kind} for devices and gateways without a broker
//   - Operator queries for device state, stored readings, relation counts
//     and the audit trail
//   - A WebSocket hub streaming handler outcomes on "pebble.outcome" and
//     per-device "pebble.device.{id}" channels
//   - Middleware stack (request ID, logging, recovery, CORS, body limit,
//     bearer JWT auth, token bucket rate limit)
//   - Prometheus exposition on /metrics when a handler is supplied
//
// # Event ingress
//
// The request body is the raw event payload, passed to the dispatcher
// unchanged. The response is always {"event_id": ..., "status": 0|-1} for a
// handled event: a rejected event is still a 200, since the status field
// carries the result. Only transport problems (unknown kind, oversized
// body, auth, rate limit) use other HTTP codes.
//
// # Security
//
// With security.ingress_auth enabled every route except /health, /ws and
// /metrics requires an HS256 bearer token minted by IssueToken (see the
// "pebblecore token" command). WebSocket connections then use single-use
// tickets from POST /auth/ws-ticket so tokens never appear in URLs.
//
// # Lifecycle
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
