// Package gateway wires the consult gateway together and serves it.
//
// # Overview
//
// New builds every component from the configuration and injects it where it
// is needed: the SQLite store, the compute engine client, session leases
// (in-memory or Redis), the OPA policy engine, the streaming relay, the
// preflight validator, the checkpoint controller, the draft service and the
// mission orchestrator. Nothing is held in package-level state.
//
// # HTTP API
//
//   - POST /stream - modes 1-2 relay the engine stream; modes 3-4 launch a mission
//   - POST /preflight - run the preflight battery without launching
//   - GET /checkpoint/{id}, POST /checkpoint/{id} - read and resolve checkpoints
//   - GET/POST /drafts, GET/PUT/DELETE /drafts/{id} - guided journey drafts
//   - GET /missions/{id}, DELETE /missions/{id} - read and cancel missions
//   - GET /missions/{id}/events - follow a running mission over SSE
//   - GET /modes - the mode catalog
//   - GET /health, GET /health/ready, GET /metrics - unauthenticated health checks
//
// API routes require the x-tenant-id and x-user-id headers, plus a matching
// bearer token when auth.jwt_secret is configured.
//
// # SSE Streaming
//
// Stream responses use text/event-stream with buffering disabled. Frames from
// the engine are written byte for byte as they arrive:
//
//	event: token
//	data: {"text":"..."}
//
// Mission streams add status events on every transition. Every stream ends
// with a done or error event.
//
// # gRPC
//
// When server.grpc_addr is set the standard grpc.health.v1 service is served
// there. It reports SERVING while Run is active.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// Run also recovers missions orphaned by a previous process and starts the
// checkpoint and dedupe sweepers.
package gateway
