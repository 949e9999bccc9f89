// Package gateway orchestrates the huddle-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the huddle-gateway
// server. It owns and wires all major components: the document store, the
// room registry and fan-out, the session state machine, the chunk assembler,
// the event router, and the HTTP server carrying the websocket endpoint.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /ws - Websocket event endpoint (join_room, message, terminate)
//   - POST /api/sessions - Create a session
//   - GET /api/sessions/{id} - Fetch a session
//   - GET /api/sessions/{id}/messages - Fetch a session's messages
//   - GET /api/integrations/schemas - Data-integration schema discovery
//   - GET/POST /api/integrations/{name}/jobs - List or trigger jobs
//   - POST /webhooks/inbound - Relay an external webhook into a session
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # Listeners
//
// By default the gateway listens on a plain TCP address. With Tailscale
// enabled it joins the tailnet via tsnet and listens there instead.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = gw.Run(ctx) // blocks until ctx is canceled
package gateway
