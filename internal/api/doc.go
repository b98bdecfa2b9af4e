// Package api implements the HTTP REST API and WebSocket server for Factory Core.
//
// This package provides:
//   - Per-domain REST endpoints over the gateway: status, topics, schemas,
//     message buffers, payload generation, validation and publishing
//   - Read endpoints for orders, warehouse stock and TXT sensors
//   - Environment switching (mock, replay, live) and the publish audit trail
//   - Prometheus metrics and a JSON system overview
//   - WebSocket hub relaying refresh-bus events
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The server sits between the dashboard and the core. Reads go straight to
// the gateway of the domain named in the URL; publishes go through the
// gateway so they are validated and audited. State changes flow the other
// way as refresh events: the router emits one per matching refresh group
// after the managers ran, and the hub forwards it to every WebSocket client
// subscribed to a channel with the group's name (or to "*").
//
// A subscribe request may name a domain; group events received by another
// domain's transport are then withheld from that client. The reply to a
// subscribe carries the latest event of each requested group. Environment
// switches are broadcast on the "environment" channel.
//
// # Routes
//
//	GET    /api/v1/health
//	GET    /api/v1/metrics
//	GET    /api/v1/system
//	GET    /api/v1/environment
//	PUT    /api/v1/environment
//	GET    /api/v1/refresh
//	GET    /api/v1/refresh/{group}
//	GET    /api/v1/audit
//	GET    /api/v1/domains
//	GET    /api/v1/domains/{domain}/status
//	GET    /api/v1/domains/{domain}/connection
//	GET    /api/v1/domains/{domain}/topics
//	GET    /api/v1/domains/{domain}/schemas
//	GET    /api/v1/domains/{domain}/buffers
//	DELETE /api/v1/domains/{domain}/buffers
//	POST   /api/v1/domains/{domain}/messages/generate
//	POST   /api/v1/domains/{domain}/messages/validate
//	POST   /api/v1/domains/{domain}/messages/publish
//	GET    /api/v1/domains/{domain}/orders
//	GET    /api/v1/domains/{domain}/orders/{id}
//	GET    /api/v1/domains/{domain}/orders/{id}/plan
//	GET    /api/v1/domains/{domain}/stock
//	GET    /api/v1/domains/{domain}/sensors
//	GET    /api/v1/domains/{domain}/sensors/camera
//	GET    /api/v1/ws
package api
