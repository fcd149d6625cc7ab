// Package server provides HTTP routing, middleware, and the REST and websocket handlers of the node.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally; patterns carry the method and may hold path
// wildcards, so GET, PATCH and DELETE of one player path are separate routes.
//
// # Middleware
//
//   - [Recovery] turns panics into a 500 error body
//   - [RequestLogger] logs requests as configured by logging.request
//   - [Metrics] counts requests by route pattern and status
//   - [Authorization] compares the Authorization header with node.password
//
// # Errors
//
// Handlers return the node error body: timestamp, status, error, message and path. The status is derived
// from the sentinel errors of the shared package, and ?trace=true adds the full error chain.
//
// # Websocket
//
// [WebSocketHandler] upgrades GET /v4/websocket and attaches the connection to a player session. The first
// message is always the ready message; player updates, stats and events follow.
//
// # Handler Interface
//
// Custom handlers implement the [Handler] interface, which wraps the stdlib handler interface and adds routes,
// allowing handlers to register multiple routes to encapsulate route definitions within the implementation.
package server
