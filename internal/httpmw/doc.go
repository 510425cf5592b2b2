// Package httpmw holds the HTTP middleware shared by the API and ops
// listeners.
//
// httpserver.NewHandler composes them outermost first: recover, security
// headers, request ID, client IP, tracing, trace response headers, metrics,
// request logger, then the chi router with access logging.
//
// Query strings, user agents and request bodies are never logged.
package httpmw
