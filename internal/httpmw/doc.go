// Package httpmw provides the HTTP middleware of the public edge listener.
//
// Order, outermost first, is set in httpserver.NewHandler: security headers,
// recover, request ID, client IP, rate limit, OTEL tracing, edge profile
// headers, metrics, request-scoped logger, chi router. Per-route middleware
// (EdgeAuth for the API, RUMPath for monitoring beacons) runs inside the router.
//
// Credentials and other user-supplied header values are never logged.
package httpmw
