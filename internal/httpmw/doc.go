// Package httpmw provides HTTP middleware for the public relay listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP resolution, OTEL tracing, trace
// response headers, metrics, request-scoped logger, then the chi router which
// adds route annotation, access logging and the body limit.
//
// The client IP resolved here is the address the access policy matches against
// the allow-list, so it must run before the guard. Request bodies and
// user-supplied headers are never logged, webhook payloads can carry secrets.
package httpmw
