// Package server hosts the FrameMill render API from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, rate limiting, security headers, and CORS so handlers all share
// common protections and instrumentation.
package server
